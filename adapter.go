package couchsync

import (
	"context"
	"sync"

	"github.com/autom8ter/couchsync/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// ViewQuery queries a named view. Options are passed through verbatim.
type ViewQuery struct {
	// DesignDoc overrides the configured design document
	DesignDoc string
	// View is the view name
	View string
	// Options are view options, ex: limit, skip, startkey, descending
	Options map[string]any
}

// Adapter translates store commands into document database requests and keeps the store in sync
type Adapter struct {
	cfg        Config
	client     *Client
	codec      *Codec
	resolver   *Resolver
	store      Store
	reconciler *Reconciler
	logger     Logger
}

// NewAdapter creates an adapter that synchronizes the store with the configured database
func NewAdapter(cfg Config, store Store) (*Adapter, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New(errors.Validation, "empty store")
	}
	logger := cfg.Logger
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.LogLevel, map[string]any{"db": cfg.DB})
		if err != nil {
			return nil, errors.Wrap(err, errors.Validation, "failed to create logger")
		}
	}
	client := NewClient(cfg, cfg.HTTPClient, logger)
	codec := NewCodec(store.Schema(), cfg.NamingStrategy, CodecOptions{
		TypeTag:                   cfg.TypeTag,
		IncludeEmptyRelationships: cfg.IncludeEmptyRelationships,
	})
	a := &Adapter{
		cfg:      cfg,
		client:   client,
		codec:    codec,
		resolver: NewResolver(client, codec, cfg.DesignDoc, cfg.AssociationView, logger),
		store:    store,
		logger:   logger,
	}
	a.reconciler = newReconciler(a)
	return a, nil
}

// Client returns the adapter's http client
func (a *Adapter) Client() *Client {
	return a.client
}

// Codec returns the adapter's document codec
func (a *Adapter) Codec() *Codec {
	return a.codec
}

// Reconciler returns the adapter's reconciler
func (a *Adapter) Reconciler() *Reconciler {
	return a.reconciler
}

func (a *Adapter) typeSchema(typ string) (*TypeSchema, error) {
	ts, ok := a.store.Schema().Type(typ)
	if !ok {
		return nil, errors.New(errors.NotFound, "unknown type: %s", typ)
	}
	return ts, nil
}

// load runs documents through the resolver and materializes them into the store in one transaction.
// Documents tagged with another registered type are loaded as that type.
func (a *Adapter) load(ctx context.Context, ts *TypeSchema, docs []*Document) ([]*Record, error) {
	var (
		order  []string
		groups = map[string][]*Document{}
		types  = map[string]*TypeSchema{}
	)
	for _, doc := range docs {
		docType := ts
		if tagged, ok := a.codec.TypeOf(doc); ok {
			docType = tagged
		}
		if _, ok := groups[docType.Name]; !ok {
			order = append(order, docType.Name)
			types[docType.Name] = docType
		}
		groups[docType.Name] = append(groups[docType.Name], doc)
	}
	var materialized []lo.Tuple2[*TypeSchema, *Materialized]
	for _, name := range order {
		if err := a.resolver.Resolve(ctx, types[name], groups[name]); err != nil {
			return nil, err
		}
		for _, doc := range groups[name] {
			m, err := a.codec.FromDocument(types[name], doc)
			if err != nil {
				return nil, err
			}
			materialized = append(materialized, lo.T2(types[name], m))
		}
	}
	var records []*Record
	err := a.store.Transaction(func(tx Tx) error {
		for _, t := range materialized {
			records = append(records, tx.Load(t.A, t.B))
		}
		return nil
	})
	return records, err
}

// Find fetches a document by id and loads it
func (a *Adapter) Find(ctx context.Context, typ, id string) (*Record, error) {
	ts, err := a.typeSchema(typ)
	if err != nil {
		return nil, err
	}
	doc, err := a.client.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := a.load(ctx, ts, []*Document{doc})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// FindMany fetches the documents with the given ids in one request. Missing and deleted documents are skipped.
func (a *Adapter) FindMany(ctx context.Context, typ string, ids []string) ([]*Record, error) {
	ts, err := a.typeSchema(typ)
	if err != nil {
		return nil, err
	}
	docs, err := a.client.AllDocs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return a.load(ctx, ts, docs)
}

// FindQuery queries a view and loads every row's document
func (a *Adapter) FindQuery(ctx context.Context, typ string, query ViewQuery) ([]*Record, error) {
	ts, err := a.typeSchema(typ)
	if err != nil {
		return nil, err
	}
	if query.View == "" {
		return nil, errors.New(errors.Validation, "empty view name")
	}
	designDoc := query.DesignDoc
	if designDoc == "" {
		designDoc = a.cfg.DesignDoc
	}
	rows, err := a.client.Query(ctx, designDoc, query.View, query.Options)
	if err != nil {
		return nil, err
	}
	return a.load(ctx, ts, rowDocuments(rows))
}

// FindAll registers a live collection for the type and loads every document of the type
func (a *Adapter) FindAll(ctx context.Context, typ string) ([]*Record, error) {
	ts, err := a.typeSchema(typ)
	if err != nil {
		return nil, err
	}
	a.store.RegisterLiveCollection(ts.Name)
	var (
		view   = a.cfg.TypeView
		params = map[string]any{}
	)
	if a.cfg.ViewForType != nil {
		view = a.cfg.ViewForType(ts, params)
	} else {
		params["key"] = ts.Name
	}
	params["include_docs"] = true
	rows, err := a.client.Query(ctx, a.cfg.DesignDoc, view, params)
	if err != nil {
		return nil, err
	}
	return a.load(ctx, ts, rowDocuments(rows))
}

func rowDocuments(rows []ViewRow) []*Document {
	var docs []*Document
	for _, row := range rows {
		if row.Doc != nil {
			docs = append(docs, row.Doc)
			continue
		}
		if value, ok := row.Value.(map[string]any); ok && value[idField] != nil {
			if doc, err := NewDocumentFrom(value); err == nil {
				docs = append(docs, doc)
			}
		}
	}
	return docs
}

func (a *Adapter) document(rec *Record, opts ToDocumentOptions) (*Document, error) {
	doc, err := a.codec.ToDocument(rec, opts)
	if err != nil {
		return nil, err
	}
	if err := rec.Type().Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// saveFailed reports a failed write to the store. Rejected writes mark the record invalid.
func (a *Adapter) saveFailed(ctx context.Context, rec *Record, err error) error {
	tags := map[string]any{
		"type": rec.TypeName(),
		"id":   rec.ID(),
	}
	switch {
	case errors.IsConflict(err), errors.Is(err, errors.Validation):
		a.store.RecordWasInvalid(rec, err)
		tags["error"] = err.Error()
		a.logger.Warn(ctx, "write rejected", tags)
	default:
		a.store.DidFailSave(rec, err)
		a.logger.Error(ctx, "write failed", err, tags)
	}
	return err
}

func (a *Adapter) didSave(rec *Record, resp *Document) error {
	id, rev := resp.GetString("id"), resp.GetString("rev")
	if id == "" || rev == "" {
		return errors.New(errors.Malformed, "write response is missing id or rev: %s", resp.String())
	}
	a.store.DidSaveRecord(rec, id, rev)
	return nil
}

// CreateRecord creates the record's document. Records with an id are written to that id, others get a server assigned id.
func (a *Adapter) CreateRecord(ctx context.Context, rec *Record) error {
	doc, err := a.document(rec, ToDocumentOptions{IncludeID: true})
	if err != nil {
		return a.saveFailed(ctx, rec, err)
	}
	a.store.WillSaveRecord(rec)
	var resp *Document
	if id := rec.ID(); id != "" {
		resp, err = a.client.Put(ctx, id, doc)
	} else {
		resp, err = a.client.Post(ctx, doc)
	}
	if err != nil {
		return a.saveFailed(ctx, rec, err)
	}
	if err := a.didSave(rec, resp); err != nil {
		return a.saveFailed(ctx, rec, err)
	}
	if toMany := rec.Type().ToMany(); len(toMany) > 0 {
		a.store.DidSaveRelationships(rec, lo.Map(toMany, func(r Relationship, _ int) string {
			return r.Name
		}))
	}
	return nil
}

// UpdateRecord writes the record's document with its last known revision. A stale revision marks the record invalid.
func (a *Adapter) UpdateRecord(ctx context.Context, rec *Record) error {
	if rec.ID() == "" {
		return errors.New(errors.Validation, "%s: cannot update a record without an id", rec.TypeName())
	}
	doc, err := a.document(rec, ToDocumentOptions{IncludeID: true, IncludeRev: true})
	if err != nil {
		return a.saveFailed(ctx, rec, err)
	}
	a.store.WillSaveRecord(rec)
	resp, err := a.client.Put(ctx, rec.ID(), doc)
	if err != nil {
		return a.saveFailed(ctx, rec, err)
	}
	if err := a.didSave(rec, resp); err != nil {
		return a.saveFailed(ctx, rec, err)
	}
	return nil
}

// DeleteRecord deletes the record's document. Records deleted by a remote change are removed without a request.
func (a *Adapter) DeleteRecord(ctx context.Context, rec *Record) error {
	if rec.DeletionReason() == DeletedByRemote || rec.ID() == "" {
		a.store.DidDeleteRecord(rec)
		return nil
	}
	a.store.WillSaveRecord(rec)
	if _, err := a.client.Delete(ctx, rec.ID(), rec.Rev()); err != nil {
		return a.saveFailed(ctx, rec, err)
	}
	a.store.DidDeleteRecord(rec)
	return nil
}

// Commit saves the given records, or every dirty record in the store. Records are saved concurrently and
// every failure is returned. Conflicted records are skipped until they are resolved.
func (a *Adapter) Commit(ctx context.Context, records ...*Record) error {
	if len(records) == 0 {
		records = a.store.DirtyRecords()
	}
	var (
		mu   sync.Mutex
		errs *multierror.Error
		egp  errgroup.Group
	)
	egp.SetLimit(a.cfg.MaxConcurrentSaves)
	for _, rec := range records {
		rec := rec
		egp.Go(func() error {
			if err := a.commit(ctx, rec); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = egp.Wait()
	return errs.ErrorOrNil()
}

func (a *Adapter) commit(ctx context.Context, rec *Record) error {
	switch {
	case rec.State() == Conflicted, rec.IsSaving():
		return nil
	case rec.IsDeleted():
		if rec.IsNew() || !rec.IsDirty() {
			return nil
		}
		return a.DeleteRecord(ctx, rec)
	case rec.IsNew():
		return a.CreateRecord(ctx, rec)
	case rec.IsDirty():
		return a.UpdateRecord(ctx, rec)
	default:
		return nil
	}
}

// Subscribe starts consuming the change feed and reconciles every change into the store
func (a *Adapter) Subscribe(ctx context.Context, opts ChangesOptions) *Subscription {
	opts.Listeners = append([]ChangeListener{a.reconciler.Listener()}, opts.Listeners...)
	return a.client.Changes(ctx, opts)
}
