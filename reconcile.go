package couchsync

import (
	"context"
	"time"

	"github.com/autom8ter/couchsync/errors"
)

// ConflictKind is the kind of remote change that collided with local edits
type ConflictKind int

const (
	// RemoteUpdate means the document was updated on the server
	RemoteUpdate ConflictKind = iota
	// RemoteDelete means the document was deleted on the server
	RemoteDelete
)

func (k ConflictKind) String() string {
	if k == RemoteDelete {
		return "remoteDelete"
	}
	return "remoteUpdate"
}

// Conflict is a remote change that arrived while the record had unsaved local edits
type Conflict struct {
	Kind      ConflictKind
	RemoteRev string
	// Remote is the incoming document. It is nil for deletions.
	Remote     *Document
	DetectedAt time.Time
}

// Resolution is the outcome a ConflictResolver picks for a conflicted record
type Resolution int

const (
	// Defer leaves the record conflicted until Reconciler.Resolve is called
	Defer Resolution = iota
	// KeepLocal adopts the remote revision and keeps the local edits. The next commit overwrites the remote state.
	KeepLocal
	// AcceptRemote discards the local edits and applies the remote change
	AcceptRemote
)

// ConflictResolver decides how a conflict is resolved
type ConflictResolver interface {
	ResolveConflict(ctx context.Context, rec *Record, conflict *Conflict) Resolution
}

// ConflictResolverFunc is a function that implements ConflictResolver
type ConflictResolverFunc func(ctx context.Context, rec *Record, conflict *Conflict) Resolution

func (f ConflictResolverFunc) ResolveConflict(ctx context.Context, rec *Record, conflict *Conflict) Resolution {
	return f(ctx, rec, conflict)
}

var (
	// KeepLocalResolver resolves every conflict in favor of local edits
	KeepLocalResolver ConflictResolver = ConflictResolverFunc(func(context.Context, *Record, *Conflict) Resolution {
		return KeepLocal
	})
	// AcceptRemoteResolver resolves every conflict in favor of the server
	AcceptRemoteResolver ConflictResolver = ConflictResolverFunc(func(context.Context, *Record, *Conflict) Resolution {
		return AcceptRemote
	})
)

// Reconciler merges change feed events into the store
type Reconciler struct {
	adapter  *Adapter
	resolver ConflictResolver
	hook     ConflictHook
	logger   Logger
	now      func() time.Time
}

func newReconciler(a *Adapter) *Reconciler {
	return &Reconciler{
		adapter:  a,
		resolver: a.cfg.ConflictResolver,
		hook:     a.cfg.OnConflict,
		logger:   a.logger,
		now:      time.Now,
	}
}

// Listener returns a change listener that processes every change in delivery order
func (r *Reconciler) Listener() ChangeListener {
	return func(ctx context.Context, changes *Changes) {
		for _, change := range changes.Results {
			if err := r.ProcessChange(ctx, change); err != nil {
				r.logger.Error(ctx, "failed to process change", err, map[string]any{
					"id":  change.ID,
					"seq": change.Seq,
				})
			}
		}
	}
}

// ProcessChange applies one remote change to the store
func (r *Reconciler) ProcessChange(ctx context.Context, change Change) error {
	store := r.adapter.store
	rec, known := store.RecordForID(change.ID)
	if known && rec.IsSaving() {
		// the outcome of the in-flight write decides
		r.logger.Debug(ctx, "ignoring change for record with a write in flight", map[string]any{"id": change.ID})
		return nil
	}
	if change.IsDeletion() {
		if !known {
			return nil
		}
		return r.remoteDelete(ctx, rec, change)
	}
	if change.Doc == nil {
		return nil
	}
	if known && rec.DeletionReason() != NotDeleted && !rec.IsDirty() {
		known = false
	}
	if !known {
		return r.remoteCreate(ctx, change.Doc)
	}
	return r.remoteUpdate(ctx, rec, change)
}

func (r *Reconciler) remoteDelete(ctx context.Context, rec *Record, change Change) error {
	switch dirty, deleted := rec.IsDirty(), rec.IsDeleted(); {
	case dirty && !deleted:
		return r.conflict(ctx, rec, &Conflict{
			Kind:       RemoteDelete,
			RemoteRev:  lastRev(change),
			DetectedAt: r.now(),
		})
	case deleted:
		return nil
	default:
		r.adapter.store.MarkRemoteDeleted(rec)
		return r.adapter.DeleteRecord(ctx, rec)
	}
}

func (r *Reconciler) remoteUpdate(ctx context.Context, rec *Record, change Change) error {
	rev := change.Doc.GetString(revField)
	if rec.IsDirty() || rec.State() == Conflicted {
		return r.conflict(ctx, rec, &Conflict{
			Kind:       RemoteUpdate,
			RemoteRev:  rev,
			Remote:     change.Doc,
			DetectedAt: r.now(),
		})
	}
	if rev != "" && rev == rec.Rev() {
		return nil
	}
	return r.merge(ctx, rec, change.Doc)
}

// merge overlays the incoming document onto the record's current state and loads the result
func (r *Reconciler) merge(ctx context.Context, rec *Record, remote *Document) error {
	var (
		a  = r.adapter
		ts = rec.Type()
	)
	current, err := a.codec.ToDocument(rec, ToDocumentOptions{IncludeID: true, IncludeRev: true})
	if err != nil {
		return err
	}
	if err := current.Overlay(remote); err != nil {
		return err
	}
	for _, key := range a.codec.ForeignKeys(ts) {
		if !remote.Exists(escapeKey(key)) {
			if err := current.Del(escapeKey(key)); err != nil {
				return err
			}
		}
	}
	if err := a.resolver.AddToManyRelationships(current, rec); err != nil {
		return err
	}
	if err := a.resolver.Resolve(ctx, ts, []*Document{current}); err != nil {
		return err
	}
	m, err := a.codec.FromDocument(ts, current)
	if err != nil {
		return err
	}
	return a.store.Transaction(func(tx Tx) error {
		tx.Load(ts, m)
		return nil
	})
}

func (r *Reconciler) remoteCreate(ctx context.Context, doc *Document) error {
	a := r.adapter
	ts, ok := a.codec.TypeOf(doc)
	if !ok {
		return nil
	}
	if !a.store.HasLiveCollection(ts.Name) && !r.referencesCached(doc) {
		return nil
	}
	_, err := a.load(ctx, ts, []*Document{doc})
	return err
}

func (r *Reconciler) referencesCached(doc *Document) bool {
	tag, ok := r.adapter.codec.TypeTag(doc)
	if !ok {
		return false
	}
	for _, key := range tag.BelongsTo {
		if _, ok := r.adapter.store.RecordForID(doc.GetString(escapeKey(key))); ok {
			return true
		}
	}
	return false
}

func (r *Reconciler) conflict(ctx context.Context, rec *Record, c *Conflict) error {
	r.adapter.store.MarkConflicted(rec, c)
	r.logger.Warn(ctx, "record conflicted", map[string]any{
		"type":      rec.TypeName(),
		"id":        rec.ID(),
		"kind":      c.Kind.String(),
		"remoteRev": c.RemoteRev,
	})
	if r.hook != nil {
		r.hook(rec, c)
	}
	if r.resolver == nil {
		return nil
	}
	return r.Resolve(ctx, rec, r.resolver.ResolveConflict(ctx, rec, c))
}

// Resolve resolves the record's conflict
func (r *Reconciler) Resolve(ctx context.Context, rec *Record, resolution Resolution) error {
	c := rec.Conflict()
	if c == nil {
		return errors.New(errors.Validation, "%s %s is not conflicted", rec.TypeName(), rec.ID())
	}
	a := r.adapter
	switch resolution {
	case KeepLocal:
		if c.Kind == RemoteDelete {
			// the next commit recreates the document
			a.store.Rebase(rec, &Materialized{ID: rec.ID()})
			return nil
		}
		m, err := a.codec.FromDocument(rec.Type(), c.Remote)
		if err != nil {
			return err
		}
		a.store.Rebase(rec, m)
		return nil
	case AcceptRemote:
		if c.Kind == RemoteDelete {
			a.store.MarkRemoteDeleted(rec)
			return a.DeleteRecord(ctx, rec)
		}
		a.store.Rollback(rec)
		return r.merge(ctx, rec, c.Remote)
	default:
		return nil
	}
}

func lastRev(change Change) string {
	if len(change.Revs) == 0 {
		return ""
	}
	return change.Revs[len(change.Revs)-1]
}
