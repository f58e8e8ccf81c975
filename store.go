package couchsync

import (
	"sort"
	"sync"

	"github.com/autom8ter/couchsync/errors"
	"github.com/autom8ter/couchsync/internal/safe"
	"github.com/samber/lo"
)

// Store is the object store the engine keeps in sync. It owns every record and performs every mutation;
// the adapter and the reconciler only report outcomes to it.
type Store interface {
	// Schema returns the type registry
	Schema() *Schema
	// Load materializes server state into the identity map, replacing local state. Loading never dirties a record.
	Load(ts *TypeSchema, m *Materialized) *Record
	// RecordForID returns the cached record with the given server id, regardless of its type
	RecordForID(id string) (*Record, bool)
	// Record returns the cached record of the given type and server id
	Record(typ, id string) (*Record, bool)
	// HasLiveCollection returns true if every record of the type is being tracked
	HasLiveCollection(typ string) bool
	// RegisterLiveCollection starts tracking every record of the type
	RegisterLiveCollection(typ string)
	// WillSaveRecord flags the record as having a write in flight
	WillSaveRecord(rec *Record)
	// DidSaveRecord merges the server assigned id and revision and marks the record clean
	DidSaveRecord(rec *Record, id, rev string)
	// DidSaveRelationships marks the toMany fields as up to date
	DidSaveRelationships(rec *Record, fields []string)
	// RecordWasInvalid reports a rejected write. The record keeps its local edits.
	RecordWasInvalid(rec *Record, err error)
	// DidFailSave reports a write that never completed. The record keeps its local edits.
	DidFailSave(rec *Record, err error)
	// DidDeleteRecord reports a completed deletion
	DidDeleteRecord(rec *Record)
	// MarkConflicted flags the record with a remote change that collided with local edits
	MarkConflicted(rec *Record, c *Conflict)
	// ClearConflict removes the conflict flag without touching local state
	ClearConflict(rec *Record)
	// Rollback discards local edits
	Rollback(rec *Record)
	// Rebase adopts the server state as the last persisted state while keeping local edits
	Rebase(rec *Record, m *Materialized)
	// MarkRemoteDeleted flags the record for a silent deletion
	MarkRemoteDeleted(rec *Record)
	// Transaction runs fn against the store atomically. Observers are notified once, after fn returns.
	Transaction(fn func(tx Tx) error) error
	// DirtyRecords returns every record with local changes that has no write in flight
	DirtyRecords() []*Record
}

// Tx is a set of store mutations applied atomically
type Tx interface {
	Load(ts *TypeSchema, m *Materialized) *Record
	Rollback(rec *Record)
	Rebase(rec *Record, m *Materialized)
	ClearConflict(rec *Record)
	MarkRemoteDeleted(rec *Record)
}

// Observer is notified with the records changed by a store mutation
type Observer func(records []*Record)

// MemStore is an in-memory identity map implementing Store
type MemStore struct {
	mu        sync.Mutex
	schema    *Schema
	byID      *safe.Map[*Record]
	byClient  *safe.Map[*Record]
	live      *safe.Map[bool]
	observers []Observer
}

// NewMemStore creates an empty store for the schema
func NewMemStore(schema *Schema) *MemStore {
	return &MemStore{
		schema:   schema,
		byID:     safe.NewMap[*Record](nil),
		byClient: safe.NewMap[*Record](nil),
		live:     safe.NewMap[bool](nil),
	}
}

// Observe registers an observer of record changes
func (s *MemStore) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *MemStore) Schema() *Schema {
	return s.schema
}

func (s *MemStore) RecordForID(id string) (*Record, bool) {
	if id == "" {
		return nil, false
	}
	return s.byID.Lookup(id)
}

func (s *MemStore) Record(typ, id string) (*Record, bool) {
	rec, ok := s.RecordForID(id)
	if !ok || rec.TypeName() != typ {
		return nil, false
	}
	return rec, true
}

func (s *MemStore) HasLiveCollection(typ string) bool {
	return s.live.Get(typ)
}

func (s *MemStore) RegisterLiveCollection(typ string) {
	s.live.Set(typ, true)
}

// All returns the live records of the type in creation order
func (s *MemStore) All(typ string) []*Record {
	var records []*Record
	s.byClient.Range(func(_ string, rec *Record) bool {
		if rec.TypeName() == typ && !rec.IsDeleted() {
			records = append(records, rec)
		}
		return true
	})
	sortRecords(records)
	return records
}

func (s *MemStore) DirtyRecords() []*Record {
	var records []*Record
	s.byClient.Range(func(_ string, rec *Record) bool {
		if rec.IsDirty() && !rec.IsSaving() {
			records = append(records, rec)
		}
		return true
	})
	sortRecords(records)
	return records
}

func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].created < records[j].created
	})
}

// CreateRecord adds a new record of the type to the store. An empty id lets the server assign one on save.
func (s *MemStore) CreateRecord(typ, id string, attributes map[string]any) (*Record, error) {
	ts, ok := s.schema.Type(typ)
	if !ok {
		return nil, errors.New(errors.NotFound, "unknown type: %s", typ)
	}
	var rec *Record
	err := s.update(func(tx *memTx) error {
		if id != "" && s.byID.Exists(id) {
			return errors.New(errors.Conflict, "%s: record already exists: %s", typ, id)
		}
		rec = newRecord(ts, id)
		rec.isNew = true
		for _, k := range lo.Keys(attributes) {
			if err := tx.set(rec, k, attributes[k]); err != nil {
				return err
			}
		}
		tx.add(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Set sets an attribute, dirtying the record
func (s *MemStore) Set(rec *Record, attribute string, value any) error {
	return s.update(func(tx *memTx) error {
		return tx.set(rec, attribute, value)
	})
}

// SetBelongsTo sets a toOne field, dirtying the record. The related record's inverse toMany list follows
// without dirtying it. An empty id clears the relationship.
func (s *MemStore) SetBelongsTo(rec *Record, field, id string) error {
	return s.update(func(tx *memTx) error {
		return tx.setBelongsTo(rec, field, id)
	})
}

// AddToMany adds child to a toMany field of parent by setting the child's inverse toOne field.
// Only the child is dirtied.
func (s *MemStore) AddToMany(parent *Record, field string, child *Record) error {
	return s.update(func(tx *memTx) error {
		inverse, err := tx.inverseOf(parent, field, child)
		if err != nil {
			return err
		}
		if parent.ID() == "" {
			return errors.New(errors.Validation, "%s: parent must be saved before records are added to %s", parent.TypeName(), field)
		}
		return tx.setBelongsTo(child, inverse, parent.ID())
	})
}

// RemoveFromMany removes child from a toMany field of parent by clearing the child's inverse toOne field.
// Only the child is dirtied.
func (s *MemStore) RemoveFromMany(parent *Record, field string, child *Record) error {
	return s.update(func(tx *memTx) error {
		inverse, err := tx.inverseOf(parent, field, child)
		if err != nil {
			return err
		}
		if child.BelongsTo(inverse) != parent.ID() {
			return nil
		}
		return tx.setBelongsTo(child, inverse, "")
	})
}

// DeleteRecord marks the record for deletion on the next commit. Records that were never saved are dropped immediately.
func (s *MemStore) DeleteRecord(rec *Record) {
	_ = s.update(func(tx *memTx) error {
		tx.touch(rec)
		rec.mu.Lock()
		rec.deletion = DeletedByUser
		isNew := rec.isNew
		rec.mu.Unlock()
		if isNew {
			tx.drop(rec)
		}
		return nil
	})
}

func (s *MemStore) Load(ts *TypeSchema, m *Materialized) *Record {
	var rec *Record
	_ = s.update(func(tx *memTx) error {
		rec = tx.Load(ts, m)
		return nil
	})
	return rec
}

func (s *MemStore) WillSaveRecord(rec *Record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.saving = true
}

func (s *MemStore) DidSaveRecord(rec *Record, id, rev string) {
	_ = s.update(func(tx *memTx) error {
		tx.touch(rec)
		rec.mu.Lock()
		assigned := rec.id == "" && id != ""
		if assigned {
			rec.id = id
		}
		rec.rev = rev
		rec.persisted = rec.state.Clone()
		rec.isNew = false
		rec.saving = false
		rec.invalid = nil
		rec.mu.Unlock()
		if assigned {
			s.byID.Set(id, rec)
			tx.linkInverses(rec, NewDocument(), rec.state)
		}
		return nil
	})
}

func (s *MemStore) DidSaveRelationships(rec *Record, fields []string) {
	_ = s.update(func(tx *memTx) error {
		tx.touch(rec)
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, f := range fields {
			rec.knownToMany[f] = true
			if rec.toMany[f] == nil {
				rec.toMany[f] = []string{}
			}
		}
		return nil
	})
}

func (s *MemStore) RecordWasInvalid(rec *Record, err error) {
	_ = s.update(func(tx *memTx) error {
		tx.touch(rec)
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.saving = false
		rec.invalid = err
		return nil
	})
}

func (s *MemStore) DidFailSave(rec *Record, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.saving = false
}

func (s *MemStore) DidDeleteRecord(rec *Record) {
	_ = s.update(func(tx *memTx) error {
		tx.touch(rec)
		rec.mu.Lock()
		rec.deleted = true
		rec.saving = false
		rec.conflict = nil
		rec.invalid = nil
		state := rec.state
		rec.mu.Unlock()
		tx.linkInverses(rec, state, NewDocument())
		return nil
	})
}

func (s *MemStore) MarkConflicted(rec *Record, c *Conflict) {
	_ = s.update(func(tx *memTx) error {
		tx.touch(rec)
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.conflict = c
		return nil
	})
}

func (s *MemStore) ClearConflict(rec *Record) {
	_ = s.update(func(tx *memTx) error {
		tx.ClearConflict(rec)
		return nil
	})
}

func (s *MemStore) Rollback(rec *Record) {
	_ = s.update(func(tx *memTx) error {
		tx.Rollback(rec)
		return nil
	})
}

func (s *MemStore) Rebase(rec *Record, m *Materialized) {
	_ = s.update(func(tx *memTx) error {
		tx.Rebase(rec, m)
		return nil
	})
}

func (s *MemStore) MarkRemoteDeleted(rec *Record) {
	_ = s.update(func(tx *memTx) error {
		tx.MarkRemoteDeleted(rec)
		return nil
	})
}

func (s *MemStore) Transaction(fn func(tx Tx) error) error {
	return s.update(func(tx *memTx) error {
		return fn(tx)
	})
}

// update runs fn under the store lock. If fn fails every touched record is restored.
// Observers are notified after the lock is released.
func (s *MemStore) update(fn func(tx *memTx) error) error {
	s.mu.Lock()
	tx := &memTx{store: s, snapshots: map[*Record]*recordSnapshot{}}
	err := fn(tx)
	if err != nil {
		tx.restore()
	}
	observers := append([]Observer{}, s.observers...)
	s.mu.Unlock()
	if err != nil || len(tx.order) == 0 {
		return err
	}
	for _, o := range observers {
		o(tx.order)
	}
	return nil
}

type recordSnapshot struct {
	id          string
	rev         string
	state       *Document
	persisted   *Document
	toMany      map[string][]string
	knownToMany map[string]bool
	isNew       bool
	saving      bool
	deletion    DeletionReason
	deleted     bool
	conflict    *Conflict
	invalid     error
	indexed     bool
}

type memTx struct {
	store     *MemStore
	snapshots map[*Record]*recordSnapshot
	order     []*Record
}

func (tx *memTx) touch(rec *Record) {
	if _, ok := tx.snapshots[rec]; ok {
		return
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	toMany := map[string][]string{}
	for k, v := range rec.toMany {
		toMany[k] = append([]string{}, v...)
	}
	known := map[string]bool{}
	for k, v := range rec.knownToMany {
		known[k] = v
	}
	tx.snapshots[rec] = &recordSnapshot{
		id:          rec.id,
		rev:         rec.rev,
		state:       rec.state.Clone(),
		persisted:   rec.persisted.Clone(),
		toMany:      toMany,
		knownToMany: known,
		isNew:       rec.isNew,
		saving:      rec.saving,
		deletion:    rec.deletion,
		deleted:     rec.deleted,
		conflict:    rec.conflict,
		invalid:     rec.invalid,
		indexed:     tx.store.byClient.Exists(rec.clientID),
	}
	tx.order = append(tx.order, rec)
}

func (tx *memTx) restore() {
	for rec, snap := range tx.snapshots {
		rec.mu.Lock()
		if rec.id != "" && rec.id != snap.id {
			tx.store.byID.Del(rec.id)
		}
		rec.id = snap.id
		rec.rev = snap.rev
		rec.state = snap.state
		rec.persisted = snap.persisted
		rec.toMany = snap.toMany
		rec.knownToMany = snap.knownToMany
		rec.isNew = snap.isNew
		rec.saving = snap.saving
		rec.deletion = snap.deletion
		rec.deleted = snap.deleted
		rec.conflict = snap.conflict
		rec.invalid = snap.invalid
		rec.mu.Unlock()
		if snap.indexed {
			tx.store.byClient.Set(rec.clientID, rec)
			if snap.id != "" {
				tx.store.byID.Set(snap.id, rec)
			}
		} else {
			tx.store.byClient.Del(rec.clientID)
			if snap.id != "" {
				tx.store.byID.Del(snap.id)
			}
		}
	}
}

func (tx *memTx) add(rec *Record) {
	tx.touch(rec)
	tx.snapshots[rec].indexed = false
	tx.store.byClient.Set(rec.clientID, rec)
	if id := rec.ID(); id != "" {
		tx.store.byID.Set(id, rec)
	}
}

func (tx *memTx) drop(rec *Record) {
	tx.touch(rec)
	tx.store.byClient.Del(rec.clientID)
	if id := rec.ID(); id != "" {
		tx.store.byID.Del(id)
	}
}

func (tx *memTx) set(rec *Record, attribute string, value any) error {
	if err := validateName(attribute); err != nil {
		return errors.Wrap(err, errors.Validation, "%s: invalid attribute", rec.TypeName())
	}
	if !rec.typ.HasAttribute(attribute) {
		return errors.New(errors.Validation, "%s: unknown attribute %s", rec.TypeName(), attribute)
	}
	tx.touch(rec)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state.Set(escapeKey(attribute), value)
}

func (tx *memTx) setBelongsTo(rec *Record, field, id string) error {
	rel, ok := rec.typ.Relationship(field)
	if !ok || rel.Kind != ToOne {
		return errors.New(errors.Validation, "%s: %s is not a toOne relationship", rec.TypeName(), field)
	}
	tx.touch(rec)
	rec.mu.Lock()
	before := rec.state.Clone()
	var err error
	if id == "" {
		err = rec.state.Del(escapeKey(field))
	} else {
		err = rec.state.Set(escapeKey(field), id)
	}
	after := rec.state
	rec.mu.Unlock()
	if err != nil {
		return err
	}
	tx.linkInverses(rec, before, after)
	return nil
}

func (tx *memTx) inverseOf(parent *Record, field string, child *Record) (string, error) {
	rel, ok := parent.typ.Relationship(field)
	if !ok || rel.Kind != ToMany {
		return "", errors.New(errors.Validation, "%s: %s is not a toMany relationship", parent.TypeName(), field)
	}
	if child.TypeName() != rel.Type {
		return "", errors.New(errors.Validation, "%s.%s holds %s records, not %s", parent.TypeName(), field, rel.Type, child.TypeName())
	}
	inverse, ok := parent.typ.Inverse(field)
	if !ok {
		return "", errors.New(errors.Validation, "%s.%s has no toOne inverse on %s", parent.TypeName(), field, rel.Type)
	}
	return inverse, nil
}

// linkInverses moves rec between the toMany lists of the records its toOne fields pointed to before and after.
// The related records are never dirtied.
func (tx *memTx) linkInverses(rec *Record, before, after *Document) {
	id := rec.ID()
	if id == "" {
		return
	}
	for _, rel := range rec.typ.ToOne() {
		inverse, ok := rec.typ.Inverse(rel.Name)
		if !ok {
			continue
		}
		related, ok := tx.store.schema.Type(rel.Type)
		if !ok {
			continue
		}
		if invRel, ok := related.Relationship(inverse); !ok || invRel.Kind != ToMany {
			continue
		}
		oldID, newID := before.GetString(escapeKey(rel.Name)), after.GetString(escapeKey(rel.Name))
		if oldID == newID {
			continue
		}
		if parent, ok := tx.store.Record(rel.Type, oldID); ok {
			tx.touch(parent)
			parent.mu.Lock()
			parent.removeFromMany(inverse, id)
			parent.mu.Unlock()
		}
		if parent, ok := tx.store.Record(rel.Type, newID); ok {
			tx.touch(parent)
			parent.mu.Lock()
			parent.addToMany(inverse, id)
			parent.mu.Unlock()
		}
	}
}

func materializedState(ts *TypeSchema, m *Materialized) *Document {
	state := NewDocument()
	for _, k := range lo.Keys(m.Attributes) {
		_ = state.Set(escapeKey(k), m.Attributes[k])
	}
	for _, rel := range ts.ToOne() {
		if id := m.ToOne[rel.Name]; id != "" {
			_ = state.Set(escapeKey(rel.Name), id)
		}
	}
	return state
}

func (tx *memTx) Load(ts *TypeSchema, m *Materialized) *Record {
	rec, ok := tx.store.Record(ts.Name, m.ID)
	if !ok {
		rec = newRecord(ts, m.ID)
		tx.add(rec)
	} else {
		tx.touch(rec)
	}
	state := materializedState(ts, m)
	rec.mu.Lock()
	before := rec.state
	rec.state = state
	rec.persisted = state.Clone()
	rec.rev = m.Rev
	rec.isNew = false
	rec.deletion = NotDeleted
	rec.deleted = false
	rec.conflict = nil
	rec.invalid = nil
	for field, ids := range m.ToMany {
		rec.toMany[field] = append([]string{}, ids...)
		rec.knownToMany[field] = true
	}
	rec.mu.Unlock()
	tx.linkInverses(rec, before, state)
	return rec
}

func (tx *memTx) Rollback(rec *Record) {
	tx.touch(rec)
	rec.mu.Lock()
	before := rec.state
	rec.state = rec.persisted.Clone()
	after := rec.state
	if rec.deletion == DeletedByUser && !rec.deleted {
		rec.deletion = NotDeleted
	}
	rec.conflict = nil
	rec.invalid = nil
	rec.mu.Unlock()
	tx.linkInverses(rec, before, after)
}

func (tx *memTx) Rebase(rec *Record, m *Materialized) {
	tx.touch(rec)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.persisted = materializedState(rec.typ, m)
	rec.rev = m.Rev
	if m.Rev != "" {
		rec.isNew = false
	}
	rec.conflict = nil
}

func (tx *memTx) ClearConflict(rec *Record) {
	tx.touch(rec)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.conflict = nil
}

func (tx *memTx) MarkRemoteDeleted(rec *Record) {
	tx.touch(rec)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.deletion = DeletedByRemote
	rec.conflict = nil
	rec.state = rec.persisted.Clone()
}
