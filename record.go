package couchsync

import (
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
	"github.com/segmentio/ksuid"
)

// State is the synchronization state of a record
type State int

const (
	// Clean records match their last known persisted state
	Clean State = iota
	// Dirty records have local edits that are not persisted yet
	Dirty
	// Conflicted records have local edits that collided with a remote change and need an explicit resolution
	Conflicted
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Conflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// DeletionReason records why a record was deleted
type DeletionReason int

const (
	// NotDeleted records are live
	NotDeleted DeletionReason = iota
	// DeletedByUser records were deleted locally and must be deleted on the server
	DeletedByUser
	// DeletedByRemote records were deleted on the server and are removed locally without a request
	DeletedByRemote
)

// Record is the in-memory representation of one document. Records are owned by a Store, which performs every mutation.
type Record struct {
	mu       sync.RWMutex
	typ      *TypeSchema
	clientID string
	created  uint64
	id       string
	rev      string
	// state holds attributes and toOne foreign ids keyed by field name
	state     *Document
	persisted *Document
	toMany    map[string][]string
	// knownToMany tracks which toMany fields are up to date with the server
	knownToMany map[string]bool
	isNew       bool
	saving      bool
	deletion    DeletionReason
	deleted     bool
	conflict    *Conflict
	invalid     error
}

var recordSeq uint64

func newRecord(typ *TypeSchema, id string) *Record {
	return &Record{
		typ:         typ,
		clientID:    ksuid.New().String(),
		created:     atomic.AddUint64(&recordSeq, 1),
		id:          id,
		state:       NewDocument(),
		persisted:   NewDocument(),
		toMany:      map[string][]string{},
		knownToMany: map[string]bool{},
	}
}

// Type returns the record's type schema
func (r *Record) Type() *TypeSchema {
	return r.typ
}

// TypeName returns the record's type name
func (r *Record) TypeName() string {
	return r.typ.Name
}

// ClientID returns the local identifier assigned when the record was created in memory
func (r *Record) ClientID() string {
	return r.clientID
}

// ID returns the server side document id. It is empty until a new record without an explicit id is saved.
func (r *Record) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// Rev returns the last known revision token
func (r *Record) Rev() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rev
}

// Get returns the value of an attribute
func (r *Record) Get(attribute string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, isRel := r.typ.Relationship(attribute); isRel {
		return nil
	}
	return r.state.Get(attribute)
}

// Attributes returns a copy of the scalar attributes
func (r *Record) Attributes() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attributes()
}

func (r *Record) attributes() map[string]any {
	values := r.state.Value()
	for _, rel := range r.typ.ToOne() {
		delete(values, rel.Name)
	}
	return values
}

// BelongsTo returns the related id of a toOne field, or an empty string
func (r *Record) BelongsTo(field string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.GetString(field)
}

// HasMany returns the materialized ids of a toMany field
func (r *Record) HasMany(field string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.toMany[field]...)
}

// IsNew returns true if the record was never saved
func (r *Record) IsNew() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isNew
}

// IsSaving returns true while a write for the record is in flight
func (r *Record) IsSaving() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saving
}

// IsDeleted returns true if the record was deleted locally or remotely
func (r *Record) IsDeleted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deletion != NotDeleted
}

// DeletionReason returns why the record was deleted
func (r *Record) DeletionReason() DeletionReason {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deletion
}

// IsDirty returns true if the record has local changes that must be persisted.
// toMany fields never dirty a record: the inverse toOne field on the related record is persisted instead.
func (r *Record) IsDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isDirty()
}

func (r *Record) isDirty() bool {
	if r.isNew {
		return r.deletion == NotDeleted
	}
	if r.deletion == DeletedByUser {
		return !r.deleted
	}
	if r.deletion == DeletedByRemote {
		return false
	}
	return len(r.state.Diff(r.persisted)) > 0
}

// State returns the synchronization state
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.conflict != nil:
		return Conflicted
	case r.isDirty():
		return Dirty
	default:
		return Clean
	}
}

// Conflict returns the unresolved conflict, if any
func (r *Record) Conflict() *Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conflict
}

// Invalid returns the error of the last rejected write, if any
func (r *Record) Invalid() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.invalid
}

// Changes returns the field operations between the last persisted state and the current state
func (r *Record) Changes() []JSONFieldOp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Diff(r.persisted)
}

// Scan decodes the attributes into a struct based on its json tags
func (r *Record) Scan(value any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Scan(value)
}

func (r *Record) toManyKnown(field string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.knownToMany[field]
}

func (r *Record) addToMany(field, id string) bool {
	if lo.Contains(r.toMany[field], id) {
		return false
	}
	r.toMany[field] = append(r.toMany[field], id)
	return true
}

func (r *Record) removeFromMany(field, id string) bool {
	if !lo.Contains(r.toMany[field], id) {
		return false
	}
	r.toMany[field] = lo.Filter(r.toMany[field], func(existing string, _ int) bool {
		return existing != id
	})
	return true
}
