// Package checkpoint persists change feed cursors so that a subscription can resume where it stopped
package checkpoint

import (
	"context"

	"github.com/autom8ter/couchsync/errors"
	"github.com/autom8ter/couchsync/internal/safe"
)

// Store persists cursors by key
type Store interface {
	// Get returns the cursor stored under key and whether one exists
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores the cursor under key
	Set(ctx context.Context, key string, cursor string) error
	// Close releases the store's resources
	Close() error
}

// Opener opens a checkpoint store
type Opener func(params map[string]any) (Store, error)

var registeredOpeners = safe.NewMap[Opener](nil)

// Register registers an opener by name
func Register(name string, opener Opener) {
	registeredOpeners.Set(name, opener)
}

// Open opens a registered checkpoint store
func Open(name string, params map[string]any) (Store, error) {
	opener, ok := registeredOpeners.Lookup(name)
	if !ok {
		return nil, errors.New(errors.NotFound, "checkpoint store %s is not registered", name)
	}
	return opener(params)
}

// Registered returns the names of every registered store
func Registered() []string {
	return registeredOpeners.Keys()
}
