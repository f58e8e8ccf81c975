package checkpoint

import (
	"context"

	"github.com/autom8ter/couchsync/internal/safe"
)

func init() {
	Register("memory", func(params map[string]any) (Store, error) {
		return NewMemory(), nil
	})
}

type memory struct {
	cursors *safe.Map[string]
}

// NewMemory returns a store that keeps cursors for the life of the process
func NewMemory() Store {
	return &memory{cursors: safe.NewMap[string](nil)}
}

func (m *memory) Get(ctx context.Context, key string) (string, bool, error) {
	cursor, ok := m.cursors.Lookup(key)
	return cursor, ok, nil
}

func (m *memory) Set(ctx context.Context, key string, cursor string) error {
	m.cursors.Set(key, cursor)
	return nil
}

func (m *memory) Close() error {
	return nil
}
