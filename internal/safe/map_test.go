package safe_test

import (
	"fmt"
	"testing"

	"github.com/autom8ter/couchsync/internal/safe"
	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
)

func Test(t *testing.T) {
	m := safe.NewMap[map[string]any](nil)
	assert.False(t, m.Exists("1"))
	for i := 0; i < 10; i++ {
		m.Set(fmt.Sprint(i), map[string]any{
			"value": i,
		})
	}
	assert.Equal(t, 10, m.Len())
	for i := 0; i < 10; i++ {
		assert.True(t, m.Exists(fmt.Sprint(i)))
		entry, ok := m.Lookup(fmt.Sprint(i))
		assert.True(t, ok)
		assert.Equal(t, entry["value"], i)
	}
	m.Range(func(key string, entry map[string]any) bool {
		assert.Equal(t, entry["value"], cast.ToInt(key))
		return true
	})
	assert.Equal(t, "0", m.Keys()[0])

	for i := 0; i < 10; i++ {
		m.Del(fmt.Sprint(i))
	}
	for i := 0; i < 10; i++ {
		assert.False(t, m.Exists(fmt.Sprint(i)))
	}
}
