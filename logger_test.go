package couchsync_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autom8ter/couchsync"
)

func TestLogger(t *testing.T) {
	t.Run("debug", func(t *testing.T) {
		logger, err := couchsync.NewLogger("debug", map[string]any{})
		assert.Nil(t, err)
		assert.NotNil(t, logger)
		logger.Debug(context.Background(), "debug logger", nil)
	})
	t.Run("info", func(t *testing.T) {
		logger, err := couchsync.NewLogger("info", map[string]any{"db": "test"})
		assert.Nil(t, err)
		assert.NotNil(t, logger)
		logger.Info(context.Background(), "info logger", nil)
	})
	t.Run("warn", func(t *testing.T) {
		logger, err := couchsync.NewLogger("warn", map[string]any{})
		assert.Nil(t, err)
		assert.NotNil(t, logger)
		logger.WithTags(map[string]any{"since": "12"}).Warn(context.Background(), "warn logger", nil)
	})
	t.Run("error", func(t *testing.T) {
		logger, err := couchsync.NewLogger("error", map[string]any{})
		assert.Nil(t, err)
		assert.NotNil(t, logger)
		logger.Error(context.Background(), "error logger", fmt.Errorf("this is an error"), nil)
	})
	t.Run("nop", func(t *testing.T) {
		logger := couchsync.NopLogger()
		logger.Info(context.Background(), "dropped", map[string]any{"a": 1})
		logger.Sync()
	})
}
