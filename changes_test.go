package couchsync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/autom8ter/couchsync"
	"github.com/autom8ter/couchsync/checkpoint"
	"github.com/autom8ter/couchsync/testutil"
	"github.com/stretchr/testify/assert"
)

type collector struct {
	mu      sync.Mutex
	changes []couchsync.Change
	batches int
}

func (c *collector) listener() couchsync.ChangeListener {
	return func(ctx context.Context, changes *couchsync.Changes) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.batches++
		c.changes = append(c.changes, changes.Results...)
	}
}

func (c *collector) received() []couchsync.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]couchsync.Change{}, c.changes...)
}

func (c *collector) waitFor(n int) bool {
	return testutil.WaitFor(3*time.Second, func() bool {
		return len(c.received()) >= n
	})
}

func TestChanges(t *testing.T) {
	t.Run("starts at the current update sequence", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			srv.Put(testutil.NewPersonDoc())
			srv.Put(testutil.NewPersonDoc())
			c := &collector{}
			sub := adapter.Client().Changes(ctx, couchsync.ChangesOptions{Listeners: []couchsync.ChangeListener{c.listener()}})
			defer sub.Stop()
			assert.True(t, testutil.WaitFor(time.Second, func() bool {
				return sub.Since() == "2"
			}))
			doc := testutil.NewPersonDoc()
			rev := srv.Put(doc)
			assert.True(t, c.waitFor(1))
			received := c.received()
			assert.Len(t, received, 1)
			assert.Equal(t, doc["_id"], received[0].ID)
			assert.Equal(t, "3", received[0].Seq)
			assert.Equal(t, []string{rev}, received[0].Revs)
			assert.Equal(t, doc["name"], received[0].Doc.Get("name"))
			assert.False(t, received[0].IsDeletion())
			assert.Len(t, srv.RequestsTo("info"), 1)

			polls := srv.RequestsTo("changes")
			assert.Equal(t, "longpoll", polls[0].Query["feed"])
			assert.Equal(t, "2", polls[0].Query["since"])
			assert.Equal(t, "true", polls[0].Query["include_docs"])
			assert.Equal(t, "1000", polls[0].Query["heartbeat"])
		})
	})
	t.Run("explicit cursor", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			doc := testutil.NewPersonDoc()
			srv.Put(doc)
			srv.Put(doc)
			srv.Put(testutil.NewPersonDoc())
			c := &collector{}
			sub := adapter.Client().Changes(ctx, couchsync.ChangesOptions{
				Since:     "0",
				Listeners: []couchsync.ChangeListener{c.listener()},
			})
			defer sub.Stop()
			assert.True(t, c.waitFor(2))
			assert.Len(t, c.received(), 2)
			assert.Empty(t, srv.RequestsTo("info"))
			assert.True(t, testutil.WaitFor(time.Second, func() bool {
				return sub.Since() == "3"
			}))
		})
	})
	t.Run("deletions", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			doc := testutil.NewPersonDoc()
			srv.Put(doc)
			c := &collector{}
			sub := adapter.Client().Changes(ctx, couchsync.ChangesOptions{
				Since:     "1",
				Listeners: []couchsync.ChangeListener{c.listener()},
			})
			defer sub.Stop()
			srv.Delete(doc["_id"].(string))
			assert.True(t, c.waitFor(1))
			assert.True(t, c.received()[0].IsDeletion())
		})
	})
	t.Run("failed requests are retried with backoff", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			srv.FailNext("info", 2)
			srv.FailNext("changes", 3)
			c := &collector{}
			sub := adapter.Client().Changes(ctx, couchsync.ChangesOptions{Listeners: []couchsync.ChangeListener{c.listener()}})
			defer sub.Stop()
			assert.True(t, testutil.WaitFor(2*time.Second, func() bool {
				return len(srv.RequestsTo("changes")) >= 4
			}))
			assert.Len(t, srv.RequestsTo("info"), 3)
			doc := testutil.NewPersonDoc()
			srv.Put(doc)
			assert.True(t, c.waitFor(1))
			assert.Equal(t, doc["_id"], c.received()[0].ID)
		})
	})
	t.Run("backoff doubles up to the cap and resets after a success", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			const base = 50 * time.Millisecond
			srv.SetLongPollTimeout(time.Second)
			srv.Put(testutil.NewPersonDoc())
			srv.FailNext("changes", 4)
			sub := adapter.Client().Changes(ctx, couchsync.ChangesOptions{Since: "0"})
			defer sub.Stop()
			gaps := func(from, to int) []time.Duration {
				polls := srv.RequestsTo("changes")
				var gaps []time.Duration
				for i := from; i < to; i++ {
					gaps = append(gaps, polls[i+1].Time.Sub(polls[i].Time))
				}
				return gaps
			}
			// four failures, one success, then a long-poll that blocks
			assert.True(t, testutil.WaitFor(3*time.Second, func() bool {
				return len(srv.RequestsTo("changes")) >= 6
			}))
			streak := gaps(0, 4)
			assert.GreaterOrEqual(t, streak[0], base)
			assert.GreaterOrEqual(t, streak[1], 2*base)
			assert.GreaterOrEqual(t, streak[2], 4*base)
			assert.GreaterOrEqual(t, streak[3], 4*base)
			assert.Less(t, streak[3], 8*base)

			srv.FailNext("changes", 2)
			srv.Put(testutil.NewPersonDoc())
			assert.True(t, testutil.WaitFor(3*time.Second, func() bool {
				return len(srv.RequestsTo("changes")) >= 9
			}))
			again := gaps(6, 8)
			assert.GreaterOrEqual(t, again[0], base)
			assert.Less(t, again[0], 3*base)
			assert.GreaterOrEqual(t, again[1], 2*base)
		}, func(cfg *couchsync.Config) {
			cfg.BackoffBase = 50 * time.Millisecond
			cfg.MaxBackoff = 200 * time.Millisecond
		})
	})
	t.Run("stop", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			c := &collector{}
			sub := adapter.Client().Changes(ctx, couchsync.ChangesOptions{
				Since:     "0",
				Listeners: []couchsync.ChangeListener{c.listener()},
			})
			assert.True(t, testutil.WaitFor(time.Second, func() bool {
				return len(srv.RequestsTo("changes")) > 0
			}))
			sub.Stop()
			srv.Put(testutil.NewPersonDoc())
			select {
			case <-sub.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("subscription did not stop")
			}
			polls := len(srv.RequestsTo("changes"))
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, polls, len(srv.RequestsTo("changes")))
			assert.Empty(t, c.received())
		})
	})
	t.Run("context cancellation", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			ctx, cancel := context.WithCancel(ctx)
			sub := adapter.Client().Changes(ctx, couchsync.ChangesOptions{Since: "0"})
			cancel()
			select {
			case <-sub.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("subscription did not stop")
			}
		})
	})
	t.Run("checkpoint", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			srv.Put(testutil.NewPersonDoc())
			skipped := testutil.NewPersonDoc()
			srv.Put(skipped)
			cp := checkpoint.NewMemory()
			assert.Nil(t, cp.Set(ctx, "db", "1"))
			c := &collector{}
			sub := adapter.Client().Changes(ctx, couchsync.ChangesOptions{
				Checkpoint: cp,
				Listeners:  []couchsync.ChangeListener{c.listener()},
			})
			defer sub.Stop()
			assert.True(t, c.waitFor(1))
			assert.Equal(t, skipped["_id"], c.received()[0].ID)
			assert.Empty(t, srv.RequestsTo("info"))
			assert.True(t, testutil.WaitFor(time.Second, func() bool {
				cursor, ok, _ := cp.Get(ctx, "db")
				return ok && cursor == "2"
			}))
		})
	})
	t.Run("listeners are called in registration order", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			var (
				mu    sync.Mutex
				order []string
			)
			record := func(name string) couchsync.ChangeListener {
				return func(ctx context.Context, changes *couchsync.Changes) {
					if len(changes.Results) == 0 {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					order = append(order, name)
				}
			}
			sub := adapter.Client().Changes(ctx, couchsync.ChangesOptions{
				Since:     "0",
				Listeners: []couchsync.ChangeListener{record("first")},
			})
			defer sub.Stop()
			sub.OnChange(record("second"))
			srv.Put(testutil.NewPersonDoc())
			assert.True(t, testutil.WaitFor(2*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(order) >= 2
			}))
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []string{"first", "second"}, order[:2])
		})
	})
}
