package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/autom8ter/couchsync"
	"github.com/brianvoe/gofakeit/v6"

	_ "embed"
)

var (
	//go:embed testdata/schema.yaml
	schemaYAML []byte
)

// Schema returns the Person / Article / Tag schema: a person writes many articles and an article has many tags
func Schema() *couchsync.Schema {
	schema, err := couchsync.LoadSchema(schemaYAML)
	if err != nil {
		panic(err)
	}
	return schema
}

// SchemaYAML returns the raw schema fixture
func SchemaYAML() []byte {
	return schemaYAML
}

// Config returns an adapter config pointed at the fake server with a fast backoff
func Config(srv *Server) couchsync.Config {
	return couchsync.Config{
		URL:         srv.URL,
		DB:          srv.DB(),
		Heartbeat:   time.Second,
		BackoffBase: 5 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
		Logger:      couchsync.NopLogger(),
	}
}

// TestAdapter creates a fake server, a store and an adapter and passes them to fn. Everything is closed afterwards.
func TestAdapter(t testing.TB, fn func(ctx context.Context, srv *Server, store *couchsync.MemStore, adapter *couchsync.Adapter), opts ...func(cfg *couchsync.Config)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer("db", couchsync.DefaultTypeTag)
	defer srv.Close()
	cfg := Config(srv)
	for _, o := range opts {
		o(&cfg)
	}
	store := couchsync.NewMemStore(Schema())
	adapter, err := couchsync.NewAdapter(cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	fn(ctx, srv, store, adapter)
}

// NewPersonDoc returns a fake Person document with a random id
func NewPersonDoc() map[string]any {
	return map[string]any{
		"_id":  gofakeit.UUID(),
		"name": gofakeit.Name(),
		couchsync.DefaultTypeTag: map[string]any{
			"type": "Person",
		},
	}
}

// NewArticleDoc returns a fake Article document written by the given person
func NewArticleDoc(writerID string) map[string]any {
	doc := map[string]any{
		"_id":   gofakeit.UUID(),
		"label": gofakeit.Sentence(4),
		couchsync.DefaultTypeTag: map[string]any{
			"type":      "Article",
			"belongsTo": []string{"writer"},
		},
	}
	if writerID != "" {
		doc["writer"] = writerID
	}
	return doc
}

// NewTagDoc returns a fake Tag document attached to the given article
func NewTagDoc(articleID string) map[string]any {
	doc := map[string]any{
		"_id":   gofakeit.UUID(),
		"label": gofakeit.Word(),
		couchsync.DefaultTypeTag: map[string]any{
			"type":      "Tag",
			"belongsTo": []string{"article"},
		},
	}
	if articleID != "" {
		doc["article"] = articleID
	}
	return doc
}

// WaitFor polls fn until it returns true or the timeout expires
func WaitFor(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fn()
}
