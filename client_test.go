package couchsync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/autom8ter/couchsync"
	"github.com/autom8ter/couchsync/errors"
	"github.com/autom8ter/couchsync/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEncodeParams(t *testing.T) {
	values := couchsync.EncodeParams(map[string]any{
		"key":          "Person",
		"startkey":     []any{"a", 1},
		"limit":        10,
		"descending":   true,
		"stale":        "ok",
		"include_docs": false,
	})
	assert.Equal(t, `"Person"`, values.Get("key"))
	assert.Equal(t, `["a",1]`, values.Get("startkey"))
	assert.Equal(t, "10", values.Get("limit"))
	assert.Equal(t, "true", values.Get("descending"))
	assert.Equal(t, "ok", values.Get("stale"))
	assert.Equal(t, "false", values.Get("include_docs"))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "a%2Fb", couchsync.DocPath("a/b"))
	assert.Equal(t, "_design/app", couchsync.DocPath("_design/app"))
	assert.Equal(t, "_design/app/_view/by-type", couchsync.ViewPath("app", "by-type"))
}

func TestClient(t *testing.T) {
	testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
		client := adapter.Client()
		t.Run("info", func(t *testing.T) {
			srv.Put(testutil.NewPersonDoc())
			info, err := client.Info(ctx)
			assert.Nil(t, err)
			assert.Equal(t, "db", info.GetString("db_name"))
			assert.EqualValues(t, 1, info.Get("update_seq"))
		})
		t.Run("status codes are classified", func(t *testing.T) {
			_, err := client.Get(ctx, "missing")
			assert.True(t, errors.IsNotFound(err))
			doc := testutil.NewPersonDoc()
			srv.Put(doc)
			body, err := couchsync.NewDocumentFrom(map[string]any{"name": "stale"})
			assert.Nil(t, err)
			_, err = client.Put(ctx, doc["_id"].(string), body)
			assert.True(t, errors.IsConflict(err))
			_, err = client.Delete(ctx, doc["_id"].(string), "1-stale")
			assert.True(t, errors.IsConflict(err))
		})
		t.Run("non json bodies are malformed", func(t *testing.T) {
			srv.FailNext("get", 1)
			_, err := client.Get(ctx, "anything")
			assert.True(t, errors.IsMalformed(err))
		})
		t.Run("all docs skips missing and deleted documents", func(t *testing.T) {
			live, gone := testutil.NewPersonDoc(), testutil.NewPersonDoc()
			srv.Put(live)
			srv.Put(gone)
			srv.Delete(gone["_id"].(string))
			docs, err := client.AllDocs(ctx, []string{live["_id"].(string), gone["_id"].(string), "missing"})
			assert.Nil(t, err)
			assert.Len(t, docs, 1)
			assert.Equal(t, live["_id"], docs[0].GetString("_id"))
		})
	})
	t.Run("unreachable servers are transport failures", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		client := couchsync.NewClient(couchsync.Config{URL: url, DB: "db"}, nil, nil)
		_, err := client.Get(context.Background(), "doc")
		assert.True(t, errors.IsTransport(err))
	})
	t.Run("basic auth", func(t *testing.T) {
		var user, pass string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, _ = r.BasicAuth()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"db_name": "db"}`))
		}))
		defer srv.Close()
		client := couchsync.NewClient(couchsync.Config{URL: srv.URL, DB: "db", Username: "admin", Password: "secret"}, nil, nil)
		_, err := client.Info(context.Background())
		assert.Nil(t, err)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
	})
}
