package couchsync_test

import (
	"context"
	"strings"
	"testing"

	"github.com/autom8ter/couchsync"
	"github.com/autom8ter/couchsync/errors"
	"github.com/autom8ter/couchsync/testutil"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
)

func TestAdapterFind(t *testing.T) {
	testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
		person := testutil.NewPersonDoc()
		personID := person["_id"].(string)
		srv.Put(person)
		article := testutil.NewArticleDoc(personID)
		articleID := article["_id"].(string)
		srv.Put(article)
		srv.Put(testutil.NewArticleDoc(personID))
		srv.Put(testutil.NewTagDoc(articleID))
		srv.ResetRequests()

		t.Run("find", func(t *testing.T) {
			rec, err := adapter.Find(ctx, "Person", personID)
			assert.Nil(t, err)
			assert.Equal(t, personID, rec.ID())
			assert.Equal(t, srv.Rev(personID), rec.Rev())
			assert.Equal(t, person["name"], rec.Get("name"))
			assert.Equal(t, couchsync.Clean, rec.State())
			assert.Len(t, rec.HasMany("articles"), 2)
			assert.Len(t, srv.RequestsTo("get"), 1)
			assert.Equal(t, "/db/"+personID, srv.RequestsTo("get")[0].Path)
		})
		t.Run("toMany relationships are resolved with a single view query", func(t *testing.T) {
			views := srv.RequestsTo("view")
			assert.Len(t, views, 1)
			assert.Equal(t, "/db/_design/couchsync/_view/by-association", views[0].Path)
			assert.Equal(t, "POST", views[0].Method)
			assert.Equal(t, []any{personID}, views[0].Body["keys"])
		})
		t.Run("find missing", func(t *testing.T) {
			_, err := adapter.Find(ctx, "Person", "missing")
			assert.True(t, errors.IsNotFound(err))
		})
		t.Run("find unknown type", func(t *testing.T) {
			_, err := adapter.Find(ctx, "Comment", personID)
			assert.True(t, errors.IsNotFound(err))
		})
		t.Run("find many", func(t *testing.T) {
			srv.ResetRequests()
			records, err := adapter.FindMany(ctx, "Article", []string{articleID, "missing"})
			assert.Nil(t, err)
			assert.Len(t, records, 1)
			assert.Equal(t, personID, records[0].BelongsTo("writer"))
			assert.Len(t, records[0].HasMany("tags"), 1)
			docs := srv.RequestsTo("allDocs")
			assert.Len(t, docs, 1)
			assert.Equal(t, "true", docs[0].Query["include_docs"])
			assert.Equal(t, []any{articleID, "missing"}, docs[0].Body["keys"])
			assert.Len(t, srv.RequestsTo("view"), 1)
		})
		t.Run("loading articles links them to the cached writer", func(t *testing.T) {
			rec, ok := store.Record("Person", personID)
			assert.True(t, ok)
			assert.Contains(t, rec.HasMany("articles"), articleID)
			assert.Equal(t, couchsync.Clean, rec.State())
		})
	})
}

func TestAdapterFindAll(t *testing.T) {
	t.Run("type view", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			srv.Put(testutil.NewTagDoc(""))
			srv.Put(testutil.NewTagDoc(""))
			srv.Put(testutil.NewPersonDoc())
			records, err := adapter.FindAll(ctx, "Tag")
			assert.Nil(t, err)
			assert.Len(t, records, 2)
			assert.True(t, store.HasLiveCollection("Tag"))
			assert.False(t, store.HasLiveCollection("Person"))
			views := srv.RequestsTo("view")
			assert.Len(t, views, 1)
			assert.Equal(t, "/db/_design/couchsync/_view/by-type", views[0].Path)
			assert.Equal(t, "GET", views[0].Method)
			assert.Equal(t, `"Tag"`, views[0].Query["key"])
			assert.Equal(t, "true", views[0].Query["include_docs"])
		})
	})
	t.Run("custom type lookup", func(t *testing.T) {
		testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
			srv.AddView("couchsync", "myTagView", func(doc map[string]any) []testutil.ViewRow {
				if doc["label"] == "go" {
					return []testutil.ViewRow{{Key: doc["label"]}}
				}
				return nil
			})
			tag := testutil.NewTagDoc("")
			tag["label"] = "go"
			srv.Put(tag)
			srv.Put(testutil.NewTagDoc(""))
			records, err := adapter.FindAll(ctx, "Tag")
			assert.Nil(t, err)
			assert.Len(t, records, 1)
			views := srv.RequestsTo("view")
			assert.Equal(t, "/db/_design/couchsync/_view/myTagView", views[0].Path)
			assert.Equal(t, "true", views[0].Query["include_docs"])
			assert.Equal(t, "5", views[0].Query["limit"])
		}, func(cfg *couchsync.Config) {
			cfg.ViewForType = func(ts *couchsync.TypeSchema, params map[string]any) string {
				params["limit"] = 5
				params["include_docs"] = false
				return "my" + ts.Name + "View"
			}
		})
	})
}

func TestAdapterFindQuery(t *testing.T) {
	testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
		byName := func(doc map[string]any) []testutil.ViewRow {
			if name, ok := doc["name"].(string); ok {
				return []testutil.ViewRow{{Key: name}}
			}
			return nil
		}
		srv.AddView("couchsync", "PERSONS_VIEW", byName)
		srv.AddView("people", "by-name", byName)
		for _, name := range []string{"Tom", "Yehuda", "Carl"} {
			doc := testutil.NewPersonDoc()
			doc["name"] = name
			srv.Put(doc)
		}
		t.Run("options are passed through", func(t *testing.T) {
			srv.ResetRequests()
			records, err := adapter.FindQuery(ctx, "Person", couchsync.ViewQuery{
				View: "PERSONS_VIEW",
				Options: map[string]any{
					"include_docs": true,
					"startkey":     "T",
					"endkey":       "Z",
					"limit":        1,
				},
			})
			assert.Nil(t, err)
			assert.Len(t, records, 1)
			assert.Equal(t, "Tom", records[0].Get("name"))
			req := srv.RequestsTo("view")[0]
			assert.Equal(t, "/db/_design/couchsync/_view/PERSONS_VIEW", req.Path)
			assert.Equal(t, `"T"`, req.Query["startkey"])
			assert.Equal(t, "1", req.Query["limit"])
		})
		t.Run("alternate design document with keys", func(t *testing.T) {
			srv.ResetRequests()
			records, err := adapter.FindQuery(ctx, "Person", couchsync.ViewQuery{
				DesignDoc: "people",
				View:      "by-name",
				Options: map[string]any{
					"include_docs": true,
					"keys":         []string{"Carl", "Yehuda"},
				},
			})
			assert.Nil(t, err)
			assert.Len(t, records, 2)
			req := srv.RequestsTo("view")[0]
			assert.Equal(t, "/db/_design/people/_view/by-name", req.Path)
			assert.Equal(t, "POST", req.Method)
			assert.Equal(t, []any{"Carl", "Yehuda"}, req.Body["keys"])
		})
		t.Run("missing view", func(t *testing.T) {
			_, err := adapter.FindQuery(ctx, "Person", couchsync.ViewQuery{View: "missing"})
			assert.True(t, errors.IsNotFound(err))
			_, err = adapter.FindQuery(ctx, "Person", couchsync.ViewQuery{})
			assert.True(t, errors.Is(err, errors.Validation))
		})
	})
}

func TestAdapterCreate(t *testing.T) {
	testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
		t.Run("server assigned id", func(t *testing.T) {
			person, err := store.CreateRecord("Person", "", map[string]any{"name": "Tom Dale"})
			assert.Nil(t, err)
			assert.Nil(t, adapter.CreateRecord(ctx, person))
			posts := srv.RequestsTo("post")
			assert.Len(t, posts, 1)
			assert.Equal(t, "/db/", posts[0].Path)
			assert.Equal(t, map[string]any{
				"name":      "Tom Dale",
				"couchsync": map[string]any{"type": "Person"},
			}, posts[0].Body)
			assert.NotEmpty(t, person.ID())
			assert.Equal(t, srv.Rev(person.ID()), person.Rev())
			assert.Equal(t, couchsync.Clean, person.State())
			assert.False(t, person.IsNew())
			assert.NotNil(t, person.HasMany("articles"))
		})
		t.Run("explicit id", func(t *testing.T) {
			article, err := store.CreateRecord("Article", "ember-data", map[string]any{"label": "Ember Data"})
			assert.Nil(t, err)
			assert.Nil(t, adapter.CreateRecord(ctx, article))
			puts := srv.RequestsTo("put")
			assert.Len(t, puts, 1)
			assert.Equal(t, "/db/ember-data", puts[0].Path)
			assert.Equal(t, "ember-data", puts[0].Body["_id"])
			assert.Nil(t, puts[0].Body["_rev"])
			assert.Equal(t, "Ember Data", srv.Doc("ember-data")["label"])
		})
		t.Run("belongsTo is embedded", func(t *testing.T) {
			person, _ := store.CreateRecord("Person", "p1", map[string]any{"name": "Tom"})
			assert.Nil(t, adapter.CreateRecord(ctx, person))
			article, _ := store.CreateRecord("Article", "", map[string]any{"label": "Rails"})
			assert.Nil(t, store.AddToMany(person, "articles", article))
			assert.Nil(t, adapter.CreateRecord(ctx, article))
			doc := srv.Doc(article.ID())
			assert.Equal(t, "p1", doc["writer"])
			assert.Equal(t, map[string]any{"type": "Article", "belongsTo": []any{"writer"}}, doc["couchsync"])
			assert.Nil(t, srv.Doc("p1")["articles"])
			assert.Equal(t, []string{article.ID()}, person.HasMany("articles"))
		})
		t.Run("json schema violations are rejected before the request", func(t *testing.T) {
			srv.ResetRequests()
			tag, _ := store.CreateRecord("Tag", "", map[string]any{"label": strings.Repeat("label", 20)})
			err := adapter.CreateRecord(ctx, tag)
			assert.True(t, errors.Is(err, errors.Validation))
			assert.NotNil(t, tag.Invalid())
			assert.Empty(t, srv.Requests())
		})
		t.Run("existing id conflicts", func(t *testing.T) {
			srv.Put(map[string]any{"_id": "taken", "name": "other"})
			taken, _ := store.CreateRecord("Person", "taken", map[string]any{"name": "Tom"})
			err := adapter.CreateRecord(ctx, taken)
			assert.True(t, errors.IsConflict(err))
			assert.True(t, taken.IsNew())
			assert.True(t, taken.IsDirty())
		})
	})
}

func TestAdapterUpdate(t *testing.T) {
	testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
		doc := testutil.NewPersonDoc()
		id := doc["_id"].(string)
		srv.Put(doc)
		person, err := adapter.Find(ctx, "Person", id)
		assert.Nil(t, err)
		t.Run("update sends the revision", func(t *testing.T) {
			rev := person.Rev()
			srv.ResetRequests()
			assert.Nil(t, store.Set(person, "name", "Yehuda"))
			assert.Nil(t, adapter.UpdateRecord(ctx, person))
			puts := srv.RequestsTo("put")
			assert.Len(t, puts, 1)
			assert.Equal(t, rev, puts[0].Body["_rev"])
			assert.Equal(t, id, puts[0].Body["_id"])
			assert.Nil(t, puts[0].Body["articles"])
			assert.NotEqual(t, rev, person.Rev())
			assert.Equal(t, couchsync.Clean, person.State())
			assert.Equal(t, "Yehuda", srv.Doc(id)["name"])
		})
		t.Run("stale revision marks the record invalid", func(t *testing.T) {
			srv.Put(map[string]any{"_id": id, "name": "Remote", "couchsync": map[string]any{"type": "Person"}})
			assert.Nil(t, store.Set(person, "name", "Carl"))
			err := adapter.UpdateRecord(ctx, person)
			assert.True(t, errors.IsConflict(err))
			assert.True(t, errors.IsConflict(person.Invalid()))
			assert.Equal(t, "Carl", person.Get("name"))
			assert.True(t, person.IsDirty())
			assert.False(t, person.IsSaving())
			assert.Equal(t, "Remote", srv.Doc(id)["name"])
		})
	})
}

func TestAdapterDelete(t *testing.T) {
	testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
		t.Run("delete sends the revision", func(t *testing.T) {
			doc := testutil.NewPersonDoc()
			id := doc["_id"].(string)
			srv.Put(doc)
			person, err := adapter.Find(ctx, "Person", id)
			assert.Nil(t, err)
			rev := person.Rev()
			store.DeleteRecord(person)
			assert.Nil(t, adapter.DeleteRecord(ctx, person))
			deletes := srv.RequestsTo("delete")
			assert.Len(t, deletes, 1)
			assert.Equal(t, "/db/"+id, deletes[0].Path)
			assert.Equal(t, rev, deletes[0].Query["rev"])
			assert.Nil(t, srv.Doc(id))
			assert.True(t, person.IsDeleted())
			assert.False(t, person.IsDirty())
		})
		t.Run("remote deletions skip the request", func(t *testing.T) {
			srv.ResetRequests()
			doc := testutil.NewPersonDoc()
			srv.Put(doc)
			person, err := adapter.Find(ctx, "Person", doc["_id"].(string))
			assert.Nil(t, err)
			store.MarkRemoteDeleted(person)
			assert.Nil(t, adapter.DeleteRecord(ctx, person))
			assert.Empty(t, srv.RequestsTo("delete"))
			assert.True(t, person.IsDeleted())
		})
		t.Run("stale revision", func(t *testing.T) {
			doc := testutil.NewPersonDoc()
			id := doc["_id"].(string)
			srv.Put(doc)
			person, err := adapter.Find(ctx, "Person", id)
			assert.Nil(t, err)
			srv.Put(doc)
			store.DeleteRecord(person)
			assert.True(t, errors.IsConflict(adapter.DeleteRecord(ctx, person)))
			assert.True(t, person.IsDirty())
			assert.NotNil(t, srv.Doc(id))
		})
	})
}

func TestAdapterCommit(t *testing.T) {
	testutil.TestAdapter(t, func(ctx context.Context, srv *testutil.Server, store *couchsync.MemStore, adapter *couchsync.Adapter) {
		existing := testutil.NewPersonDoc()
		srv.Put(existing)
		loaded, err := adapter.Find(ctx, "Person", existing["_id"].(string))
		assert.Nil(t, err)
		doomed := testutil.NewTagDoc("")
		srv.Put(doomed)
		tag, err := adapter.Find(ctx, "Tag", doomed["_id"].(string))
		assert.Nil(t, err)
		srv.ResetRequests()

		created, _ := store.CreateRecord("Person", "", map[string]any{"name": "Tom"})
		dropped, _ := store.CreateRecord("Person", "", map[string]any{"name": "never saved"})
		store.DeleteRecord(dropped)
		assert.Nil(t, store.Set(loaded, "name", "Yehuda"))
		store.DeleteRecord(tag)

		assert.Nil(t, adapter.Commit(ctx))
		assert.Len(t, srv.RequestsTo("post"), 1)
		assert.Len(t, srv.RequestsTo("put"), 1)
		assert.Len(t, srv.RequestsTo("delete"), 1)
		assert.Empty(t, store.DirtyRecords())
		assert.False(t, created.IsNew())
		assert.Equal(t, "Yehuda", srv.Doc(loaded.ID())["name"])
		assert.Nil(t, srv.Doc(tag.ID()))

		t.Run("every failure is returned", func(t *testing.T) {
			srv.ResetRequests()
			a, _ := store.CreateRecord("Person", "", map[string]any{"name": "a"})
			b, _ := store.CreateRecord("Person", "", map[string]any{"name": "b"})
			srv.FailNext("post", 2)
			err := adapter.Commit(ctx, a, b)
			merr, ok := err.(*multierror.Error)
			assert.True(t, ok)
			assert.Len(t, merr.Errors, 2)
			assert.True(t, errors.IsMalformed(merr.Errors[0]))
			assert.Len(t, srv.RequestsTo("post"), 2)
			assert.True(t, a.IsNew())
			assert.True(t, b.IsNew())
			assert.Len(t, store.DirtyRecords(), 2)
			assert.Nil(t, adapter.Commit(ctx))
			assert.Empty(t, store.DirtyRecords())
		})
		t.Run("conflicted records are skipped", func(t *testing.T) {
			srv.ResetRequests()
			assert.Nil(t, store.Set(loaded, "name", "Carl"))
			store.MarkConflicted(loaded, &couchsync.Conflict{Kind: couchsync.RemoteUpdate})
			assert.Nil(t, adapter.Commit(ctx))
			assert.Empty(t, srv.Requests())
			assert.Equal(t, couchsync.Conflicted, loaded.State())
		})
	})
}
