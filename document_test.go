package couchsync

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
)

func TestDocument(t *testing.T) {
	type contact struct {
		Email string `json:"email"`
		Phone string `json:"phone,omitempty"`
	}
	type person struct {
		ID      string  `json:"_id"`
		Contact contact `json:"contact"`
		Name    string  `json:"name"`
	}
	usr := person{ID: gofakeit.UUID(), Contact: contact{Email: gofakeit.Email(), Phone: gofakeit.Phone()}, Name: "john smith"}
	r, err := NewDocumentFrom(&usr)
	if err != nil {
		t.Fatal(err)
	}
	t.Run("get id", func(t *testing.T) {
		assert.Equal(t, usr.ID, r.GetString("_id"))
	})
	t.Run("get email", func(t *testing.T) {
		assert.Equal(t, usr.Contact.Email, r.Get("contact.email"))
	})
	t.Run("keys", func(t *testing.T) {
		assert.Equal(t, []string{"_id", "contact", "name"}, r.Keys())
	})
	t.Run("clone", func(t *testing.T) {
		cloned := r.Clone()
		assert.Nil(t, cloned.Set("name", "jane smith"))
		assert.Equal(t, "john smith", r.Get("name"))
		assert.Equal(t, "jane smith", cloned.Get("name"))
	})
	t.Run("scan", func(t *testing.T) {
		var p person
		assert.Nil(t, r.Scan(&p))
		assert.EqualValues(t, usr, p)
	})
	t.Run("not an object", func(t *testing.T) {
		_, err := NewDocumentFromBytes([]byte(`[1,2,3]`))
		assert.NotNil(t, err)
		_, err = NewDocumentFromBytes([]byte(`<html>`))
		assert.NotNil(t, err)
	})
	t.Run("overlay replaces top level fields", func(t *testing.T) {
		doc := NewDocument()
		assert.Nil(t, doc.SetAll(map[string]any{
			"name":    "local",
			"contact": map[string]any{"email": "a@b.c", "phone": "1"},
			"local":   true,
		}))
		remote, err := NewDocumentFromBytes([]byte(`{"name":"remote","contact":{"email":"x@y.z"}}`))
		assert.Nil(t, err)
		assert.Nil(t, doc.Overlay(remote))
		assert.Equal(t, "remote", doc.Get("name"))
		assert.Equal(t, "x@y.z", doc.Get("contact.email"))
		assert.False(t, doc.Exists("contact.phone"))
		assert.Equal(t, true, doc.Get("local"))
	})
	t.Run("overlay escapes keys", func(t *testing.T) {
		doc := NewDocument()
		remote, err := NewDocumentFromBytes([]byte(`{"a.b":1}`))
		assert.Nil(t, err)
		assert.Nil(t, doc.Overlay(remote))
		assert.Equal(t, []string{"a.b"}, doc.Keys())
		assert.EqualValues(t, 1, doc.Get(escapeKey("a.b")))
	})
	t.Run("diff", func(t *testing.T) {
		before, _ := NewDocumentFromBytes([]byte(`{"a":1,"b":2,"c":3}`))
		after, _ := NewDocumentFromBytes([]byte(`{"a":1,"b":3,"d":4}`))
		ops := after.Diff(before)
		assert.Len(t, ops, 3)
		byPath := map[string]JSONFieldOp{}
		for _, op := range ops {
			byPath[op.Path] = op
		}
		assert.Equal(t, JSONOpReplace, byPath["b"].Op)
		assert.Equal(t, JSONOpRemove, byPath["c"].Op)
		assert.Equal(t, JSONOpAdd, byPath["d"].Op)
		assert.Empty(t, before.Diff(before.Clone()))
	})
	t.Run("delete", func(t *testing.T) {
		doc := r.Clone()
		assert.Nil(t, doc.DelAll("contact", "name"))
		assert.Equal(t, []string{"_id"}, doc.Keys())
	})
	t.Run("string arrays", func(t *testing.T) {
		doc, _ := NewDocumentFromBytes([]byte(`{"ids":["a","b"]}`))
		assert.Equal(t, []string{"a", "b"}, doc.GetStringArray("ids"))
		assert.Len(t, doc.GetArray("ids"), 2)
	})
}
