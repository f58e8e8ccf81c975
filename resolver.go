package couchsync

import (
	"context"

	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// Resolver materializes toMany relationships from the association view.
// The view emits one row per foreign key: key = referenced id, value = referencing type.
type Resolver struct {
	client    *Client
	codec     *Codec
	designDoc string
	view      string
	logger    Logger
}

// NewResolver creates a resolver querying designDoc/view
func NewResolver(client *Client, codec *Codec, designDoc, view string, logger Logger) *Resolver {
	if logger == nil {
		logger = NopLogger()
	}
	return &Resolver{
		client:    client,
		codec:     codec,
		designDoc: designDoc,
		view:      view,
		logger:    logger,
	}
}

// Resolve fills the toMany keys of every loaded document of the given type. Documents already carrying
// every toMany key are left as is. At most one view query is issued per call.
func (r *Resolver) Resolve(ctx context.Context, ts *TypeSchema, docs []*Document) error {
	toMany := ts.ToMany()
	if len(toMany) == 0 || len(docs) == 0 {
		return nil
	}
	keys := lo.Map(toMany, func(rel Relationship, _ int) string {
		return r.codec.ToManyKey(ts, rel.Name)
	})
	incomplete := lo.Filter(docs, func(doc *Document, _ int) bool {
		for _, key := range keys {
			if !doc.Exists(escapeKey(key)) {
				return true
			}
		}
		return false
	})
	if len(incomplete) == 0 {
		return nil
	}
	byID := map[string]*Document{}
	for _, doc := range docs {
		if id := doc.GetString(idField); id != "" {
			byID[id] = doc
		}
	}
	found := map[string]map[string][]string{}
	if len(byID) > 0 {
		rows, err := r.client.Query(ctx, r.designDoc, r.view, map[string]any{
			"keys": lo.Keys(byID),
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			id := cast.ToString(row.Key)
			if _, ok := byID[id]; !ok {
				r.logger.Debug(ctx, "ignoring association row for unloaded document", map[string]any{
					"key": id,
					"id":  row.ID,
				})
				continue
			}
			referencing := cast.ToString(row.Value)
			field, ok := r.codec.Schema().InverseFor(ts.Name, referencing, ToMany)
			if !ok {
				r.logger.Debug(ctx, "unresolvable relationship", map[string]any{
					"type":        ts.Name,
					"referencing": referencing,
					"id":          row.ID,
				})
				continue
			}
			if found[id] == nil {
				found[id] = map[string][]string{}
			}
			key := r.codec.ToManyKey(ts, field)
			if !lo.Contains(found[id][key], row.ID) {
				found[id][key] = append(found[id][key], row.ID)
			}
		}
	}
	for _, doc := range incomplete {
		id := doc.GetString(idField)
		for _, key := range keys {
			if doc.Exists(escapeKey(key)) {
				continue
			}
			ids := found[id][key]
			if ids == nil {
				ids = []string{}
			}
			if err := doc.Set(escapeKey(key), ids); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddToManyRelationships writes the record's known toMany lists into a document that is about to be loaded.
// Such documents are never sent to the server.
func (r *Resolver) AddToManyRelationships(doc *Document, rec *Record) error {
	ts := rec.Type()
	for _, rel := range ts.ToMany() {
		if !rec.toManyKnown(rel.Name) {
			continue
		}
		if err := doc.Set(escapeKey(r.codec.ToManyKey(ts, rel.Name)), rec.HasMany(rel.Name)); err != nil {
			return err
		}
	}
	return nil
}
