package couchsync

import (
	"strings"

	"github.com/autom8ter/couchsync/errors"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

const (
	idField  = "_id"
	revField = "_rev"
	// DefaultTypeTag is the default name of the document attribute holding the type tag
	DefaultTypeTag = "couchsync"
)

// TypeTag is written into every document so that views and the change feed can tell the record type and its foreign key fields apart
type TypeTag struct {
	Type      string   `json:"type"`
	BelongsTo []string `json:"belongsTo,omitempty"`
}

// Materialized is a document projected back onto a record type
type Materialized struct {
	ID         string
	Rev        string
	Attributes map[string]any
	// ToOne maps toOne field names to foreign ids. An empty id means the relationship is empty.
	ToOne map[string]string
	// ToMany holds the toMany fields that were present on the document
	ToMany map[string][]string
	Tag    TypeTag
}

// CodecOptions configures a Codec
type CodecOptions struct {
	// TypeTag is the document attribute holding the TypeTag
	TypeTag string
	// IncludeEmptyRelationships writes null for empty toOne fields instead of omitting them
	IncludeEmptyRelationships bool
}

// ToDocumentOptions controls which reserved fields are written
type ToDocumentOptions struct {
	IncludeID  bool
	IncludeRev bool
}

// Codec projects records into flat documents and back
type Codec struct {
	schema *Schema
	naming Naming
	opts   CodecOptions
}

// NewCodec creates a codec. A nil naming strategy uses the field names as keys.
func NewCodec(schema *Schema, naming Naming, opts CodecOptions) *Codec {
	if naming == nil {
		naming = DefaultNaming{}
	}
	if opts.TypeTag == "" {
		opts.TypeTag = DefaultTypeTag
	}
	return &Codec{schema: schema, naming: naming, opts: opts}
}

// Schema returns the codec's type registry
func (c *Codec) Schema() *Schema {
	return c.schema
}

// TypeTagKey returns the document attribute holding the type tag
func (c *Codec) TypeTagKey() string {
	return c.opts.TypeTag
}

// ForeignKeys returns the document keys of the type's toOne fields
func (c *Codec) ForeignKeys(ts *TypeSchema) []string {
	return lo.Map(ts.ToOne(), func(r Relationship, _ int) string {
		return c.naming.KeyForToOne(ts, r.Name)
	})
}

// ToManyKey returns the document key used to carry a materialized toMany field into a load
func (c *Codec) ToManyKey(ts *TypeSchema, field string) string {
	return c.naming.KeyForToMany(ts, field)
}

// ToDocument serializes the record. toMany fields are never written.
func (c *Codec) ToDocument(rec *Record, opts ToDocumentOptions) (*Document, error) {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	ts := rec.typ
	doc := NewDocument()
	values := map[string]any{}
	if opts.IncludeID && rec.id != "" {
		values[idField] = rec.id
	}
	if opts.IncludeRev && rec.rev != "" {
		values[revField] = rec.rev
	}
	for name, value := range rec.attributes() {
		key := c.naming.KeyForAttribute(ts, name)
		if key == c.opts.TypeTag {
			return nil, errors.New(errors.Validation, "%s: attribute %s collides with the type tag", ts.Name, name)
		}
		if len(ts.Attributes) == 0 && c.naming.AttributeForKey(ts, key) != name {
			return nil, errors.New(errors.Validation, "%s: attribute %s is written as %s and would load as %s",
				ts.Name, name, key, c.naming.AttributeForKey(ts, key))
		}
		values[escapeKey(key)] = value
	}
	for _, rel := range ts.ToOne() {
		key := escapeKey(c.naming.KeyForToOne(ts, rel.Name))
		switch id := rec.state.GetString(rel.Name); {
		case id != "":
			values[key] = id
		case c.opts.IncludeEmptyRelationships:
			values[key] = nil
		}
	}
	tag := TypeTag{Type: ts.Name}
	if len(ts.ToOne()) > 0 {
		tag.BelongsTo = c.ForeignKeys(ts)
	}
	values[escapeKey(c.opts.TypeTag)] = tag
	if err := doc.SetAll(values); err != nil {
		return nil, errors.Wrap(err, errors.Internal, "%s: failed to serialize record", ts.Name)
	}
	return doc, nil
}

// FromDocument strips the reserved fields and the type tag and maps the remaining keys onto the type's fields
func (c *Codec) FromDocument(ts *TypeSchema, doc *Document) (*Materialized, error) {
	if doc == nil {
		return nil, errors.New(errors.Validation, "%s: empty document", ts.Name)
	}
	var (
		m = &Materialized{
			Attributes: map[string]any{},
			ToOne:      map[string]string{},
			ToMany:     map[string][]string{},
		}
		attrKeys   = map[string]string{}
		toOneKeys  = map[string]string{}
		toManyKeys = map[string]string{}
	)
	for _, a := range ts.Attributes {
		attrKeys[c.naming.KeyForAttribute(ts, a)] = a
	}
	for _, r := range ts.ToOne() {
		toOneKeys[c.naming.KeyForToOne(ts, r.Name)] = r.Name
	}
	for _, r := range ts.ToMany() {
		toManyKeys[c.naming.KeyForToMany(ts, r.Name)] = r.Name
	}
	doc.result.ForEach(func(k, value gjson.Result) bool {
		key := k.String()
		switch {
		case key == idField:
			m.ID = value.String()
		case key == revField:
			m.Rev = value.String()
		case strings.HasPrefix(key, "_"):
		case key == c.opts.TypeTag:
			m.Tag = parseTypeTag(value)
		case toOneKeys[key] != "":
			m.ToOne[toOneKeys[key]] = value.String()
		case toManyKeys[key] != "":
			m.ToMany[toManyKeys[key]] = lo.Map(value.Array(), func(r gjson.Result, _ int) string {
				return r.String()
			})
		case attrKeys[key] != "":
			m.Attributes[attrKeys[key]] = value.Value()
		case len(ts.Attributes) == 0:
			m.Attributes[c.naming.AttributeForKey(ts, key)] = value.Value()
		}
		return true
	})
	return m, nil
}

// TypeOf returns the registered type named by the document's type tag
func (c *Codec) TypeOf(doc *Document) (*TypeSchema, bool) {
	tag, ok := c.TypeTag(doc)
	if !ok {
		return nil, false
	}
	return c.schema.Type(tag.Type)
}

// TypeTag parses the document's type tag. It returns false if the tag is missing or has no type name.
func (c *Codec) TypeTag(doc *Document) (TypeTag, bool) {
	if doc == nil {
		return TypeTag{}, false
	}
	r := doc.Result(escapeKey(c.opts.TypeTag))
	if r.Get("type").Type != gjson.String {
		return TypeTag{}, false
	}
	return parseTypeTag(r), true
}

func parseTypeTag(r gjson.Result) TypeTag {
	return TypeTag{
		Type: r.Get("type").String(),
		BelongsTo: lo.Map(r.Get("belongsTo").Array(), func(k gjson.Result, _ int) string {
			return k.String()
		}),
	}
}
