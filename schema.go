package couchsync

import (
	"encoding/json"
	"strings"

	"github.com/autom8ter/couchsync/errors"
	"github.com/autom8ter/couchsync/util"
	"github.com/samber/lo"
	"github.com/xeipuuv/gojsonschema"
)

// Kind is the direction of a relationship
type Kind string

const (
	// ToOne is a relationship persisted on the document as a foreign id
	ToOne Kind = "toOne"
	// ToMany is a relationship materialized from the inverse toOne field of the related type. It is never persisted.
	ToMany Kind = "toMany"
)

// Relationship is a directional association from one type to another
type Relationship struct {
	// Name is the field name on the owning type
	Name string `json:"name" validate:"required"`
	// Kind is either toOne or toMany
	Kind Kind `json:"kind" validate:"required,oneof=toOne toMany"`
	// Type is the name of the related type
	Type string `json:"type" validate:"required"`
	// Inverse optionally names the inverse field on the related type
	Inverse string `json:"inverse,omitempty"`
}

// TypeSchema describes one record type
type TypeSchema struct {
	// Name is the type name written into the type tag of every document
	Name string `json:"name" validate:"required"`
	// Attributes are the scalar attribute names. If empty, any non reserved document field is an attribute.
	Attributes []string `json:"attributes,omitempty"`
	// Relationships are the relationship fields of the type
	Relationships []Relationship `json:"relationships,omitempty" validate:"dive"`
	// JSONSchema is an optional json schema outgoing documents of this type must satisfy
	JSONSchema string `json:"jsonSchema,omitempty"`

	loadedSchema *gojsonschema.Schema
	inverses     map[string]string
}

// Relationship returns the relationship field with the given name
func (t *TypeSchema) Relationship(name string) (Relationship, bool) {
	return lo.Find(t.Relationships, func(r Relationship) bool {
		return r.Name == name
	})
}

// ToOne returns the toOne relationships in declaration order
func (t *TypeSchema) ToOne() []Relationship {
	return t.ofKind(ToOne)
}

// ToMany returns the toMany relationships in declaration order
func (t *TypeSchema) ToMany() []Relationship {
	return t.ofKind(ToMany)
}

func (t *TypeSchema) ofKind(kind Kind) []Relationship {
	return lo.Filter(t.Relationships, func(r Relationship, _ int) bool {
		return r.Kind == kind
	})
}

// HasAttribute returns true if name is a declared attribute, or if the type accepts any attribute
func (t *TypeSchema) HasAttribute(name string) bool {
	if len(t.Attributes) == 0 {
		_, isRel := t.Relationship(name)
		return !isRel
	}
	return lo.Contains(t.Attributes, name)
}

// Inverse returns the field name on the related type that is the inverse of the given relationship
func (t *TypeSchema) Inverse(field string) (string, bool) {
	inv, ok := t.inverses[field]
	return inv, ok && inv != ""
}

// Validate validates the document against the type's json schema. Types without a json schema accept every document.
func (t *TypeSchema) Validate(doc *Document) error {
	if t.loadedSchema == nil {
		return nil
	}
	result, err := t.loadedSchema.Validate(gojsonschema.NewBytesLoader(doc.Bytes()))
	if err != nil {
		return errors.Wrap(err, errors.Validation, "%s: failed to validate document", t.Name)
	}
	if !result.Valid() {
		var errs []string
		for _, err := range result.Errors() {
			errs = append(errs, err.String())
		}
		return errors.New(errors.Validation, "%s: %s", t.Name, strings.Join(errs, ","))
	}
	return nil
}

// Schema is the registry of every record type the engine synchronizes. It is built once at startup and is read only afterwards.
type Schema struct {
	types map[string]*TypeSchema
	order []string
}

// NewSchema validates the type schemas and resolves every relationship and inverse
func NewSchema(types ...TypeSchema) (*Schema, error) {
	s := &Schema{types: map[string]*TypeSchema{}}
	for _, t := range types {
		t := t
		if err := util.ValidateStruct(&t); err != nil {
			return nil, err
		}
		if err := validateName(t.Name); err != nil {
			return nil, err
		}
		if _, ok := s.types[t.Name]; ok {
			return nil, errors.New(errors.Validation, "duplicate type: %s", t.Name)
		}
		for _, a := range t.Attributes {
			if err := validateName(a); err != nil {
				return nil, errors.Wrap(err, 0, "type %s", t.Name)
			}
		}
		names := map[string]bool{}
		for _, r := range t.Relationships {
			if err := validateName(r.Name); err != nil {
				return nil, errors.Wrap(err, 0, "type %s", t.Name)
			}
			if names[r.Name] || lo.Contains(t.Attributes, r.Name) {
				return nil, errors.New(errors.Validation, "type %s: duplicate field %s", t.Name, r.Name)
			}
			names[r.Name] = true
		}
		if t.JSONSchema != "" {
			loaded, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(t.JSONSchema))
			if err != nil {
				return nil, errors.Wrap(err, errors.Validation, "type %s: failed to load json schema", t.Name)
			}
			t.loadedSchema = loaded
		}
		t.inverses = map[string]string{}
		s.types[t.Name] = &t
		s.order = append(s.order, t.Name)
	}
	for _, name := range s.order {
		if err := s.resolve(s.types[name]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadSchema loads a schema from yaml or json content holding a list of type schemas under the `types` key
func LoadSchema(content []byte) (*Schema, error) {
	jsonContent, err := util.YAMLToJSON(content)
	if err != nil {
		return nil, errors.Wrap(err, errors.Validation, "failed to parse schema")
	}
	var file struct {
		Types []TypeSchema `json:"types"`
	}
	if err := json.Unmarshal(jsonContent, &file); err != nil {
		return nil, errors.Wrap(err, errors.Validation, "failed to decode schema")
	}
	return NewSchema(file.Types...)
}

func (s *Schema) resolve(t *TypeSchema) error {
	for _, r := range t.Relationships {
		related, ok := s.types[r.Type]
		if !ok {
			return errors.New(errors.Validation, "type %s: relationship %s references unknown type %s", t.Name, r.Name, r.Type)
		}
		if r.Inverse != "" {
			inv, ok := related.Relationship(r.Inverse)
			if !ok || inv.Type != t.Name {
				return errors.New(errors.Validation, "type %s: relationship %s: %s.%s is not an inverse", t.Name, r.Name, r.Type, r.Inverse)
			}
			if r.Kind == ToMany && inv.Kind != ToOne {
				return errors.New(errors.Validation, "type %s: toMany relationship %s must have a toOne inverse", t.Name, r.Name)
			}
			t.inverses[r.Name] = r.Inverse
			continue
		}
		want := ToMany
		if r.Kind == ToMany {
			want = ToOne
		}
		candidates := lo.Filter(related.ofKind(want), func(inv Relationship, _ int) bool {
			return inv.Type == t.Name
		})
		switch {
		case len(candidates) == 1:
			t.inverses[r.Name] = candidates[0].Name
		case len(candidates) > 1 && r.Kind == ToMany:
			return errors.New(errors.Validation, "type %s: toMany relationship %s has ambiguous inverses on %s", t.Name, r.Name, r.Type)
		}
	}
	return nil
}

// Type returns the schema of the named type
func (s *Schema) Type(name string) (*TypeSchema, bool) {
	t, ok := s.types[name]
	return t, ok
}

// Types returns every type schema in registration order
func (s *Schema) Types() []*TypeSchema {
	return lo.Map(s.order, func(name string, _ int) *TypeSchema {
		return s.types[name]
	})
}

// InverseFor returns the name of the field of the given kind on typ whose related type is relatedType.
// It returns false when no such field exists or when more than one matches.
func (s *Schema) InverseFor(typ, relatedType string, kind Kind) (string, bool) {
	t, ok := s.types[typ]
	if !ok {
		return "", false
	}
	matches := lo.Filter(t.ofKind(kind), func(r Relationship, _ int) bool {
		return r.Type == relatedType
	})
	if len(matches) != 1 {
		return "", false
	}
	return matches[0].Name, true
}

func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, "_") || strings.ContainsAny(name, ".*?|#@\\") {
		return errors.New(errors.Validation, "invalid field or type name: %q", name)
	}
	return nil
}
