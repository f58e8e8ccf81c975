package couchsync

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"github.com/autom8ter/couchsync/errors"
	"github.com/autom8ter/couchsync/util"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Document is a json object as stored in the document database
type Document struct {
	result gjson.Result
}

// UnmarshalJSON satisfies the json Unmarshaler interface
func (d *Document) UnmarshalJSON(bytes []byte) error {
	doc, err := NewDocumentFromBytes(bytes)
	if err != nil {
		return err
	}
	*d = *doc
	return nil
}

// MarshalJSON satisfies the json Marshaler interface
func (d *Document) MarshalJSON() ([]byte, error) {
	return d.Bytes(), nil
}

// NewDocument creates a new json document
func NewDocument() *Document {
	return &Document{
		result: gjson.Parse("{}"),
	}
}

// NewDocumentFromBytes creates a new document from the given json bytes. The bytes must hold a json object.
func NewDocumentFromBytes(json []byte) (*Document, error) {
	if !gjson.ValidBytes(json) {
		return nil, errors.New(errors.Malformed, "invalid json: %s", string(json))
	}
	d := &Document{
		result: gjson.ParseBytes(json),
	}
	if !d.result.IsObject() {
		return nil, errors.New(errors.Malformed, "json is not an object: %s", string(json))
	}
	return d, nil
}

// NewDocumentFrom creates a new document from the given value - the value must be json compatible
func NewDocumentFrom(value any) (*Document, error) {
	bits, err := json.Marshal(value)
	if err != nil {
		return nil, errors.New(errors.Validation, "failed to json encode value: %#v", value)
	}
	return NewDocumentFromBytes(bits)
}

func documentFromResult(r gjson.Result) (*Document, bool) {
	if !r.IsObject() {
		return nil, false
	}
	return &Document{result: gjson.Parse(r.Raw)}, true
}

// String returns the document as a json string
func (d *Document) String() string {
	return d.result.Raw
}

// Bytes returns the document as json bytes
func (d *Document) Bytes() []byte {
	return []byte(d.result.Raw)
}

// Value returns the document as a map
func (d *Document) Value() map[string]any {
	return cast.ToStringMap(d.result.Value())
}

// Clone allocates a new document with identical values
func (d *Document) Clone() *Document {
	return &Document{result: gjson.Parse(d.result.Raw)}
}

// Get gets a field on the document. Get has GJSON syntax support and supports dot notation
func (d *Document) Get(field string) any {
	return d.result.Get(field).Value()
}

// Result returns the raw gjson result for the field
func (d *Document) Result(field string) gjson.Result {
	return d.result.Get(field)
}

// GetString gets a string field value on the document
func (d *Document) GetString(field string) string {
	return d.result.Get(field).String()
}

// GetBool gets a bool field value on the document
func (d *Document) GetBool(field string) bool {
	return d.result.Get(field).Bool()
}

// GetArray gets an array field on the document
func (d *Document) GetArray(field string) []any {
	return cast.ToSlice(d.Get(field))
}

// GetStringArray gets an array of strings on the document
func (d *Document) GetStringArray(field string) []string {
	return lo.Map(d.result.Get(field).Array(), func(r gjson.Result, _ int) string {
		return r.String()
	})
}

// Exists returns true if the field is present, even when it is null
func (d *Document) Exists(field string) bool {
	return d.result.Get(field).Exists()
}

// Keys returns the sorted top level keys of the document
func (d *Document) Keys() []string {
	var keys []string
	d.result.ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	sort.Strings(keys)
	return keys
}

// Set sets a field on the document. Dot notation is supported.
func (d *Document) Set(field string, val any) error {
	return d.SetAll(map[string]any{
		field: val,
	})
}

func (d *Document) set(field string, val any) error {
	var (
		result string
		err    error
	)
	switch val := val.(type) {
	case gjson.Result:
		result, err = sjson.SetRaw(d.result.Raw, field, val.Raw)
	case *Document:
		result, err = sjson.SetRaw(d.result.Raw, field, val.String())
	case json.RawMessage:
		result, err = sjson.SetRaw(d.result.Raw, field, string(val))
	default:
		result, err = sjson.Set(d.result.Raw, field, val)
	}
	if err != nil {
		return errors.Wrap(err, errors.Validation, "failed to set field %s", field)
	}
	if !gjson.Valid(result) {
		return errors.New(errors.Validation, "invalid document")
	}
	d.result = gjson.Parse(result)
	return nil
}

// SetAll sets all fields on the document. Dot notation is supported.
func (d *Document) SetAll(values map[string]any) error {
	for _, k := range lo.Keys(values) {
		if err := d.set(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Overlay replaces every top level field of the document that is present in with
func (d *Document) Overlay(with *Document) error {
	var err error
	with.result.ForEach(func(key, value gjson.Result) bool {
		err = d.set(escapeKey(key.String()), value)
		return err == nil
	})
	return err
}

// Del deletes a field from the document
func (d *Document) Del(field string) error {
	return d.DelAll(field)
}

// DelAll deletes the fields from the document
func (d *Document) DelAll(fields ...string) error {
	for _, field := range fields {
		result, err := sjson.Delete(d.result.Raw, field)
		if err != nil {
			return errors.Wrap(err, errors.Validation, "failed to delete field %s", field)
		}
		d.result = gjson.Parse(result)
	}
	return nil
}

// Diff returns the top level field operations that turn before into d
func (d *Document) Diff(before *Document) []JSONFieldOp {
	var ops []JSONFieldOp
	if before == nil {
		before = NewDocument()
	}
	var (
		beforeFields = before.result.Map()
		afterFields  = d.result.Map()
	)
	for _, path := range before.Keys() {
		after, exists := afterFields[path]
		switch {
		case !exists:
			ops = append(ops, JSONFieldOp{
				Path:        path,
				Op:          JSONOpRemove,
				BeforeValue: beforeFields[path].Value(),
			})
		case !reflect.DeepEqual(after.Value(), beforeFields[path].Value()):
			ops = append(ops, JSONFieldOp{
				Path:        path,
				Op:          JSONOpReplace,
				Value:       after.Value(),
				BeforeValue: beforeFields[path].Value(),
			})
		}
	}
	for _, path := range d.Keys() {
		if _, exists := beforeFields[path]; !exists {
			ops = append(ops, JSONFieldOp{
				Path:  path,
				Op:    JSONOpAdd,
				Value: afterFields[path].Value(),
			})
		}
	}
	return ops
}

// Scan scans the json document into the value
func (d *Document) Scan(value any) error {
	return util.Decode(d.Value(), value)
}

// JSONOp is an operation on a json document
type JSONOp string

const (
	// JSONOpRemove removes a field from a json document
	JSONOpRemove JSONOp = "remove"
	// JSONOpAdd adds a json field to a json document
	JSONOpAdd JSONOp = "add"
	// JSONOpReplace replaces an existing field in a json document
	JSONOpReplace JSONOp = "replace"
)

// JSONFieldOp is an operation against a JSON field
type JSONFieldOp struct {
	// Path is the path to the field within the document
	Path string `json:"path"`
	// Op is the operation applied
	Op JSONOp `json:"op"`
	// Value is the value applied with the operation
	Value any `json:"value,omitempty"`
	// BeforeValue is the value before the operation was applied
	BeforeValue any `json:"beforeValue,omitempty"`
}

var pathReplacer = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
)

// escapeKey turns a literal top level key into a gjson/sjson path
func escapeKey(key string) string {
	return pathReplacer.Replace(key)
}
