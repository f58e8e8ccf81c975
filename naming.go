package couchsync

import (
	"github.com/huandu/xstrings"
)

// Naming derives document keys from record field names
type Naming interface {
	KeyForAttribute(typ *TypeSchema, name string) string
	KeyForToOne(typ *TypeSchema, name string) string
	KeyForToMany(typ *TypeSchema, name string) string
	// AttributeForKey maps a document key back to an attribute name. It is used for types that do not declare their attributes.
	AttributeForKey(typ *TypeSchema, key string) string
}

// DefaultNaming uses the field name as the document key
type DefaultNaming struct{}

func (DefaultNaming) KeyForAttribute(_ *TypeSchema, name string) string { return name }

func (DefaultNaming) KeyForToOne(_ *TypeSchema, name string) string { return name }

func (DefaultNaming) KeyForToMany(_ *TypeSchema, name string) string { return name }

func (DefaultNaming) AttributeForKey(_ *TypeSchema, key string) string { return key }

// SnakeCaseNaming decamelizes field names: firstName => first_name, writer => writer_id, tags => tags_ids
type SnakeCaseNaming struct{}

func (SnakeCaseNaming) KeyForAttribute(_ *TypeSchema, name string) string {
	return xstrings.ToSnakeCase(name)
}

func (SnakeCaseNaming) KeyForToOne(_ *TypeSchema, name string) string {
	return xstrings.ToSnakeCase(name) + "_id"
}

func (SnakeCaseNaming) KeyForToMany(_ *TypeSchema, name string) string {
	return xstrings.ToSnakeCase(name) + "_ids"
}

// AttributeForKey camelizes a key: first_name => firstName
func (SnakeCaseNaming) AttributeForKey(_ *TypeSchema, key string) string {
	return xstrings.FirstRuneToLower(xstrings.ToCamelCase(key))
}
