package db

import (
	"github.com/dreamware/julea/batch"
	"github.com/dreamware/julea/internal/protocol"
	"github.com/dreamware/julea/internal/jerror"
)

// FieldType re-exports the DB protocol's scalar field types so callers never
// import internal/protocol directly.
type FieldType = protocol.FieldType

const (
	TypeInt32   = protocol.TypeInt32
	TypeUint32  = protocol.TypeUint32
	TypeInt64   = protocol.TypeInt64
	TypeUint64  = protocol.TypeUint64
	TypeFloat32 = protocol.TypeFloat32
	TypeFloat64 = protocol.TypeFloat64
	TypeString  = protocol.TypeString
	TypeBlob    = protocol.TypeBlob
	TypeID      = protocol.TypeID
)

// schemaState mirrors the lifecycle table in spec §4.8: a schema starts
// client-mutable, transitions to server-side on create or get, and
// optionally to deleted.
type schemaState int

const (
	schemaClientMutable schemaState = iota
	schemaServerSide
	schemaDeleted
)

// Schema is a namespaced, named collection of typed fields plus index
// templates (spec §3 "DB Schema"). The zero value is not valid; build one
// with Client.NewSchema.
type Schema struct {
	client *Client

	namespace string
	name      string

	fields   []protocol.FieldSpec
	fieldSet map[string]FieldType
	indices  [][]string

	state schemaState
}

// NewSchema creates a client-mutable schema. Fields and indices are added
// with AddField/AddIndex before the schema is published with Create or
// fetched with Get.
func (c *Client) NewSchema(namespace, name string) *Schema {
	return &Schema{
		client:    c,
		namespace: namespace,
		name:      name,
		fieldSet:  make(map[string]FieldType),
	}
}

// Namespace and Name report the schema's identity.
func (s *Schema) Namespace() string { return s.namespace }
func (s *Schema) Name() string      { return s.name }

// AddField declares a field (spec §4.8 "add_field(name,type) fails on
// duplicate or on unknown type"). Only valid while the schema is
// client-mutable.
func (s *Schema) AddField(name string, t FieldType) error {
	if s.state != schemaClientMutable {
		return jerror.State("cannot add a field to a schema that is already server-side")
	}
	if !t.Valid() {
		return jerror.Invalid("unknown db field type")
	}
	if _, exists := s.fieldSet[name]; exists {
		return jerror.Exists("field " + name + " already declared on this schema")
	}
	s.fields = append(s.fields, protocol.FieldSpec{Name: name, Type: t})
	s.fieldSet[name] = t
	return nil
}

// AddIndex appends an index template over an ordered field list (spec §4.8
// "add_index(field-list) appends an index template"). Every named field
// must already be declared.
func (s *Schema) AddIndex(fields ...string) error {
	if s.state != schemaClientMutable {
		return jerror.State("cannot add an index to a schema that is already server-side")
	}
	if len(fields) == 0 {
		return jerror.Invalid("index requires at least one field")
	}
	for _, f := range fields {
		if _, ok := s.fieldSet[f]; !ok {
			return jerror.Invalid("index field " + f + " is not declared on this schema")
		}
	}
	s.indices = append(s.indices, append([]string(nil), fields...))
	return nil
}

// hasField reports whether name is declared, and its type.
func (s *Schema) hasField(name string) (FieldType, bool) {
	t, ok := s.fieldSet[name]
	return t, ok
}

// Field reports the type of a declared field, and whether it exists (spec
// §4.8 "get_field"). Works both for a schema built client-side with
// AddField and one populated server-side by Get.
func (s *Schema) Field(name string) (FieldType, bool) {
	return s.hasField(name)
}

// Fields returns every field declared on the schema, in declaration order
// (spec §4.8 "get_all_fields"). The returned slice is a copy; mutating it
// has no effect on the schema.
func (s *Schema) Fields() []protocol.FieldSpec {
	return append([]protocol.FieldSpec(nil), s.fields...)
}

// Equals implements spec §4.8's equals(a,b): same namespace, same name,
// same name→type multiset; index differences are ignored (grounded on
// original_source/julea/jdb-schema.c's j_db_schema_equals).
func (s *Schema) Equals(other *Schema) bool {
	if s == other {
		return true
	}
	if other == nil || s.namespace != other.namespace || s.name != other.name {
		return false
	}
	if len(s.fieldSet) != len(other.fieldSet) {
		return false
	}
	for name, t := range s.fieldSet {
		ot, ok := other.fieldSet[name]
		if !ok || ot != t {
			return false
		}
	}
	return true
}

// schemaPayload is attached to every schema-lifecycle Operation's Payload.
type schemaPayload struct {
	schema *Schema
}

// SchemaResult is returned by Create, Get, and Delete.
type SchemaResult struct{ op *batch.Operation }

func (r *SchemaResult) Err() error { return r.op.Err }

// Create publishes a client-mutable schema to the server, transitioning it
// to server-side immediately — matching the original implementation, which
// flips its server_side flag before the underlying (deferred) operation
// actually runs (original_source/julea/jdb-schema.c: j_db_schema_create).
func (s *Schema) Create(b *batch.Batch) (*SchemaResult, error) {
	if s.state != schemaClientMutable {
		return nil, jerror.State("schema is not client-mutable")
	}
	s.state = schemaServerSide
	op := batch.NewOperation(batch.KindDBSchemaCreate, s, s.client, false)
	op.Payload = &schemaPayload{schema: s}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &SchemaResult{op: op}, nil
}

// Get fetches an existing schema's fields and indices from the server,
// transitioning straight to server-side (spec §4.8 lifecycle table). Fields
// are populated once the enclosing batch executes.
func (s *Schema) Get(b *batch.Batch) (*SchemaResult, error) {
	if s.state != schemaClientMutable {
		return nil, jerror.State("schema is not client-mutable")
	}
	s.state = schemaServerSide
	op := batch.NewOperation(batch.KindDBSchemaGet, s, s.client, false)
	op.Payload = &schemaPayload{schema: s}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &SchemaResult{op: op}, nil
}

// Delete removes a server-side schema (spec §4.8 lifecycle table:
// server-side → deleted).
func (s *Schema) Delete(b *batch.Batch) (*SchemaResult, error) {
	if s.state != schemaServerSide {
		return nil, jerror.State("schema must be server-side before it can be deleted")
	}
	s.state = schemaDeleted
	op := batch.NewOperation(batch.KindDBSchemaDelete, s, s.client, false)
	op.Payload = &schemaPayload{schema: s}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &SchemaResult{op: op}, nil
}
