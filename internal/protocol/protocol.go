// Package protocol implements the DB wire envelope (spec §4.8, C9): the
// parameter-templated request/reply shapes that db.Client marshals through
// the message package. Each DB request kind (schema-create, schema-get,
// schema-delete, insert, update, delete, query) is an ordered set of
// in-params; each reply is an ordered set of out-params — grounded on
// original_source/julea/jmongo-message.c's per-operation parameter template
// and jmongo.c's BSON-document request/reply shape, reimplemented here with
// msgpack instead of BSON (SPEC_FULL §11: no BSON library is a direct
// dependency anywhere in the retrieved pack; msgpack is).
//
// This package lives under the module's top-level internal/, not nested
// under db/internal, because cmd/julea-server (outside the db/ subtree) must
// decode the same envelopes db.Client encodes — Go's internal-import rule
// would otherwise make that impossible.
package protocol

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/julea/internal/jerror"
)

// FieldType is one of the nine scalar types a DB schema field may declare
// (spec §3 "DB Schema").
type FieldType int

const (
	TypeInt32 FieldType = iota
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeBlob
	TypeID
)

// Valid reports whether t is one of the nine declared field types.
func (t FieldType) Valid() bool { return t >= TypeInt32 && t <= TypeID }

func (t FieldType) String() string {
	switch t {
	case TypeInt32:
		return "sint32"
	case TypeUint32:
		return "uint32"
	case TypeInt64:
		return "sint64"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeBlob:
		return "blob"
	case TypeID:
		return "id"
	default:
		return "unknown"
	}
}

// Operator is one of the six comparison operators a selector leaf may use
// (spec §3 "DB Selector").
type Operator int

const (
	OpEq Operator = iota
	OpLt
	OpLe
	OpGt
	OpGe
	OpNe
)

// CombinatorMode is the boolean mode a Selector combines its leaves and
// children under.
type CombinatorMode int

const (
	ModeAnd CombinatorMode = iota
	ModeOr
)

// FieldSpec is one (name, type) pair in a schema's field list.
type FieldSpec struct {
	Name string
	Type FieldType
}

// FieldValue is a typed value ready for the wire: Raw is the msgpack
// encoding of a Go value matching Type, kept as an opaque blob so the
// envelope can carry heterogeneous field types without a variant union
// (mirrors the original's per-field "(kind, ptr, length)" in-param shape).
type FieldValue struct {
	Type FieldType
	Raw  []byte
}

// EncodeField msgpack-encodes v as a FieldValue tagged with t. Callers are
// responsible for passing a v whose Go type matches t (db.Entry.SetField
// does this via a type switch before calling EncodeField).
func EncodeField(t FieldType, v any) (FieldValue, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return FieldValue{}, jerror.Protocol("failed to encode field value", err)
	}
	return FieldValue{Type: t, Raw: raw}, nil
}

// Decode unmarshals fv back into a Go value of the type its Type implies.
func (fv FieldValue) Decode() (any, error) {
	var err error
	switch fv.Type {
	case TypeInt32:
		var x int32
		err = msgpack.Unmarshal(fv.Raw, &x)
		return x, wrapDecodeErr(err)
	case TypeUint32:
		var x uint32
		err = msgpack.Unmarshal(fv.Raw, &x)
		return x, wrapDecodeErr(err)
	case TypeInt64:
		var x int64
		err = msgpack.Unmarshal(fv.Raw, &x)
		return x, wrapDecodeErr(err)
	case TypeUint64:
		var x uint64
		err = msgpack.Unmarshal(fv.Raw, &x)
		return x, wrapDecodeErr(err)
	case TypeFloat32:
		var x float32
		err = msgpack.Unmarshal(fv.Raw, &x)
		return x, wrapDecodeErr(err)
	case TypeFloat64:
		var x float64
		err = msgpack.Unmarshal(fv.Raw, &x)
		return x, wrapDecodeErr(err)
	case TypeString:
		var x string
		err = msgpack.Unmarshal(fv.Raw, &x)
		return x, wrapDecodeErr(err)
	case TypeBlob, TypeID:
		var x []byte
		err = msgpack.Unmarshal(fv.Raw, &x)
		return x, wrapDecodeErr(err)
	default:
		return nil, jerror.Protocol("cannot decode field of unknown type", nil)
	}
}

func wrapDecodeErr(err error) error {
	if err == nil {
		return nil
	}
	return jerror.Protocol("failed to decode field value", err)
}

// SelectorWire is the recursive predicate tree shape carried in update,
// delete, and query requests (spec §3 "DB Selector"): a combinator of
// leaves, child selectors, and joins to other schemas.
type SelectorWire struct {
	Mode     CombinatorMode
	Leaves   []LeafWire
	Children []SelectorWire
	Joins    []JoinWire
}

// LeafWire is one (field, operator, value) predicate.
type LeafWire struct {
	Field    string
	Operator Operator
	Value    FieldValue
}

// JoinWire pairs two selectors (of possibly different schemas) on two field
// names (spec §3 "DB Selector", Join case). OtherNamespace/OtherSchemaName
// identify which schema Other is bound to — a selector tree carries no
// schema identity of its own, so the join edge is the only place the server
// learns which table to join against.
type JoinWire struct {
	LocalField      string
	OtherNamespace  string
	OtherSchemaName string
	OtherField      string
	Other           SelectorWire
}

// --- envelopes, one struct per request/reply kind (spec §4.8) ---

type SchemaCreateRequest struct {
	Namespace string
	Name      string
	Fields    []FieldSpec
	Indices   [][]string
}

type SchemaGetRequest struct {
	Namespace string
	Name      string
}

type SchemaGetReply struct {
	Fields  []FieldSpec
	Indices [][]string
}

type SchemaDeleteRequest struct {
	Namespace string
	Name      string
}

// InsertRequest carries one row's fields; a grouped insert message packs
// op_count of these, one per operation (spec §4.8 "a grouped request thus
// carries op_count × in_params").
type InsertRequest struct {
	Namespace  string
	SchemaName string
	Fields     map[string]FieldValue
}

// InsertReply carries the server-assigned row id for one insert operation.
type InsertReply struct {
	ID []byte
}

type UpdateRequest struct {
	Namespace  string
	SchemaName string
	Selector   SelectorWire
	Fields     map[string]FieldValue
}

type DeleteRequest struct {
	Namespace  string
	SchemaName string
	Selector   SelectorWire
}

type QueryRequest struct {
	Namespace  string
	SchemaName string
	Selector   SelectorWire
}

// RowWire is one result row: field name (or "schema.field" for a join
// result, spec §4.8 "get_field_ex ... disambiguates in join results") to
// value.
type RowWire struct {
	ID     []byte
	Fields map[string]FieldValue
}

// QueryReply carries every row a query matched. The original implementation
// holds a live server-side cursor and fetches rows lazily; this module's
// in-memory reference backend has no reason to paginate a query result, so
// the whole match set comes back in one reply and db.Iterator walks it
// client-side, still exposing the same has-next/next Cursor shape the
// caller would see against a paginating backend.
type QueryReply struct {
	Rows []RowWire
}

// Marshal encodes an envelope value (any of the request/reply structs
// above) to its wire bytes.
func Marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, jerror.Protocol("failed to encode db envelope", err)
	}
	return b, nil
}

// Unmarshal decodes wire bytes produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return jerror.Protocol("failed to decode db envelope", err)
	}
	return nil
}
