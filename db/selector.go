package db

import (
	"github.com/dreamware/julea/internal/protocol"
	"github.com/dreamware/julea/internal/jerror"
)

// Operator re-exports the DB protocol's comparison operators.
type Operator = protocol.Operator

const (
	OpEq = protocol.OpEq
	OpLt = protocol.OpLt
	OpLe = protocol.OpLe
	OpGt = protocol.OpGt
	OpGe = protocol.OpGe
	OpNe = protocol.OpNe
)

// CombinatorMode is the boolean mode a Selector's leaves and children
// combine under.
type CombinatorMode = protocol.CombinatorMode

const (
	ModeAnd = protocol.ModeAnd
	ModeOr  = protocol.ModeOr
)

// Selector is a predicate tree bound to a schema (spec §3 "DB Selector"):
// leaves, child selectors combined under the same mode, and joins to other
// schemas' selectors.
type Selector struct {
	schema   *Schema
	mode     CombinatorMode
	leaves   []protocol.LeafWire
	children []*Selector
	joins    []join
}

type join struct {
	localField string
	otherField string
	other      *Selector
}

// NewSelector creates an empty selector bound to schema, combining whatever
// is added to it under mode.
func NewSelector(schema *Schema, mode CombinatorMode) *Selector {
	return &Selector{schema: schema, mode: mode}
}

// Schema returns the schema this selector is bound to.
func (s *Selector) Schema() *Schema { return s.schema }

// AddField adds a leaf predicate (field, operator, value) (spec §4.8
// "add_field(...)"). field must be declared on the selector's schema.
func (s *Selector) AddField(field string, op Operator, value any) error {
	t, ok := s.schema.hasField(field)
	if !ok {
		return jerror.Invalid("selector field " + field + " is not declared on its schema")
	}
	fv, err := protocol.EncodeField(t, value)
	if err != nil {
		return err
	}
	s.leaves = append(s.leaves, protocol.LeafWire{Field: field, Operator: op, Value: fv})
	return nil
}

// AddSelector nests child as a sub-predicate of s (spec §4.8
// "add_selector(child) (recursive)"). child must be bound to the same
// schema as s.
func (s *Selector) AddSelector(child *Selector) error {
	if child.schema != s.schema {
		return jerror.Invalid("child selector must be bound to the same schema")
	}
	s.children = append(s.children, child)
	return nil
}

// AddJoin pairs s with other on two field names, letting a query span two
// schemas (spec §4.8 "add_join(local_field, other_selector, other_field)").
// Both referenced fields must exist on their respective schemas.
func (s *Selector) AddJoin(localField string, other *Selector, otherField string) error {
	if _, ok := s.schema.hasField(localField); !ok {
		return jerror.Invalid("join local field " + localField + " is not declared on its schema")
	}
	if _, ok := other.schema.hasField(otherField); !ok {
		return jerror.Invalid("join other field " + otherField + " is not declared on its schema")
	}
	s.joins = append(s.joins, join{localField: localField, otherField: otherField, other: other})
	return nil
}

// wire converts the selector tree into its wire shape for the DB protocol
// envelope.
func (s *Selector) wire() protocol.SelectorWire {
	w := protocol.SelectorWire{Mode: s.mode, Leaves: append([]protocol.LeafWire(nil), s.leaves...)}
	for _, c := range s.children {
		w.Children = append(w.Children, c.wire())
	}
	for _, j := range s.joins {
		w.Joins = append(w.Joins, protocol.JoinWire{
			LocalField:      j.localField,
			OtherNamespace:  j.other.schema.namespace,
			OtherSchemaName: j.other.schema.name,
			OtherField:      j.otherField,
			Other:           j.other.wire(),
		})
	}
	return w
}
