// Package semantics implements the seven-dimensional policy bag attached to
// every batch (spec §3, §4.1): atomicity, concurrency, consistency,
// ordering, persistency, safety, and security. A Semantics value is shared
// (reference-counted in the original; here a plain immutable value behind a
// pointer, since Go's GC makes manual refcounting unnecessary) and, once
// published to a batch, is no longer mutable — downstream code (chiefly
// message flag derivation) relies on that invariant.
package semantics

import (
	"sync/atomic"

	"github.com/dreamware/julea/internal/jerror"
)

// Dimension identifies one of the seven policy axes.
type Dimension int

const (
	Atomicity Dimension = iota
	Concurrency
	Consistency
	Ordering
	Persistency
	Safety
	Security
)

func (d Dimension) String() string {
	switch d {
	case Atomicity:
		return "atomicity"
	case Concurrency:
		return "concurrency"
	case Consistency:
		return "consistency"
	case Ordering:
		return "ordering"
	case Persistency:
		return "persistency"
	case Safety:
		return "safety"
	case Security:
		return "security"
	default:
		return "unknown"
	}
}

// Value is the enumerated value assigned to a Dimension. The same int type
// is reused across dimensions (per spec, each dimension's enum is closed but
// small); Semantics.Get/Set validate that a value is legal for its
// dimension.
type Value int

// Atomicity values.
const (
	AtomicityNone Value = iota
	AtomicityOperation
	AtomicityBatch
)

// Concurrency values.
const (
	ConcurrencyOverlapping Value = iota
	ConcurrencyNonOverlapping
	ConcurrencyNone
)

// Consistency values.
const (
	ConsistencyImmediate Value = iota
	ConsistencyEventual
	ConsistencySession
)

// Ordering values.
const (
	OrderingStrict Value = iota
	OrderingSemiRelaxed
	OrderingRelaxed
)

// Persistency values.
const (
	PersistencyStorage Value = iota
	PersistencyNetwork
	PersistencyNone
)

// Safety values.
const (
	SafetyStorage Value = iota
	SafetyNetwork
	SafetyNone
)

// Security values.
const (
	SecurityStrict Value = iota
	SecurityNone
)

// Template names a preset combination of dimension values.
type Template string

const (
	TemplateDefault         Template = "default"
	TemplatePOSIX           Template = "posix"
	TemplateTemporaryLocal  Template = "temporary-local"
)

var templates = map[Template]map[Dimension]Value{
	TemplateDefault: {
		Atomicity:   AtomicityOperation,
		Concurrency: ConcurrencyOverlapping,
		Consistency: ConsistencyEventual,
		Ordering:    OrderingSemiRelaxed,
		Persistency: PersistencyNetwork,
		Safety:      SafetyNetwork,
		Security:    SecurityStrict,
	},
	TemplatePOSIX: {
		Atomicity:   AtomicityOperation,
		Concurrency: ConcurrencyOverlapping,
		Consistency: ConsistencyImmediate,
		Ordering:    OrderingStrict,
		Persistency: PersistencyStorage,
		Safety:      SafetyStorage,
		Security:    SecurityStrict,
	},
	TemplateTemporaryLocal: {
		Atomicity:   AtomicityNone,
		Concurrency: ConcurrencyNone,
		Consistency: ConsistencyEventual,
		Ordering:    OrderingRelaxed,
		Persistency: PersistencyNone,
		Safety:      SafetyNone,
		Security:    SecurityNone,
	},
}

var dimensionBounds = map[Dimension]Value{
	Atomicity:   AtomicityBatch,
	Concurrency: ConcurrencyNone,
	Consistency: ConsistencySession,
	Ordering:    OrderingRelaxed,
	Persistency: PersistencyNone,
	Safety:      SafetyNone,
	Security:    SecurityNone,
}

// RegisterTemplate adds or overrides a named template, so callers are not
// limited to the three built-in presets — mirroring the original's
// macro-table approach to template definition (SPEC_FULL §13.1).
func RegisterTemplate(name Template, values map[Dimension]Value) {
	clone := make(map[Dimension]Value, len(values))
	for d, v := range values {
		clone[d] = v
	}
	templates[name] = clone
}

// Semantics is an immutable-once-published bag of the seven policy
// dimensions. Zero value is not valid; use New.
type Semantics struct {
	values    map[Dimension]Value
	published atomic.Bool
}

// New materializes a Semantics from a named template. An unknown template
// yields a nil Semantics and an Invalid error.
func New(template Template) (*Semantics, error) {
	preset, ok := templates[template]
	if !ok {
		return nil, jerror.Invalid("unknown semantics template: " + string(template))
	}
	s := &Semantics{values: make(map[Dimension]Value, len(preset))}
	for d, v := range preset {
		s.values[d] = v
	}
	return s, nil
}

// Publish marks the Semantics as shared; subsequent Set calls fail. A Batch
// calls this the moment the Semantics is attached to it (spec §4.1).
func (s *Semantics) Publish() {
	s.published.Store(true)
}

// Published reports whether Publish has been called.
func (s *Semantics) Published() bool {
	return s.published.Load()
}

// Set assigns a value to a dimension. Only legal before Publish; legality of
// the value itself is range-checked against the dimension's enum bound.
func (s *Semantics) Set(dim Dimension, value Value) error {
	if s.published.Load() {
		return jerror.State("cannot modify semantics after publication")
	}
	bound, ok := dimensionBounds[dim]
	if !ok {
		return jerror.Invalid("unknown semantics dimension")
	}
	if value < 0 || value > bound {
		return jerror.Invalid("value out of range for dimension " + dim.String())
	}
	s.values[dim] = value
	return nil
}

// Get returns the current value for a dimension.
func (s *Semantics) Get(dim Dimension) Value {
	return s.values[dim]
}

// Clone returns an unpublished deep copy, so a caller can start from a
// template and customize it without mutating a shared, already-published
// instance.
func (s *Semantics) Clone() *Semantics {
	clone := &Semantics{values: make(map[Dimension]Value, len(s.values))}
	for d, v := range s.values {
		clone.values[d] = v
	}
	return clone
}
