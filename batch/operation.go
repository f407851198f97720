// Package batch implements the operation scheduler (spec §4.5, C5): grouping
// adjacent same-key operations into single server round trips, enforcing
// the ordering guarantees a batch's semantics promise, and running a batch
// synchronously or on the background worker pool.
//
// batch deliberately knows nothing about objects, KV entries, or DB rows —
// that would create an import cycle, since object/kv/db all build Batches.
// Instead each client implements Handler and tags every Operation it creates
// with a comparable SchedulerKey (the handle's identity) and a Handler
// reference; the scheduler groups and flushes without needing to understand
// what is being grouped.
package batch

import (
	"context"

	"github.com/dreamware/julea/semantics"
)

// SchedulerKey is an opaque, comparable handle identity used to decide
// whether two adjacent operations may be grouped into one server round
// trip (spec glossary "Scheduler key"). Clients typically use a pointer to
// their handle struct, or a string built from "kind:namespace:name" when no
// single handle value exists (e.g. distributed object stripes spanning
// several servers still share one scheduler key: the object handle).
type SchedulerKey any

// Handler is implemented by each client (object, kv, db) and knows how to
// pack one or more wire messages for a contiguous run of operations sharing
// a SchedulerKey, send them, and dispatch replies back into each
// Operation's Err/result slot.
//
// Flush must set Err on every operation in ops before returning, even on
// success (nil means success). It may split ops into more than one outgoing
// message if the combined payload would exceed a configured
// max-operation-size; that splitting is entirely internal to the Handler.
type Handler interface {
	Flush(ctx context.Context, sem *semantics.Semantics, ops []*Operation) error
}

// Kind labels what an Operation does. The scheduler groups adjacent
// operations only when their Kind, SchedulerKey and Groupable flag agree,
// and Handler implementations branch on it to choose the wire request.
type Kind string

const (
	KindObjectCreate Kind = "object-create"
	KindObjectDelete Kind = "object-delete"
	KindObjectRead   Kind = "object-read"
	KindObjectWrite  Kind = "object-write"
	KindObjectStatus Kind = "object-status"
	KindObjectSync   Kind = "object-sync"
	KindKVPut        Kind = "kv-put"
	KindKVGet        Kind = "kv-get"
	KindKVDelete     Kind = "kv-delete"
	KindDBSchemaCreate Kind = "db-schema-create"
	KindDBSchemaGet    Kind = "db-schema-get"
	KindDBSchemaDelete Kind = "db-schema-delete"
	KindDBInsert       Kind = "db-insert"
	KindDBUpdate       Kind = "db-update"
	KindDBDelete       Kind = "db-delete"
	KindDBQuery        Kind = "db-query"
)

// Operation is the tagged variant over (client, verb) pairs described in
// spec §3: created inside a client call, owned by the enclosing Batch,
// destroyed when the batch completes regardless of outcome.
type Operation struct {
	// Kind identifies the (client, verb) pair; only operations of the same
	// Kind are grouped together.
	Kind Kind

	// Key is this operation's scheduler key; operations with equal Key
	// values that are both Groupable may be merged into one round trip.
	Key SchedulerKey

	// Handler packs, sends, and dispatches this operation (and any
	// adjacent operations it is grouped with).
	Handler Handler

	// Groupable reports whether this operation may be merged with
	// adjacent operations sharing its Key. Status/sync-style operations
	// are typically not groupable even when they share a key.
	Groupable bool

	// Err is nil until the batch executes; after Execute returns, Err
	// holds this operation's individual result (nil on success).
	// Per-operation errors are preserved even when other operations in
	// the same batch succeeded (spec §7 propagation policy).
	Err error

	// Payload is the client's own request/response record for this
	// operation (spec §3 Operation: "input parameters; an out-parameter
	// slot for results") — e.g. the object package stores the target
	// stripe and a bytes-transferred counter here, kv stores the put/get
	// value, db stores the field list. The scheduler never reads or
	// writes this field; only the owning Handler's Flush does.
	Payload any
}

// NewOperation constructs an Operation. Client packages call this rather
// than constructing the struct literal directly so future fields stay
// encapsulated.
func NewOperation(kind Kind, key SchedulerKey, handler Handler, groupable bool) *Operation {
	return &Operation{Kind: kind, Key: key, Handler: handler, Groupable: groupable}
}
