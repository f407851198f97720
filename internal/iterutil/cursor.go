// Package iterutil defines the has-next/next cursor shape shared by the KV
// and DB iterators (spec §4.7 "kv-iterator", §4.8 iterator), generalizing
// the original implementation's jlist-iterator.c/jbson-iterator.c "iterate a
// collection one item at a time" idiom (SPEC_FULL §13.3) into one Go
// interface both clients implement.
package iterutil

// Cursor is implemented by a stateful iterator: call Next until it returns
// false, then check Err to distinguish "exhausted" from "failed midway".
// The current item is retrieved through the concrete type's own accessor
// (e.g. kv.Iterator.Entry), not through this interface, since Go interfaces
// can't express a type parameter on a method without becoming generic
// themselves in a way that would force every caller to instantiate Cursor[T]
// explicitly.
type Cursor interface {
	// Next advances to the next item, returning false when iteration is
	// exhausted or has failed. Callers must check Err after a false
	// return to tell those two cases apart.
	Next() bool

	// Err returns the first error encountered during iteration, or nil if
	// iteration ran to completion (or hasn't started).
	Err() error
}
