// Package backend defines the storage-facing interfaces cmd/julea-server
// dispatches wire requests to, and supplies the one in-memory implementation
// this module ships (SPEC_FULL §12: "the 'external collaborators' of §1 are
// out of scope; this package supplies the one in-memory backend needed to
// exercise cmd/julea-server and the integration tests").
//
// Object, KV, and DB each get their own narrow interface rather than one
// do-everything Backend, mirroring how object/kv/db are already three
// independent client packages with three independent wire message families.
// MemoryBackend implements all three so cmd/julea-server only has to
// construct and wire up one value.
package backend

import (
	"github.com/dreamware/julea/internal/protocol"
)

// ObjectBackend serves object create/delete/read/write/status/sync requests
// (spec §4.6). Offsets and lengths are in bytes; Write must zero-extend the
// object when offset+len(data) exceeds its current size, the same
// sparse-write semantics a POSIX file offers.
type ObjectBackend interface {
	ObjectCreate(namespace, name string) error
	ObjectDelete(namespace, name string) error
	ObjectWrite(namespace, name string, offset int64, data []byte) error
	ObjectRead(namespace, name string, offset, length int64) ([]byte, error)
	// ObjectStatus reports an object's last modification time and size
	// (spec §3 "status(&modtime, &size)"). modTime is Unix nanoseconds.
	ObjectStatus(namespace, name string) (modTime int64, size int64, err error)
	ObjectSync(namespace, name string) error
}

// KVEntry is one (key, value) pair returned by KVBackend.Iterate.
type KVEntry struct {
	Key   string
	Value []byte
}

// KVBackend serves kv put/get/delete/iterate requests (spec §4.7).
type KVBackend interface {
	KVPut(namespace, key string, value []byte) error
	KVGet(namespace, key string) ([]byte, error)
	KVDelete(namespace, key string) error
	KVIterate(namespace, prefix string) ([]KVEntry, error)
}

// DBBackend serves schema lifecycle, entry, and query requests (spec §4.8).
// Selector evaluation happens here rather than client-side, matching the
// original's server-held cursor model (spec §4.8 "new(schema, selector)
// sends a db-query and holds a server cursor").
type DBBackend interface {
	SchemaCreate(namespace, name string, fields []protocol.FieldSpec, indices [][]string) error
	SchemaGet(namespace, name string) ([]protocol.FieldSpec, [][]string, error)
	SchemaDelete(namespace, name string) error
	Insert(namespace, schemaName string, fields map[string]protocol.FieldValue) ([]byte, error)
	Update(namespace, schemaName string, selector protocol.SelectorWire, fields map[string]protocol.FieldValue) (int, error)
	DeleteMatching(namespace, schemaName string, selector protocol.SelectorWire) (int, error)
	Query(namespace, schemaName string, selector protocol.SelectorWire) ([]protocol.RowWire, error)
}

// Stats reports storage usage for one of the three backends, the same
// Keys/Bytes shape internal/storage.StoreStats already uses (SPEC_FULL §13.4
// "Store statistics", grounded on original_source/julea/jstore.c).
type Stats struct {
	Keys  int
	Bytes int
}

// Backend bundles all three protocols plus stats, the shape cmd/julea-server
// depends on.
type Backend interface {
	ObjectBackend
	KVBackend
	DBBackend

	ObjectStats() Stats
	KVStats() Stats
	DBStats() (schemas, rows int)
}
