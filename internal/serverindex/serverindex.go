// Package serverindex implements the fixed key→server-index hash shared by
// plain (non-distributed) objects (spec §4.6 "fixed single-server mapping by
// hash(namespace∥name)") and by KV handles (spec §4.7 "mapping
// deterministically to one server (hash, ...)").
//
// Grounded on the teacher's shard.Shard.OwnsKey: FNV-1a hash of the key,
// reduced modulo the server count.
package serverindex

import "hash/fnv"

// Of returns the index in [0, serverCount) that key deterministically maps
// to. serverCount must be positive; callers are expected to have validated
// their server list is non-empty before calling.
func Of(key string, serverCount int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % serverCount
}
