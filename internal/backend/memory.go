package backend

import (
	"bytes"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/internal/protocol"
)

// MemoryBackend is the one in-memory reference backend this module ships,
// exercised directly by cmd/julea-server and the integration tests. Object
// bytes and kv values reuse the same copy-in/copy-out map idiom
// internal/storage.MemoryStore already established; schema/row storage adds
// a selector evaluator on top, since DB queries must be answered server-side
// (spec §4.8's server-held cursor model) rather than filtered by the client.
//
// Object, kv, and db each get their own mutex rather than one backend-wide
// lock, since the three protocols never touch each other's state and a
// single lock would serialize unrelated traffic (grounded on
// internal/shard.Shard, which likewise counts object/gets/puts/deletes with
// independent atomic counters rather than one shared counter).
type MemoryBackend struct {
	objMu   sync.RWMutex
	objects map[string]*memObject

	kvMu sync.RWMutex
	kv   map[string][]byte

	dbMu    sync.RWMutex
	schemas map[string]*memSchema

	objOps, kvOps, dbOps counters
}

type counters struct {
	gets, puts, deletes uint64
}

// memObject is an object's bytes plus the unix-nano timestamp of its last
// write, reported back by ObjectStatus (spec §3 "status(&modtime, &size)").
type memObject struct {
	data    []byte
	modTime int64
}

type memSchema struct {
	fields  []protocol.FieldSpec
	fieldSet map[string]protocol.FieldType
	indices [][]string
	rows    []*memRow
}

type memRow struct {
	id     []byte
	fields map[string]protocol.FieldValue
}

// NewMemoryBackend constructs an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]*memObject),
		kv:      make(map[string][]byte),
		schemas: make(map[string]*memSchema),
	}
}

func compositeKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

// --- object ---

func (m *MemoryBackend) ObjectCreate(namespace, name string) error {
	key := compositeKey(namespace, name)
	m.objMu.Lock()
	defer m.objMu.Unlock()
	if _, exists := m.objects[key]; exists {
		return jerror.Exists("object " + name + " already exists")
	}
	m.objects[key] = &memObject{data: []byte{}, modTime: time.Now().UnixNano()}
	return nil
}

func (m *MemoryBackend) ObjectDelete(namespace, name string) error {
	key := compositeKey(namespace, name)
	m.objMu.Lock()
	defer m.objMu.Unlock()
	if _, exists := m.objects[key]; !exists {
		return jerror.NotFound("object " + name + " does not exist")
	}
	delete(m.objects, key)
	atomic.AddUint64(&m.objOps.deletes, 1)
	return nil
}

func (m *MemoryBackend) ObjectWrite(namespace, name string, offset int64, data []byte) error {
	key := compositeKey(namespace, name)
	m.objMu.Lock()
	defer m.objMu.Unlock()
	obj, exists := m.objects[key]
	if !exists {
		return jerror.NotFound("object " + name + " does not exist")
	}
	end := offset + int64(len(data))
	if end > int64(len(obj.data)) {
		grown := make([]byte, end)
		copy(grown, obj.data)
		obj.data = grown
	}
	copy(obj.data[offset:end], data)
	obj.modTime = time.Now().UnixNano()
	atomic.AddUint64(&m.objOps.puts, 1)
	return nil
}

// ObjectRead always returns exactly length bytes, zero-filling whatever lies
// past the object's current size — the wire protocol's deferred-send framing
// (message.AddSend/ReadBulk) requires the bulk transfer to match the length
// the request already declared, the same way object.Handle.Read pre-sizes
// its destination buffer per stripe before the reply arrives.
func (m *MemoryBackend) ObjectRead(namespace, name string, offset, length int64) ([]byte, error) {
	key := compositeKey(namespace, name)
	m.objMu.RLock()
	defer m.objMu.RUnlock()
	obj, exists := m.objects[key]
	if !exists {
		return nil, jerror.NotFound("object " + name + " does not exist")
	}
	atomic.AddUint64(&m.objOps.gets, 1)
	out := make([]byte, length)
	if offset < int64(len(obj.data)) {
		end := offset + length
		if end > int64(len(obj.data)) {
			end = int64(len(obj.data))
		}
		copy(out, obj.data[offset:end])
	}
	return out, nil
}

func (m *MemoryBackend) ObjectStatus(namespace, name string) (int64, int64, error) {
	key := compositeKey(namespace, name)
	m.objMu.RLock()
	defer m.objMu.RUnlock()
	obj, exists := m.objects[key]
	if !exists {
		return 0, 0, jerror.NotFound("object " + name + " does not exist")
	}
	return obj.modTime, int64(len(obj.data)), nil
}

func (m *MemoryBackend) ObjectSync(namespace, name string) error {
	key := compositeKey(namespace, name)
	m.objMu.RLock()
	defer m.objMu.RUnlock()
	if _, exists := m.objects[key]; !exists {
		return jerror.NotFound("object " + name + " does not exist")
	}
	// There is nothing to flush: writes land in the map synchronously.
	return nil
}

func (m *MemoryBackend) ObjectStats() Stats {
	m.objMu.RLock()
	defer m.objMu.RUnlock()
	total := 0
	for _, v := range m.objects {
		total += len(v.data)
	}
	return Stats{Keys: len(m.objects), Bytes: total}
}

// --- kv ---

func (m *MemoryBackend) KVPut(namespace, key string, value []byte) error {
	ck := compositeKey(namespace, key)
	cp := make([]byte, len(value))
	copy(cp, value)
	m.kvMu.Lock()
	m.kv[ck] = cp
	m.kvMu.Unlock()
	atomic.AddUint64(&m.kvOps.puts, 1)
	return nil
}

func (m *MemoryBackend) KVGet(namespace, key string) ([]byte, error) {
	ck := compositeKey(namespace, key)
	m.kvMu.RLock()
	v, exists := m.kv[ck]
	m.kvMu.RUnlock()
	if !exists {
		return nil, jerror.NotFound("key " + key + " does not exist")
	}
	atomic.AddUint64(&m.kvOps.gets, 1)
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryBackend) KVDelete(namespace, key string) error {
	ck := compositeKey(namespace, key)
	m.kvMu.Lock()
	delete(m.kv, ck)
	m.kvMu.Unlock()
	atomic.AddUint64(&m.kvOps.deletes, 1)
	return nil
}

func (m *MemoryBackend) KVIterate(namespace, prefix string) ([]KVEntry, error) {
	nsPrefix := compositeKey(namespace, prefix)
	m.kvMu.RLock()
	defer m.kvMu.RUnlock()
	var out []KVEntry
	for ck, v := range m.kv {
		if !strings.HasPrefix(ck, nsPrefix) {
			continue
		}
		_, key, ok := strings.Cut(ck, "\x00")
		if !ok {
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, KVEntry{Key: key, Value: cp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryBackend) KVStats() Stats {
	m.kvMu.RLock()
	defer m.kvMu.RUnlock()
	total := 0
	for _, v := range m.kv {
		total += len(v)
	}
	return Stats{Keys: len(m.kv), Bytes: total}
}

// --- db ---

func (m *MemoryBackend) SchemaCreate(namespace, name string, fields []protocol.FieldSpec, indices [][]string) error {
	key := compositeKey(namespace, name)
	m.dbMu.Lock()
	defer m.dbMu.Unlock()
	if _, exists := m.schemas[key]; exists {
		return jerror.Exists("schema " + name + " already exists")
	}
	fieldSet := make(map[string]protocol.FieldType, len(fields))
	for _, f := range fields {
		fieldSet[f.Name] = f.Type
	}
	m.schemas[key] = &memSchema{
		fields:   append([]protocol.FieldSpec(nil), fields...),
		fieldSet: fieldSet,
		indices:  append([][]string(nil), indices...),
	}
	return nil
}

func (m *MemoryBackend) SchemaGet(namespace, name string) ([]protocol.FieldSpec, [][]string, error) {
	key := compositeKey(namespace, name)
	m.dbMu.RLock()
	defer m.dbMu.RUnlock()
	s, exists := m.schemas[key]
	if !exists {
		return nil, nil, jerror.NotFound("schema " + name + " does not exist")
	}
	return append([]protocol.FieldSpec(nil), s.fields...), append([][]string(nil), s.indices...), nil
}

func (m *MemoryBackend) SchemaDelete(namespace, name string) error {
	key := compositeKey(namespace, name)
	m.dbMu.Lock()
	defer m.dbMu.Unlock()
	if _, exists := m.schemas[key]; !exists {
		return jerror.NotFound("schema " + name + " does not exist")
	}
	delete(m.schemas, key)
	return nil
}

func (m *MemoryBackend) Insert(namespace, schemaName string, fields map[string]protocol.FieldValue) ([]byte, error) {
	key := compositeKey(namespace, schemaName)
	m.dbMu.Lock()
	defer m.dbMu.Unlock()
	s, exists := m.schemas[key]
	if !exists {
		return nil, jerror.NotFound("schema " + schemaName + " does not exist")
	}
	for name := range fields {
		if _, ok := s.fieldSet[name]; !ok {
			return nil, jerror.Invalid("field " + name + " is not declared on schema " + schemaName)
		}
	}
	id := uuid.New()
	row := &memRow{id: id[:], fields: fields}
	s.rows = append(s.rows, row)
	atomic.AddUint64(&m.dbOps.puts, 1)
	return row.id, nil
}

func (m *MemoryBackend) Update(namespace, schemaName string, selector protocol.SelectorWire, fields map[string]protocol.FieldValue) (int, error) {
	key := compositeKey(namespace, schemaName)
	m.dbMu.Lock()
	defer m.dbMu.Unlock()
	s, exists := m.schemas[key]
	if !exists {
		return 0, jerror.NotFound("schema " + schemaName + " does not exist")
	}
	n := 0
	for _, row := range s.rows {
		if _, ok := m.evalSelector(selector, row); !ok {
			continue
		}
		for name, v := range fields {
			row.fields[name] = v
		}
		n++
	}
	atomic.AddUint64(&m.dbOps.puts, uint64(n))
	return n, nil
}

func (m *MemoryBackend) DeleteMatching(namespace, schemaName string, selector protocol.SelectorWire) (int, error) {
	key := compositeKey(namespace, schemaName)
	m.dbMu.Lock()
	defer m.dbMu.Unlock()
	s, exists := m.schemas[key]
	if !exists {
		return 0, jerror.NotFound("schema " + schemaName + " does not exist")
	}
	kept := s.rows[:0]
	n := 0
	for _, row := range s.rows {
		if _, ok := m.evalSelector(selector, row); ok {
			n++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	atomic.AddUint64(&m.dbOps.deletes, uint64(n))
	return n, nil
}

func (m *MemoryBackend) Query(namespace, schemaName string, selector protocol.SelectorWire) ([]protocol.RowWire, error) {
	key := compositeKey(namespace, schemaName)
	m.dbMu.RLock()
	defer m.dbMu.RUnlock()
	s, exists := m.schemas[key]
	if !exists {
		return nil, jerror.NotFound("schema " + schemaName + " does not exist")
	}
	var out []protocol.RowWire
	for _, row := range s.rows {
		combos, ok := m.evalSelector(selector, row)
		if !ok {
			continue
		}
		atomic.AddUint64(&m.dbOps.gets, uint64(len(combos)))
		for _, fields := range combos {
			out = append(out, protocol.RowWire{ID: append([]byte(nil), row.id...), Fields: fields})
		}
	}
	return out, nil
}

func (m *MemoryBackend) DBStats() (schemas, rows int) {
	m.dbMu.RLock()
	defer m.dbMu.RUnlock()
	schemas = len(m.schemas)
	for _, s := range m.schemas {
		rows += len(s.rows)
	}
	return schemas, rows
}

func cloneFields(in map[string]protocol.FieldValue) map[string]protocol.FieldValue {
	out := make(map[string]protocol.FieldValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// evalSelector evaluates sel against row, returning every field-combination
// it produces plus whether sel matched at all. A selector with no joins
// always produces exactly one combination (row's own fields); a selector
// with joins fans out into one combination per matching partner-row tuple
// (an inner join, not a first-match pick), with each joined schema's fields
// merged in under a "schema.field" key (spec §4.8 "get_field_ex ...
// disambiguates in join results"). Caller must hold dbMu — joins look up
// partner schemas directly off m.schemas, which is why every db.Schema
// shares one backend-wide lock rather than a per-schema one.
func (m *MemoryBackend) evalSelector(sel protocol.SelectorWire, row *memRow) ([]map[string]protocol.FieldValue, bool) {
	type branch struct {
		ok     bool
		combos []map[string]protocol.FieldValue
	}
	var branches []branch

	for _, leaf := range sel.Leaves {
		branches = append(branches, branch{ok: matchLeaf(leaf, row)})
	}
	for _, child := range sel.Children {
		combos, ok := m.evalSelector(child, row)
		branches = append(branches, branch{ok: ok, combos: combos})
	}
	for _, j := range sel.Joins {
		combos, ok := m.evalJoin(j, row)
		branches = append(branches, branch{ok: ok, combos: combos})
	}

	if len(branches) == 0 {
		return []map[string]protocol.FieldValue{cloneFields(row.fields)}, true
	}

	matched := branches[0].ok
	for _, b := range branches[1:] {
		if sel.Mode == protocol.ModeOr {
			matched = matched || b.ok
		} else {
			matched = matched && b.ok
		}
	}
	if !matched {
		return nil, false
	}

	combos := []map[string]protocol.FieldValue{cloneFields(row.fields)}
	for _, b := range branches {
		if len(b.combos) == 0 {
			continue
		}
		combos = crossMerge(combos, b.combos)
	}
	return combos, true
}

// evalJoin finds every row in j's partner schema whose OtherField equals
// row's LocalField and that satisfies j.Other, and returns one combination
// per match with the partner row's fields prefixed "OtherSchemaName.".
func (m *MemoryBackend) evalJoin(j protocol.JoinWire, row *memRow) ([]map[string]protocol.FieldValue, bool) {
	localVal, ok := row.fields[j.LocalField]
	if !ok {
		return nil, false
	}
	other, exists := m.schemas[compositeKey(j.OtherNamespace, j.OtherSchemaName)]
	if !exists {
		return nil, false
	}

	var combos []map[string]protocol.FieldValue
	for _, otherRow := range other.rows {
		otherVal, ok := otherRow.fields[j.OtherField]
		if !ok || otherVal.Type != localVal.Type || compareFieldValues(localVal, otherVal) != 0 {
			continue
		}
		otherCombos, ok := m.evalSelector(j.Other, otherRow)
		if !ok {
			continue
		}
		for _, oc := range otherCombos {
			prefixed := make(map[string]protocol.FieldValue, len(oc))
			for name, v := range oc {
				prefixed[j.OtherSchemaName+"."+name] = v
			}
			combos = append(combos, prefixed)
		}
	}
	if len(combos) == 0 {
		return nil, false
	}
	return combos, true
}

// crossMerge produces the cartesian product of a and b, each result the
// union of one combination from each side.
func crossMerge(a, b []map[string]protocol.FieldValue) []map[string]protocol.FieldValue {
	out := make([]map[string]protocol.FieldValue, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			merged := make(map[string]protocol.FieldValue, len(x)+len(y))
			for k, v := range x {
				merged[k] = v
			}
			for k, v := range y {
				merged[k] = v
			}
			out = append(out, merged)
		}
	}
	return out
}

func matchLeaf(leaf protocol.LeafWire, row *memRow) bool {
	fv, ok := row.fields[leaf.Field]
	if !ok {
		return false
	}
	if fv.Type != leaf.Value.Type {
		return false
	}
	cmp := compareFieldValues(fv, leaf.Value)
	switch leaf.Operator {
	case protocol.OpEq:
		return cmp == 0
	case protocol.OpNe:
		return cmp != 0
	case protocol.OpLt:
		return cmp < 0
	case protocol.OpLe:
		return cmp <= 0
	case protocol.OpGt:
		return cmp > 0
	case protocol.OpGe:
		return cmp >= 0
	default:
		return false
	}
}

// compareFieldValues orders two same-typed field values. Blob/ID compare by
// byte order; every scalar numeric and string type decodes and compares
// natively.
func compareFieldValues(a, b protocol.FieldValue) int {
	if a.Type == protocol.TypeBlob || a.Type == protocol.TypeID {
		return bytes.Compare(a.Raw, b.Raw)
	}
	av, errA := a.Decode()
	bv, errB := b.Decode()
	if errA != nil || errB != nil {
		return bytes.Compare(a.Raw, b.Raw)
	}
	switch x := av.(type) {
	case int32:
		return compareOrdered(x, bv.(int32))
	case uint32:
		return compareOrdered(x, bv.(uint32))
	case int64:
		return compareOrdered(x, bv.(int64))
	case uint64:
		return compareOrdered(x, bv.(uint64))
	case float32:
		return compareOrdered(x, bv.(float32))
	case float64:
		return compareOrdered(x, bv.(float64))
	case string:
		return strings.Compare(x, bv.(string))
	default:
		return bytes.Compare(a.Raw, b.Raw)
	}
}

func compareOrdered[T int32 | uint32 | int64 | uint64 | float32 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
