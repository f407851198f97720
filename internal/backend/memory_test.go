package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/internal/protocol"
)

func TestObjectLifecycle(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.ObjectCreate("ns", "o1"))
	assert.Error(t, b.ObjectCreate("ns", "o1")) // duplicate

	require.NoError(t, b.ObjectWrite("ns", "o1", 0, []byte("hello")))
	data, err := b.ObjectRead("ns", "o1", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	modTime, size, err := b.ObjectStatus("ns", "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.NotZero(t, modTime)

	require.NoError(t, b.ObjectDelete("ns", "o1"))
	_, _, err = b.ObjectStatus("ns", "o1")
	assert.True(t, jerror.IsDomain(err, jerror.DomainNotFound))
}

func TestObjectWriteZeroExtendsAndReadZeroPadsPastEOF(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.ObjectCreate("ns", "o1"))
	require.NoError(t, b.ObjectWrite("ns", "o1", 4, []byte("xy")))

	_, size, err := b.ObjectStatus("ns", "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)

	data, err := b.ObjectRead("ns", "o1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, data, 10)
	assert.Equal(t, []byte{0, 0, 0, 0, 'x', 'y', 0, 0, 0, 0}, data)
}

func TestKVLifecycle(t *testing.T) {
	b := NewMemoryBackend()
	_, err := b.KVGet("ns", "k1")
	assert.True(t, jerror.IsDomain(err, jerror.DomainNotFound))

	require.NoError(t, b.KVPut("ns", "k1", []byte("v1")))
	v, err := b.KVGet("ns", "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, b.KVDelete("ns", "k1"))
	_, err = b.KVGet("ns", "k1")
	assert.True(t, jerror.IsDomain(err, jerror.DomainNotFound))
}

func TestKVIterateFiltersByPrefixAndSorts(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.KVPut("ns", "user:b", []byte("2")))
	require.NoError(t, b.KVPut("ns", "user:a", []byte("1")))
	require.NoError(t, b.KVPut("ns", "doc:a", []byte("3")))

	entries, err := b.KVIterate("ns", "user:")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user:a", entries[0].Key)
	assert.Equal(t, "user:b", entries[1].Key)
}

func peopleSchema(t *testing.T, b *MemoryBackend) {
	t.Helper()
	require.NoError(t, b.SchemaCreate("ns", "people", []protocol.FieldSpec{
		{Name: "name", Type: protocol.TypeString},
		{Name: "age", Type: protocol.TypeInt32},
	}, nil))
}

func encode(t *testing.T, typ protocol.FieldType, v any) protocol.FieldValue {
	t.Helper()
	fv, err := protocol.EncodeField(typ, v)
	require.NoError(t, err)
	return fv
}

func TestSchemaLifecycle(t *testing.T) {
	b := NewMemoryBackend()
	peopleSchema(t, b)
	assert.Error(t, b.SchemaCreate("ns", "people", nil, nil)) // duplicate

	fields, _, err := b.SchemaGet("ns", "people")
	require.NoError(t, err)
	assert.Len(t, fields, 2)

	require.NoError(t, b.SchemaDelete("ns", "people"))
	_, _, err = b.SchemaGet("ns", "people")
	assert.True(t, jerror.IsDomain(err, jerror.DomainNotFound))
}

func TestInsertRejectsUndeclaredField(t *testing.T) {
	b := NewMemoryBackend()
	peopleSchema(t, b)
	_, err := b.Insert("ns", "people", map[string]protocol.FieldValue{
		"nickname": encode(t, protocol.TypeString, "bob"),
	})
	assert.True(t, jerror.IsDomain(err, jerror.DomainInvalid))
}

func TestInsertQueryUpdateDelete(t *testing.T) {
	b := NewMemoryBackend()
	peopleSchema(t, b)

	id1, err := b.Insert("ns", "people", map[string]protocol.FieldValue{
		"name": encode(t, protocol.TypeString, "alice"),
		"age":  encode(t, protocol.TypeInt32, int32(30)),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	_, err = b.Insert("ns", "people", map[string]protocol.FieldValue{
		"name": encode(t, protocol.TypeString, "bob"),
		"age":  encode(t, protocol.TypeInt32, int32(20)),
	})
	require.NoError(t, err)

	sel := protocol.SelectorWire{
		Mode: protocol.ModeAnd,
		Leaves: []protocol.LeafWire{
			{Field: "age", Operator: protocol.OpGe, Value: encode(t, protocol.TypeInt32, int32(25))},
		},
	}
	rows, err := b.Query("ns", "people", sel)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	name, err := rows[0].Fields["name"].Decode()
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	n, err := b.Update("ns", "people", sel, map[string]protocol.FieldValue{
		"age": encode(t, protocol.TypeInt32, int32(31)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err = b.Query("ns", "people", protocol.SelectorWire{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	n, err = b.DeleteMatching("ns", "people", sel)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err = b.Query("ns", "people", protocol.SelectorWire{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMatchSelectorOrMode(t *testing.T) {
	b := NewMemoryBackend()
	peopleSchema(t, b)
	_, err := b.Insert("ns", "people", map[string]protocol.FieldValue{
		"name": encode(t, protocol.TypeString, "alice"),
		"age":  encode(t, protocol.TypeInt32, int32(30)),
	})
	require.NoError(t, err)
	_, err = b.Insert("ns", "people", map[string]protocol.FieldValue{
		"name": encode(t, protocol.TypeString, "bob"),
		"age":  encode(t, protocol.TypeInt32, int32(20)),
	})
	require.NoError(t, err)

	sel := protocol.SelectorWire{
		Mode: protocol.ModeOr,
		Leaves: []protocol.LeafWire{
			{Field: "name", Operator: protocol.OpEq, Value: encode(t, protocol.TypeString, "alice")},
			{Field: "age", Operator: protocol.OpLt, Value: encode(t, protocol.TypeInt32, int32(25))},
		},
	}
	rows, err := b.Query("ns", "people", sel)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestQueryResolvesJoins(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.SchemaCreate("ns", "emp", []protocol.FieldSpec{
		{Name: "emp_id", Type: protocol.TypeUint64},
		{Name: "emp_name", Type: protocol.TypeString},
	}, nil))
	require.NoError(t, b.SchemaCreate("ns", "dept", []protocol.FieldSpec{
		{Name: "dept_id", Type: protocol.TypeUint64},
		{Name: "dept_name", Type: protocol.TypeString},
	}, nil))
	require.NoError(t, b.SchemaCreate("ns", "ref", []protocol.FieldSpec{
		{Name: "emp_id", Type: protocol.TypeUint64},
		{Name: "dept_id", Type: protocol.TypeUint64},
	}, nil))

	type empRow struct {
		id   uint64
		name string
	}
	emps := []empRow{{1, "James"}, {2, "Jack"}, {3, "Henry"}, {4, "Tom"}}
	for _, e := range emps {
		_, err := b.Insert("ns", "emp", map[string]protocol.FieldValue{
			"emp_id":   encode(t, protocol.TypeUint64, e.id),
			"emp_name": encode(t, protocol.TypeString, e.name),
		})
		require.NoError(t, err)
	}
	depts := []struct {
		id   uint64
		name string
	}{{10, "Sales"}, {20, "Marketing"}, {30, "Finance"}}
	for _, d := range depts {
		_, err := b.Insert("ns", "dept", map[string]protocol.FieldValue{
			"dept_id":   encode(t, protocol.TypeUint64, d.id),
			"dept_name": encode(t, protocol.TypeString, d.name),
		})
		require.NoError(t, err)
	}
	refs := []struct{ empID, deptID uint64 }{{1, 10}, {2, 20}, {3, 30}, {4, 20}}
	for _, r := range refs {
		_, err := b.Insert("ns", "ref", map[string]protocol.FieldValue{
			"emp_id":  encode(t, protocol.TypeUint64, r.empID),
			"dept_id": encode(t, protocol.TypeUint64, r.deptID),
		})
		require.NoError(t, err)
	}

	sel := protocol.SelectorWire{
		Mode: protocol.ModeAnd,
		Joins: []protocol.JoinWire{
			{LocalField: "emp_id", OtherNamespace: "ns", OtherSchemaName: "emp", OtherField: "emp_id"},
			{LocalField: "dept_id", OtherNamespace: "ns", OtherSchemaName: "dept", OtherField: "dept_id"},
		},
	}
	rows, err := b.Query("ns", "ref", sel)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	got := make(map[string]string, len(rows))
	for _, row := range rows {
		name, err := row.Fields["emp.emp_name"].Decode()
		require.NoError(t, err)
		dept, err := row.Fields["dept.dept_name"].Decode()
		require.NoError(t, err)
		got[name.(string)] = dept.(string)
	}
	assert.Equal(t, map[string]string{
		"James": "Sales",
		"Jack":  "Marketing",
		"Henry": "Finance",
		"Tom":   "Marketing",
	}, got)
}

func TestDBStatsCountsSchemasAndRows(t *testing.T) {
	b := NewMemoryBackend()
	peopleSchema(t, b)
	_, err := b.Insert("ns", "people", map[string]protocol.FieldValue{
		"name": encode(t, protocol.TypeString, "alice"),
		"age":  encode(t, protocol.TypeInt32, int32(30)),
	})
	require.NoError(t, err)

	schemas, rows := b.DBStats()
	assert.Equal(t, 1, schemas)
	assert.Equal(t, 1, rows)
}
