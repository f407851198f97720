package main

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/julea/batch"
	"github.com/dreamware/julea/connpool"
	"github.com/dreamware/julea/db"
	"github.com/dreamware/julea/internal/backend"
	"github.com/dreamware/julea/internal/julealog"
	"github.com/dreamware/julea/internal/rpcserver"
	"github.com/dreamware/julea/kv"
	"github.com/dreamware/julea/object"
	"github.com/dreamware/julea/semantics"
)

// startTestServer runs a real Server on an OS-assigned loopback port and
// returns a connpool.Pool dialing it for every (kind, index) pair the
// object/kv/db clients address — one physical server standing in for every
// kind and index, since this reference binary runs a single process.
func startTestServer(t *testing.T) *connpool.Pool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := rpcserver.NewServer(backend.NewMemoryBackend(), julealog.L())
	go func() { _ = srv.Serve(ln) }()

	addr := ln.Addr().String()
	addrs := map[connpool.Key]string{
		{Kind: "object", Index: 0}: addr,
		{Kind: "kv", Index: 0}:     addr,
		{Kind: "db", Index: 0}:     addr,
	}
	dial := func(ctx context.Context, a string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", a)
	}
	pool := connpool.New(dial, addrs, 8)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func newTestSemantics(t *testing.T) *semantics.Semantics {
	t.Helper()
	sem, err := semantics.New(semantics.TemplateDefault)
	require.NoError(t, err)
	return sem
}

func TestObjectClientAgainstRealServer(t *testing.T) {
	pool := startTestServer(t)
	client, err := object.NewClient(pool, 1, 64*1024)
	require.NoError(t, err)
	ctx := context.Background()

	b := batch.New(newTestSemantics(t))
	h := client.Object("ns", "greeting")
	_, err = h.Create(b)
	require.NoError(t, err)
	_, err = h.Write(b, []byte("hello, julea"), 0)
	require.NoError(t, err)
	ok, err := b.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	b2 := batch.New(newTestSemantics(t))
	buf := make([]byte, len("hello, julea"))
	readResult, err := h.Read(b2, buf, 0)
	require.NoError(t, err)
	statusResult, err := h.Status(b2)
	require.NoError(t, err)
	ok, err = b2.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello, julea", string(readResult.Bytes()))
	assert.Equal(t, int64(len("hello, julea")), statusResult.Size())
}

func TestKVClientAgainstRealServer(t *testing.T) {
	pool := startTestServer(t)
	client, err := kv.NewClient(pool, 1)
	require.NoError(t, err)
	ctx := context.Background()

	b := batch.New(newTestSemantics(t))
	h := client.KV("ns", "k1")
	_, err = h.Put(b, []byte("v1"))
	require.NoError(t, err)
	ok, err := b.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	b2 := batch.New(newTestSemantics(t))
	getResult, err := h.Get(b2)
	require.NoError(t, err)
	ok, err = b2.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), getResult.Value())

	it := kv.NewIterator(ctx, client, "ns", "k")
	var keys []string
	for it.Next() {
		keys = append(keys, it.Entry().Key)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"k1"}, keys)
}

func TestDBClientAgainstRealServer(t *testing.T) {
	pool := startTestServer(t)
	client, err := db.NewClient(pool, 1)
	require.NoError(t, err)
	ctx := context.Background()

	schema := client.NewSchema("ns", "people")
	require.NoError(t, schema.AddField("name", db.TypeString))
	require.NoError(t, schema.AddField("age", db.TypeInt32))

	b := batch.New(newTestSemantics(t))
	_, err = schema.Create(b)
	require.NoError(t, err)
	ok, err := b.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	entry := client.NewEntry(schema)
	require.NoError(t, entry.SetField("name", "alice"))
	require.NoError(t, entry.SetField("age", int32(30)))

	b2 := batch.New(newTestSemantics(t))
	_, err = entry.Insert(b2)
	require.NoError(t, err)
	ok, err = b2.Execute(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	id, err := entry.GetID()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sel := db.NewSelector(schema, db.ModeAnd)
	require.NoError(t, sel.AddField("name", db.OpEq, "alice"))
	it, err := db.NewQuery(ctx, schema, sel)
	require.NoError(t, err)
	require.True(t, it.Next())
	name, err := it.GetField("name")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
	assert.False(t, it.Next())
	require.NoError(t, it.Err())
}
