package object

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/julea/batch"
	"github.com/dreamware/julea/connpool"
	"github.com/dreamware/julea/distribution"
	"github.com/dreamware/julea/message"
	"github.com/dreamware/julea/semantics"
)

// fakeReply is what a fakeServer decides to send back for one request.
type fakeReply struct {
	ok       bool
	reason   string
	modTime  int64
	size     int64
	readData []byte
}

// decider inspects a decoded request and produces the reply to send.
type decider func(msgType message.Type, namespace, name string, offset, length int64, written []byte) fakeReply

// serveFake runs one fake backend connection until the peer closes it,
// replying to every request via decide.
func serveFake(t *testing.T, conn net.Conn, decide decider) {
	t.Helper()
	go func() {
		for {
			req, err := message.ReadFrom(conn)
			if err != nil {
				return
			}
			ns, _ := req.GetString()
			name, _ := req.GetString()
			var offset, length int64
			if req.Type() == message.TypeObjectRead || req.Type() == message.TypeObjectWrite {
				off, _ := req.Get8()
				ln, _ := req.Get8()
				offset, length = int64(off), int64(ln)
			}
			var written []byte
			if req.Type() == message.TypeObjectWrite {
				written, err = message.ReadBulk(conn, int(length))
				if err != nil {
					return
				}
			}

			reply := decide(req.Type(), ns, name, offset, length, written)

			out := message.New(message.TypeReply, 1)
			if reply.ok {
				out.Append1(1)
				if req.Type() == message.TypeObjectStatus {
					out.Append8(uint64(reply.modTime))
					out.Append8(uint64(reply.size))
				}
				if req.Type() == message.TypeObjectRead {
					out.AddSend(reply.readData)
				}
			} else {
				out.Append1(0)
				out.AppendString(reply.reason)
			}
			if _, err := out.WriteTo(conn); err != nil {
				return
			}
		}
	}()
}

// testHarness wires up a Client backed by in-process net.Pipe connections,
// one fake server per (kind, index) key, all sharing one decider.
type testHarness struct {
	client *Client
	pool   *connpool.Pool
}

func newHarness(t *testing.T, serverCount int, blockSize int64, decide decider) *testHarness {
	t.Helper()
	h := &testHarness{}

	addrs := make(map[connpool.Key]string, serverCount)
	for i := 0; i < serverCount; i++ {
		addrs[connpool.Key{Kind: backendKind, Index: i}] = "fake"
	}

	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		serveFake(t, server, decide)
		return client, nil
	}

	h.pool = connpool.New(dial, addrs, 8)
	c, err := NewClient(h.pool, serverCount, blockSize)
	require.NoError(t, err)
	h.client = c
	return h
}

func newSemantics(t *testing.T) *semantics.Semantics {
	t.Helper()
	s, err := semantics.New(semantics.TemplateDefault)
	require.NoError(t, err)
	return s
}

func alwaysOK(msgType message.Type, ns, name string, offset, length int64, written []byte) fakeReply {
	return fakeReply{ok: true}
}

func TestCreateSucceeds(t *testing.T) {
	h := newHarness(t, 1, 4096, alwaysOK)
	b := batch.New(newSemantics(t))

	handle := h.client.Object("ns", "obj")
	res, err := handle.Create(b)
	require.NoError(t, err)

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, success)
	assert.NoError(t, res.Err())
}

func TestDeleteReportsBackendFailure(t *testing.T) {
	decide := func(msgType message.Type, ns, name string, offset, length int64, written []byte) fakeReply {
		return fakeReply{ok: false, reason: "no such object"}
	}
	h := newHarness(t, 1, 4096, decide)
	b := batch.New(newSemantics(t))

	handle := h.client.Object("ns", "missing")
	res, err := handle.Delete(b)
	require.NoError(t, err)

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, success)
	require.Error(t, res.Err())
}

func TestWriteAcrossStripesAggregatesBytesTransferred(t *testing.T) {
	h := newHarness(t, 2, 4, alwaysOK)
	b := batch.New(newSemantics(t))

	dist, err := distribution.NewRoundRobin(4, 2, 0)
	require.NoError(t, err)
	handle := h.client.DistributedObject("ns", "big", dist)

	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i)
	}
	res, err := handle.Write(b, data, 0)
	require.NoError(t, err)

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, success)
	assert.NoError(t, res.Err())
	assert.EqualValues(t, 16, res.BytesTransferred())
}

func TestWriteStopsAtFirstFailedStripe(t *testing.T) {
	var calls int
	var mu sync.Mutex
	decide := func(msgType message.Type, ns, name string, offset, length int64, written []byte) fakeReply {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			return fakeReply{ok: false, reason: "disk full"}
		}
		return fakeReply{ok: true}
	}
	h := newHarness(t, 1, 4, decide)
	b := batch.New(newSemantics(t))

	dist, err := distribution.NewSingleServer(4, 0)
	require.NoError(t, err)
	handle := h.client.DistributedObject("ns", "obj", dist)

	data := make([]byte, 16) // 4 stripes of 4 bytes against one server
	res, err := handle.Write(b, data, 0)
	require.NoError(t, err)

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, success)
	require.Error(t, res.Err())
	// stripe 0 (4 bytes) succeeded, stripe 1 failed, stripes 2-3 skipped.
	assert.EqualValues(t, 4, res.BytesTransferred())
}

func TestReadFillsBufferAndAggregatesBytes(t *testing.T) {
	decide := func(msgType message.Type, ns, name string, offset, length int64, written []byte) fakeReply {
		data := make([]byte, length)
		for i := range data {
			data[i] = byte(offset + int64(i))
		}
		return fakeReply{ok: true, readData: data}
	}
	h := newHarness(t, 2, 4, decide)
	b := batch.New(newSemantics(t))

	dist, err := distribution.NewRoundRobin(4, 2, 0)
	require.NoError(t, err)
	handle := h.client.DistributedObject("ns", "obj", dist)

	buf := make([]byte, 16)
	res, err := handle.Read(b, buf, 0)
	require.NoError(t, err)

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, success)
	assert.NoError(t, res.Err())
	assert.EqualValues(t, 16, res.BytesTransferred())
}

func TestStatusReturnsSize(t *testing.T) {
	decide := func(msgType message.Type, ns, name string, offset, length int64, written []byte) fakeReply {
		return fakeReply{ok: true, modTime: 1234, size: 42}
	}
	h := newHarness(t, 1, 4096, decide)
	b := batch.New(newSemantics(t))

	handle := h.client.Object("ns", "obj")
	res, err := handle.Status(b)
	require.NoError(t, err)

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, success)
	assert.EqualValues(t, 42, res.Size())
	assert.EqualValues(t, 1234, res.ModTime())
}

func TestSyncSucceeds(t *testing.T) {
	h := newHarness(t, 1, 4096, alwaysOK)
	b := batch.New(newSemantics(t))

	handle := h.client.Object("ns", "obj")
	res, err := handle.Sync(b)
	require.NoError(t, err)

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, success)
	assert.NoError(t, res.Err())
}

func TestGroupedWriteAcrossTwoServersSucceeds(t *testing.T) {
	h := newHarness(t, 2, 4, alwaysOK)
	b := batch.New(newSemantics(t))

	dist, err := distribution.NewRoundRobin(4, 2, 0)
	require.NoError(t, err)
	handle := h.client.DistributedObject("ns", "obj", dist)

	data := make([]byte, 8)
	_, err = handle.Write(b, data, 0)
	require.NoError(t, err)

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, success)
}
