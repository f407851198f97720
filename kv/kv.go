// Package kv implements the KV client (spec §4.7, C7): put/get/get-callback/
// delete against string-keyed values, each deterministically mapped to one
// server, plus a namespace iterator.
//
// A Handle's scheduler key is its own pointer identity (spec glossary
// "scheduler key: opaque, hashable handle identity"), so a run of
// consecutive same-kind operations against the same handle collapses into
// one Flush call that packs all of them into a single outgoing message —
// mirroring the object client's grouping shape (C6) for a key/value pair
// instead of a stripe.
package kv

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/julea/batch"
	"github.com/dreamware/julea/connpool"
	"github.com/dreamware/julea/internal/iterutil"
	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/internal/julealog"
	"github.com/dreamware/julea/internal/serverindex"
	"github.com/dreamware/julea/message"
	"github.com/dreamware/julea/semantics"
)

const backendKind = "kv"

var _ iterutil.Cursor = (*Iterator)(nil)

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the client's logger; defaults to julealog.L().
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is shared by every Handle and Iterator it creates.
type Client struct {
	pool        *connpool.Pool
	serverCount int
	logger      *zap.Logger
}

// NewClient creates a KV client. pool must have been constructed with Keys
// of Kind "kv" for indices [0, serverCount).
func NewClient(pool *connpool.Pool, serverCount int, opts ...Option) (*Client, error) {
	if serverCount <= 0 {
		return nil, jerror.Invalid("kv client requires at least one server")
	}
	c := &Client{pool: pool, serverCount: serverCount, logger: julealog.L()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Handle is a KV reference: {namespace, key} mapped to one server (spec
// §4.7). The zero value is not valid; obtain one via Client.KV or
// Client.KVForIndex.
type Handle struct {
	client      *Client
	namespace   string
	key         string
	serverIndex int
}

// KV returns a handle whose server is the deterministic hash of
// namespace+key (spec §4.7 "mapping deterministically to one server
// (hash ...)").
func (c *Client) KV(namespace, key string) *Handle {
	index := serverindex.Of(namespace+"\x00"+key, c.serverCount)
	return &Handle{client: c, namespace: namespace, key: key, serverIndex: index}
}

// KVForIndex returns a handle pinned to a specific server, bypassing the
// hash (spec §4.7 "... or an explicit index via new_for_index").
func (c *Client) KVForIndex(namespace, key string, index int) (*Handle, error) {
	if index < 0 || index >= c.serverCount {
		return nil, jerror.Invalid("kv server index out of range")
	}
	return &Handle{client: c, namespace: namespace, key: key, serverIndex: index}, nil
}

// Namespace and Key report the handle's identity.
func (h *Handle) Namespace() string { return h.namespace }
func (h *Handle) Key() string       { return h.key }

// opPayload is the Payload attached to every batch.Operation this package
// creates.
type opPayload struct {
	handle   *Handle
	value    []byte                      // put: value to send; get: filled on success
	callback func(value []byte, err error) // get_callback: invoked once during Flush
}

// PutResult is returned by Put.
type PutResult struct{ op *batch.Operation }

func (r *PutResult) Err() error { return r.op.Err }

// Put queues a kv-put operation. Successive puts to the same key overwrite
// (spec §4.7).
func (h *Handle) Put(b *batch.Batch, value []byte) (*PutResult, error) {
	op := batch.NewOperation(batch.KindKVPut, h, h.client, true)
	op.Payload = &opPayload{handle: h, value: value}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &PutResult{op: op}, nil
}

// GetResult is returned by Get; Value is only meaningful once the enclosing
// batch has executed and Err is nil.
type GetResult struct{ op *batch.Operation }

func (r *GetResult) Err() error   { return r.op.Err }
func (r *GetResult) Value() []byte { return r.op.Payload.(*opPayload).value }

// Get queues a kv-get operation. A missing key reports not-found at
// batch-execute time (spec §4.7).
func (h *Handle) Get(b *batch.Batch) (*GetResult, error) {
	op := batch.NewOperation(batch.KindKVGet, h, h.client, true)
	op.Payload = &opPayload{handle: h}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &GetResult{op: op}, nil
}

// GetCallback queues a kv-get whose result is delivered by invoking fn
// exactly once during batch dispatch, rather than through a result object
// read after Execute (spec §4.7 "get_callback(fn, user_data) (reply-
// dispatched callback)"). fn receives (nil, err) on failure.
func (h *Handle) GetCallback(b *batch.Batch, fn func(value []byte, err error)) error {
	op := batch.NewOperation(batch.KindKVGet, h, h.client, true)
	op.Payload = &opPayload{handle: h, callback: fn}
	return b.Add(op)
}

// DeleteResult is returned by Delete.
type DeleteResult struct{ op *batch.Operation }

func (r *DeleteResult) Err() error { return r.op.Err }

// Delete queues a kv-delete operation; idempotent (spec §4.7, §7: deletes
// count even if the key doesn't exist).
func (h *Handle) Delete(b *batch.Batch) (*DeleteResult, error) {
	op := batch.NewOperation(batch.KindKVDelete, h, h.client, true)
	op.Payload = &opPayload{handle: h}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &DeleteResult{op: op}, nil
}

// Flush implements batch.Handler: ops is a maximal run of adjacent,
// same-kind operations against one handle (spec §4.5). All of them share
// one namespace/key and one destination server, so they pack into a single
// outgoing message with one inline field per operation.
func (c *Client) Flush(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	h := ops[0].Payload.(*opPayload).handle

	var msgType message.Type
	switch ops[0].Kind {
	case batch.KindKVPut:
		msgType = message.TypeKVPut
	case batch.KindKVGet:
		msgType = message.TypeKVGet
	case batch.KindKVDelete:
		msgType = message.TypeKVDelete
	default:
		return jerror.Invalid("kv client cannot flush operation kind " + string(ops[0].Kind))
	}

	m := message.NewWithID(msgType, len(ops))
	m.SetSafety(sem)
	m.AppendString(h.namespace)
	m.AppendString(h.key)
	m.Append4(uint32(len(ops)))
	if ops[0].Kind == batch.KindKVPut {
		for _, op := range ops {
			m.AppendN(op.Payload.(*opPayload).value)
		}
	}

	key := connpool.Key{Kind: backendKind, Index: h.serverIndex}
	conn, err := c.pool.Pop(ctx, key)
	if err != nil {
		for _, op := range ops {
			op.Err = err
		}
		return err
	}

	if _, err := m.WriteTo(conn); err != nil {
		conn.MarkBroken()
		c.pool.Push(conn)
		for _, op := range ops {
			op.Err = err
		}
		return err
	}

	reply, err := message.ReadFrom(conn)
	if err != nil {
		conn.MarkBroken()
		c.pool.Push(conn)
		for _, op := range ops {
			op.Err = err
		}
		return err
	}
	c.pool.Push(conn)

	var firstErr error
	for _, op := range ops {
		p := op.Payload.(*opPayload)
		opErr := decodeReply(reply, ops[0].Kind, p)
		op.Err = opErr
		if opErr != nil && firstErr == nil {
			firstErr = opErr
		}
		if p.callback != nil {
			p.callback(p.value, opErr)
		}
	}
	return firstErr
}

// decodeReply unpacks one operation's status (and, for gets, its value)
// from the shared reply, in the same order the request's operations were
// packed.
func decodeReply(reply *message.Message, kind batch.Kind, p *opPayload) error {
	ok, present := reply.Get1()
	if !present {
		return jerror.Protocol("malformed kv reply: missing status byte", nil)
	}
	if ok == 0 {
		reason, _ := reply.GetString()
		if reason == "" {
			reason = "backend rejected the request"
		}
		if kind == batch.KindKVGet {
			return jerror.NotFound(reason)
		}
		return jerror.Backend(reason, nil)
	}
	if kind == batch.KindKVGet {
		value, present := reply.GetN()
		if !present {
			return jerror.Protocol("malformed kv reply: missing value", nil)
		}
		p.value = append([]byte(nil), value...)
	}
	return nil
}

// Entry is one (key, value) pair yielded by an Iterator.
type Entry struct {
	Key   string
	Value []byte
}

// iterOption configures an Iterator.
type iterOption func(*iterConfig)

type iterConfig struct {
	serverIndex *int
}

// AtServerIndex restricts iteration to a single server instead of scanning
// all configured servers in round-robin (spec §4.7 "either across all
// servers in round-robin or at a specific server index").
func AtServerIndex(index int) iterOption {
	return func(cfg *iterConfig) { cfg.serverIndex = &index }
}

// Iterator scans a namespace, optionally prefix-filtered, yielding (key,
// value) tuples. It implements internal/iterutil.Cursor directly against
// pooled connections rather than through the batch scheduler, since a scan
// is a streaming read with no result slot to dispatch into (SPEC_FULL
// §13.3). ctx is fixed at construction (Cursor.Next takes no arguments),
// the same way db.Iterator binds its context once rather than per-Next.
type Iterator struct {
	ctx       context.Context
	client    *Client
	namespace string
	prefix    string

	servers   []int
	serverPos int

	buf    []Entry
	bufPos int

	current Entry
	err     error
	done    bool
}

// NewIterator creates an iterator over namespace, restricted to keys with
// the given prefix (empty matches everything). ctx bounds every fetch the
// iterator performs for its whole lifetime.
func NewIterator(ctx context.Context, c *Client, namespace, prefix string, opts ...iterOption) *Iterator {
	cfg := iterConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	var servers []int
	if cfg.serverIndex != nil {
		servers = []int{*cfg.serverIndex}
	} else {
		servers = make([]int, c.serverCount)
		for i := range servers {
			servers[i] = i
		}
	}
	return &Iterator{ctx: ctx, client: c, namespace: namespace, prefix: prefix, servers: servers}
}

// Next advances to the next entry, fetching the next server's page when the
// current one is exhausted. Returns false once every server has been
// scanned, or on the first error (check Err to distinguish the two).
// Implements internal/iterutil.Cursor.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	for it.bufPos >= len(it.buf) {
		if it.serverPos >= len(it.servers) {
			it.done = true
			return false
		}
		page, err := it.fetchPage(it.servers[it.serverPos])
		it.serverPos++
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		it.buf = page
		it.bufPos = 0
	}
	it.current = it.buf[it.bufPos]
	it.bufPos++
	return true
}

// Entry returns the (key, value) pair most recently advanced to by Next.
func (it *Iterator) Entry() Entry { return it.current }

// Err returns the first error encountered, or nil if iteration completed
// (or is still in progress).
func (it *Iterator) Err() error { return it.err }

func (it *Iterator) fetchPage(serverIndex int) ([]Entry, error) {
	m := message.NewWithID(message.TypeKVIterate, 1)
	m.AppendString(it.namespace)
	m.AppendString(it.prefix)

	key := connpool.Key{Kind: backendKind, Index: serverIndex}
	conn, err := it.client.pool.Pop(it.ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := m.WriteTo(conn); err != nil {
		conn.MarkBroken()
		it.client.pool.Push(conn)
		return nil, err
	}

	reply, err := message.ReadFrom(conn)
	if err != nil {
		conn.MarkBroken()
		it.client.pool.Push(conn)
		return nil, err
	}
	it.client.pool.Push(conn)

	ok, present := reply.Get1()
	if !present || ok == 0 {
		return nil, jerror.Protocol("malformed kv-iterate reply", nil)
	}
	count, present := reply.Get4()
	if !present {
		return nil, jerror.Protocol("malformed kv-iterate reply: missing count", nil)
	}
	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		k, ok := reply.GetString()
		if !ok {
			return nil, jerror.Protocol("malformed kv-iterate reply: missing key", nil)
		}
		v, ok := reply.GetN()
		if !ok {
			return nil, jerror.Protocol("malformed kv-iterate reply: missing value", nil)
		}
		entries = append(entries, Entry{Key: k, Value: append([]byte(nil), v...)})
	}
	// A page comes back from one server in whatever order the backend's
	// map iteration happened to produce; sorting by key makes each page's
	// order deterministic. Pages are yielded one server after another, so
	// keys are sorted within a page, not across servers (spec §4.7 iterator;
	// SPEC_FULL §13.3 iterator unification).
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return entries, nil
}
