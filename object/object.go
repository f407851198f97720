// Package object implements the object client (spec §4.6, C6): create,
// delete, read, write, status, and sync operations against byte-addressable
// objects, translated into stripes over the distribution engine (C4) and
// dispatched as batch operations (C5) over pooled connections (C3).
//
// A Handle carries a namespace/name pair and a distribution. Plain (not
// explicitly distributed) objects default to a SingleServer distribution
// keyed on a fixed hash of namespace+name (spec §4.6 "a fixed single-server
// mapping by hash(namespace∥name) replaces the distribution"), so the object
// client never special-cases "plain vs. distributed" beyond which
// distribution a Handle was built with.
package object

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/julea/batch"
	"github.com/dreamware/julea/connpool"
	"github.com/dreamware/julea/distribution"
	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/internal/julealog"
	"github.com/dreamware/julea/internal/serverindex"
	"github.com/dreamware/julea/message"
	"github.com/dreamware/julea/semantics"
)

const backendKind = "object"

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the client's logger; defaults to julealog.L().
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxOperationSize caps the payload of a single outgoing object-write or
// object-read message (spec §6 [core] max-operation-size, spec §4.5 "it may
// split ops into more than one outgoing message if the combined payload
// would exceed a configured max-operation-size"). A stripe larger than n is
// split into consecutive sub-operations of at most n bytes each, still
// addressed to the same server and still executed in offset order. Zero (the
// default) means no cap beyond whatever a single stripe already is.
func WithMaxOperationSize(n int64) Option {
	return func(c *Client) { c.maxOpSize = n }
}

// Client is the object client shared by every Handle it creates. It holds
// the connection pool and the defaults (server count, stripe size) used to
// build a plain object's fixed single-server distribution.
type Client struct {
	pool        *connpool.Pool
	serverCount int
	blockSize   int64
	maxOpSize   int64
	logger      *zap.Logger
}

// NewClient creates an object client. pool must have been constructed with
// Keys of Kind "object" for indices [0, serverCount). blockSize is the
// default distribution stripe size (spec §6 [core] stripe-size).
func NewClient(pool *connpool.Pool, serverCount int, blockSize int64, opts ...Option) (*Client, error) {
	if serverCount <= 0 {
		return nil, jerror.Invalid("object client requires at least one server")
	}
	if blockSize <= 0 {
		return nil, jerror.Invalid("object client requires a positive block size")
	}
	c := &Client{pool: pool, serverCount: serverCount, blockSize: blockSize, logger: julealog.L()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Handle is an object reference: {namespace, name, distribution} (spec
// §4.6). The zero value is not valid; obtain one via Client.Object or
// Client.DistributedObject.
type Handle struct {
	client    *Client
	namespace string
	name      string
	dist      distribution.Distribution
}

// Object returns a plain object handle: writes and reads go to one fixed
// server determined by hashing namespace+name, via a SingleServer
// distribution (spec §4.6).
func (c *Client) Object(namespace, name string) *Handle {
	index := serverindex.Of(namespace+"\x00"+name, c.serverCount)
	dist, _ := distribution.NewSingleServer(c.blockSize, index) // blockSize/index already validated by NewClient
	return &Handle{client: c, namespace: namespace, name: name, dist: dist}
}

// DistributedObject returns a handle whose reads and writes are striped
// across multiple servers according to dist (spec §4.6, §4.4).
func (c *Client) DistributedObject(namespace, name string, dist distribution.Distribution) *Handle {
	return &Handle{client: c, namespace: namespace, name: name, dist: dist}
}

// Namespace and Name report the handle's identity.
func (h *Handle) Namespace() string { return h.namespace }
func (h *Handle) Name() string      { return h.name }

// primaryServerIndex is the server create/delete/status/sync address:
// whichever server the handle's distribution assigns byte 0 to. For a
// plain object (SingleServer) this is its one and only server; for a
// distributed object it is a deterministic choice of "the" metadata server,
// since the object's existence/size is tracked once even though its bytes
// span many backends.
func (h *Handle) primaryServerIndex() int {
	dist := h.dist.Clone()
	dist.Reset(1, 0)
	stripe, _ := dist.Next()
	return stripe.ServerIndex
}

// opPayload is the Payload attached to every batch.Operation this package
// creates; Flush reads and writes it, the scheduler never inspects it.
type opPayload struct {
	handle *Handle
	stripe distribution.Stripe // zero for create/delete/status/sync
	in      []byte              // write: bytes to send; unused otherwise
	out     []byte              // read: bytes received; unused otherwise
	modTime int64               // status: unix-nano modification time
	size    int64               // status: total object size
}

// CreateResult is returned by Create; its Err becomes available once the
// enclosing batch executes.
type CreateResult struct{ op *batch.Operation }

func (r *CreateResult) Err() error { return r.op.Err }

// Create queues an object-create operation (spec §4.6).
func (h *Handle) Create(b *batch.Batch) (*CreateResult, error) {
	op := batch.NewOperation(batch.KindObjectCreate, h, h.client, false)
	op.Payload = &opPayload{handle: h, stripe: distribution.Stripe{ServerIndex: h.primaryServerIndex()}}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &CreateResult{op: op}, nil
}

// DeleteResult is returned by Delete.
type DeleteResult struct{ op *batch.Operation }

func (r *DeleteResult) Err() error { return r.op.Err }

// Delete queues an object-delete operation; fails at batch-execute time if
// no such object exists (spec §4.6).
func (h *Handle) Delete(b *batch.Batch) (*DeleteResult, error) {
	op := batch.NewOperation(batch.KindObjectDelete, h, h.client, false)
	op.Payload = &opPayload{handle: h, stripe: distribution.Stripe{ServerIndex: h.primaryServerIndex()}}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &DeleteResult{op: op}, nil
}

// WriteResult exposes bytes-transferred and the first stripe error, once the
// enclosing batch has executed (spec §4.6, Open Question (b), SPEC_FULL
// §14(b)): stripes are attempted in offset order, and once one fails later
// stripes are not attempted, since their offsets are no longer contiguous
// with what was durably written.
type WriteResult struct{ ops []*batch.Operation }

// BytesTransferred sums the lengths of stripes that succeeded, stopping at
// the first failed (or not-attempted) stripe.
func (r *WriteResult) BytesTransferred() int64 {
	var n int64
	for _, op := range r.ops {
		if op.Err != nil {
			break
		}
		n += op.Payload.(*opPayload).stripe.Length
	}
	return n
}

// Err returns the first stripe failure, or nil if every stripe succeeded.
func (r *WriteResult) Err() error {
	for _, op := range r.ops {
		if op.Err != nil {
			return op.Err
		}
	}
	return nil
}

// Write queues one object-write operation per stripe the handle's
// distribution produces for (len(data), offset) (spec §4.6). All stripes
// share the handle as their scheduler key and are groupable, so a run of
// consecutive Write/Read calls against the same handle collapses into one
// Flush per contiguous run.
func (h *Handle) Write(b *batch.Batch, data []byte, offset int64) (*WriteResult, error) {
	dist := h.dist.Clone()
	dist.Reset(int64(len(data)), offset)

	var ops []*batch.Operation
	var consumed int64
	for {
		stripe, ok := dist.Next()
		if !ok {
			break
		}
		for _, part := range splitStripe(stripe, h.client.maxOpSize) {
			op := batch.NewOperation(batch.KindObjectWrite, h, h.client, true)
			op.Payload = &opPayload{
				handle: h,
				stripe: part,
				in:     data[consumed : consumed+part.Length],
			}
			consumed += part.Length
			if err := b.Add(op); err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
	}
	return &WriteResult{ops: ops}, nil
}

// splitStripe divides stripe into consecutive sub-stripes of at most
// maxOpSize bytes each, preserving server index and offset order (spec §6
// [core] max-operation-size). maxOpSize <= 0 means no cap: stripe is
// returned unsplit.
func splitStripe(stripe distribution.Stripe, maxOpSize int64) []distribution.Stripe {
	if maxOpSize <= 0 || stripe.Length <= maxOpSize {
		return []distribution.Stripe{stripe}
	}
	var parts []distribution.Stripe
	for remaining, off := stripe.Length, stripe.Offset; remaining > 0; {
		n := maxOpSize
		if n > remaining {
			n = remaining
		}
		parts = append(parts, distribution.Stripe{
			ServerIndex: stripe.ServerIndex,
			Length:      n,
			Offset:      off,
			BlockID:     stripe.BlockID,
		})
		remaining -= n
		off += n
	}
	return parts
}

// ReadResult exposes the reassembled bytes and bytes-transferred once the
// enclosing batch has executed. Unlike Write, stripe order doesn't affect
// correctness (reads don't depend on each other), so a partial failure
// leaves out_nbytes equal to the sum of the stripes that did succeed,
// regardless of which ones failed (spec §4.6).
type ReadResult struct {
	ops []*batch.Operation
	buf []byte
}

// Bytes returns the destination buffer, with successfully-read stripes
// filled in and failed/not-attempted stripes left as Read's caller
// originally supplied (typically zeroed).
func (r *ReadResult) Bytes() []byte { return r.buf }

// BytesTransferred sums the lengths of stripes that were read successfully.
func (r *ReadResult) BytesTransferred() int64 {
	var n int64
	for _, op := range r.ops {
		if op.Err == nil {
			n += op.Payload.(*opPayload).stripe.Length
		}
	}
	return n
}

// Err returns the first stripe error encountered, in stripe order, or nil.
func (r *ReadResult) Err() error {
	for _, op := range r.ops {
		if op.Err != nil {
			return op.Err
		}
	}
	return nil
}

// Read queues one object-read operation per stripe covering (len(buf),
// offset); buf is filled in place as stripes succeed.
func (h *Handle) Read(b *batch.Batch, buf []byte, offset int64) (*ReadResult, error) {
	dist := h.dist.Clone()
	dist.Reset(int64(len(buf)), offset)

	var ops []*batch.Operation
	var consumed int64
	for {
		stripe, ok := dist.Next()
		if !ok {
			break
		}
		for _, part := range splitStripe(stripe, h.client.maxOpSize) {
			op := batch.NewOperation(batch.KindObjectRead, h, h.client, true)
			op.Payload = &opPayload{handle: h, stripe: part, out: buf[consumed : consumed+part.Length]}
			consumed += part.Length
			if err := b.Add(op); err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
	}
	return &ReadResult{ops: ops, buf: buf}, nil
}

// StatusResult exposes an object's modification time and size once the
// enclosing batch has executed.
type StatusResult struct{ op *batch.Operation }

func (r *StatusResult) Err() error { return r.op.Err }
func (r *StatusResult) Size() int64 {
	return r.op.Payload.(*opPayload).size
}

// ModTime returns the object's last modification time, as Unix nanoseconds.
func (r *StatusResult) ModTime() int64 {
	return r.op.Payload.(*opPayload).modTime
}

// Status queues an object-status operation (spec §4.6: returns
// (modification-time, size) where size is the sum over stripes; the server
// computes the sum, the client just reports what came back).
func (h *Handle) Status(b *batch.Batch) (*StatusResult, error) {
	op := batch.NewOperation(batch.KindObjectStatus, h, h.client, false)
	op.Payload = &opPayload{handle: h, stripe: distribution.Stripe{ServerIndex: h.primaryServerIndex()}}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &StatusResult{op: op}, nil
}

// SyncResult reports whether every server holding a stripe of this object
// acknowledged the flush hint.
type SyncResult struct{ op *batch.Operation }

func (r *SyncResult) Err() error { return r.op.Err }

// Sync queues an object-sync operation: a per-server flush hint whose
// success requires every targeted server to ack (spec §4.6).
func (h *Handle) Sync(b *batch.Batch) (*SyncResult, error) {
	op := batch.NewOperation(batch.KindObjectSync, h, h.client, false)
	op.Payload = &opPayload{handle: h, stripe: distribution.Stripe{ServerIndex: h.primaryServerIndex()}}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &SyncResult{op: op}, nil
}

// Flush implements batch.Handler. ops is a maximal run of adjacent,
// same-kind operations sharing one handle as their scheduler key (spec
// §4.5). Reads fan out concurrently via errgroup, since stripe order has no
// correctness consequence for a read; writes run sequentially and stop at
// the first failure (SPEC_FULL §14(b)).
func (c *Client) Flush(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	switch ops[0].Kind {
	case batch.KindObjectWrite:
		return c.flushWriteSequential(ctx, sem, ops)
	case batch.KindObjectRead:
		return c.flushReadConcurrent(ctx, sem, ops)
	default:
		return c.flushSequential(ctx, sem, ops)
	}
}

// flushWriteSequential sends each stripe write in offset order, stopping
// (but still marking every remaining operation as skipped-via-error) as
// soon as one fails.
func (c *Client) flushWriteSequential(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	var firstErr error
	for _, op := range ops {
		if firstErr != nil {
			op.Err = jerror.State("skipped: an earlier stripe in this write failed")
			continue
		}
		if err := c.sendOne(ctx, sem, op); err != nil {
			op.Err = err
			firstErr = err
		}
	}
	return firstErr
}

// flushReadConcurrent sends every stripe read concurrently; each operation's
// own Err is independent of the others.
func (c *Client) flushReadConcurrent(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			if err := c.sendOne(gctx, sem, op); err != nil {
				op.Err = err
			}
			return nil // per-operation errors are recorded, not propagated to g.Wait
		})
	}
	_ = g.Wait()
	for _, op := range ops {
		if op.Err != nil {
			return op.Err
		}
	}
	return nil
}

// flushSequential handles create/delete/status/sync groups, which are never
// multi-operation in practice (Groupable is false for all of them) but are
// processed the same way for uniformity.
func (c *Client) flushSequential(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	var firstErr error
	for _, op := range ops {
		if err := c.sendOne(ctx, sem, op); err != nil {
			op.Err = err
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sendOne packs, sends, and unpacks the reply for a single operation,
// borrowing and returning one pooled connection.
func (c *Client) sendOne(ctx context.Context, sem *semantics.Semantics, op *batch.Operation) error {
	p := op.Payload.(*opPayload)
	h := p.handle

	var msgType message.Type
	switch op.Kind {
	case batch.KindObjectCreate:
		msgType = message.TypeObjectCreate
	case batch.KindObjectDelete:
		msgType = message.TypeObjectDelete
	case batch.KindObjectRead:
		msgType = message.TypeObjectRead
	case batch.KindObjectWrite:
		msgType = message.TypeObjectWrite
	case batch.KindObjectStatus:
		msgType = message.TypeObjectStatus
	case batch.KindObjectSync:
		msgType = message.TypeObjectSync
	default:
		return jerror.Invalid("object client cannot flush operation kind " + string(op.Kind))
	}

	m := message.NewWithID(msgType, 1)
	m.SetSafety(sem)
	m.AppendString(h.namespace)
	m.AppendString(h.name)

	switch op.Kind {
	case batch.KindObjectRead, batch.KindObjectWrite:
		m.Append8(uint64(p.stripe.Offset))
		m.Append8(uint64(p.stripe.Length))
	}
	if op.Kind == batch.KindObjectWrite {
		m.AddSend(p.in)
	}

	key := connpool.Key{Kind: backendKind, Index: p.stripe.ServerIndex}
	conn, err := c.pool.Pop(ctx, key)
	if err != nil {
		return err
	}

	if _, err := m.WriteTo(conn); err != nil {
		conn.MarkBroken()
		c.pool.Push(conn)
		return err
	}

	reply, err := message.ReadFrom(conn)
	if err != nil {
		conn.MarkBroken()
		c.pool.Push(conn)
		return err
	}

	if op.Kind == batch.KindObjectRead {
		bulk, err := message.ReadBulk(conn, int(p.stripe.Length))
		if err != nil {
			conn.MarkBroken()
			c.pool.Push(conn)
			return err
		}
		copy(p.out, bulk)
	}

	c.pool.Push(conn)
	return decodeReply(reply, op, p)
}

// decodeReply unpacks a reply's status code (and, for status operations,
// the reported size) into the operation's result slot.
func decodeReply(reply *message.Message, op *batch.Operation, p *opPayload) error {
	ok, present := reply.Get1()
	if !present {
		return jerror.Protocol("malformed reply: missing status byte", nil)
	}
	if ok == 0 {
		code, _ := reply.GetString()
		if code == "" {
			code = "backend rejected the request"
		}
		return jerror.Backend(code, nil)
	}
	if op.Kind == batch.KindObjectStatus {
		modTime, present := reply.Get8()
		if !present {
			return jerror.Protocol("malformed status reply: missing mod time", nil)
		}
		size, present := reply.Get8()
		if !present {
			return jerror.Protocol("malformed status reply: missing size", nil)
		}
		p.modTime = int64(modTime)
		p.size = int64(size)
	}
	return nil
}
