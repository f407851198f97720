// Package db implements the DB client (spec §4.8, C8): schema lifecycle,
// entry insert/update, selector-driven update/delete/query, and a
// query-result iterator, all marshaled through internal/protocol (C9), which
// lives at the module's top level (not nested under db/internal) specifically
// so cmd/julea-server can decode the same envelopes outside the db/ tree.
//
// A schema's scheduler key is the *Schema itself, so a run of consecutive
// same-kind operations bound to one schema (several inserts, or several
// updates) packs into a single outgoing message carrying one envelope per
// operation — the same "op_count × in_params" grouping object/kv use for a
// stripe or a key (spec §4.5 names this exact case: "multiple db-insert to
// the same schema").
package db

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/julea/batch"
	"github.com/dreamware/julea/connpool"
	"github.com/dreamware/julea/internal/protocol"
	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/internal/julealog"
	"github.com/dreamware/julea/internal/serverindex"
	"github.com/dreamware/julea/message"
	"github.com/dreamware/julea/semantics"
)

const backendKind = "db"

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the client's logger; defaults to julealog.L().
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is shared by every Schema, Entry, Selector, and Iterator it
// creates.
type Client struct {
	pool        *connpool.Pool
	serverCount int
	logger      *zap.Logger
}

// NewClient creates a DB client. pool must have been constructed with Keys
// of Kind "db" for indices [0, serverCount).
func NewClient(pool *connpool.Pool, serverCount int, opts ...Option) (*Client, error) {
	if serverCount <= 0 {
		return nil, jerror.Invalid("db client requires at least one server")
	}
	c := &Client{pool: pool, serverCount: serverCount, logger: julealog.L()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// serverFor deterministically maps a (namespace, schema name) pair to one
// server, the same hash-based placement object/kv use for handles not bound
// to an explicit distribution.
func (c *Client) serverFor(namespace, name string) int {
	return serverindex.Of(namespace+"\x00"+name, c.serverCount)
}

// Flush implements batch.Handler. ops is a maximal run of adjacent,
// same-kind operations bound to one schema.
func (c *Client) Flush(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	switch ops[0].Kind {
	case batch.KindDBSchemaCreate:
		return c.flushSchemaCreate(ctx, sem, ops)
	case batch.KindDBSchemaGet:
		return c.flushSchemaGet(ctx, sem, ops)
	case batch.KindDBSchemaDelete:
		return c.flushSchemaDelete(ctx, sem, ops)
	case batch.KindDBInsert:
		return c.flushInsert(ctx, sem, ops)
	case batch.KindDBUpdate:
		return c.flushUpdate(ctx, sem, ops)
	case batch.KindDBDelete:
		return c.flushDelete(ctx, sem, ops)
	default:
		return jerror.Invalid("db client cannot flush operation kind " + string(ops[0].Kind))
	}
}

// borrow pops a connection addressed by (namespace, schema name), sends m,
// reads the single reply frame, and returns the connection to the pool
// (marking it broken on any I/O error). Every Flush* helper below shares
// this request/reply shape; only the envelope contents differ.
func (c *Client) borrow(ctx context.Context, namespace, name string, m *message.Message) (*message.Message, error) {
	key := connpool.Key{Kind: backendKind, Index: c.serverFor(namespace, name)}
	conn, err := c.pool.Pop(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := m.WriteTo(conn); err != nil {
		conn.MarkBroken()
		c.pool.Push(conn)
		return nil, err
	}
	reply, err := message.ReadFrom(conn)
	if err != nil {
		conn.MarkBroken()
		c.pool.Push(conn)
		return nil, err
	}
	c.pool.Push(conn)
	return reply, nil
}

// readStatus reads one operation's status byte (and, on failure, its reason
// string) from reply, in request order — the same per-operation dispatch
// shape kv.decodeReply uses.
func readStatus(reply *message.Message) error {
	ok, present := reply.Get1()
	if !present {
		return jerror.Protocol("malformed db reply: missing status byte", nil)
	}
	if ok == 0 {
		reason, _ := reply.GetString()
		if reason == "" {
			reason = "backend rejected the request"
		}
		return jerror.Backend(reason, nil)
	}
	return nil
}

func (c *Client) flushSchemaCreate(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	op := ops[0]
	s := op.Payload.(*schemaPayload).schema

	req := protocol.SchemaCreateRequest{Namespace: s.namespace, Name: s.name, Fields: s.fields, Indices: s.indices}
	envelope, err := protocol.Marshal(req)
	if err != nil {
		op.Err = err
		return err
	}

	m := message.NewWithID(message.TypeDBSchemaCreate, 1)
	m.SetSafety(sem)
	m.AppendN(envelope)

	reply, err := c.borrow(ctx, s.namespace, s.name, m)
	if err != nil {
		op.Err = err
		return err
	}
	op.Err = readStatus(reply)
	return op.Err
}

func (c *Client) flushSchemaGet(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	op := ops[0]
	s := op.Payload.(*schemaPayload).schema

	req := protocol.SchemaGetRequest{Namespace: s.namespace, Name: s.name}
	envelope, err := protocol.Marshal(req)
	if err != nil {
		op.Err = err
		return err
	}

	m := message.NewWithID(message.TypeDBSchemaGet, 1)
	m.SetSafety(sem)
	m.AppendN(envelope)

	reply, err := c.borrow(ctx, s.namespace, s.name, m)
	if err != nil {
		op.Err = err
		return err
	}
	if err := readStatus(reply); err != nil {
		op.Err = err
		return err
	}
	body, present := reply.GetN()
	if !present {
		op.Err = jerror.Protocol("malformed db-schema-get reply: missing body", nil)
		return op.Err
	}
	var schemaReply protocol.SchemaGetReply
	if err := protocol.Unmarshal(body, &schemaReply); err != nil {
		op.Err = err
		return err
	}
	s.fields = schemaReply.Fields
	s.indices = schemaReply.Indices
	s.fieldSet = make(map[string]FieldType, len(schemaReply.Fields))
	for _, f := range schemaReply.Fields {
		s.fieldSet[f.Name] = f.Type
	}
	return nil
}

func (c *Client) flushSchemaDelete(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	op := ops[0]
	s := op.Payload.(*schemaPayload).schema

	req := protocol.SchemaDeleteRequest{Namespace: s.namespace, Name: s.name}
	envelope, err := protocol.Marshal(req)
	if err != nil {
		op.Err = err
		return err
	}

	m := message.NewWithID(message.TypeDBSchemaDelete, 1)
	m.SetSafety(sem)
	m.AppendN(envelope)

	reply, err := c.borrow(ctx, s.namespace, s.name, m)
	if err != nil {
		op.Err = err
		return err
	}
	op.Err = readStatus(reply)
	return op.Err
}

func (c *Client) flushInsert(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	schema := ops[0].Key.(*Schema)

	m := message.NewWithID(message.TypeDBInsert, len(ops))
	m.SetSafety(sem)
	m.AppendString(schema.namespace)
	m.AppendString(schema.name)
	m.Append4(uint32(len(ops)))
	for _, op := range ops {
		p := op.Payload.(*entryPayload)
		envelope, err := protocol.Marshal(protocol.InsertRequest{
			Namespace:  schema.namespace,
			SchemaName: schema.name,
			Fields:     p.entry.fields,
		})
		if err != nil {
			op.Err = err
			return err
		}
		m.AppendN(envelope)
	}

	reply, err := c.borrow(ctx, schema.namespace, schema.name, m)
	if err != nil {
		for _, op := range ops {
			op.Err = err
		}
		return err
	}

	var firstErr error
	for _, op := range ops {
		p := op.Payload.(*entryPayload)
		if err := readStatus(reply); err != nil {
			op.Err = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		body, present := reply.GetN()
		if !present {
			op.Err = jerror.Protocol("malformed db-insert reply: missing body", nil)
			if firstErr == nil {
				firstErr = op.Err
			}
			continue
		}
		var insertReply protocol.InsertReply
		if err := protocol.Unmarshal(body, &insertReply); err != nil {
			op.Err = err
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.entry.id = insertReply.ID
	}
	return firstErr
}

func (c *Client) flushUpdate(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	schema := ops[0].Key.(*Schema)

	m := message.NewWithID(message.TypeDBUpdate, len(ops))
	m.SetSafety(sem)
	m.AppendString(schema.namespace)
	m.AppendString(schema.name)
	m.Append4(uint32(len(ops)))
	for _, op := range ops {
		p := op.Payload.(*entryPayload)
		envelope, err := protocol.Marshal(protocol.UpdateRequest{
			Namespace:  schema.namespace,
			SchemaName: schema.name,
			Selector:   p.selector.wire(),
			Fields:     p.entry.fields,
		})
		if err != nil {
			op.Err = err
			return err
		}
		m.AppendN(envelope)
	}

	reply, err := c.borrow(ctx, schema.namespace, schema.name, m)
	if err != nil {
		for _, op := range ops {
			op.Err = err
		}
		return err
	}

	var firstErr error
	for _, op := range ops {
		if err := readStatus(reply); err != nil {
			op.Err = err
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Client) flushDelete(ctx context.Context, sem *semantics.Semantics, ops []*batch.Operation) error {
	schema := ops[0].Key.(*Schema)

	m := message.NewWithID(message.TypeDBDelete, len(ops))
	m.SetSafety(sem)
	m.AppendString(schema.namespace)
	m.AppendString(schema.name)
	m.Append4(uint32(len(ops)))
	for _, op := range ops {
		p := op.Payload.(*entryPayload)
		envelope, err := protocol.Marshal(protocol.DeleteRequest{
			Namespace:  schema.namespace,
			SchemaName: schema.name,
			Selector:   p.selector.wire(),
		})
		if err != nil {
			op.Err = err
			return err
		}
		m.AppendN(envelope)
	}

	reply, err := c.borrow(ctx, schema.namespace, schema.name, m)
	if err != nil {
		for _, op := range ops {
			op.Err = err
		}
		return err
	}

	var firstErr error
	for _, op := range ops {
		if err := readStatus(reply); err != nil {
			op.Err = err
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

