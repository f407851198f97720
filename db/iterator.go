package db

import (
	"context"

	"github.com/dreamware/julea/connpool"
	"github.com/dreamware/julea/internal/protocol"
	"github.com/dreamware/julea/internal/iterutil"
	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/message"
)

var _ iterutil.Cursor = (*Iterator)(nil)

// Iterator is a cursor over a query's result rows (spec §3 "DB Iterator",
// §4.8 "Iterator operations"). Call Next until it returns false, then check
// Err; read the current row's fields with GetField/GetFieldEx. Implements
// internal/iterutil.Cursor, the same has-next/next shape kv.Iterator uses
// (SPEC_FULL §13.3).
//
// Unlike Entry and Schema operations, a query is not queued onto a Batch
// (spec §4.8 lists no batch argument for Iterator.new): it dispatches
// directly against a pooled connection the first time Next is called, the
// same way kv.Iterator bypasses the scheduler for a streaming scan.
type Iterator struct {
	ctx      context.Context
	schema   *Schema
	selector *Selector

	started bool
	rows    []protocol.RowWire
	pos     int
	cur     protocol.RowWire

	err error
}

// NewQuery creates an iterator over schema, restricted to rows selector
// matches (spec §4.8 "new(schema, selector) sends a db-query and holds a
// server cursor"). ctx bounds the query dispatch. selector must be bound to
// schema.
func NewQuery(ctx context.Context, schema *Schema, selector *Selector) (*Iterator, error) {
	if selector == nil {
		return nil, jerror.Invalid("query requires a non-nil selector")
	}
	if selector.schema != schema {
		return nil, jerror.Invalid("query selector must be bound to the iterator's schema")
	}
	return &Iterator{ctx: ctx, schema: schema, selector: selector}, nil
}

// dispatch sends the db-query request on first use. The in-memory reference
// backend returns every matching row in one reply (protocol.QueryReply),
// so "holding a server cursor" reduces to walking that slice client-side;
// see protocol.QueryReply's doc comment.
func (it *Iterator) dispatch() bool {
	it.started = true

	envelope, err := protocol.Marshal(protocol.QueryRequest{
		Namespace:  it.schema.namespace,
		SchemaName: it.schema.name,
		Selector:   it.selector.wire(),
	})
	if err != nil {
		it.err = err
		return false
	}

	m := message.NewWithID(message.TypeDBQuery, 1)
	m.AppendN(envelope)

	c := it.schema.client
	key := connpool.Key{Kind: backendKind, Index: c.serverFor(it.schema.namespace, it.schema.name)}
	conn, err := c.pool.Pop(it.ctx, key)
	if err != nil {
		it.err = err
		return false
	}
	if _, err := m.WriteTo(conn); err != nil {
		conn.MarkBroken()
		c.pool.Push(conn)
		it.err = err
		return false
	}
	reply, err := message.ReadFrom(conn)
	if err != nil {
		conn.MarkBroken()
		c.pool.Push(conn)
		it.err = err
		return false
	}
	c.pool.Push(conn)

	if err := readStatus(reply); err != nil {
		it.err = err
		return false
	}
	body, present := reply.GetN()
	if !present {
		it.err = jerror.Protocol("malformed db-query reply: missing body", nil)
		return false
	}
	var queryReply protocol.QueryReply
	if err := protocol.Unmarshal(body, &queryReply); err != nil {
		it.err = err
		return false
	}
	it.rows = queryReply.Rows
	return true
}

// Next advances to the next row, returning false at end (Err is nil) or on
// failure (Err is set). Implements internal/iterutil.Cursor.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.started {
		if !it.dispatch() {
			return false
		}
	}
	if it.pos >= len(it.rows) {
		return false
	}
	it.cur = it.rows[it.pos]
	it.pos++
	return true
}

// Err returns the first error encountered, or nil if iteration ran to
// completion (or hasn't started).
func (it *Iterator) Err() error { return it.err }

// ID returns the current row's server-assigned id.
func (it *Iterator) ID() []byte { return it.cur.ID }

// GetField reads a field from the current row by name (spec §4.8
// "get_field(name, &type, &value, &length)").
func (it *Iterator) GetField(name string) (any, error) {
	fv, ok := it.cur.Fields[name]
	if !ok {
		return nil, jerror.NotFound("field " + name + " not present in this row")
	}
	return fv.Decode()
}

// GetFieldEx reads a field from the current row, disambiguated by schema
// name for join results (spec §4.8 "get_field_ex(schema_name, field_name,
// ...) disambiguates in join results").
func (it *Iterator) GetFieldEx(schemaName, fieldName string) (any, error) {
	return it.GetField(schemaName + "." + fieldName)
}
