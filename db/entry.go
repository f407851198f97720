package db

import (
	"github.com/dreamware/julea/batch"
	"github.com/dreamware/julea/internal/protocol"
	"github.com/dreamware/julea/internal/jerror"
)

// Entry is a row template bound to a schema, used for insert and update
// (spec §3 "DB Entry"): a field-name→value mapping plus an optional
// server-assigned id once inserted.
type Entry struct {
	client *Client
	schema *Schema
	fields map[string]protocol.FieldValue

	id []byte
}

// NewEntry creates an entry bound to schema with no fields set.
func (c *Client) NewEntry(schema *Schema) *Entry {
	return &Entry{client: c, schema: schema, fields: make(map[string]protocol.FieldValue)}
}

// Schema returns the schema this entry is bound to.
func (e *Entry) Schema() *Schema { return e.schema }

// SetField sets one field's value (spec §4.8 "set_field(name, value,
// length) (fails when field is not in schema)").
func (e *Entry) SetField(name string, value any) error {
	t, ok := e.schema.hasField(name)
	if !ok {
		return jerror.Invalid("field " + name + " is not declared on this entry's schema")
	}
	fv, err := protocol.EncodeField(t, value)
	if err != nil {
		return err
	}
	e.fields[name] = fv
	return nil
}

// entryPayload is attached to insert/update/delete Operations.
type entryPayload struct {
	entry    *Entry
	selector *Selector // nil for insert
}

// InsertResult is returned by Insert.
type InsertResult struct{ op *batch.Operation }

func (r *InsertResult) Err() error { return r.op.Err }

// Insert queues an insert of e's current fields (spec §4.8 "insert(batch)").
// Consecutive inserts against the same schema are groupable — the scheduler
// key is the schema, matching spec §4.5's own example ("multiple
// db-insert to the same schema").
func (e *Entry) Insert(b *batch.Batch) (*InsertResult, error) {
	op := batch.NewOperation(batch.KindDBInsert, e.schema, e.client, true)
	op.Payload = &entryPayload{entry: e}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &InsertResult{op: op}, nil
}

// UpdateResult is returned by Update.
type UpdateResult struct{ op *batch.Operation }

func (r *UpdateResult) Err() error { return r.op.Err }

// Update queues setting e's current fields on every row selector matches
// (spec §4.8 "update(selector, batch)"). selector must be bound to e's
// schema.
func (e *Entry) Update(selector *Selector, b *batch.Batch) (*UpdateResult, error) {
	if selector == nil {
		return nil, jerror.Invalid("update requires a non-nil selector")
	}
	if selector.schema != e.schema {
		return nil, jerror.Invalid("update selector must be bound to the entry's schema")
	}
	op := batch.NewOperation(batch.KindDBUpdate, e.schema, e.client, true)
	op.Payload = &entryPayload{entry: e, selector: selector}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &UpdateResult{op: op}, nil
}

// DeleteResult is returned by DeleteMatching.
type DeleteResult struct{ op *batch.Operation }

func (r *DeleteResult) Err() error { return r.op.Err }

// DeleteMatching queues deleting every row selector matches (spec §4.8
// "delete(selector, batch)"). Unlike object/kv Delete, this is a schema-wide
// operation, so it hangs off Schema rather than a particular Entry.
func (s *Schema) DeleteMatching(selector *Selector, b *batch.Batch) (*DeleteResult, error) {
	if selector == nil {
		return nil, jerror.Invalid("delete requires a non-nil selector")
	}
	if selector.schema != s {
		return nil, jerror.Invalid("delete selector must be bound to this schema")
	}
	op := batch.NewOperation(batch.KindDBDelete, s, s.client, true)
	op.Payload = &entryPayload{selector: selector}
	if err := b.Add(op); err != nil {
		return nil, err
	}
	return &DeleteResult{op: op}, nil
}

// GetID returns the server-assigned row id after a successful insert (spec
// §4.8 "get_id(&out, &len) (after successful insert)"). Returns an error if
// called before the enclosing batch has executed.
func (e *Entry) GetID() ([]byte, error) {
	if e.id == nil {
		return nil, jerror.State("entry has not been inserted yet")
	}
	return e.id, nil
}
