package rpcserver

import (
	"net"

	"go.uber.org/zap"

	"github.com/dreamware/julea/internal/backend"
	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/internal/protocol"
	"github.com/dreamware/julea/message"
)

// Server accepts connections speaking the message wire protocol (spec §4.2,
// §6) and dispatches each frame to backend, the same (object, kv, db)
// surface object.Client/kv.Client/db.Client address over connpool on the
// client side. One Server instance serves all three protocols; there is no
// per-kind listener the way connpool.Key{Kind, Index} might suggest, since
// this reference implementation runs a single process rather than a fleet of
// per-kind servers (SPEC_FULL §12 "reference backend server").
type Server struct {
	backend backend.Backend
	logger  *zap.Logger
}

// NewServer constructs a Server over b.
func NewServer(b backend.Backend, logger *zap.Logger) *Server {
	return &Server{backend: b, logger: logger}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn serves frames from one connection until the peer closes it or a
// malformed frame makes the stream unrecoverable. Each reply is stamped with
// ReplyTo so a client correlating by message ID (NewWithID) can match it,
// though this module's clients read replies synchronously and don't
// currently need the correlation.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := message.ReadFrom(conn)
		if err != nil {
			return
		}
		reply, err := s.dispatch(conn, req)
		if err != nil {
			s.logger.Warn("dropping connection after malformed request", zap.Error(err))
			return
		}
		reply.SetReplyTo(req.ID())
		if _, err := reply.WriteTo(conn); err != nil {
			s.logger.Warn("failed writing reply", zap.Error(err))
			return
		}
	}
}

// dispatch routes one request to its handler. The returned error is non-nil
// only for malformed frames (a protocol bug, not a backend-level failure);
// backend failures are encoded into the reply's status byte instead, so the
// connection survives a NotFound the same way a real server would.
func (s *Server) dispatch(conn net.Conn, req *message.Message) (*message.Message, error) {
	switch req.Type() {
	case message.TypeObjectCreate, message.TypeObjectDelete, message.TypeObjectWrite,
		message.TypeObjectRead, message.TypeObjectStatus, message.TypeObjectSync:
		return s.handleObject(conn, req)
	case message.TypeKVPut, message.TypeKVGet, message.TypeKVDelete:
		return s.handleKV(req)
	case message.TypeKVIterate:
		return s.handleKVIterate(req)
	case message.TypeDBSchemaCreate, message.TypeDBSchemaGet, message.TypeDBSchemaDelete:
		return s.handleDBSchema(req)
	case message.TypeDBInsert, message.TypeDBUpdate, message.TypeDBDelete:
		return s.handleDBEntries(req)
	case message.TypeDBQuery:
		return s.handleDBQuery(req)
	default:
		return nil, jerror.Protocol("unknown message type on wire", nil)
	}
}

func ok1(reply *message.Message) { reply.Append1(1) }

func fail(reply *message.Message, err error) {
	reply.Append1(0)
	reply.AppendString(err.Error())
}

func (s *Server) handleObject(conn net.Conn, req *message.Message) (*message.Message, error) {
	ns, ok := req.GetString()
	if !ok {
		return nil, jerror.Protocol("malformed object request: missing namespace", nil)
	}
	name, ok := req.GetString()
	if !ok {
		return nil, jerror.Protocol("malformed object request: missing name", nil)
	}

	reply := message.New(message.TypeReply, 1)
	switch req.Type() {
	case message.TypeObjectCreate:
		if err := s.backend.ObjectCreate(ns, name); err != nil {
			fail(reply, err)
			return reply, nil
		}
		ok1(reply)

	case message.TypeObjectDelete:
		if err := s.backend.ObjectDelete(ns, name); err != nil {
			fail(reply, err)
			return reply, nil
		}
		ok1(reply)

	case message.TypeObjectWrite:
		offset, ok1v := req.Get8()
		length, ok2v := req.Get8()
		if !ok1v || !ok2v {
			return nil, jerror.Protocol("malformed object-write request: missing offset/length", nil)
		}
		data, err := message.ReadBulk(conn, int(length))
		if err != nil {
			return nil, err
		}
		if err := s.backend.ObjectWrite(ns, name, int64(offset), data); err != nil {
			fail(reply, err)
			return reply, nil
		}
		ok1(reply)

	case message.TypeObjectRead:
		offset, ok1v := req.Get8()
		length, ok2v := req.Get8()
		if !ok1v || !ok2v {
			return nil, jerror.Protocol("malformed object-read request: missing offset/length", nil)
		}
		data, err := s.backend.ObjectRead(ns, name, int64(offset), int64(length))
		if err != nil {
			fail(reply, err)
			return reply, nil
		}
		ok1(reply)
		reply.AddSend(data)

	case message.TypeObjectStatus:
		modTime, size, err := s.backend.ObjectStatus(ns, name)
		if err != nil {
			fail(reply, err)
			return reply, nil
		}
		ok1(reply)
		reply.Append8(uint64(modTime))
		reply.Append8(uint64(size))

	case message.TypeObjectSync:
		if err := s.backend.ObjectSync(ns, name); err != nil {
			fail(reply, err)
			return reply, nil
		}
		ok1(reply)
	}
	return reply, nil
}

// handleKV serves a grouped put/get/delete request: one namespace/key shared
// by count operations, matching kv.Client.Flush's packing (one message per
// contiguous run against a handle). Each of the count slots gets its own
// status (and, for get, value) in the reply, in request order — repeated
// puts/gets/deletes against the same key inside one group just repeat the
// same effect, rather than requiring the scheduler to have deduplicated them.
func (s *Server) handleKV(req *message.Message) (*message.Message, error) {
	ns, ok := req.GetString()
	if !ok {
		return nil, jerror.Protocol("malformed kv request: missing namespace", nil)
	}
	key, ok := req.GetString()
	if !ok {
		return nil, jerror.Protocol("malformed kv request: missing key", nil)
	}
	count, ok := req.Get4()
	if !ok {
		return nil, jerror.Protocol("malformed kv request: missing op count", nil)
	}

	reply := message.New(message.TypeReply, int(count))
	for i := uint32(0); i < count; i++ {
		switch req.Type() {
		case message.TypeKVPut:
			value, vok := req.GetN()
			if !vok {
				return nil, jerror.Protocol("malformed kv-put request: missing value", nil)
			}
			if err := s.backend.KVPut(ns, key, value); err != nil {
				fail(reply, err)
				continue
			}
			ok1(reply)

		case message.TypeKVGet:
			value, err := s.backend.KVGet(ns, key)
			if err != nil {
				fail(reply, err)
				continue
			}
			ok1(reply)
			reply.AppendN(value)

		case message.TypeKVDelete:
			if err := s.backend.KVDelete(ns, key); err != nil {
				fail(reply, err)
				continue
			}
			ok1(reply)
		}
	}
	return reply, nil
}

func (s *Server) handleKVIterate(req *message.Message) (*message.Message, error) {
	ns, ok := req.GetString()
	if !ok {
		return nil, jerror.Protocol("malformed kv-iterate request: missing namespace", nil)
	}
	prefix, ok := req.GetString()
	if !ok {
		return nil, jerror.Protocol("malformed kv-iterate request: missing prefix", nil)
	}

	reply := message.New(message.TypeReply, 1)
	entries, err := s.backend.KVIterate(ns, prefix)
	if err != nil {
		fail(reply, err)
		return reply, nil
	}
	ok1(reply)
	reply.Append4(uint32(len(entries)))
	for _, e := range entries {
		reply.AppendString(e.Key)
		reply.AppendN(e.Value)
	}
	return reply, nil
}

// handleDBSchema serves schema-create/get/delete, each a single self-
// describing envelope (db.Client never wraps these in a separate namespace/
// name prefix; the envelope already carries them, see db.go's
// flushSchemaCreate).
func (s *Server) handleDBSchema(req *message.Message) (*message.Message, error) {
	body, ok := req.GetN()
	if !ok {
		return nil, jerror.Protocol("malformed db-schema request: missing body", nil)
	}

	reply := message.New(message.TypeReply, 1)
	switch req.Type() {
	case message.TypeDBSchemaCreate:
		var r protocol.SchemaCreateRequest
		if err := protocol.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		if err := s.backend.SchemaCreate(r.Namespace, r.Name, r.Fields, r.Indices); err != nil {
			fail(reply, err)
			return reply, nil
		}
		ok1(reply)

	case message.TypeDBSchemaGet:
		var r protocol.SchemaGetRequest
		if err := protocol.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		fields, indices, err := s.backend.SchemaGet(r.Namespace, r.Name)
		if err != nil {
			fail(reply, err)
			return reply, nil
		}
		ok1(reply)
		out, err := protocol.Marshal(protocol.SchemaGetReply{Fields: fields, Indices: indices})
		if err != nil {
			return nil, err
		}
		reply.AppendN(out)

	case message.TypeDBSchemaDelete:
		var r protocol.SchemaDeleteRequest
		if err := protocol.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		if err := s.backend.SchemaDelete(r.Namespace, r.Name); err != nil {
			fail(reply, err)
			return reply, nil
		}
		ok1(reply)
	}
	return reply, nil
}

// handleDBEntries serves grouped insert/update/delete requests: a shared
// namespace/schema-name prefix followed by count self-describing envelopes,
// matching db.Client's flushInsert/flushUpdate/flushDelete packing.
func (s *Server) handleDBEntries(req *message.Message) (*message.Message, error) {
	if _, ok := req.GetString(); !ok {
		return nil, jerror.Protocol("malformed db request: missing namespace", nil)
	}
	if _, ok := req.GetString(); !ok {
		return nil, jerror.Protocol("malformed db request: missing schema name", nil)
	}
	count, ok := req.Get4()
	if !ok {
		return nil, jerror.Protocol("malformed db request: missing op count", nil)
	}

	reply := message.New(message.TypeReply, int(count))
	for i := uint32(0); i < count; i++ {
		body, bok := req.GetN()
		if !bok {
			return nil, jerror.Protocol("malformed db request: missing envelope", nil)
		}
		switch req.Type() {
		case message.TypeDBInsert:
			var r protocol.InsertRequest
			if err := protocol.Unmarshal(body, &r); err != nil {
				return nil, err
			}
			id, err := s.backend.Insert(r.Namespace, r.SchemaName, r.Fields)
			if err != nil {
				fail(reply, err)
				continue
			}
			ok1(reply)
			out, err := protocol.Marshal(protocol.InsertReply{ID: id})
			if err != nil {
				return nil, err
			}
			reply.AppendN(out)

		case message.TypeDBUpdate:
			var r protocol.UpdateRequest
			if err := protocol.Unmarshal(body, &r); err != nil {
				return nil, err
			}
			if _, err := s.backend.Update(r.Namespace, r.SchemaName, r.Selector, r.Fields); err != nil {
				fail(reply, err)
				continue
			}
			ok1(reply)

		case message.TypeDBDelete:
			var r protocol.DeleteRequest
			if err := protocol.Unmarshal(body, &r); err != nil {
				return nil, err
			}
			if _, err := s.backend.DeleteMatching(r.Namespace, r.SchemaName, r.Selector); err != nil {
				fail(reply, err)
				continue
			}
			ok1(reply)
		}
	}
	return reply, nil
}

func (s *Server) handleDBQuery(req *message.Message) (*message.Message, error) {
	body, ok := req.GetN()
	if !ok {
		return nil, jerror.Protocol("malformed db-query request: missing body", nil)
	}
	var r protocol.QueryRequest
	if err := protocol.Unmarshal(body, &r); err != nil {
		return nil, err
	}

	reply := message.New(message.TypeReply, 1)
	rows, err := s.backend.Query(r.Namespace, r.SchemaName, r.Selector)
	if err != nil {
		fail(reply, err)
		return reply, nil
	}
	ok1(reply)
	out, err := protocol.Marshal(protocol.QueryReply{Rows: rows})
	if err != nil {
		return nil, err
	}
	reply.AppendN(out)
	return reply, nil
}
