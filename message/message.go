// Package message implements julea's framed wire envelope (spec §4.2, §6):
// a fixed 32-byte header followed by per-operation inline parameters and an
// optional list of deferred "bulk sends" streamed after the envelope body to
// avoid double-buffering large writes.
//
// Message is a builder/reader hybrid: Append* methods grow the payload and
// are used by a client packing a request; Get* methods advance a read cursor
// and are used when unpacking a reply. The same type serves both roles
// because requests and replies share one wire shape (header + typed fields).
package message

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/google/uuid"

	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/semantics"
)

// Type identifies what a Message carries; the scheduler picks this when it
// flushes a group (spec §4.5).
type Type uint32

const (
	TypeNone Type = iota
	TypeObjectCreate
	TypeObjectDelete
	TypeObjectRead
	TypeObjectWrite
	TypeObjectStatus
	TypeObjectSync
	TypeKVPut
	TypeKVGet
	TypeKVDelete
	TypeKVIterate
	TypeDBSchemaCreate
	TypeDBSchemaGet
	TypeDBSchemaDelete
	TypeDBInsert
	TypeDBUpdate
	TypeDBDelete
	TypeDBQuery
	TypeReply
)

// SafetyFlag mirrors semantics.Value for the Safety dimension, carried in
// the header so the server knows how durably to apply a batch without
// needing to parse the full semantics record.
type SafetyFlag uint32

const (
	SafetyFlagNone    SafetyFlag = 0
	SafetyFlagNetwork SafetyFlag = 1 << 0
	SafetyFlagStorage SafetyFlag = 1 << 1
)

const headerSize = 32

// header is the 32-byte little-endian frame prefix (spec §6): length, type,
// op_count, flags, id, reply_to. Field order here matches the wire order,
// not Go's preferred field-alignment order, since it is marshaled
// byte-for-byte.
type header struct {
	Length  uint32
	Type    uint32
	OpCount uint32
	Flags   uint32
	ID      uint64
	ReplyTo uint64
}

// deferredSend is a (pointer-equivalent, length) pair streamed after the
// header+payload. Go has no raw pointers into caller memory the way the
// original C implementation does, so the "pointer" is simply the byte slice
// itself; Message retains a reference, not a copy, matching the original's
// zero-copy intent.
type deferredSend struct {
	data []byte
}

// Message is a framed envelope under construction or being read.
type Message struct {
	hdr     header
	payload []byte
	cursor  int
	sends   []deferredSend
}

// New creates an empty outgoing message of the given type and operation
// count, with message ID 0; NewWithID assigns a fresh ID instead.
func New(t Type, opCount int) *Message {
	return &Message{
		hdr: header{
			Type:    uint32(t),
			OpCount: uint32(opCount),
		},
	}
}

// NewWithID creates an outgoing message and assigns it a fresh message ID
// derived from a random UUID's low 64 bits, avoiding a shared atomic counter
// across concurrently-executing batches.
func NewWithID(t Type, opCount int) *Message {
	m := New(t, opCount)
	id := uuid.New()
	m.hdr.ID = binary.LittleEndian.Uint64(id[:8])
	return m
}

// Type returns the message's type tag.
func (m *Message) Type() Type { return Type(m.hdr.Type) }

// ID returns the message's correlation ID.
func (m *Message) ID() uint64 { return m.hdr.ID }

// SetReplyTo stamps this message as a reply to the given request ID.
func (m *Message) SetReplyTo(id uint64) { m.hdr.ReplyTo = id }

// ReplyTo returns the request ID this message replies to (0 for requests).
func (m *Message) ReplyTo() uint64 { return m.hdr.ReplyTo }

// OpCount returns the declared operation count for this message.
func (m *Message) OpCount() int { return int(m.hdr.OpCount) }

// ForceSafety sets the header's safety flags directly, bypassing semantics.
func (m *Message) ForceSafety(flag SafetyFlag) {
	m.hdr.Flags = uint32(flag)
}

// SetSafety derives the header's safety flags from a batch's effective
// semantics (spec §4.2): storage safety implies both flags (a storage-safe
// write is, transitively, network-safe), network safety implies just the
// network flag.
func (m *Message) SetSafety(s *semantics.Semantics) {
	switch s.Get(semantics.Safety) {
	case semantics.SafetyStorage:
		m.ForceSafety(SafetyFlagNetwork | SafetyFlagStorage)
	case semantics.SafetyNetwork:
		m.ForceSafety(SafetyFlagNetwork)
	default:
		m.ForceSafety(SafetyFlagNone)
	}
}

// Safety returns the header's current safety flags.
func (m *Message) Safety() SafetyFlag { return SafetyFlag(m.hdr.Flags) }

// --- Append: building an outgoing message ---

func (m *Message) grow(n int) {
	// Appends reserve overflow space lazily rather than precisely sizing
	// every write: a single append-per-call would be correct but slow
	// under many small appends, so let append(...) amortize growth the
	// way it does for any Go slice (spec §4.2 "bounded reallocation"
	// trade-off).
	if cap(m.payload)-len(m.payload) < n {
		grown := make([]byte, len(m.payload), (len(m.payload)+n)*2+64)
		copy(grown, m.payload)
		m.payload = grown
	}
}

// Append1 appends a single byte.
func (m *Message) Append1(v uint8) {
	m.grow(1)
	m.payload = append(m.payload, v)
}

// Append4 appends a 4-byte little-endian value.
func (m *Message) Append4(v uint32) {
	m.grow(4)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.payload = append(m.payload, buf[:]...)
}

// Append8 appends an 8-byte little-endian value.
func (m *Message) Append8(v uint64) {
	m.grow(8)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.payload = append(m.payload, buf[:]...)
}

// AppendN appends a raw byte slice, length-prefixed with a 4-byte count so
// Get_n knows how much to read back.
func (m *Message) AppendN(data []byte) {
	m.Append4(uint32(len(data)))
	m.grow(len(data))
	m.payload = append(m.payload, data...)
}

// AppendString appends a UTF-8 string, length-prefixed like AppendN.
func (m *Message) AppendString(s string) {
	m.AppendN([]byte(s))
}

// AddOperation reserves space for one operation's inline parameters ahead of
// time; payloadSize is the caller's best estimate of that operation's
// encoded size and is used only to size the next grow() call, not recorded
// on the wire.
func (m *Message) AddOperation(payloadSize int) {
	m.grow(payloadSize)
}

// AddSend attaches a deferred bulk send: raw bytes streamed after the
// envelope rather than inlined into payload, so a large object write
// doesn't get copied into the message buffer first (spec §4.2).
func (m *Message) AddSend(data []byte) {
	m.sends = append(m.sends, deferredSend{data: data})
}

// Sends returns the deferred bulk-send buffers in attachment order.
func (m *Message) Sends() [][]byte {
	out := make([][]byte, len(m.sends))
	for i, s := range m.sends {
		out[i] = s.data
	}
	return out
}

// --- Get: reading an incoming message ---

// Get1 reads a single byte, advancing the cursor. Returns (0, false) on
// over-read — callers must check ok rather than trust a zero value.
func (m *Message) Get1() (uint8, bool) {
	if m.cursor+1 > len(m.payload) {
		return 0, false
	}
	v := m.payload[m.cursor]
	m.cursor++
	return v, true
}

// Get4 reads a 4-byte little-endian value.
func (m *Message) Get4() (uint32, bool) {
	if m.cursor+4 > len(m.payload) {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(m.payload[m.cursor:])
	m.cursor += 4
	return v, true
}

// Get8 reads an 8-byte little-endian value.
func (m *Message) Get8() (uint64, bool) {
	if m.cursor+8 > len(m.payload) {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(m.payload[m.cursor:])
	m.cursor += 8
	return v, true
}

// GetN reads a length-prefixed byte slice previously written by AppendN.
// The returned slice aliases the message's internal buffer and must be
// copied by the caller if retained past the message's lifetime.
func (m *Message) GetN() ([]byte, bool) {
	n, ok := m.Get4()
	if !ok {
		return nil, false
	}
	if m.cursor+int(n) > len(m.payload) {
		return nil, false
	}
	v := m.payload[m.cursor : m.cursor+int(n)]
	m.cursor += int(n)
	return v, true
}

// GetString reads a length-prefixed string previously written by
// AppendString.
func (m *Message) GetString() (string, bool) {
	b, ok := m.GetN()
	if !ok {
		return "", false
	}
	return string(b), true
}

// Rewind resets the read cursor to the start of the payload, so a message
// can be read more than once (e.g. dispatched to several operations).
func (m *Message) Rewind() { m.cursor = 0 }

// --- wire encode/decode ---

// WriteTo serializes the header, payload, then deferred sends, in that
// order, to w. The header's Length field is computed as len(payload) so a
// receiver's ReadFrom knows exactly how many payload bytes follow; deferred
// sends are NOT included in Length — a receiver that expects them must know
// to read them out-of-band (the object client does, by stripe length).
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	m.hdr.Length = uint32(len(m.payload))

	bw := bufio.NewWriter(w)
	var hdrBuf [headerSize]byte
	binary.LittleEndian.PutUint32(hdrBuf[0:4], m.hdr.Length)
	binary.LittleEndian.PutUint32(hdrBuf[4:8], m.hdr.Type)
	binary.LittleEndian.PutUint32(hdrBuf[8:12], m.hdr.OpCount)
	binary.LittleEndian.PutUint32(hdrBuf[12:16], m.hdr.Flags)
	binary.LittleEndian.PutUint64(hdrBuf[16:24], m.hdr.ID)
	binary.LittleEndian.PutUint64(hdrBuf[24:32], m.hdr.ReplyTo)

	n := 0
	written, err := bw.Write(hdrBuf[:])
	n += written
	if err != nil {
		return int64(n), jerror.Net("failed writing message header", err)
	}

	written, err = bw.Write(m.payload)
	n += written
	if err != nil {
		return int64(n), jerror.Net("failed writing message payload", err)
	}

	for _, s := range m.sends {
		written, err = bw.Write(s.data)
		n += written
		if err != nil {
			return int64(n), jerror.Net("failed writing deferred send", err)
		}
	}

	if err := bw.Flush(); err != nil {
		return int64(n), jerror.Net("failed flushing message", err)
	}
	return int64(n), nil
}

// ReadFrom reads one header+payload frame from r. It does not consume
// deferred sends — callers that expect bulk data following the envelope
// (e.g. object write requests, object read replies) must read it separately
// using the stripe lengths they already agreed on.
func ReadFrom(r io.Reader) (*Message, error) {
	var hdrBuf [headerSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return nil, jerror.Protocol("failed reading message header", err)
	}

	m := &Message{
		hdr: header{
			Length:  binary.LittleEndian.Uint32(hdrBuf[0:4]),
			Type:    binary.LittleEndian.Uint32(hdrBuf[4:8]),
			OpCount: binary.LittleEndian.Uint32(hdrBuf[8:12]),
			Flags:   binary.LittleEndian.Uint32(hdrBuf[12:16]),
			ID:      binary.LittleEndian.Uint64(hdrBuf[16:24]),
			ReplyTo: binary.LittleEndian.Uint64(hdrBuf[24:32]),
		},
	}

	if m.hdr.Length > 0 {
		m.payload = make([]byte, m.hdr.Length)
		if _, err := io.ReadFull(r, m.payload); err != nil {
			return nil, jerror.Protocol("short read on message payload", err)
		}
	}

	return m, nil
}

// ReadBulk reads exactly n bytes of deferred bulk data following a frame
// read with ReadFrom — used on the server side for object writes and on the
// client side for object read replies.
func ReadBulk(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, jerror.IO("short read on bulk data", err)
	}
	return buf, nil
}
