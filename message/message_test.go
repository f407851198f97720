package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/julea/semantics"
)

func TestAppendGetRoundTrip(t *testing.T) {
	m := New(TypeKVPut, 1)
	m.Append1(7)
	m.Append4(1234)
	m.Append8(9876543210)
	m.AppendString("hello")
	m.AppendN([]byte{0xde, 0xad, 0xbe, 0xef})

	v1, ok := m.Get1()
	require.True(t, ok)
	assert.EqualValues(t, 7, v1)

	v4, ok := m.Get4()
	require.True(t, ok)
	assert.EqualValues(t, 1234, v4)

	v8, ok := m.Get8()
	require.True(t, ok)
	assert.EqualValues(t, 9876543210, v8)

	s, ok := m.GetString()
	require.True(t, ok)
	assert.Equal(t, "hello", s)

	n, ok := m.GetN()
	require.True(t, ok)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, n)
}

func TestGetOverreadFailsWithoutCorruption(t *testing.T) {
	m := New(TypeKVGet, 1)
	m.Append4(42)

	v, ok := m.Get4()
	require.True(t, ok)
	assert.EqualValues(t, 42, v)

	_, ok = m.Get4()
	assert.False(t, ok)
	_, ok = m.Get1()
	assert.False(t, ok)
}

func TestSetSafetyFromSemantics(t *testing.T) {
	s, err := New_(t)
	require.NoError(t, err)
	require.NoError(t, s.Set(semantics.Safety, semantics.SafetyStorage))

	m := New(TypeObjectWrite, 1)
	m.SetSafety(s)
	assert.Equal(t, SafetyFlagNetwork|SafetyFlagStorage, m.Safety())

	require.NoError(t, s.Set(semantics.Safety, semantics.SafetyNetwork))
	m2 := New(TypeObjectWrite, 1)
	m2.SetSafety(s)
	assert.Equal(t, SafetyFlagNetwork, m2.Safety())
}

func New_(t *testing.T) (*semantics.Semantics, error) {
	t.Helper()
	return semantics.New(semantics.TemplateDefault)
}

func TestWriteToThenReadFromRoundTrip(t *testing.T) {
	m := NewWithID(TypeObjectRead, 2)
	m.AppendString("namespace")
	m.AppendString("name")
	m.Append8(4096)

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)

	got, err := ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.Type(), got.Type())
	assert.Equal(t, m.ID(), got.ID())
	assert.Equal(t, 2, got.OpCount())

	ns, ok := got.GetString()
	require.True(t, ok)
	assert.Equal(t, "namespace", ns)
	name, ok := got.GetString()
	require.True(t, ok)
	assert.Equal(t, "name", name)
	length, ok := got.Get8()
	require.True(t, ok)
	assert.EqualValues(t, 4096, length)
}

func TestDeferredSendsStreamAfterPayload(t *testing.T) {
	m := New(TypeObjectWrite, 1)
	m.AppendString("obj")
	m.Append8(0)
	m.Append8(3)
	m.AddSend([]byte{1, 2, 3})

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)

	got, err := ReadFrom(&buf)
	require.NoError(t, err)

	// the deferred send bytes remain in buf, following the frame.
	remaining := buf.Bytes()
	assert.Equal(t, []byte{1, 2, 3}, remaining)

	name, ok := got.GetString()
	require.True(t, ok)
	assert.Equal(t, "obj", name)
}
