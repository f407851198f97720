package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/julea/semantics"
)

// fakeHandler records every Flush call it receives, and lets tests inject a
// per-call error or fail individual operations within a group.
type fakeHandler struct {
	flushes   [][]*Operation
	err       error
	failIndex int // within the flushed group; -1 means fail none
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{failIndex: -1}
}

func (h *fakeHandler) Flush(_ context.Context, _ *semantics.Semantics, ops []*Operation) error {
	h.flushes = append(h.flushes, ops)
	if h.failIndex >= 0 && h.failIndex < len(ops) {
		ops[h.failIndex].Err = errors.New("operation failed")
	}
	return h.err
}

func newSemantics(t *testing.T) *semantics.Semantics {
	t.Helper()
	s, err := semantics.New(semantics.TemplateDefault)
	require.NoError(t, err)
	return s
}

func TestExecuteEmptyBatchFails(t *testing.T) {
	b := New(newSemantics(t))
	success, err := b.Execute(context.Background())
	assert.False(t, success)
	require.Error(t, err)
}

func TestExecuteGroupsAdjacentSameKeyOperations(t *testing.T) {
	b := New(newSemantics(t))
	h := newFakeHandler()

	require.NoError(t, b.Add(NewOperation(KindObjectWrite, "obj-a", h, true)))
	require.NoError(t, b.Add(NewOperation(KindObjectWrite, "obj-a", h, true)))
	require.NoError(t, b.Add(NewOperation(KindObjectWrite, "obj-b", h, true)))

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, success)
	require.Len(t, h.flushes, 2)
	assert.Len(t, h.flushes[0], 2)
	assert.Len(t, h.flushes[1], 1)
}

func TestExecuteDoesNotGroupAcrossNonGroupableOperation(t *testing.T) {
	b := New(newSemantics(t))
	h := newFakeHandler()

	require.NoError(t, b.Add(NewOperation(KindObjectWrite, "obj-a", h, true)))
	require.NoError(t, b.Add(NewOperation(KindObjectStatus, "obj-a", h, false)))
	require.NoError(t, b.Add(NewOperation(KindObjectWrite, "obj-a", h, true)))

	_, err := b.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, h.flushes, 3)
}

func TestExecuteDoesNotGroupAcrossDifferingKinds(t *testing.T) {
	b := New(newSemantics(t))
	h := newFakeHandler()

	require.NoError(t, b.Add(NewOperation(KindObjectWrite, "obj-a", h, true)))
	require.NoError(t, b.Add(NewOperation(KindObjectRead, "obj-a", h, true)))

	_, err := b.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, h.flushes, 2)
}

func TestExecuteDoesNotGroupNonAdjacentSameKeyRuns(t *testing.T) {
	b := New(newSemantics(t))
	h := newFakeHandler()

	require.NoError(t, b.Add(NewOperation(KindObjectWrite, "obj-a", h, true)))
	require.NoError(t, b.Add(NewOperation(KindObjectWrite, "obj-b", h, true)))
	require.NoError(t, b.Add(NewOperation(KindObjectWrite, "obj-a", h, true)))

	_, err := b.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, h.flushes, 3)
}

func TestExecuteSuccessRequiresEveryOperationToSucceed(t *testing.T) {
	b := New(newSemantics(t))
	h := newFakeHandler()
	h.failIndex = 1

	require.NoError(t, b.Add(NewOperation(KindKVPut, "kv-a", h, true)))
	require.NoError(t, b.Add(NewOperation(KindKVPut, "kv-a", h, true)))

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, success)
}

func TestExecutePreservesPerOperationErrorsAcrossGroups(t *testing.T) {
	b := New(newSemantics(t))
	failing := newFakeHandler()
	failing.failIndex = 0
	ok := newFakeHandler()

	opFail := NewOperation(KindKVPut, "kv-a", failing, true)
	opOK := NewOperation(KindKVPut, "kv-b", ok, true)
	require.NoError(t, b.Add(opFail))
	require.NoError(t, b.Add(opOK))

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, success)
	assert.Error(t, opFail.Err)
	assert.NoError(t, opOK.Err)
}

func TestExecuteGroupFlushErrorFailsEveryUnresolvedOperationInGroup(t *testing.T) {
	b := New(newSemantics(t))
	h := newFakeHandler()
	h.err = errors.New("connection reset")

	op1 := NewOperation(KindObjectWrite, "obj-a", h, true)
	op2 := NewOperation(KindObjectWrite, "obj-a", h, true)
	require.NoError(t, b.Add(op1))
	require.NoError(t, b.Add(op2))

	success, err := b.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, success)
	assert.Error(t, op1.Err)
	assert.Error(t, op2.Err)
}

func TestExecuteTwiceFails(t *testing.T) {
	b := New(newSemantics(t))
	h := newFakeHandler()
	require.NoError(t, b.Add(NewOperation(KindKVGet, "kv-a", h, true)))

	_, err := b.Execute(context.Background())
	require.NoError(t, err)

	_, err = b.Execute(context.Background())
	require.Error(t, err)
}

func TestAddAfterExecuteFails(t *testing.T) {
	b := New(newSemantics(t))
	h := newFakeHandler()
	require.NoError(t, b.Add(NewOperation(KindKVGet, "kv-a", h, true)))

	_, err := b.Execute(context.Background())
	require.NoError(t, err)

	err = b.Add(NewOperation(KindKVGet, "kv-b", h, true))
	require.Error(t, err)
}

func TestExecuteAsyncRunsAndReportsViaCallback(t *testing.T) {
	b := New(newSemantics(t))
	h := newFakeHandler()
	require.NoError(t, b.Add(NewOperation(KindKVPut, "kv-a", h, true)))

	done := make(chan bool, 1)
	handle := b.ExecuteAsync(context.Background(), func(success bool, err error) {
		done <- success
	})
	require.NoError(t, Wait(handle))
	assert.True(t, <-done)
}

func TestGroupKeysInOrderReflectsGrouping(t *testing.T) {
	b := New(newSemantics(t))
	h := newFakeHandler()
	require.NoError(t, b.Add(NewOperation(KindKVPut, "a", h, true)))
	require.NoError(t, b.Add(NewOperation(KindKVPut, "a", h, true)))
	require.NoError(t, b.Add(NewOperation(KindKVPut, "b", h, true)))

	ops := []*Operation{
		NewOperation(KindKVPut, "a", h, true),
		NewOperation(KindKVPut, "a", h, true),
		NewOperation(KindKVPut, "b", h, true),
	}
	keys := groupKeysInOrder(ops)
	require.Len(t, keys, 2)
	assert.Equal(t, SchedulerKey("a"), keys[0])
	assert.Equal(t, SchedulerKey("b"), keys[1])
}
