package batch

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/julea/background"
	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/internal/julealog"
	"github.com/dreamware/julea/semantics"
)

// Batch is an ordered sequence of operations plus the semantics governing
// how they execute (spec §3). Operations are appended in program order;
// once Execute begins no further appends may occur; on completion the
// batch's operation list is logically emptied.
type Batch struct {
	sem *semantics.Semantics

	mu       sync.Mutex
	ops      []*Operation
	executed bool
}

// New creates an empty batch governed by sem. sem is published immediately
// (spec §4.1: downstream code, especially message flag derivation, assumes
// semantics are immutable once attached to a batch).
func New(sem *semantics.Semantics) *Batch {
	sem.Publish()
	return &Batch{sem: sem}
}

// Semantics returns the batch's governing semantics, for Handler
// implementations that need to derive wire flags (message.SetSafety) or
// decide on transactional grouping (atomicity).
func (b *Batch) Semantics() *semantics.Semantics {
	return b.sem
}

// Add appends op at the tail of the batch's program order. Fails with a
// state error once Execute has started.
func (b *Batch) Add(op *Operation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.executed {
		return jerror.State("cannot add an operation to a batch that has already executed")
	}
	b.ops = append(b.ops, op)
	return nil
}

// Len reports how many operations are currently queued.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Execute walks the batch, groups adjacent operations sharing a scheduler
// key, flushes each group through its Handler, and returns the AND of all
// per-group results (spec §4.5). A batch with zero operations fails with
// empty-batch rather than vacuously succeeding.
//
// Groups execute sequentially, in program order, regardless of the batch's
// Ordering dimension: this is always correct (a sequential execution is a
// valid witness for any of strict/semi-relaxed/relaxed) though more
// conservative than necessary for relaxed batches touching disjoint
// servers, which could in principle run concurrently.
func (b *Batch) Execute(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if b.executed {
		b.mu.Unlock()
		return false, jerror.State("batch has already executed")
	}
	ops := b.ops
	b.ops = nil
	b.executed = true
	b.mu.Unlock()

	if len(ops) == 0 {
		return false, jerror.Invalid("cannot execute an empty batch")
	}

	overallSuccess := true

	groups := groupOperations(ops)
	for _, group := range groups {
		if err := group[0].Handler.Flush(ctx, b.sem, group); err != nil {
			julealog.L().Warn("batch: group flush returned an error",
				zap.String("kind", string(group[0].Kind)),
				zap.Int("group_size", len(group)),
				zap.Error(err))
			for _, op := range group {
				if op.Err == nil {
					op.Err = err
				}
			}
		}
		for _, op := range group {
			if op.Err != nil {
				overallSuccess = false
			}
		}
	}

	return overallSuccess, nil
}

// groupOperations splits ops into maximal runs of adjacent operations that
// share a Key and a Kind and are all Groupable (spec §4.5 step 2-3). A
// non-groupable operation, a change of Key, or a change of Kind starts a new
// group even if a later operation's Key matches an earlier (non-adjacent)
// one — grouping is a purely local, single-pass merge over same-key,
// same-kind adjacent operations, not a global bucketing. Kind must also
// match because Flush receives one homogeneous request shape per call: a
// write and a read to the same handle share a scheduler key but can't be
// packed into the same outgoing message.
func groupOperations(ops []*Operation) [][]*Operation {
	groups := make([][]*Operation, 0, len(ops))
	i := 0
	for i < len(ops) {
		j := i + 1
		for j < len(ops) && ops[j].Groupable && ops[i].Groupable &&
			ops[i].Kind == ops[j].Kind && keysEqual(ops[i].Key, ops[j].Key) {
			j++
		}
		groups = append(groups, ops[i:j:j])
		i = j
	}
	return groups
}

func keysEqual(a, b SchedulerKey) bool {
	// SchedulerKey values are required to be comparable (pointers,
	// strings, small structs of comparable fields); a panic here means a
	// client passed an uncomparable key, which is a programming error
	// caught immediately in tests rather than silently never grouping.
	return a == b
}

// ExecuteAsync posts the batch to the background worker pool and returns
// immediately (spec §4.5 "Async execute"). callback fires on the worker
// goroutine once execution completes, with the batch's overall success.
func (b *Batch) ExecuteAsync(ctx context.Context, callback func(success bool, err error)) *background.Handle {
	return background.New(func() error {
		success, err := b.Execute(ctx)
		if callback != nil {
			callback(success, err)
		}
		return err
	})
}

// Wait blocks until an asynchronously executing batch completes.
func Wait(h *background.Handle) error {
	return h.Wait()
}

// groupKeysInOrder is a small helper exposed for tests that want to assert
// on grouping boundaries without reaching into groupOperations directly.
func groupKeysInOrder(ops []*Operation) []SchedulerKey {
	keys := make([]SchedulerKey, 0, len(ops))
	for _, group := range groupOperations(ops) {
		keys = append(keys, group[0].Key)
	}
	return slices.Clip(keys)
}
