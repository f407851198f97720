// Package distribution implements julea's pluggable data-distribution
// policies (spec §4.4): deterministic maps from a logical (length, offset)
// byte range onto a lazy sequence of (server-index, length, in-server-offset,
// block-id) stripes.
//
// All three policies must produce identical block-id sequences for
// identical (offset, length) inputs, which is how a subsequent read matches
// the stripe layout a prior write used (spec §8 invariant 1). The round-robin
// block/round/displacement arithmetic generalizes the consistent-hashing
// key→shard mapping the teacher's ShardRegistry uses for a single dimension
// (key) into a two-dimensional (offset, length) walk.
package distribution

import (
	"sort"

	"github.com/dreamware/julea/internal/jerror"
)

// Stripe is one unit of work a Distribution hands back: the server that
// owns this slice of the logical range, how many bytes, where in that
// server's own byte stream those bytes live, and a monotonically increasing
// block id correlating writes and reads.
type Stripe struct {
	ServerIndex int
	Length      int64
	Offset      int64
	BlockID     int64
}

// Distribution walks a (length, offset) logical range one stripe at a time.
// Reset must be called before the first Next call of a new operation;
// implementations are not safe for concurrent iteration from multiple
// goroutines — callers that parallelize stripe I/O must Clone first (spec
// §5 "Distribution ... never shared across threads mid-iteration").
type Distribution interface {
	// Reset points the distribution at a fresh (length, offset) range,
	// discarding any iteration in progress.
	Reset(length, offset int64)

	// Next returns the next stripe and true, or a zero Stripe and false
	// once the whole range has been consumed.
	Next() (Stripe, bool)

	// Clone returns an independent copy with the same configuration,
	// freshly Reset to its zero range (caller must Reset again to use
	// it).
	Clone() Distribution
}

// --- Round Robin ---

// RoundRobin distributes blocks of BlockSize bytes across ServerCount
// servers starting at StartIndex, so each server sees a dense, contiguous
// offset space (spec §4.4): backends storing per-server byte streams pack
// without holes.
type RoundRobin struct {
	BlockSize   int64
	ServerCount int
	StartIndex  int

	length    int64
	offset    int64
	remaining int64
}

// NewRoundRobin validates its parameters and returns a ready distribution.
func NewRoundRobin(blockSize int64, serverCount, startIndex int) (*RoundRobin, error) {
	if blockSize <= 0 {
		return nil, jerror.Invalid("distribution block size must be positive")
	}
	if serverCount <= 0 {
		return nil, jerror.Invalid("distribution server count must be positive")
	}
	return &RoundRobin{BlockSize: blockSize, ServerCount: serverCount, StartIndex: startIndex}, nil
}

func (d *RoundRobin) Reset(length, offset int64) {
	d.length = length
	d.offset = offset
	d.remaining = length
}

func (d *RoundRobin) Next() (Stripe, bool) {
	if d.remaining <= 0 {
		return Stripe{}, false
	}

	block := d.offset / d.BlockSize
	round := block / int64(d.ServerCount)
	disp := d.offset % d.BlockSize
	index := (d.StartIndex + int(block)) % d.ServerCount
	length := d.BlockSize - disp
	if length > d.remaining {
		length = d.remaining
	}
	newOffset := round*d.BlockSize + disp

	d.offset += length
	d.remaining -= length

	return Stripe{ServerIndex: index, Length: length, Offset: newOffset, BlockID: block}, true
}

func (d *RoundRobin) Clone() Distribution {
	clone := *d
	clone.length, clone.offset, clone.remaining = 0, 0, 0
	return &clone
}

// --- Single Server ---

// SingleServer sends every byte to one server. BlockID still advances in
// BlockSize increments so multi-call reads can be reassembled in the same
// order a multi-call write produced them (spec §4.4).
type SingleServer struct {
	BlockSize int64
	Index     int

	length    int64
	offset    int64
	remaining int64
}

// NewSingleServer validates its parameters and returns a ready distribution.
func NewSingleServer(blockSize int64, index int) (*SingleServer, error) {
	if blockSize <= 0 {
		return nil, jerror.Invalid("distribution block size must be positive")
	}
	if index < 0 {
		return nil, jerror.Invalid("distribution server index must be non-negative")
	}
	return &SingleServer{BlockSize: blockSize, Index: index}, nil
}

func (d *SingleServer) Reset(length, offset int64) {
	d.length = length
	d.offset = offset
	d.remaining = length
}

func (d *SingleServer) Next() (Stripe, bool) {
	if d.remaining <= 0 {
		return Stripe{}, false
	}

	block := d.offset / d.BlockSize
	disp := d.offset % d.BlockSize
	length := d.BlockSize - disp
	if length > d.remaining {
		length = d.remaining
	}

	stripe := Stripe{ServerIndex: d.Index, Length: length, Offset: d.offset, BlockID: block}
	d.offset += length
	d.remaining -= length
	return stripe, true
}

func (d *SingleServer) Clone() Distribution {
	clone := *d
	clone.length, clone.offset, clone.remaining = 0, 0, 0
	return &clone
}

// --- Weighted ---

// Weighted assigns contiguous runs of Weight[i] blocks to server i, cycling
// through servers in round-robin of weights (spec §4.4). A server with
// weight 0 never receives blocks. Weight{1,1,...,1} degenerates to the same
// block-id/index/offset sequence RoundRobin with StartIndex 0 produces.
type Weighted struct {
	BlockSize int64
	Weight    []int

	cumulative []int64 // prefix sums of Weight, for locating a cycle position
	totalWeight int64

	length    int64
	offset    int64
	remaining int64
}

// NewWeighted validates its parameters and precomputes the cumulative
// weight table used to locate a block's owning server in O(log n).
func NewWeighted(blockSize int64, weight []int) (*Weighted, error) {
	if blockSize <= 0 {
		return nil, jerror.Invalid("distribution block size must be positive")
	}
	if len(weight) == 0 {
		return nil, jerror.Invalid("weighted distribution requires at least one server")
	}
	cumulative := make([]int64, len(weight))
	var total int64
	for i, w := range weight {
		if w < 0 {
			return nil, jerror.Invalid("distribution weights must be non-negative")
		}
		total += int64(w)
		cumulative[i] = total
	}
	if total == 0 {
		return nil, jerror.Invalid("at least one server must have non-zero weight")
	}
	return &Weighted{BlockSize: blockSize, Weight: append([]int(nil), weight...), cumulative: cumulative, totalWeight: total}, nil
}

func (d *Weighted) Reset(length, offset int64) {
	d.length = length
	d.offset = offset
	d.remaining = length
}

func (d *Weighted) Next() (Stripe, bool) {
	if d.remaining <= 0 {
		return Stripe{}, false
	}

	block := d.offset / d.BlockSize
	disp := d.offset % d.BlockSize
	round := block / d.totalWeight
	cyclePos := block % d.totalWeight

	// locate the server owning cyclePos: first cumulative boundary
	// strictly greater than cyclePos.
	i := sort.Search(len(d.cumulative), func(i int) bool { return d.cumulative[i] > cyclePos })
	var prevCumulative int64
	if i > 0 {
		prevCumulative = d.cumulative[i-1]
	}
	positionInRun := cyclePos - prevCumulative
	blockWithinServer := round*int64(d.Weight[i]) + positionInRun

	length := d.BlockSize - disp
	if length > d.remaining {
		length = d.remaining
	}
	newOffset := blockWithinServer*d.BlockSize + disp

	stripe := Stripe{ServerIndex: i, Length: length, Offset: newOffset, BlockID: block}
	d.offset += length
	d.remaining -= length
	return stripe, true
}

func (d *Weighted) Clone() Distribution {
	clone := &Weighted{
		BlockSize:   d.BlockSize,
		Weight:      append([]int(nil), d.Weight...),
		cumulative:  append([]int64(nil), d.cumulative...),
		totalWeight: d.totalWeight,
	}
	return clone
}
