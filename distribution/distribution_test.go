package distribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(d Distribution, length, offset int64) []Stripe {
	d.Reset(length, offset)
	var stripes []Stripe
	for {
		s, ok := d.Next()
		if !ok {
			break
		}
		stripes = append(stripes, s)
	}
	return stripes
}

func TestRoundRobinScenario1MiBTwoServers(t *testing.T) {
	d, err := NewRoundRobin(512*1024, 2, 0)
	require.NoError(t, err)

	stripes := collect(d, 1024*1024, 0)
	require.Len(t, stripes, 2)
	assert.Equal(t, Stripe{ServerIndex: 0, Length: 524288, Offset: 0, BlockID: 0}, stripes[0])
	assert.Equal(t, Stripe{ServerIndex: 1, Length: 524288, Offset: 0, BlockID: 1}, stripes[1])
}

func TestRoundRobinLengthsSumToTotal(t *testing.T) {
	d, err := NewRoundRobin(4096, 3, 0)
	require.NoError(t, err)

	stripes := collect(d, 100000, 777)
	var sum int64
	for _, s := range stripes {
		sum += s.Length
	}
	assert.EqualValues(t, 100000, sum)
}

func TestRoundRobinDeterministicPerOffsetLength(t *testing.T) {
	d, err := NewRoundRobin(4096, 4, 1)
	require.NoError(t, err)

	a := collect(d, 50000, 12345)
	b := collect(d, 50000, 12345)
	assert.Equal(t, a, b)
}

func TestSingleServerAllStripesSameIndex(t *testing.T) {
	d, err := NewSingleServer(4096, 2)
	require.NoError(t, err)

	stripes := collect(d, 20000, 0)
	require.NotEmpty(t, stripes)
	for _, s := range stripes {
		assert.Equal(t, 2, s.ServerIndex)
	}
	// block ids must strictly increase.
	for i := 1; i < len(stripes); i++ {
		assert.Greater(t, stripes[i].BlockID, stripes[i-1].BlockID)
	}
}

func TestSingleServerNewOffsetMatchesGlobalOffset(t *testing.T) {
	d, err := NewSingleServer(4096, 0)
	require.NoError(t, err)

	stripes := collect(d, 10000, 2000)
	assert.Equal(t, int64(2000), stripes[0].Offset)
}

func TestWeightedDegeneratesToRoundRobinWithUnitWeights(t *testing.T) {
	rr, err := NewRoundRobin(4096, 3, 0)
	require.NoError(t, err)
	w, err := NewWeighted(4096, []int{1, 1, 1})
	require.NoError(t, err)

	a := collect(rr, 123456, 999)
	b := collect(w, 123456, 999)
	assert.Equal(t, a, b)
}

func TestWeightedRespectsWeightRatio(t *testing.T) {
	w, err := NewWeighted(4096, []int{2, 1})
	require.NoError(t, err)

	stripes := collect(w, 4096*6, 0)
	counts := map[int]int{}
	for _, s := range stripes {
		counts[s.ServerIndex]++
	}
	assert.Equal(t, 4, counts[0])
	assert.Equal(t, 2, counts[1])
}

func TestWeightedRejectsAllZero(t *testing.T) {
	_, err := NewWeighted(4096, []int{0, 0})
	require.Error(t, err)
}

func TestCloneResetsIterationState(t *testing.T) {
	d, err := NewRoundRobin(4096, 2, 0)
	require.NoError(t, err)
	d.Reset(8192, 0)
	_, _ = d.Next()

	clone := d.Clone()
	clone.Reset(4096, 0)
	s, ok := clone.Next()
	require.True(t, ok)
	assert.EqualValues(t, 0, s.BlockID)
}

func TestBlockIDSequenceMatchesAcrossWriteAndRead(t *testing.T) {
	write, err := NewRoundRobin(4096, 2, 0)
	require.NoError(t, err)
	read, err := NewRoundRobin(4096, 2, 0)
	require.NoError(t, err)

	writeStripes := collect(write, 50000, 0)
	readStripes := collect(read, 50000, 0)
	assert.Equal(t, writeStripes, readStripes)
}
