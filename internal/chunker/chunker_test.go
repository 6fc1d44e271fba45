package chunker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ballotIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("ballot-%d", i)
	}
	return ids
}

func TestChunk_EvenDistribution(t *testing.T) {
	ids := ballotIDs(1001)
	partition, err := Chunk(ids, 200)
	require.NoError(t, err)

	require.NoError(t, Verify(ids, partition))

	// ceil(1001/200) = 6 chunks; 1001 = 6*166 + 5, so 5 chunks of 167 and 1 of 166.
	assert.Len(t, partition, 6)
	sizes := make(map[int]int, len(partition))
	for n, chunk := range partition {
		sizes[n] = len(chunk)
	}
	bigCount, smallCount := 0, 0
	for _, size := range sizes {
		switch size {
		case 167:
			bigCount++
		case 166:
			smallCount++
		default:
			t.Fatalf("unexpected chunk size %d", size)
		}
	}
	assert.Equal(t, 5, bigCount)
	assert.Equal(t, 1, smallCount)
}

func TestChunk_SizeDifferenceAtMostOne(t *testing.T) {
	for _, n := range []int{1, 5, 199, 200, 201, 999, 1000, 1999} {
		ids := ballotIDs(n)
		partition, err := Chunk(ids, 200)
		require.NoError(t, err)
		require.NoError(t, Verify(ids, partition))

		min, max := -1, -1
		for _, chunk := range partition {
			size := len(chunk)
			if min == -1 || size < min {
				min = size
			}
			if max == -1 || size > max {
				max = size
			}
		}
		assert.LessOrEqualf(t, max-min, 1, "n=%d: chunk size spread too large", n)
	}
}

func TestChunk_Empty(t *testing.T) {
	partition, err := Chunk(nil, 200)
	require.NoError(t, err)
	assert.Empty(t, partition)
}

func TestChunk_DefaultsChunkSize(t *testing.T) {
	ids := ballotIDs(450)
	partition, err := Chunk(ids, 0)
	require.NoError(t, err)
	// ceil(450/200) = 3
	assert.Len(t, partition, 3)
}

func TestChunk_ShufflesInput(t *testing.T) {
	ids := ballotIDs(200)
	partition, err := Chunk(ids, 200)
	require.NoError(t, err)
	require.Len(t, partition, 1)

	identical := true
	for i, id := range partition[1] {
		if id != ids[i] {
			identical = false
			break
		}
	}
	assert.False(t, identical, "expected shuffle to reorder ballots (flaky only with probability ~1/200!)")
}

func TestVerify_DetectsDuplicates(t *testing.T) {
	ids := ballotIDs(4)
	partition := Partition{1: {"ballot-0", "ballot-1"}, 2: {"ballot-1", "ballot-3"}}
	err := Verify(ids, partition)
	require.Error(t, err)
}

func TestVerify_DetectsMissing(t *testing.T) {
	ids := ballotIDs(4)
	partition := Partition{1: {"ballot-0", "ballot-1"}, 2: {"ballot-2"}}
	err := Verify(ids, partition)
	require.Error(t, err)
}
