// Package chunker partitions a ballot set into near-equal chunks after a
// cryptographically strong shuffle, so that chunk membership carries no
// correlation to ballot submission order.
package chunker

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// DefaultChunkSize is the target number of ballots per chunk.
	DefaultChunkSize = 200

	// MinChunks is the floor on the number of chunks returned for any
	// non-empty input, even when the input is smaller than a single
	// DefaultChunkSize chunk.
	MinChunks = 1
)

// Partition maps a 1-based chunk number to the ballot ids assigned to it.
type Partition map[int][]string

// Chunk deterministically partitions ballotIDs into
// ceil(len(ballotIDs) / chunkSize) chunks of near-equal size, after
// permuting ballotIDs with a CSPRNG shuffle. The first
// (N mod numChunks) chunks get ceil(N/numChunks) ballots; the rest get
// floor(N/numChunks). chunkSize <= 0 uses DefaultChunkSize.
//
// The returned Partition's chunk numbers are 1-based and contiguous from 1
// to numChunks.
func Chunk(ballotIDs []string, chunkSize int) (Partition, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	n := len(ballotIDs)
	if n == 0 {
		return Partition{}, nil
	}

	shuffled, err := shuffle(ballotIDs)
	if err != nil {
		return nil, fmt.Errorf("chunker: shuffle: %w", err)
	}

	numChunks := (n + chunkSize - 1) / chunkSize
	if numChunks < MinChunks {
		numChunks = MinChunks
	}

	base := n / numChunks
	remainder := n % numChunks

	partition := make(Partition, numChunks)
	offset := 0
	for chunkNumber := 1; chunkNumber <= numChunks; chunkNumber++ {
		size := base
		if chunkNumber <= remainder {
			size++
		}
		partition[chunkNumber] = shuffled[offset : offset+size]
		offset += size
	}
	return partition, nil
}

// shuffle returns a new slice holding a Fisher-Yates permutation of ids,
// drawing swap indices from crypto/rand so that chunk membership cannot be
// inferred from submission order.
func shuffle(ids []string) ([]string, error) {
	out := make([]string, len(ids))
	copy(out, ids)

	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, err
		}
		jv := int(j.Int64())
		out[i], out[jv] = out[jv], out[i]
	}
	return out, nil
}

// Verify checks the two round-trip invariants a correct partition must
// hold: total count preserved and no duplicate ids across the partition.
func Verify(original []string, partition Partition) error {
	total := 0
	seen := make(map[string]struct{}, len(original))
	for _, ids := range partition {
		total += len(ids)
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				return fmt.Errorf("chunker: duplicate ballot id %q across partition", id)
			}
			seen[id] = struct{}{}
		}
	}
	if total != len(original) {
		return fmt.Errorf("chunker: partition has %d ballots, want %d", total, len(original))
	}
	for _, id := range original {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("chunker: ballot id %q missing from partition", id)
		}
	}
	return nil
}
