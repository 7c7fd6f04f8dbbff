// Package parity builds Reed-Solomon parity chunks over a file's data chunks
// so a locally corrupted or lost chunk can be repaired before seeding or
// assembly.
package parity

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Build computes parityCount parity chunks over the data chunks. All data
// chunks must be chunkSize long except the last, which is zero-padded for
// encoding; callers trim by file size on reconstruction.
func Build(chunks [][]byte, chunkSize, parityCount int) ([][]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks to encode")
	}

	enc, err := reedsolomon.New(len(chunks), parityCount)
	if err != nil {
		return nil, fmt.Errorf("creating reed-solomon encoder: %w", err)
	}

	shards := make([][]byte, len(chunks)+parityCount)
	for i, c := range chunks {
		shards[i] = pad(c, chunkSize)
	}
	for i := len(chunks); i < len(shards); i++ {
		shards[i] = make([]byte, chunkSize)
	}

	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encoding parity shards: %w", err)
	}
	return shards[len(chunks):], nil
}

// Repair reconstructs missing data chunks in place. data holds the file's
// chunks in order with nil marking a lost or corrupted chunk; parity holds
// the parity chunks (nil entries allowed). Reconstruction succeeds while the
// number of missing shards does not exceed the parity count.
func Repair(data [][]byte, parity [][]byte, chunkSize int) error {
	enc, err := reedsolomon.New(len(data), len(parity))
	if err != nil {
		return fmt.Errorf("creating reed-solomon encoder: %w", err)
	}

	shards := make([][]byte, len(data)+len(parity))
	for i, c := range data {
		if c != nil {
			shards[i] = pad(c, chunkSize)
		}
	}
	copy(shards[len(data):], parity)

	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("reconstructing shards: %w", err)
	}

	ok, err := enc.Verify(shards)
	if err != nil {
		return fmt.Errorf("verifying shards: %w", err)
	}
	if !ok {
		return fmt.Errorf("shard verification failed after reconstruction")
	}

	for i := range data {
		if data[i] == nil {
			data[i] = shards[i]
		}
	}
	return nil
}

func pad(c []byte, size int) []byte {
	if len(c) == size {
		return c
	}
	padded := make([]byte, size)
	copy(padded, c)
	return padded
}
