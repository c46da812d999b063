// Package batch runs a list of prompts through a generator in fixed-size
// batches and appends every completion to a JSONL file.
package batch

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidBatchSize is returned for a batch size below 1.
var ErrInvalidBatchSize = errors.New("batch size must be >= 1")

// NumBatches returns ceil(n / size) for size >= 1.
func NumBatches(n, size int) int {
	return (n + size - 1) / size
}

// Split partitions items into contiguous, order-preserving groups of size
// items; the last group holds the remainder. The groups share items' backing
// array.
func Split[T any](items []T, size int) ([][]T, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidBatchSize, size)
	}
	groups := make([][]T, 0, NumBatches(len(items), size))
	for chunk := range slices.Chunk(items, size) {
		groups = append(groups, chunk)
	}
	return groups, nil
}
