// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallelize

import "fmt"

// A Chunk is a contiguous range [Start, End) of a dispatch's input.
// Chunks are numbered by Index in input order.
type Chunk struct {
	Index      int
	Start, End int
}

// Len returns the number of items in the chunk.
func (c Chunk) Len() int { return c.End - c.Start }

// String returns a description of the chunk.
func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d [%d, %d)", c.Index, c.Start, c.End)
}

// Partition computes the division boundaries of an input of the
// provided length into n contiguous chunks. It returns n+1
// boundaries; chunk i spans [boundaries[i], boundaries[i+1]).
//
// Every chunk but the last has length/n items. The last chunk absorbs
// the remainder, so for length 10 and n 3 the boundaries are
// [0 3 6 10]. The remainder is not rebalanced across chunks.
//
// Partition returns an error of kind InvalidPartition unless
// 1 <= n < length.
func Partition(length, n int) ([]int, error) {
	if n < 1 {
		return nil, E(InvalidPartition, fmt.Sprintf("job count %d must be positive", n))
	}
	if n >= length {
		return nil, E(InvalidPartition,
			fmt.Sprintf("job count %d must be less than the number of items %d", n, length))
	}
	unit := length / n
	boundaries := make([]int, n+1)
	for i := range boundaries {
		boundaries[i] = i * unit
	}
	boundaries[n] = length
	return boundaries, nil
}

// Chunks returns the chunks described by the provided boundaries,
// as computed by Partition.
func Chunks(boundaries []int) []Chunk {
	if len(boundaries) < 2 {
		return nil
	}
	chunks := make([]Chunk, len(boundaries)-1)
	for i := range chunks {
		chunks[i] = Chunk{Index: i, Start: boundaries[i], End: boundaries[i+1]}
	}
	return chunks
}
