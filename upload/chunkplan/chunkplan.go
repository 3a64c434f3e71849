// Package chunkplan computes the ordered byte ranges a source file is split
// into for a chunked upload.
package chunkplan

import (
	"errors"
	"fmt"
)

// ErrInvalidChunkSize is returned when the configured chunk size is not positive.
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Descriptor is a single planned transfer unit: the chunk's position in the
// upload sequence and its half-open byte range [Start, End) in the source.
type Descriptor struct {
	Index int
	Start int64
	End   int64
}

// Size returns the number of bytes covered by the descriptor.
func (d Descriptor) Size() int64 {
	return d.End - d.Start
}

// Plan splits totalSize bytes into chunkSize-sized ranges. Ranges are
// contiguous, non-overlapping and cover exactly [0, totalSize). A zero-size
// source still produces one zero-length chunk so that an empty file results
// in a well-formed single-chunk session.
func Plan(totalSize, chunkSize int64) ([]Descriptor, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if totalSize < 0 {
		return nil, fmt.Errorf("total size must not be negative: %d", totalSize)
	}

	if totalSize == 0 {
		return []Descriptor{{Index: 0, Start: 0, End: 0}}, nil
	}

	count := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		count++
	}

	descriptors := make([]Descriptor, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > totalSize {
			end = totalSize
		}
		descriptors = append(descriptors, Descriptor{
			Index: int(i),
			Start: start,
			End:   end,
		})
	}

	return descriptors, nil
}

// Count returns the number of chunks Plan would produce without building the
// descriptor slice.
func Count(totalSize, chunkSize int64) (int, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if totalSize < 0 {
		return 0, fmt.Errorf("total size must not be negative: %d", totalSize)
	}
	if totalSize == 0 {
		return 1, nil
	}

	count := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		count++
	}
	return int(count), nil
}
