// Package sstable implements the disk Data Layer. A generation is written
// once into a contiguous run of volume blocks and never modified.
//
// Layout, as offsets from the start of the generation:
//
//	[data block frames][seq index][key-range index][hash index][footer]
//
// Every region except the footer is a snappy-compressed frame with an xxhash
// trailer. The footer has a fixed size, so a generation is opened from its
// placement and total size alone.
package sstable

import (
	"errors"

	"github.com/KevoDB/indy/pkg/sstable/block"
)

const (
	// DefaultBlockSize is the target size for data blocks
	DefaultBlockSize = block.DefaultSize
)

var (
	// ErrCorrupt indicates a generation failed validation
	ErrCorrupt = errors.New("generation corruption detected")
	// ErrEmpty is returned when finishing a generation with no entries
	ErrEmpty = errors.New("generation has no entries")
)

// Placement locates a generation inside a volume
type Placement struct {
	StartBlock  uint64
	StartOffset int64
	Size        int64
}

// Stats summarizes a generation
type Stats struct {
	NumEntries uint64
	NumKeys    uint64
	NumBlocks  int
	LowestSeq  uint64
	HighestSeq uint64
}
