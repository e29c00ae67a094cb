// Package layer defines the Data Layer contract shared by memory and disk
// generations, the key comparison protocol and layer reference counting.
package layer

import (
	"errors"
	"fmt"

	"github.com/KevoDB/indy/pkg/common/walker"
)

var (
	// ErrDuplicateSequence is returned when a (key, seq) pair is written twice
	ErrDuplicateSequence = errors.New("duplicate key and sequence number")
	// ErrSealed is returned when writing to a sealed layer
	ErrSealed = errors.New("layer is sealed")
)

// Kind tags a layer as memory or disk resident
type Kind uint8

const (
	// KindMemory is a mutable-until-sealed in-memory layer
	KindMemory Kind = iota + 1
	// KindDisk is an immutable generation stored in volume blocks
	KindDisk
)

// String returns the name of the layer kind
func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindDisk:
		return "disk"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DataLayer is one generation of (key, seq, op) triples.
//
// Present walkers yield entries ordered by key ascending and, for equal
// keys, by sequence number descending. Update walkers yield entries ordered
// by sequence number ascending. Every walker holds a reference on its layer
// until it is closed.
type DataLayer interface {
	// Kind reports whether the layer lives in memory or on disk
	Kind() Kind

	// GenID identifies the generation within its repo
	GenID() uint64

	// GetSize returns the number of entries in the layer
	GetSize() int

	// GetLowestSeq returns the smallest sequence number in the layer
	GetLowestSeq() uint64

	// GetHighestSeq returns the largest sequence number in the layer
	GetHighestSeq() uint64

	// NewPresentWalker walks every entry for exactly key
	NewPresentWalker(key []byte) walker.PresentWalker

	// NewRangePresentWalker walks entries with from <= key < to.
	// A nil bound is unbounded.
	NewRangePresentWalker(from, to []byte) walker.PresentWalker

	// NewUpdateWalker walks entries with seq >= fromSeq
	NewUpdateWalker(fromSeq uint64) walker.UpdateWalker

	// Acquire takes a reference on the layer
	Acquire()

	// Release drops a reference. The last release of a layer marked for
	// delete destroys it.
	Release()

	// MarkForDelete schedules the layer for destruction once unreferenced
	MarkForDelete()
}
