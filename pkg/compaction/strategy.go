// Package compaction decides which disk generations merge together and
// which versions survive the merge.
package compaction

import "fmt"

// GenerationBounds are the exclusive upper key counts of each generation
// class. A generation with n keys belongs to the first class whose bound
// exceeds n.
var GenerationBounds = []uint64{
	64,
	4096,
	32768,
	262144,
	2097152,
	8388608,
	33554432,
	134217728,
	268435456,
	536870912,
	1073741824,
	2147483648,
	4294967296,
}

// SuggestGeneration returns the generation class for a layer of numKeys
func SuggestGeneration(numKeys uint64) int {
	for i, bound := range GenerationBounds {
		if numKeys < bound {
			return i
		}
	}
	return len(GenerationBounds)
}

// Candidate describes one disk layer offered to a strategy
type Candidate struct {
	GenID      uint64
	NumKeys    uint64
	LowestSeq  uint64
	HighestSeq uint64
}

// Group is a set of adjacent layers to merge into one, newest first
type Group struct {
	Generation int
	Members    []Candidate
}

// NumKeys returns the total entries across the group
func (g Group) NumKeys() uint64 {
	var n uint64
	for _, m := range g.Members {
		n += m.NumKeys
	}
	return n
}

// SeqRange returns the lowest and highest sequence numbers in the group
func (g Group) SeqRange() (uint64, uint64) {
	var lo, hi uint64
	for i, m := range g.Members {
		if i == 0 || m.LowestSeq < lo {
			lo = m.LowestSeq
		}
		if m.HighestSeq > hi {
			hi = m.HighestSeq
		}
	}
	return lo, hi
}

// GenIDs returns the member generation ids, newest first
func (g Group) GenIDs() []uint64 {
	ids := make([]uint64, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.GenID
	}
	return ids
}

func (g Group) String() string {
	return fmt.Sprintf("gen class %d: %d layers, %d keys", g.Generation, len(g.Members), g.NumKeys())
}

// Strategy picks merge groups from layers ordered newest first
type Strategy interface {
	Select(layers []Candidate) []Group
}

// GenerationStrategy merges runs of adjacent layers that share a
// generation class once a run holds FanIn layers. A run is capped at
// MaxGroup layers; the newest members are taken first.
type GenerationStrategy struct {
	FanIn    int
	MaxGroup int
}

// NewGenerationStrategy creates a strategy merging at least fanIn layers
func NewGenerationStrategy(fanIn int) *GenerationStrategy {
	if fanIn < 2 {
		fanIn = 2
	}
	return &GenerationStrategy{FanIn: fanIn, MaxGroup: 4 * fanIn}
}

// Select returns non-overlapping groups of adjacent layers
func (s *GenerationStrategy) Select(layers []Candidate) []Group {
	var groups []Group
	emit := func(run []Candidate) {
		for len(run) >= s.FanIn {
			n := len(run)
			if s.MaxGroup > 0 && n > s.MaxGroup {
				n = s.MaxGroup
			}
			groups = append(groups, Group{
				Generation: SuggestGeneration(run[0].NumKeys),
				Members:    append([]Candidate(nil), run[:n]...),
			})
			run = run[n:]
		}
	}

	start := 0
	for i := 1; i <= len(layers); i++ {
		if i < len(layers) && SuggestGeneration(layers[i].NumKeys) == SuggestGeneration(layers[start].NumKeys) {
			continue
		}
		emit(layers[start:i])
		start = i
	}
	return groups
}
