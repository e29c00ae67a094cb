package compaction

import (
	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
)

// Outcome is what a merge did with one entry
type Outcome int

const (
	// Survived entries are written to the merged layer
	Survived Outcome = iota
	// Expired entries were dropped because their deadline passed
	Expired
	// WasSuperseded entries were dropped because a newer version of the key
	// makes them unreachable
	WasSuperseded
)

func (o Outcome) String() string {
	switch o {
	case Survived:
		return "survived"
	case Expired:
		return "expired"
	case WasSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Policy decides which versions a merge keeps. Only versions at or below
// Horizon are history nobody can read any more; everything newer is kept.
type Policy struct {
	Horizon uint64

	// IncludesOldest is set when the merge covers the oldest layer, so a
	// tombstone at or below the horizon has nothing left to shadow.
	IncludesOldest bool

	// IsExpired, when set, drops entries whose deadline has passed. Like
	// tombstones they are only dropped when the merge includes the oldest
	// layer.
	IsExpired func(item walker.Item) bool

	// Notify, when set, is told the outcome of every entry
	Notify func(item walker.Item, outcome Outcome)
}

// RetentionStats counts merge outcomes
type RetentionStats struct {
	Survived          uint64
	Expired           uint64
	Superseded        uint64
	TombstonesDropped uint64
}

// RetentionWalker filters an all-versions present walk (key ascending,
// sequence descending) down to the entries a merged layer must keep.
type RetentionWalker struct {
	src    walker.Walker
	cmp    layer.Comparator
	policy Policy
	stats  RetentionStats

	lastKey   []byte
	hasLast   bool
	shadowed  bool
	current   walker.Item
	valid     bool
	exhausted bool
}

// NewRetentionWalker wraps src, which it owns and closes
func NewRetentionWalker(src walker.Walker, cmp layer.Comparator, policy Policy) *RetentionWalker {
	if cmp == nil {
		cmp = layer.Bytewise
	}
	r := &RetentionWalker{src: src, cmp: cmp, policy: policy}
	r.advance()
	return r
}

func (r *RetentionWalker) report(item walker.Item, outcome Outcome) {
	switch outcome {
	case Survived:
		r.stats.Survived++
	case Expired:
		r.stats.Expired++
	case WasSuperseded:
		r.stats.Superseded++
	}
	if r.policy.Notify != nil {
		r.policy.Notify(item, outcome)
	}
}

// decide classifies one entry. Callers feed entries in present order.
func (r *RetentionWalker) decide(item walker.Item) Outcome {
	if !r.hasLast || r.cmp.Compare(item.Key, r.lastKey) != 0 {
		r.lastKey = item.Key
		r.hasLast = true
		r.shadowed = false
	}
	if item.Seq > r.policy.Horizon {
		return Survived
	}
	if r.shadowed {
		return WasSuperseded
	}
	r.shadowed = true
	if !r.policy.IncludesOldest {
		// An older layer outside the merge may still hold the key, so the
		// newest visible version has to stay to shadow it.
		return Survived
	}
	if item.Op.IsTombstone() {
		r.stats.TombstonesDropped++
		return WasSuperseded
	}
	if r.policy.IsExpired != nil && r.policy.IsExpired(item) {
		return Expired
	}
	return Survived
}

func (r *RetentionWalker) advance() {
	r.valid = false
	for ; r.src.Valid(); r.src.Next() {
		item := r.src.Item()
		outcome := r.decide(item)
		r.report(item, outcome)
		if outcome == Survived {
			r.current = item
			r.valid = true
			return
		}
	}
}

func (r *RetentionWalker) Valid() bool {
	return r.valid
}

func (r *RetentionWalker) Item() walker.Item {
	return r.current
}

func (r *RetentionWalker) Next() {
	if !r.valid {
		return
	}
	r.src.Next()
	r.advance()
}

func (r *RetentionWalker) Err() error {
	return r.src.Err()
}

func (r *RetentionWalker) Close() error {
	r.valid = false
	return r.src.Close()
}

// Stats returns the outcome counts so far
func (r *RetentionWalker) Stats() RetentionStats {
	return r.stats
}
