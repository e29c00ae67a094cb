package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KevoDB/indy/pkg/common/walker"
)

func TestSuggestGeneration(t *testing.T) {
	tests := []struct {
		keys uint64
		gen  int
	}{
		{0, 0},
		{63, 0},
		{64, 1},
		{4095, 1},
		{4096, 2},
		{300000, 4},
		{1 << 40, len(GenerationBounds)},
	}
	for _, tc := range tests {
		if got := SuggestGeneration(tc.keys); got != tc.gen {
			t.Errorf("SuggestGeneration(%d) = %d, want %d", tc.keys, got, tc.gen)
		}
	}
}

func candidates(sizes ...uint64) []Candidate {
	out := make([]Candidate, len(sizes))
	for i, n := range sizes {
		gen := uint64(len(sizes) - i)
		out[i] = Candidate{GenID: gen, NumKeys: n, LowestSeq: gen * 100, HighestSeq: gen*100 + 50}
	}
	return out
}

func TestGenerationStrategySelect(t *testing.T) {
	s := NewGenerationStrategy(3)

	tests := []struct {
		name   string
		sizes  []uint64
		groups [][]uint64
	}{
		{"too few", []uint64{10, 10}, nil},
		{"one run", []uint64{10, 20, 30}, [][]uint64{{3, 2, 1}}},
		{"run broken by class", []uint64{10, 20, 5000, 30, 40}, nil},
		{"run then big layer", []uint64{10, 20, 30, 5000}, [][]uint64{{4, 3, 2}}},
		{"two runs", []uint64{1, 2, 3, 100, 200, 300}, [][]uint64{{6, 5, 4}, {3, 2, 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			groups := s.Select(candidates(tc.sizes...))
			if len(groups) != len(tc.groups) {
				t.Fatalf("got %d groups (%v), want %d", len(groups), groups, len(tc.groups))
			}
			for i, g := range groups {
				if fmt.Sprint(g.GenIDs()) != fmt.Sprint(tc.groups[i]) {
					t.Errorf("group %d has %v, want %v", i, g.GenIDs(), tc.groups[i])
				}
			}
		})
	}

	s.MaxGroup = 4
	groups := s.Select(candidates(1, 1, 1, 1, 1, 1, 1))
	if len(groups) != 2 || len(groups[0].Members) != 4 || len(groups[1].Members) != 3 {
		t.Fatalf("expected groups of 4 and 3, got %v", groups)
	}
	lo, hi := groups[0].SeqRange()
	if lo != 400 || hi != 750 {
		t.Errorf("unexpected seq range [%d, %d]", lo, hi)
	}
}

func item(key string, seq uint64, value string) walker.Item {
	if value == "" {
		return walker.Item{Seq: seq, Key: []byte(key), Op: walker.Delete()}
	}
	return walker.Item{Seq: seq, Key: []byte(key), Op: walker.Put([]byte(value))}
}

func retained(t *testing.T, items []walker.Item, p Policy) (string, RetentionStats) {
	t.Helper()
	r := NewRetentionWalker(walker.NewSliceWalker(items, nil), nil, p)
	var s string
	for ; r.Valid(); r.Next() {
		it := r.Item()
		s += fmt.Sprintf("%s@%d ", it.Key, it.Seq)
	}
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
	r.Close()
	return s, r.Stats()
}

func TestRetentionWalker(t *testing.T) {
	// Present order: key ascending, seq descending
	items := []walker.Item{
		item("a", 9, "a9"),
		item("a", 5, "a5"),
		item("a", 2, "a2"),
		item("b", 6, ""),
		item("b", 3, "b3"),
		item("c", 1, "c1"),
	}

	tests := []struct {
		name   string
		policy Policy
		expect string
	}{
		{"horizon zero keeps everything", Policy{}, "a@9 a@5 a@2 b@6 b@3 c@1 "},
		{"horizon zero with oldest", Policy{IncludesOldest: true}, "a@9 a@5 a@2 b@6 b@3 c@1 "},
		{"shadowed history dropped", Policy{Horizon: 6}, "a@9 a@5 b@6 c@1 "},
		{"tombstone dropped with oldest", Policy{Horizon: 6, IncludesOldest: true}, "a@9 a@5 c@1 "},
		{"tombstone above horizon kept", Policy{Horizon: 5, IncludesOldest: true}, "a@9 a@5 b@6 b@3 c@1 "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := retained(t, items, tc.policy)
			if got != tc.expect {
				t.Errorf("expected %q, got %q", tc.expect, got)
			}
		})
	}
}

func TestRetentionOutcomes(t *testing.T) {
	items := []walker.Item{
		item("a", 9, "expired"),
		item("a", 5, "a5"),
		item("b", 4, "b4"),
		item("c", 3, ""),
	}
	outcomes := make(map[string]Outcome)
	p := Policy{
		Horizon:        ^uint64(0),
		IncludesOldest: true,
		IsExpired:      func(it walker.Item) bool { return string(it.Op.Value) == "expired" },
		Notify: func(it walker.Item, o Outcome) {
			outcomes[fmt.Sprintf("%s@%d", it.Key, it.Seq)] = o
		},
	}
	got, stats := retained(t, items, p)
	if got != "b@4 " {
		t.Errorf("expected only b to survive, got %q", got)
	}
	want := map[string]Outcome{"a@9": Expired, "a@5": WasSuperseded, "b@4": Survived, "c@3": WasSuperseded}
	for k, o := range want {
		if outcomes[k] != o {
			t.Errorf("%s: outcome %v, want %v", k, outcomes[k], o)
		}
	}
	if stats.Survived != 1 || stats.Expired != 1 || stats.Superseded != 2 || stats.TombstonesDropped != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	// Without the oldest layer an expired newest version must keep shadowing
	p.IncludesOldest = false
	got, _ = retained(t, items, p)
	if got != "a@9 b@4 c@3 " {
		t.Errorf("expected newest versions kept, got %q", got)
	}
}

type fakeTarget struct {
	mu       sync.Mutex
	id       string
	dirty    bool
	flushes  int
	compacts int
	failWith error
}

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) ShouldFlush() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

func (f *fakeTarget) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.dirty = false
	f.flushes++
	return nil
}

func (f *fakeTarget) Compact(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compacts++
	return 1, nil
}

func (f *fakeTarget) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes, f.compacts
}

func TestCoordinatorCycle(t *testing.T) {
	boom := errors.New("boom")
	a := &fakeTarget{id: "a", dirty: true}
	b := &fakeTarget{id: "b", dirty: true, failWith: boom}
	c := NewCoordinator(func() []Target { return []Target{a, b} }, CoordinatorOptions{})

	if err := c.TriggerCompaction(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected flush failure, got %v", err)
	}
	if f, m := a.counts(); f != 1 || m != 1 {
		t.Errorf("target a: %d flushes %d compactions", f, m)
	}
	if _, m := b.counts(); m != 0 {
		t.Errorf("failed target was compacted")
	}
	stats := c.GetCompactionStats()
	if stats["cycles"] != uint64(1) || stats["errors"] != uint64(1) || stats["merges"] != uint64(1) {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestCoordinatorBackground(t *testing.T) {
	a := &fakeTarget{id: "a"}
	c := NewCoordinator(func() []Target { return []Target{a} }, CoordinatorOptions{Interval: 5 * time.Millisecond})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, m := a.counts(); m >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background cycles did not run")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	_, before := a.counts()
	time.Sleep(20 * time.Millisecond)
	if _, after := a.counts(); after != before {
		t.Errorf("cycles ran after Stop: %d -> %d", before, after)
	}
}
