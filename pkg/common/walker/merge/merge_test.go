package merge

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/KevoDB/indy/pkg/common/walker"
)

// layerOf sorts items into present order (key asc, seq desc)
func layerOf(items ...walker.Item) []walker.Item {
	out := append([]walker.Item(nil), items...)
	sort.Slice(out, func(i, j int) bool {
		if string(out[i].Key) != string(out[j].Key) {
			return string(out[i].Key) < string(out[j].Key)
		}
		return out[i].Seq > out[j].Seq
	})
	return out
}

func put(key string, seq uint64, value string) walker.Item {
	return walker.Item{Seq: seq, Key: []byte(key), Op: walker.Put([]byte(value))}
}

func del(key string, seq uint64) walker.Item {
	return walker.Item{Seq: seq, Key: []byte(key), Op: walker.Delete()}
}

func walkers(layers ...[]walker.Item) []walker.Walker {
	out := make([]walker.Walker, 0, len(layers))
	for _, l := range layers {
		out = append(out, walker.NewSliceWalker(l, nil))
	}
	return out
}

func render(t *testing.T, w walker.Walker) string {
	t.Helper()
	items, err := walker.Collect(w)
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	s := ""
	for _, it := range items {
		if it.Op.IsTombstone() {
			s += fmt.Sprintf("%s=<del>@%d ", it.Key, it.Seq)
		} else {
			s += fmt.Sprintf("%s=%s@%d ", it.Key, it.Op.Value, it.Seq)
		}
	}
	return s
}

func TestPresentWalkerCeiling(t *testing.T) {
	older := layerOf(put("a", 1, "1"), put("b", 2, "2"))
	newer := layerOf(put("a", 3, "3"), del("a", 4))

	tests := []struct {
		name   string
		opts   Options
		expect string
	}{
		{"all", Options{IgnoreTombstones: true}, "b=2@2 "},
		{"ceiling 3", Options{Upper: 3, IgnoreTombstones: true}, "a=3@3 b=2@2 "},
		{"ceiling 2", Options{Upper: 2, IgnoreTombstones: true}, "a=1@1 b=2@2 "},
		{"tombstones visible", Options{}, "a=<del>@4 b=2@2 "},
		{"lower bound", Options{Lower: 2, Upper: 2}, "b=2@2 "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := render(t, NewPresentWalker(walkers(newer, older), tt.opts))
			if got != tt.expect {
				t.Errorf("expected %q, got %q", tt.expect, got)
			}
		})
	}
}

func TestPresentWalkerTombstoneShadowsOlderValue(t *testing.T) {
	// A tombstone must not let an older value for the same key resurface
	l1 := layerOf(del("k", 5))
	l2 := layerOf(put("k", 2, "old"), put("z", 1, "z"))
	got := render(t, NewPresentWalker(walkers(l1, l2), Options{IgnoreTombstones: true}))
	if got != "z=z@1 " {
		t.Errorf("expected only z, got %q", got)
	}
}

func TestPresentWalkerLayerOrderDoesNotMatter(t *testing.T) {
	a := layerOf(put("x", 9, "new"))
	b := layerOf(put("x", 1, "old"))
	if got := render(t, NewPresentWalker(walkers(b, a), Options{})); got != "x=new@9 " {
		t.Errorf("newest entry should win regardless of layer order, got %q", got)
	}
}

// TestPresentWalkerSnapshotIsolation checks the merged walk against a
// brute-force model over random layers and ceilings.
func TestPresentWalkerAllVersions(t *testing.T) {
	l1 := layerOf(put("a", 3, "3"), del("b", 4))
	l2 := layerOf(put("a", 1, "1"), put("b", 2, "2"))
	got := render(t, NewPresentWalker(walkers(l1, l2), Options{AllVersions: true, Upper: 3}))
	if got != "a=3@3 a=1@1 b=2@2 " {
		t.Errorf("unexpected history walk %q", got)
	}
}

func TestPresentWalkerSnapshotIsolation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		numLayers := 1 + rng.Intn(5)
		layers := make([][]walker.Item, numLayers)
		var all []walker.Item
		seq := uint64(0)
		for i := 0; i < 40; i++ {
			seq++
			key := fmt.Sprintf("k%02d", rng.Intn(15))
			var it walker.Item
			if rng.Intn(4) == 0 {
				it = del(key, seq)
			} else {
				it = put(key, seq, fmt.Sprintf("v%d", seq))
			}
			l := rng.Intn(numLayers)
			layers[l] = append(layers[l], it)
			all = append(all, it)
		}
		for i := range layers {
			layers[i] = layerOf(layers[i]...)
		}

		ceiling := 1 + uint64(rng.Intn(int(seq)))

		// model: newest entry per key at or below the ceiling
		newest := map[string]walker.Item{}
		for _, it := range all {
			if it.Seq > ceiling {
				continue
			}
			if cur, ok := newest[string(it.Key)]; !ok || it.Seq > cur.Seq {
				newest[string(it.Key)] = it
			}
		}
		var want []walker.Item
		for _, it := range newest {
			if !it.Op.IsTombstone() {
				want = append(want, it)
			}
		}
		want = layerOf(want...)

		got, err := walker.Collect(NewPresentWalker(walkers(layers...), Options{Upper: ceiling, IgnoreTombstones: true}))
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if len(got) != len(want) {
			t.Fatalf("round %d: expected %d keys, got %d", round, len(want), len(got))
		}
		for i := range want {
			if string(got[i].Key) != string(want[i].Key) || got[i].Seq != want[i].Seq {
				t.Fatalf("round %d item %d: expected %s@%d, got %s@%d",
					round, i, want[i].Key, want[i].Seq, got[i].Key, got[i].Seq)
			}
		}
	}
}

type failingWalker struct {
	walker.SliceWalker
	failAfter int
	seen      int
	err       error
}

func (f *failingWalker) Next() {
	f.seen++
	if f.seen >= f.failAfter {
		f.err = errors.New("read failed")
		return
	}
	f.SliceWalker.Next()
}

func (f *failingWalker) Valid() bool { return f.err == nil && f.SliceWalker.Valid() }

func (f *failingWalker) Err() error { return f.err }

func TestPresentWalkerPropagatesErrors(t *testing.T) {
	fw := &failingWalker{
		SliceWalker: *walker.NewSliceWalker(layerOf(put("a", 1, "a"), put("b", 2, "b"), put("c", 3, "c")), nil),
		failAfter:   2,
	}
	w := NewPresentWalker([]walker.Walker{fw}, Options{})
	n := 0
	for ; w.Valid(); w.Next() {
		n++
	}
	if w.Err() == nil {
		t.Fatal("expected the sub-walker failure to surface")
	}
	if n == 3 {
		t.Error("walk should have stopped at the failure")
	}
	w.Close()
}

func TestPresentWalkerCloseClosesSubs(t *testing.T) {
	closed := 0
	subs := []walker.Walker{
		walker.NewSliceWalker(layerOf(put("a", 1, "a")), func() { closed++ }),
		walker.NewSliceWalker(nil, func() { closed++ }),
	}
	w := NewPresentWalker(subs, Options{})
	w.Close()
	w.Close()
	if closed != 2 {
		t.Errorf("expected both subs closed once, got %d", closed)
	}
	if w.Valid() {
		t.Error("closed walker should not be valid")
	}
}

func TestUpdateWalker(t *testing.T) {
	l1 := []walker.Item{put("b", 1, "b1"), put("a", 3, "a3"), put("c", 3, "c3")}
	l2 := []walker.Item{put("z", 2, "z2"), del("b", 4)}
	sortBySeq := func(items []walker.Item) []walker.Item {
		sort.Slice(items, func(i, j int) bool {
			if items[i].Seq != items[j].Seq {
				return items[i].Seq < items[j].Seq
			}
			return string(items[i].Key) < string(items[j].Key)
		})
		return items
	}

	got := render(t, NewUpdateWalker(walkers(sortBySeq(l1), sortBySeq(l2)), nil, 0))
	if want := "b=b1@1 z=z2@2 a=a3@3 c=c3@3 b=<del>@4 "; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	got = render(t, NewUpdateWalker(walkers(sortBySeq(l1), sortBySeq(l2)), nil, 2))
	if want := "b=b1@1 z=z2@2 "; got != want {
		t.Errorf("ceiling not applied: expected %q, got %q", want, got)
	}
}

func BenchmarkPresentWalker(b *testing.B) {
	var layers [][]walker.Item
	seq := uint64(0)
	for l := 0; l < 8; l++ {
		var items []walker.Item
		for i := 0; i < 1000; i++ {
			seq++
			items = append(items, put(fmt.Sprintf("key-%05d", (i*7+l)%5000), seq, "v"))
		}
		layers = append(layers, layerOf(items...))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := NewPresentWalker(walkers(layers...), Options{IgnoreTombstones: true})
		for ; w.Valid(); w.Next() {
		}
		w.Close()
	}
}
