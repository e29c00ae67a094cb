package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/volume"
)

const (
	testVolumeBlock = 4096
	testDataBlock   = 512
	testNumKeys     = 300
)

func newTestVolume(t *testing.T, blocks int) (*volume.Volume, *volume.MemDevice) {
	t.Helper()
	dev := volume.NewMemDevice(int64(blocks * testVolumeBlock))
	v, err := volume.New(dev, volume.WithBlockSize(testVolumeBlock))
	if err != nil {
		t.Fatalf("volume.New: %v", err)
	}
	return v, dev
}

// testItems returns entries in present order. Key i has 1 + i%3 versions;
// the newest version of every seventh key is a tombstone.
func testItems() []walker.Item {
	var items []walker.Item
	for i := 0; i < testNumKeys; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		versions := 1 + i%3
		for v := versions - 1; v >= 0; v-- {
			seq := uint64(v*1000 + i + 1)
			op := walker.Put([]byte(fmt.Sprintf("value-%d-%d", i, v)))
			if i%7 == 0 && v == versions-1 {
				op = walker.Delete()
			}
			items = append(items, walker.Item{Seq: seq, Key: key, Op: op})
		}
	}
	return items
}

func writeGeneration(t *testing.T, vol *volume.Volume, items []walker.Item) (*Reader, Stats) {
	t.Helper()
	data, stats, err := Build(walker.NewSliceWalker(items, nil), WriterOptions{BlockSize: testDataBlock})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	place, err := Store(vol, data)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	r, err := Open(vol, place, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r, stats
}

func sameItems(t *testing.T, what string, got, want []walker.Item) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d items, want %d", what, len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.Seq != w.Seq || !bytes.Equal(g.Key, w.Key) || g.Op.Kind != w.Op.Kind || !bytes.Equal(g.Op.Value, w.Op.Value) {
			t.Fatalf("%s: item %d is %q@%d %v, want %q@%d %v", what, i, g.Key, g.Seq, g.Op.Kind, w.Key, w.Seq, w.Op.Kind)
		}
	}
}

func TestWriteAndOpen(t *testing.T) {
	vol, _ := newTestVolume(t, 64)
	items := testItems()
	r, stats := writeGeneration(t, vol, items)

	if stats.NumEntries != uint64(len(items)) || stats.NumKeys != testNumKeys {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.NumBlocks < 2 || r.NumBlocks() != stats.NumBlocks {
		t.Errorf("expected several data blocks, stats say %d, reader %d", stats.NumBlocks, r.NumBlocks())
	}
	f := r.Footer()
	if f.NumEntries != uint64(len(items)) || f.LowestSeq != 1 || f.HighestSeq != 2000+testNumKeys {
		t.Errorf("unexpected footer %+v", f)
	}
	if r.NumKeys() != testNumKeys {
		t.Errorf("hash index holds %d keys, want %d", r.NumKeys(), testNumKeys)
	}
	if !bytes.Equal(r.FirstKey(), []byte("key-00000")) || !bytes.Equal(r.LastKey(), []byte("key-00299")) {
		t.Errorf("unexpected key bounds %q..%q", r.FirstKey(), r.LastKey())
	}
	if err := r.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if vol.NumUsed() != vol.BlocksFor(r.Placement().Size) {
		t.Errorf("expected %d blocks in use, got %d", vol.BlocksFor(r.Placement().Size), vol.NumUsed())
	}
}

func TestPointWalker(t *testing.T) {
	vol, _ := newTestVolume(t, 64)
	items := testItems()
	r, _ := writeGeneration(t, vol, items)
	l := NewLayer(1, r, nil)

	byKey := make(map[string][]walker.Item)
	for _, it := range items {
		byKey[string(it.Key)] = append(byKey[string(it.Key)], it)
	}
	for key, want := range byKey {
		got, err := walker.Collect(l.NewPresentWalker([]byte(key)))
		if err != nil {
			t.Fatalf("walk %s: %v", key, err)
		}
		sameItems(t, key, got, want)
	}

	for _, missing := range []string{"", "key-", "key-00300", "zzz", "key-00010x"} {
		got, err := walker.Collect(l.NewPresentWalker([]byte(missing)))
		if err != nil || len(got) != 0 {
			t.Errorf("walk of missing key %q: %d items, err %v", missing, len(got), err)
		}
	}
	if l.Refs() != 0 {
		t.Errorf("walkers leaked %d references", l.Refs())
	}
}

func TestRangeWalker(t *testing.T) {
	vol, _ := newTestVolume(t, 64)
	items := testItems()
	r, _ := writeGeneration(t, vol, items)
	l := NewLayer(1, r, nil)

	tests := []struct {
		from, to []byte
	}{
		{nil, nil},
		{[]byte("key-00100"), []byte("key-00200")},
		{[]byte("key-00100x"), nil},
		{nil, []byte("key-00005")},
		{[]byte("a"), []byte("b")},
		{[]byte("key-00299"), []byte("zzz")},
		{[]byte("zzz"), nil},
	}
	for _, tc := range tests {
		var want []walker.Item
		for _, it := range items {
			if tc.from != nil && bytes.Compare(it.Key, tc.from) < 0 {
				continue
			}
			if tc.to != nil && bytes.Compare(it.Key, tc.to) >= 0 {
				continue
			}
			want = append(want, it)
		}
		got, err := walker.Collect(l.NewRangePresentWalker(tc.from, tc.to))
		if err != nil {
			t.Fatalf("range [%q, %q): %v", tc.from, tc.to, err)
		}
		sameItems(t, fmt.Sprintf("range [%q, %q)", tc.from, tc.to), got, want)
	}
}

func TestUpdateWalker(t *testing.T) {
	vol, _ := newTestVolume(t, 64)
	items := testItems()
	r, _ := writeGeneration(t, vol, items)
	l := NewLayer(1, r, nil)

	bySeq := append([]walker.Item(nil), items...)
	sort.Slice(bySeq, func(i, j int) bool { return bySeq[i].Seq < bySeq[j].Seq })

	for _, from := range []uint64{0, 1, 150, 1000, 1001, 2299, 2300, 2301} {
		start := sort.Search(len(bySeq), func(i int) bool { return bySeq[i].Seq >= from })
		got, err := walker.Collect(l.NewUpdateWalker(from))
		if err != nil {
			t.Fatalf("update walk from %d: %v", from, err)
		}
		sameItems(t, fmt.Sprintf("updates from %d", from), got, bySeq[start:])
	}
}

func TestGetHonorsCeiling(t *testing.T) {
	vol, _ := newTestVolume(t, 64)
	r, _ := writeGeneration(t, vol, testItems())
	l := NewLayer(1, r, nil)

	// key-00002 has versions at seq 2003, 1003 and 3
	tests := []struct {
		ceiling uint64
		seq     uint64
		found   bool
	}{
		{5000, 2003, true},
		{2003, 2003, true},
		{2002, 1003, true},
		{3, 3, true},
		{2, 0, false},
	}
	for _, tc := range tests {
		item, ok, err := l.Get([]byte("key-00002"), tc.ceiling)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tc.found || (ok && item.Seq != tc.seq) {
			t.Errorf("Get at ceiling %d: found=%v seq=%d, want found=%v seq=%d", tc.ceiling, ok, item.Seq, tc.found, tc.seq)
		}
	}

	// key-00007 is deleted at its newest version
	item, ok, err := l.Get([]byte("key-00007"), 5000)
	if err != nil || !ok || !item.Op.IsTombstone() {
		t.Errorf("expected tombstone for key-00007, got %+v %v %v", item, ok, err)
	}
	if _, ok, _ := l.Get([]byte("absent"), 5000); ok {
		t.Error("found an absent key")
	}
}

func TestWriterRejectsBadOrder(t *testing.T) {
	w := NewWriter(WriterOptions{BlockSize: 64})
	if err := w.Add(walker.Item{Seq: 5, Key: []byte("b"), Op: walker.Put([]byte("x"))}); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(walker.Item{Seq: 6, Key: []byte("b"), Op: walker.Put([]byte("y"))}); err == nil {
		t.Error("expected error for ascending seq within a key")
	}
	if err := w.Add(walker.Item{Seq: 1, Key: []byte("a"), Op: walker.Put([]byte("z"))}); err == nil {
		t.Error("expected error for descending key")
	}

	// Order is also checked across a block boundary
	w = NewWriter(WriterOptions{BlockSize: 1})
	if err := w.Add(walker.Item{Seq: 5, Key: []byte("b"), Op: walker.Put([]byte("x"))}); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(walker.Item{Seq: 1, Key: []byte("a"), Op: walker.Put([]byte("z"))}); err == nil {
		t.Error("expected error for descending key in a new block")
	}

	if _, _, err := NewWriter(WriterOptions{}).Finish(); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
}

func flipByte(t *testing.T, vol *volume.Volume, block uint64, off int64) {
	t.Helper()
	b := make([]byte, 1)
	if err := vol.ReadAt(block, off, b); err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0xFF
	if err := vol.WriteAt(block, off, b); err != nil {
		t.Fatal(err)
	}
}

func TestCorruptionIsDetected(t *testing.T) {
	vol, _ := newTestVolume(t, 64)
	r, _ := writeGeneration(t, vol, testItems())
	place := r.Placement()

	flipByte(t, vol, place.StartBlock, 10)
	l := NewLayer(1, r, nil)
	_, err := walker.Collect(l.NewRangePresentWalker(nil, nil))
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt from a damaged data block, got %v", err)
	}
	if err := r.Verify(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected Verify to fail, got %v", err)
	}

	flipByte(t, vol, place.StartBlock, place.Size-20)
	if _, err := Open(vol, place, nil); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt from a damaged footer, got %v", err)
	}
}

func TestLayerDestroyedAfterLastWalker(t *testing.T) {
	vol, _ := newTestVolume(t, 64)
	r, _ := writeGeneration(t, vol, testItems())

	destroyed := false
	l := NewLayer(3, r, func() {
		destroyed = true
		if err := Free(vol, r.Placement()); err != nil {
			t.Errorf("Free: %v", err)
		}
	})
	w := l.NewRangePresentWalker(nil, nil)
	l.MarkForDelete()
	if destroyed {
		t.Fatal("layer destroyed while a walker is open")
	}
	for ; w.Valid(); w.Next() {
	}
	w.Close()
	if !destroyed || !l.IsDestroyed() {
		t.Fatal("layer not destroyed after its last walker closed")
	}
	if vol.NumUsed() != 0 {
		t.Errorf("expected all blocks freed, %d still used", vol.NumUsed())
	}
}

func TestStoreFreesRunOnWriteFailure(t *testing.T) {
	vol, dev := newTestVolume(t, 64)
	data, _, err := Build(walker.NewSliceWalker(testItems(), nil), WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	dev.SetWriteFault(0)
	if _, err := Store(vol, data); !errors.Is(err, volume.ErrInjected) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	if vol.NumUsed() != 0 {
		t.Errorf("failed store left %d blocks allocated", vol.NumUsed())
	}

	dev.SetWriteFault(-1)
	if _, err := Store(vol, data); err != nil {
		t.Errorf("Store after clearing the fault: %v", err)
	}
}

func TestStoreReportsNoSpace(t *testing.T) {
	vol, _ := newTestVolume(t, 1)
	data, _, err := Build(walker.NewSliceWalker(testItems(), nil), WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := vol.AllocRun(1); err != nil {
		t.Fatal(err)
	}
	if _, err := Store(vol, data); !errors.Is(err, volume.ErrNoSpace) && !errors.Is(err, volume.ErrInvalidLength) {
		t.Errorf("expected a space error, got %v", err)
	}
}
