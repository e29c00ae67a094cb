package volume

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

const testBlockSize = 8 * 1024

func newTestVolume(t *testing.T, blocks int, opts ...Option) *Volume {
	t.Helper()
	opts = append([]Option{WithBlockSize(testBlockSize)}, opts...)
	v, err := New(NewMemDevice(int64(blocks*testBlockSize)), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestAllocRunFindsContiguousSpace(t *testing.T) {
	v := newTestVolume(t, 10)

	a, err := v.AllocRun(3)
	if err != nil || a != 0 {
		t.Fatalf("expected run at 0, got %d (%v)", a, err)
	}
	b, err := v.AllocRun(3)
	if err != nil || b != 3 {
		t.Fatalf("expected run at 3, got %d (%v)", b, err)
	}
	if err := v.FreeRun(a, 3); err != nil {
		t.Fatal(err)
	}

	// [0,3) free, [3,6) used, [6,10) free: a run of 4 only fits at 6
	c, err := v.AllocRun(4)
	if err != nil || c != 6 {
		t.Fatalf("expected run at 6, got %d (%v)", c, err)
	}
	d, err := v.AllocRun(2)
	if err != nil || d != 0 {
		t.Fatalf("expected run at 0, got %d (%v)", d, err)
	}
	if _, err := v.AllocRun(2); !errors.Is(err, ErrNoSpace) {
		t.Errorf("expected ErrNoSpace, got %v", err)
	}
	if v.NumUsed() != 9 {
		t.Errorf("expected 9 used blocks, got %d", v.NumUsed())
	}
}

func TestFreeRunChecksAllocation(t *testing.T) {
	v := newTestVolume(t, 8)
	start, _ := v.AllocRun(2)

	if err := v.FreeRun(start, 3); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("expected ErrNotAllocated for a partially allocated run, got %v", err)
	}
	if err := v.FreeRun(start, 2); err != nil {
		t.Fatal(err)
	}
	if err := v.FreeRun(start, 2); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("expected ErrNotAllocated for a double free, got %v", err)
	}
	if err := v.FreeRun(7, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := v.AllocRun(0); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("expected ErrInvalidLength, got %v", err)
	}
}

func TestMarkUsed(t *testing.T) {
	v := newTestVolume(t, 4)
	if err := v.MarkUsed(1, 2); err != nil {
		t.Fatal(err)
	}
	if !v.IsUsed(1) || !v.IsUsed(2) || v.IsUsed(0) {
		t.Error("MarkUsed recorded the wrong blocks")
	}
	if start, err := v.AllocRun(1); err != nil || start != 0 {
		t.Errorf("expected block 0, got %d (%v)", start, err)
	}
	if start, err := v.AllocRun(1); err != nil || start != 3 {
		t.Errorf("expected block 3, got %d (%v)", start, err)
	}
}

func TestReadWriteAcrossBlocks(t *testing.T) {
	v := newTestVolume(t, 4)
	start, _ := v.AllocRun(3)

	data := bytes.Repeat([]byte("indy"), testBlockSize/2) // two blocks worth
	if err := v.WriteAt(start, 100, data); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(data))
	if err := v.ReadAt(start, 100, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read back differs from written data")
	}

	if err := v.ReadAt(3, 0, make([]byte, testBlockSize+1)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestHitsAreWeightedByPages(t *testing.T) {
	v := newTestVolume(t, 2)

	// A single page read from a cold block does not register
	v.ReadAt(0, 0, make([]byte, 10))
	if hits := v.HitCounter().GetNumHits(0); hits != 0 {
		t.Errorf("expected 0 hits after one page, got %d", hits)
	}

	// A whole-block read touches two pages: ln(1 + 2) = 1.09
	v.ReadAt(1, 0, make([]byte, testBlockSize))
	if hits := v.HitCounter().GetNumHits(1); hits != 1 {
		t.Errorf("expected 1 hit after two pages, got %d", hits)
	}
}

func TestCacheAdmitsHotBlocks(t *testing.T) {
	v := newTestVolume(t, 4, WithCache(2, 1))
	start, _ := v.AllocRun(1)
	v.WriteAt(start, 0, bytes.Repeat([]byte{7}, testBlockSize))

	buf := make([]byte, 16)
	v.ReadAt(start, 0, buf)
	if v.CachedBlocks() != 0 {
		t.Fatal("a cold block must not be admitted")
	}

	v.ReadAt(start, 0, make([]byte, testBlockSize))
	if v.CachedBlocks() != 1 {
		t.Fatalf("hot block should be cached, cache holds %d", v.CachedBlocks())
	}

	// Writes invalidate the cached copy
	v.WriteAt(start, 0, []byte{9})
	v.ReadAt(start, 0, buf[:1])
	if buf[0] != 9 {
		t.Errorf("read stale cached data %d", buf[0])
	}

	v.FreeRun(start, 1)
	if v.HitCounter().GetNumHits(int(start)) != 0 {
		t.Error("freeing a block should reset its hit count")
	}
}

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.dat")
	dev, err := OpenFileDevice(path, 4*testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	v, err := New(dev, WithBlockSize(testBlockSize))
	if err != nil {
		t.Fatal(err)
	}
	if err := v.WriteAt(2, 5, []byte("persisted")); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	dev, err = OpenFileDevice(path, 4*testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	v, err = New(dev, WithBlockSize(testBlockSize))
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	got := make([]byte, 9)
	if err := v.ReadAt(2, 5, got); err != nil || string(got) != "persisted" {
		t.Errorf("expected persisted data, got %q (%v)", got, err)
	}
}

func TestMemDeviceWriteFault(t *testing.T) {
	dev := NewMemDevice(testBlockSize)
	dev.SetWriteFault(1)
	if _, err := dev.WriteAt([]byte("a"), 0); err != nil {
		t.Fatalf("first write should succeed: %v", err)
	}
	if _, err := dev.WriteAt([]byte("b"), 1); !errors.Is(err, ErrInjected) {
		t.Errorf("expected injected fault, got %v", err)
	}
	dev.SetWriteFault(-1)
	if _, err := dev.WriteAt([]byte("c"), 2); err != nil {
		t.Errorf("fault should be cleared: %v", err)
	}
}
