package pool

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KevoDB/indy/pkg/common/log"
)

func newTestPool(t *testing.T, blockSize, count int, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithPin(false)}, opts...)
	p, err := New(blockSize, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Init(count); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPoolRoundTripNeverAliases(t *testing.T) {
	const capacity = 64
	p := newTestPool(t, 128, capacity)
	rng := rand.New(rand.NewSource(1))

	live := make(map[int]Block)
	for step := 0; step < 5000; step++ {
		if len(live) < capacity && (len(live) == 0 || rng.Intn(2) == 0) {
			b, err := p.TryAlloc(1 + rng.Intn(128))
			if err != nil {
				t.Fatalf("step %d: TryAlloc: %v", step, err)
			}
			if _, dup := live[b.Index()]; dup {
				t.Fatalf("step %d: block %d handed out twice", step, b.Index())
			}
			// Stamp the block so aliasing would show up as a corrupted stamp.
			b.Data[0] = byte(b.Index())
			live[b.Index()] = b
		} else {
			for idx, b := range live {
				if b.Data[0] != byte(idx) {
					t.Fatalf("step %d: block %d was overwritten", step, idx)
				}
				if err := p.Free(b); err != nil {
					t.Fatalf("step %d: Free: %v", step, err)
				}
				delete(live, idx)
				break
			}
		}
		if got := p.GetNumBlocksUsed(); got != len(live) {
			t.Fatalf("step %d: used = %d, live = %d", step, got, len(live))
		}
	}
}

func TestPoolCheckedErrors(t *testing.T) {
	p := newTestPool(t, 64, 4)
	other := newTestPool(t, 64, 4)

	if _, err := p.TryAlloc(65); !errors.Is(err, ErrBlockTooLarge) {
		t.Errorf("expected ErrBlockTooLarge, got %v", err)
	}

	b, err := p.TryAlloc(10)
	if err != nil {
		t.Fatalf("TryAlloc: %v", err)
	}
	if len(b.Data) != 10 || cap(b.Data) != 64 {
		t.Errorf("unexpected block shape len=%d cap=%d", len(b.Data), cap(b.Data))
	}
	if err := other.Free(b); !errors.Is(err, ErrForeignBlock) {
		t.Errorf("expected ErrForeignBlock, got %v", err)
	}
	if err := p.Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := p.Free(b); !errors.Is(err, ErrDoubleFree) {
		t.Errorf("expected ErrDoubleFree, got %v", err)
	}
	if err := p.Free(Block{}); !errors.Is(err, ErrForeignBlock) {
		t.Errorf("expected ErrForeignBlock for zero block, got %v", err)
	}
	if p.GetNumBlocksUsed() != 0 {
		t.Errorf("failed frees changed the used count: %d", p.GetNumBlocksUsed())
	}

	if err := p.Init(4); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestPoolRejectsStaleHandle(t *testing.T) {
	p := newTestPool(t, 64, 2)

	stale, err := p.TryAlloc(8)
	if err != nil {
		t.Fatalf("TryAlloc: %v", err)
	}
	if err := p.Free(stale); err != nil {
		t.Fatalf("Free: %v", err)
	}
	reused, err := p.TryAlloc(8)
	if err != nil {
		t.Fatalf("TryAlloc: %v", err)
	}
	if reused.Index() != stale.Index() {
		t.Fatalf("expected block %d to be reused, got %d", stale.Index(), reused.Index())
	}

	if err := p.Free(stale); !errors.Is(err, ErrDoubleFree) {
		t.Fatalf("freeing a stale handle: expected ErrDoubleFree, got %v", err)
	}
	if p.GetNumBlocksUsed() != 1 {
		t.Fatalf("stale free changed the used count: %d", p.GetNumBlocksUsed())
	}

	next, err := p.TryAlloc(8)
	if err != nil {
		t.Fatalf("TryAlloc: %v", err)
	}
	if next.Index() == reused.Index() {
		t.Fatalf("block %d handed out while still owned", next.Index())
	}
	if err := p.Free(reused); err != nil {
		t.Errorf("owner could not free its block: %v", err)
	}
	p.Free(next)
}

func TestPoolAllocGivesUpAfterRetries(t *testing.T) {
	p := newTestPool(t, 64, 2,
		WithMaxRetries(5),
		WithBackoff(10*time.Microsecond, 100*time.Microsecond),
		WithLogger(log.NewStandardLogger(log.WithOutput(&bytes.Buffer{}))),
	)

	for i := 0; i < 2; i++ {
		if _, err := p.Alloc(8); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if _, err := p.Alloc(8); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if _, err := p.TryAlloc(8); !errors.Is(err, ErrExhausted) {
		t.Fatalf("TryAlloc should fail immediately, got %v", err)
	}
}

func TestPoolAllocWaitsForFree(t *testing.T) {
	p := newTestPool(t, 64, 1, WithBackoff(time.Millisecond, 5*time.Millisecond))

	held, err := p.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Free(held)
	}()

	b, err := p.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc should succeed once the block is freed: %v", err)
	}
	if b.Index() != held.Index() {
		t.Errorf("expected the freed block back, got %d", b.Index())
	}
}

func TestPoolConcurrentAllocFree(t *testing.T) {
	p := newTestPool(t, 256, 32)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b, err := p.Alloc(256)
				if err != nil {
					t.Errorf("Alloc: %v", err)
					return
				}
				b.Data[255] = 1
				if err := p.Free(b); err != nil {
					t.Errorf("Free: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if used := p.GetNumBlocksUsed(); used != 0 {
		t.Errorf("expected all blocks returned, %d still used", used)
	}
}

func TestPoolDebugZeroesFreedBlocks(t *testing.T) {
	p := newTestPool(t, 64, 1, WithDebug(true))

	b, _ := p.TryAlloc(64)
	copy(b.Data, bytes.Repeat([]byte{0xAB}, 64))
	p.Free(b)

	b, _ = p.TryAlloc(64)
	for i, c := range b.Data {
		if c != 0 {
			t.Fatalf("byte %d not zeroed: %x", i, c)
		}
	}
	p.Free(b)
}

func TestPoolReportsLeakAtClose(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(64, WithPin(false), WithName("leaky"),
		WithLogger(log.NewStandardLogger(log.WithOutput(&buf))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Init(4); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := p.TryAlloc(8); err != nil {
		t.Fatalf("TryAlloc: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !strings.Contains(buf.String(), "leak: 1 of 4 blocks") {
		t.Errorf("expected a leak report, got: %s", buf.String())
	}
}

func TestPoolKeepsLeakedBlocksMapped(t *testing.T) {
	p, err := New(64, WithPin(false), WithLogger(log.NewStandardLogger(log.WithOutput(&bytes.Buffer{}))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Init(2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	leaked, err := p.TryAlloc(64)
	if err != nil {
		t.Fatalf("TryAlloc: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	leaked.Data[63] = 0x5A
	if leaked.Data[63] != 0x5A {
		t.Error("leaked block is not writable after close")
	}
	if _, err := p.TryAlloc(8); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized after close, got %v", err)
	}
}

func TestLocklessPool(t *testing.T) {
	p, err := NewLockless(32, WithPin(false))
	if err != nil {
		t.Fatalf("NewLockless: %v", err)
	}
	if _, err := p.Alloc(8); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized before Init, got %v", err)
	}
	if err := p.Init(3); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Close()

	var blocks []Block
	for i := 0; i < 3; i++ {
		b, err := p.Alloc(32)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		blocks = append(blocks, b)
	}
	if _, err := p.Alloc(1); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected immediate ErrExhausted, got %v", err)
	}
	if p.GetNumBlocksUsed() != 3 || p.GetMaxBlocks() != 3 {
		t.Errorf("unexpected counts: used %d max %d", p.GetNumBlocksUsed(), p.GetMaxBlocks())
	}
	for _, b := range blocks {
		if err := p.Free(b); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	if err := p.Free(blocks[0]); !errors.Is(err, ErrDoubleFree) {
		t.Errorf("expected ErrDoubleFree, got %v", err)
	}

	again, err := p.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for _, b := range blocks {
		if b.Index() == again.Index() {
			if err := p.Free(b); !errors.Is(err, ErrDoubleFree) {
				t.Errorf("stale handle for block %d: expected ErrDoubleFree, got %v", b.Index(), err)
			}
		}
	}
	if err := p.Free(again); err != nil {
		t.Errorf("Free: %v", err)
	}
}

func BenchmarkPoolAllocFree(b *testing.B) {
	p, _ := New(4096, WithPin(false))
	p.Init(1024)
	defer p.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		blk, _ := p.Alloc(4096)
		p.Free(blk)
	}
}
