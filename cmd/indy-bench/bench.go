package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/indy/pkg/engine"
	"github.com/KevoDB/indy/pkg/repo"
)

// Options configures a benchmark run
type Options struct {
	Duration   time.Duration
	NumKeys    int
	ValueSize  int
	Sequential bool
	ScanSize   int
	Workers    int
	Fast       bool

	// MaxOps stops a timed benchmark early. Zero runs until Duration.
	MaxOps int
}

func (o Options) keyMode() string {
	if o.Sequential {
		return "Sequential"
	}
	return "Random"
}

var benchmarkOrder = []string{"write", "read", "scan", "updates", "mixed", "durable", "compaction"}

type bench struct {
	e      *engine.Engine
	r      *repo.Repo
	opts   Options
	value  []byte
	loaded bool
}

func newBench(e *engine.Engine, opts Options) (*bench, error) {
	if opts.NumKeys <= 0 {
		return nil, fmt.Errorf("key count must be positive, got %d", opts.NumKeys)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	var (
		r   *repo.Repo
		err error
	)
	if opts.Fast {
		r, err = e.CreateRepo(engine.RepoID("bench-fast"), repo.Fast)
	} else {
		r, err = e.OpenOrCreateRepo(engine.RepoID("bench"))
	}
	if err != nil {
		return nil, err
	}

	value := make([]byte, opts.ValueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}
	return &bench{e: e, r: r, opts: opts, value: value}, nil
}

func (b *bench) runners() map[string]func() (BenchmarkResult, error) {
	return map[string]func() (BenchmarkResult, error){
		"write":      b.runWrite,
		"read":       b.runRead,
		"scan":       b.runScan,
		"updates":    b.runUpdates,
		"mixed":      b.runMixed,
		"durable":    b.runDurable,
		"compaction": b.runCompaction,
	}
}

func (b *bench) key(i int, rng *rand.Rand) []byte {
	if !b.opts.Sequential {
		i = rng.Intn(b.opts.NumKeys)
	}
	return []byte(fmt.Sprintf("key-%010d", i%b.opts.NumKeys))
}

// until reports whether a timed loop that has done ops operations should go on
func (b *bench) until(deadline time.Time, ops int) bool {
	if b.opts.MaxOps > 0 && ops >= b.opts.MaxOps {
		return false
	}
	return time.Now().Before(deadline)
}

func (b *bench) put(ctx context.Context, key []byte) error {
	if _, err := b.r.Put(ctx, key, b.value); err != nil {
		return err
	}
	if b.r.ShouldFlush() {
		return b.r.Flush(ctx)
	}
	return nil
}

// load writes every key once so reads have something to find
func (b *bench) load(ctx context.Context) error {
	if b.loaded {
		return nil
	}
	for i := 0; i < b.opts.NumKeys; i++ {
		if err := b.put(ctx, []byte(fmt.Sprintf("key-%010d", i))); err != nil {
			return err
		}
	}
	b.loaded = true
	return nil
}

func (b *bench) result(typ string, ops int, elapsed time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		BenchmarkType: typ,
		NumKeys:       b.opts.NumKeys,
		ValueSize:     b.opts.ValueSize,
		Mode:          b.opts.keyMode(),
		Operations:    ops,
		Duration:      elapsed.Seconds(),
		Timestamp:     time.Now(),
	}
	if ops > 0 && elapsed > 0 {
		res.Throughput = float64(ops) / elapsed.Seconds()
		res.Latency = float64(elapsed.Microseconds()) / float64(ops)
	}
	return res
}

func (b *bench) runWrite() (BenchmarkResult, error) {
	fmt.Println("Running Write Benchmark...")
	ctx := context.Background()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	start := time.Now()
	deadline := start.Add(b.opts.Duration)
	ops := 0
	for ; b.until(deadline, ops); ops++ {
		if err := b.put(ctx, b.key(ops, rng)); err != nil {
			return BenchmarkResult{}, fmt.Errorf("write error (key #%d): %w", ops, err)
		}
	}
	res := b.result("Write", ops, time.Since(start))
	res.BytesWritten = int64(ops) * int64(b.opts.ValueSize)
	return res, nil
}

func (b *bench) runRead() (BenchmarkResult, error) {
	ctx := context.Background()
	if err := b.load(ctx); err != nil {
		return BenchmarkResult{}, err
	}
	fmt.Println("Running Read Benchmark...")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	start := time.Now()
	deadline := start.Add(b.opts.Duration)
	ops, hits := 0, 0
	for ; b.until(deadline, ops); ops++ {
		_, ok, err := b.r.Get(ctx, b.key(ops, rng), 0)
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("read error: %w", err)
		}
		if ok {
			hits++
		}
	}
	res := b.result("Read", ops, time.Since(start))
	if ops > 0 {
		res.HitRate = float64(hits) / float64(ops) * 100
	}
	return res, nil
}

func (b *bench) runScan() (BenchmarkResult, error) {
	ctx := context.Background()
	if err := b.load(ctx); err != nil {
		return BenchmarkResult{}, err
	}
	fmt.Println("Running Range Scan Benchmark...")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	start := time.Now()
	deadline := start.Add(b.opts.Duration)
	ops, entries := 0, 0
	for ; b.until(deadline, ops); ops++ {
		v, err := b.r.NewView()
		if err != nil {
			return BenchmarkResult{}, err
		}
		w := b.r.NewRangePresentWalker(v, b.key(rng.Intn(b.opts.NumKeys), rng), nil, repo.ReadOptions{IgnoreTombstones: true})
		for n := 0; n < b.opts.ScanSize && w.Valid(); n++ {
			entries++
			w.Next()
		}
		err = w.Err()
		w.Close()
		v.Close()
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("scan error: %w", err)
		}
	}
	elapsed := time.Since(start)
	res := b.result("Scan", ops, elapsed)
	res.EntriesPerSec = float64(entries) / elapsed.Seconds()
	return res, nil
}

func (b *bench) runUpdates() (BenchmarkResult, error) {
	ctx := context.Background()
	if err := b.load(ctx); err != nil {
		return BenchmarkResult{}, err
	}
	fmt.Println("Running Update Walk Benchmark...")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	last := b.r.Clock().Current()

	start := time.Now()
	deadline := start.Add(b.opts.Duration)
	ops, entries := 0, 0
	for ; b.until(deadline, ops); ops++ {
		v, err := b.r.NewView()
		if err != nil {
			return BenchmarkResult{}, err
		}
		from := uint64(rng.Int63n(int64(last))) + 1
		w := b.r.NewUpdateWalker(v, from, 0)
		for n := 0; n < b.opts.ScanSize && w.Valid(); n++ {
			entries++
			w.Next()
		}
		err = w.Err()
		w.Close()
		v.Close()
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("update walk error: %w", err)
		}
	}
	elapsed := time.Since(start)
	res := b.result("Updates", ops, elapsed)
	res.EntriesPerSec = float64(entries) / elapsed.Seconds()
	return res, nil
}

// runMixed runs concurrent workers doing three reads for every write
func (b *bench) runMixed() (BenchmarkResult, error) {
	ctx := context.Background()
	if err := b.load(ctx); err != nil {
		return BenchmarkResult{}, err
	}
	fmt.Printf("Running Mixed Benchmark (75%% reads, 25%% writes, %d workers)...\n", b.opts.Workers)

	var reads, writes atomic.Int64
	start := time.Now()
	deadline := start.Add(b.opts.Duration)
	perWorker := 0
	if b.opts.MaxOps > 0 {
		perWorker = (b.opts.MaxOps + b.opts.Workers - 1) / b.opts.Workers
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < b.opts.Workers; w++ {
		seed := time.Now().UnixNano() + int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; time.Now().Before(deadline) && (perWorker == 0 || i < perWorker); i++ {
				if gctx.Err() != nil {
					return nil
				}
				key := b.key(i, rng)
				if i%4 == 3 {
					if err := b.put(gctx, key); err != nil {
						return err
					}
					writes.Add(1)
					continue
				}
				if _, _, err := b.r.Get(gctx, key, 0); err != nil {
					return err
				}
				reads.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BenchmarkResult{}, fmt.Errorf("mixed workload error: %w", err)
	}

	r, w := reads.Load(), writes.Load()
	res := b.result("Mixed", int(r+w), time.Since(start))
	if r+w > 0 {
		res.ReadRatio = float64(r) / float64(r+w) * 100
		res.WriteRatio = float64(w) / float64(r+w) * 100
	}
	res.BytesWritten = w * int64(b.opts.ValueSize)
	return res, nil
}

// runDurable saves and loads a rotating set of durable objects
func (b *bench) runDurable() (BenchmarkResult, error) {
	fmt.Println("Running Durable Object Benchmark...")
	ctx := context.Background()
	ids := make([]uuid.UUID, max(b.opts.NumKeys/100, 1))
	for i := range ids {
		ids[i] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("indy:bench:%d", i)))
	}

	start := time.Now()
	deadline := start.Add(b.opts.Duration)
	ops := 0
	for ; b.until(deadline, ops); ops += 2 {
		id := ids[(ops/2)%len(ids)]
		if _, err := b.e.Save(ctx, id, time.Time{}, 0, b.value); err != nil {
			return BenchmarkResult{}, fmt.Errorf("save error: %w", err)
		}
		if _, ok, err := b.e.Load(ctx, id); err != nil || !ok {
			return BenchmarkResult{}, fmt.Errorf("load error (found=%v): %v", ok, err)
		}
	}
	res := b.result("Durable", ops, time.Since(start))
	res.BytesWritten = int64(ops/2) * int64(b.opts.ValueSize)
	return res, nil
}

// runCompaction writes the key space in three flushed rounds and times one
// compaction cycle over the resulting generations
func (b *bench) runCompaction() (BenchmarkResult, error) {
	fmt.Println("Running Compaction Benchmark...")
	ctx := context.Background()
	keys := b.opts.NumKeys
	if b.opts.MaxOps > 0 && b.opts.MaxOps < keys {
		keys = b.opts.MaxOps
	}

	for round := 0; round < 3; round++ {
		for i := 0; i < keys; i++ {
			if _, err := b.r.Put(ctx, []byte(fmt.Sprintf("key-%010d", i)), b.value); err != nil {
				return BenchmarkResult{}, err
			}
		}
		if err := b.e.Flush(ctx); err != nil {
			return BenchmarkResult{}, err
		}
	}
	before := len(b.e.Generations(b.r.UUID()))

	start := time.Now()
	if _, err := b.e.TriggerCompaction(ctx); err != nil {
		return BenchmarkResult{}, err
	}
	elapsed := time.Since(start)

	res := b.result("Compaction", 3*keys, elapsed)
	res.BytesWritten = int64(3*keys) * int64(b.opts.ValueSize)
	res.Generations = fmt.Sprintf("%d->%d", before, len(b.e.Generations(b.r.UUID())))
	return res, nil
}
