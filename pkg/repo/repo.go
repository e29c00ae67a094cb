// Package repo implements a versioned key-value store over a stack of data
// layers. Writes go to an active memory layer; Flush moves memory layers into
// a disk generation (or, for memory-only repos, merges them) and Compact
// merges disk generations. Readers work on views: refcounted snapshots of the
// layer set together with the sequence window they may see.
package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/common/log"
	"github.com/KevoDB/indy/pkg/compaction"
	"github.com/KevoDB/indy/pkg/fiber"
	"github.com/KevoDB/indy/pkg/fileservice"
	"github.com/KevoDB/indy/pkg/layer"
	"github.com/KevoDB/indy/pkg/memtable"
	"github.com/KevoDB/indy/pkg/sequence"
	"github.com/KevoDB/indy/pkg/sstable"
	"github.com/KevoDB/indy/pkg/stats"
	"github.com/KevoDB/indy/pkg/volume"
)

// Kind selects how a repo persists its memory layers
type Kind int

const (
	// Safe repos flush memory layers to disk generations
	Safe Kind = iota
	// Fast repos stay in memory; a flush merges memory layers into one
	Fast
)

func (k Kind) String() string {
	switch k {
	case Safe:
		return "safe"
	case Fast:
		return "fast"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrClosed is returned by operations on a closed repo
	ErrClosed = errors.New("repo is closed")
	// ErrExists is returned by New when the catalog already holds generations for the id
	ErrExists = errors.New("repo already has generations, use Open")
	// ErrMissingDeps is returned when a Safe repo is created without a volume or file service
	ErrMissingDeps = errors.New("safe repo needs a volume and a file service")
	// ErrViewClosed is returned when walking a closed view
	ErrViewClosed = errors.New("view is closed")
)

// Deps are the shared services a repo runs on
type Deps struct {
	// Volume stores disk generations. Required for Safe repos.
	Volume *volume.Volume
	// Files catalogs disk generations. Required for Safe repos.
	Files fileservice.Service
	// Alloc backs memory layer bytes with pool blocks when set
	Alloc memtable.Allocator
	// Runners opens disk sub-walkers in parallel when set
	Runners *fiber.RunnerPool

	Logger  log.Logger
	Metrics Metrics
	Stats   stats.Collector
}

// Options tune a repo
type Options struct {
	Comparator layer.Comparator

	// FlushThreshold is the memory layer size in bytes at which ShouldFlush
	// reports true. Zero disables size-based flushing.
	FlushThreshold int64

	// DataBlockSize is the target size of generation data blocks
	DataBlockSize int

	// MergeFanIn is the minimum number of same-class generations merged
	// together
	MergeFanIn int

	// Strategy overrides the generation grouping strategy
	Strategy compaction.Strategy
}

// Repo is a versioned key-value store
type Repo struct {
	id       uuid.UUID
	kind     Kind
	deps     Deps
	opts     Options
	cmp      layer.Comparator
	clock    *sequence.Clock
	strategy compaction.Strategy
	logger   log.Logger
	metrics  Metrics
	stats    stats.Collector

	// mu guards current and orders writes against view creation
	mu      sync.RWMutex
	current *mapping

	// refMu guards mapping reference counts
	refMu sync.Mutex

	// maintMu admits one flush or compaction at a time; only holders of it
	// change the set of layers
	maintMu sync.Mutex

	nextGen   atomic.Uint64
	horizon   atomic.Uint64
	openViews atomic.Int64
	closed    atomic.Bool
}

// New creates an empty repo
func New(id uuid.UUID, kind Kind, deps Deps, opts Options) (*Repo, error) {
	r, err := newRepo(id, kind, deps, opts)
	if err != nil {
		return nil, err
	}
	if kind == Safe {
		var gens []uint64
		deps.Files.AppendFileGenSet(id, &gens)
		if len(gens) > 0 {
			return nil, fmt.Errorf("repo %s: %w", id, ErrExists)
		}
	}
	r.current = newMapping([]layer.DataLayer{r.newMemLayer()})
	r.logger.Info("created %s repo", kind)
	return r, nil
}

// Open rebuilds a Safe repo from the generations its file service holds
// and restores the sequence clock past the newest of them
func Open(id uuid.UUID, deps Deps, opts Options) (*Repo, error) {
	r, err := newRepo(id, Safe, deps, opts)
	if err != nil {
		return nil, err
	}
	start := r.stats.StartRecovery()

	var gens []uint64
	deps.Files.AppendFileGenSet(id, &gens)

	var disk []layer.DataLayer
	var keys, maxGen, maxSeq uint64
	for _, gen := range gens {
		obj, ok := deps.Files.FindFile(id, gen)
		if !ok || obj.Kind != fileservice.DataFile {
			continue
		}
		p := sstable.Placement{
			StartBlock:  obj.StartingBlockID,
			StartOffset: obj.StartingBlockOffset,
			Size:        obj.FileSize,
		}
		if err := sstable.Reserve(deps.Volume, p); err != nil {
			return nil, fmt.Errorf("repo %s: reserving generation %d: %w", id, gen, err)
		}
		rd, err := sstable.Open(deps.Volume, p, r.cmp)
		if err != nil {
			return nil, fmt.Errorf("repo %s: opening generation %d: %w", id, gen, err)
		}
		disk = append(disk, sstable.NewLayer(gen, rd, r.destroyGeneration(gen, p)))
		keys += obj.NumKeys
		if gen > maxGen {
			maxGen = gen
		}
		if obj.HighestSeq > maxSeq {
			maxSeq = obj.HighestSeq
		}
	}

	sort.SliceStable(disk, func(i, j int) bool {
		return disk[i].GetHighestSeq() > disk[j].GetHighestSeq()
	})
	r.clock.Observe(maxSeq)
	r.nextGen.Store(maxGen)

	layers := append([]layer.DataLayer{r.newMemLayer()}, disk...)
	r.current = newMapping(layers)

	r.stats.FinishRecovery(start, uint64(len(disk)), keys)
	r.logger.Info("opened repo with %d generations, sequence at %d", len(disk), maxSeq)
	return r, nil
}

func newRepo(id uuid.UUID, kind Kind, deps Deps, opts Options) (*Repo, error) {
	if kind == Safe && (deps.Volume == nil || deps.Files == nil) {
		return nil, ErrMissingDeps
	}
	if opts.Comparator == nil {
		opts.Comparator = layer.Bytewise
	}
	if opts.DataBlockSize <= 0 {
		opts.DataBlockSize = sstable.DefaultBlockSize
	}
	if opts.MergeFanIn < 2 {
		opts.MergeFanIn = 3
	}
	if opts.Strategy == nil {
		opts.Strategy = compaction.NewGenerationStrategy(opts.MergeFanIn)
	}
	if deps.Metrics == nil {
		deps.Metrics = NewNoopMetrics()
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewAtomicCollector()
	}

	return &Repo{
		id:       id,
		kind:     kind,
		deps:     deps,
		opts:     opts,
		cmp:      opts.Comparator,
		clock:    sequence.NewClock(sequence.None),
		strategy: opts.Strategy,
		logger:   log.ForComponent(deps.Logger, "repo").WithField("repo", id.String()),
		metrics:  deps.Metrics,
		stats:    deps.Stats,
	}, nil
}

// ID returns the repo id
func (r *Repo) ID() string { return r.id.String() }

// UUID returns the repo id, which is also its file id in the catalog
func (r *Repo) UUID() uuid.UUID { return r.id }

// Kind returns whether the repo is Safe or Fast
func (r *Repo) Kind() Kind { return r.kind }

// Clock returns the repo's sequence clock
func (r *Repo) Clock() *sequence.Clock { return r.clock }

// SetHistoryHorizon sets the sequence number at or below which compaction
// may drop shadowed versions. Zero retains all history.
func (r *Repo) SetHistoryHorizon(seq uint64) {
	r.horizon.Store(seq)
}

// HistoryHorizon returns the current history horizon
func (r *Repo) HistoryHorizon() uint64 { return r.horizon.Load() }

// GetPotentialLayers returns the layers of the current mapping, newest first
func (r *Repo) GetPotentialLayers() []layer.DataLayer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil
	}
	return append([]layer.DataLayer(nil), r.current.layers...)
}

// Close flushes a Safe repo and drops its layers. Memory layers are
// released; disk generations stay in the catalog.
func (r *Repo) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.maintMu.Lock()
	defer r.maintMu.Unlock()

	var err error
	if r.kind == Safe {
		err = r.flushLocked(ctx)
	}
	if n := r.openViews.Load(); n > 0 {
		r.logger.Warn("closing with %d views still open", n)
	}

	r.mu.Lock()
	m := r.current
	r.current = nil
	r.mu.Unlock()

	for _, l := range m.layers {
		if l.Kind() == layer.KindMemory {
			l.MarkForDelete()
		}
	}
	r.releaseMapping(m)

	if cerr := r.metrics.Close(); err == nil {
		err = cerr
	}
	r.logger.Info("closed repo")
	return err
}

func (r *Repo) newMemLayer() *memtable.Layer {
	gen := r.nextGen.Add(1)
	opts := []memtable.Option{
		memtable.WithComparator(r.cmp),
		memtable.WithLogger(r.logger),
	}
	if r.deps.Alloc != nil {
		opts = append(opts, memtable.WithAllocator(r.deps.Alloc))
	}
	return memtable.New(gen, opts...)
}

// activeLayer returns the memory layer taking writes. Callers hold mu.
func (r *Repo) activeLayer() *memtable.Layer {
	return r.current.layers[0].(*memtable.Layer)
}
