// Package durable keeps small, expiring objects keyed by uuid. Saves land
// in an in-memory slush layer; a periodic writer moves it into an id-ordered
// disk generation and a periodic merger folds generations together, dropping
// superseded, deleted and expired versions.
package durable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/common/log"
	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/compaction"
	"github.com/KevoDB/indy/pkg/fiber"
	"github.com/KevoDB/indy/pkg/fileservice"
	"github.com/KevoDB/indy/pkg/layer"
	"github.com/KevoDB/indy/pkg/memtable"
	"github.com/KevoDB/indy/pkg/pool"
	"github.com/KevoDB/indy/pkg/sequence"
	"github.com/KevoDB/indy/pkg/sstable"
	"github.com/KevoDB/indy/pkg/stats"
	"github.com/KevoDB/indy/pkg/volume"
)

// FileID is the catalog file id every durable generation is registered under
var FileID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("indy:durable"))

var (
	// ErrClosed is returned by operations on a shut down manager
	ErrClosed = errors.New("durable manager is closed")
	// ErrMissingDeps is returned when the manager has no volume or file service
	ErrMissingDeps = errors.New("durable manager needs a volume and a file service")
	// ErrEmptyValue is returned when saving an empty object
	ErrEmptyValue = errors.New("durable object has no value")
	// ErrNotOpen is returned by Close for an object that is not open
	ErrNotOpen = errors.New("durable object is not open")
)

// Deps are the shared services the manager runs on
type Deps struct {
	Volume  *volume.Volume
	Files   fileservice.Service
	Alloc   memtable.Allocator
	Runners *fiber.RunnerPool

	Logger  log.Logger
	Metrics Metrics
	Stats   stats.Collector
}

// Options tune the manager
type Options struct {
	// WriteDelay and MergeDelay are the periods of the background writer
	// and merger started by Start
	WriteDelay time.Duration
	MergeDelay time.Duration

	// MappingBlocks is the number of objects that can be open at once and
	// MappingBlockSize the largest value cached for an open object
	MappingBlocks    int
	MappingBlockSize int

	DataBlockSize int
	MergeFanIn    int

	// Notify, when set, is told what each merge did with every version
	Notify func(id uuid.UUID, seq uint64, outcome compaction.Outcome)

	// Now replaces time.Now for deadline checks
	Now func() time.Time
}

// Manager owns the durable object store
type Manager struct {
	deps     Deps
	opts     Options
	clock    *sequence.Clock
	strategy compaction.Strategy
	logger   log.Logger
	metrics  Metrics
	stats    stats.Collector

	// dataMu orders saves against the writer's slush swap
	dataMu sync.Mutex
	slush  *memtable.Layer

	// mapMu guards the current mapping, mapping refcounts, the open table
	// and the entry pool
	mapMu   sync.Mutex
	current *mapping
	open    map[uuid.UUID]*openEntry
	entries *pool.LocklessPool

	// maintMu admits one writer or merger run at a time
	maintMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextGen atomic.Uint64
	closed  atomic.Bool
}

// New creates a manager and loads every durable generation the file
// service already holds
func New(deps Deps, opts Options) (*Manager, error) {
	if deps.Volume == nil || deps.Files == nil {
		return nil, ErrMissingDeps
	}
	if opts.WriteDelay <= 0 {
		opts.WriteDelay = 2 * time.Second
	}
	if opts.MergeDelay <= 0 {
		opts.MergeDelay = 10 * time.Second
	}
	if opts.MappingBlocks <= 0 {
		opts.MappingBlocks = 256
	}
	if opts.MappingBlockSize <= 0 {
		opts.MappingBlockSize = 512
	}
	if opts.DataBlockSize <= 0 {
		opts.DataBlockSize = sstable.DefaultBlockSize
	}
	if opts.MergeFanIn < 2 {
		opts.MergeFanIn = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = NewNoopMetrics()
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewAtomicCollector()
	}

	logger := log.ForComponent(deps.Logger, "durable")
	entries, err := pool.NewLockless(opts.MappingBlockSize, pool.WithName("durable-mapping"), pool.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := entries.Init(opts.MappingBlocks); err != nil {
		return nil, err
	}

	m := &Manager{
		deps:     deps,
		opts:     opts,
		clock:    sequence.NewClock(sequence.None),
		strategy: compaction.NewGenerationStrategy(opts.MergeFanIn),
		logger:   logger,
		metrics:  deps.Metrics,
		stats:    deps.Stats,
		open:     make(map[uuid.UUID]*openEntry),
		entries:  entries,
	}
	disk, err := m.load()
	if err != nil {
		entries.Close()
		return nil, err
	}
	m.current = newMapping(disk)
	m.slush = m.newSlush()
	return m, nil
}

// load opens every registered durable generation, newest first
func (m *Manager) load() ([]layer.DataLayer, error) {
	start := m.stats.StartRecovery()

	var gens []uint64
	m.deps.Files.AppendFileGenSet(FileID, &gens)

	var disk []layer.DataLayer
	var keys, maxGen, maxSeq uint64
	for _, gen := range gens {
		obj, ok := m.deps.Files.FindFile(FileID, gen)
		if !ok || obj.Kind != fileservice.DurableFile {
			continue
		}
		p := sstable.Placement{
			StartBlock:  obj.StartingBlockID,
			StartOffset: obj.StartingBlockOffset,
			Size:        obj.FileSize,
		}
		if err := sstable.Reserve(m.deps.Volume, p); err != nil {
			return nil, fmt.Errorf("reserving durable generation %d: %w", gen, err)
		}
		rd, err := sstable.Open(m.deps.Volume, p, layer.Bytewise)
		if err != nil {
			return nil, fmt.Errorf("opening durable generation %d: %w", gen, err)
		}
		disk = append(disk, sstable.NewLayer(gen, rd, m.destroyGeneration(gen, p)))
		keys += obj.NumKeys
		maxGen = max(maxGen, gen)
		maxSeq = max(maxSeq, obj.HighestSeq)
	}

	sort.SliceStable(disk, func(i, j int) bool {
		return disk[i].GetHighestSeq() > disk[j].GetHighestSeq()
	})
	m.clock.Observe(maxSeq)
	m.nextGen.Store(maxGen)

	m.stats.FinishRecovery(start, uint64(len(disk)), keys)
	if len(disk) > 0 {
		m.logger.Info("loaded %d durable generations, sequence at %d", len(disk), maxSeq)
	}
	return disk, nil
}

func (m *Manager) newSlush() *memtable.Layer {
	opts := []memtable.Option{memtable.WithLogger(m.logger)}
	if m.deps.Alloc != nil {
		opts = append(opts, memtable.WithAllocator(m.deps.Alloc))
	}
	return memtable.New(m.nextGen.Add(1), opts...)
}

// Save stores a new version of id. A zero deadline with a positive ttl
// expires the version ttl from now.
func (m *Manager) Save(ctx context.Context, id uuid.UUID, deadline time.Time, ttl time.Duration, serialized []byte) (uint64, error) {
	if len(serialized) == 0 {
		return 0, ErrEmptyValue
	}
	if deadline.IsZero() && ttl > 0 {
		deadline = m.opts.Now().Add(ttl)
	}
	rec := Record{ID: id, Deadline: deadline, TTL: ttl, Value: serialized}
	seq, err := m.append(id, walker.Put(encodeRecord(deadline, ttl, serialized)), rec)
	if err != nil {
		return 0, err
	}
	m.stats.TrackBytes(true, uint64(len(serialized)))
	m.metrics.RecordSave(ctx, "save", len(serialized))
	return seq, nil
}

// Delete stores a tombstone for id
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) (uint64, error) {
	seq, err := m.append(id, walker.Delete(), Record{ID: id})
	if err != nil {
		return 0, err
	}
	m.metrics.RecordSave(ctx, "delete", 0)
	return seq, nil
}

func (m *Manager) append(id uuid.UUID, op walker.Op, rec Record) (uint64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	start := time.Now()

	item := walker.Item{Key: id[:], Op: op}
	var res *memtable.Reservation
	for {
		m.dataMu.Lock()
		if m.slush == nil {
			m.dataMu.Unlock()
			res.Cancel()
			return 0, ErrClosed
		}
		m.slush.Fill(res)
		n := m.slush.Shortfall(item)
		if n == 0 {
			break
		}
		slush := m.slush
		m.dataMu.Unlock()

		var err error
		if res, err = slush.Reserve(n); err != nil {
			return 0, err
		}
	}
	rec.Seq = m.clock.Next()
	item.Seq = rec.Seq
	err := m.slush.Apply(item)
	if err == nil {
		m.remember(rec, op.IsTombstone())
	}
	m.dataMu.Unlock()
	if err != nil {
		return 0, err
	}

	m.stats.TrackOperationWithLatency(stats.OpDurableSave, uint64(time.Since(start).Nanoseconds()))
	return rec.Seq, nil
}

// TryLoad returns the newest version of id unless it was deleted or its
// deadline has passed
func (m *Manager) TryLoad(ctx context.Context, id uuid.UUID) (Record, bool, error) {
	if m.closed.Load() {
		return Record{}, false, ErrClosed
	}
	start := time.Now()
	now := m.opts.Now()

	rec, deleted, hit := m.cached(id)
	source := "cache"
	if !hit {
		source = "layers"
		item, found, err := m.findNewest(id)
		if err != nil {
			m.stats.TrackError("durable_load")
			return Record{}, false, err
		}
		if !found {
			m.finishLoad(ctx, start, "missing")
			return Record{}, false, nil
		}
		deleted = item.Op.IsTombstone()
		if deleted {
			rec = Record{ID: id, Seq: item.Seq}
		} else if rec, err = decodeRecord(item); err != nil {
			m.stats.TrackError("durable_load")
			return Record{}, false, err
		}
		m.remember(rec, deleted)
	}

	switch {
	case deleted:
		m.finishLoad(ctx, start, "deleted")
		return Record{}, false, nil
	case rec.Expired(now):
		m.finishLoad(ctx, start, "expired")
		return Record{}, false, nil
	}
	m.stats.TrackBytes(false, uint64(len(rec.Value)))
	m.finishLoad(ctx, start, source)
	return rec, true, nil
}

func (m *Manager) finishLoad(ctx context.Context, start time.Time, result string) {
	elapsed := time.Since(start)
	m.stats.TrackOperationWithLatency(stats.OpDurableLoad, uint64(elapsed.Nanoseconds()))
	m.metrics.RecordLoad(ctx, result, elapsed)
}

// CanLoad reports whether TryLoad would find a live version of id
func (m *Manager) CanLoad(ctx context.Context, id uuid.UUID) (bool, error) {
	_, ok, err := m.TryLoad(ctx, id)
	return ok, err
}

// findNewest returns the highest-sequence version of id across the slush
// layer and the current mapping
func (m *Manager) findNewest(id uuid.UUID) (walker.Item, bool, error) {
	m.dataMu.Lock()
	slush := m.slush
	if slush == nil {
		m.dataMu.Unlock()
		return walker.Item{}, false, ErrClosed
	}
	slush.Acquire()
	mp := m.acquireCurrent()
	m.dataMu.Unlock()
	defer slush.Release()
	if mp == nil {
		return walker.Item{}, false, ErrClosed
	}
	defer m.releaseMapping(mp)

	var best walker.Item
	found := false
	layers := append([]layer.DataLayer{slush}, mp.layers...)
	for _, l := range layers {
		if found && l.GetHighestSeq() <= best.Seq {
			continue
		}
		w := l.NewPresentWalker(id[:])
		if w.Valid() && (!found || w.Item().Seq > best.Seq) {
			best = walker.Clone(w.Item())
			found = true
		}
		err := w.Err()
		w.Close()
		if err != nil {
			return walker.Item{}, false, err
		}
	}
	return best, found, nil
}

// Shutdown stops the background workers, writes the slush layer out and
// releases every layer. Disk generations stay in the catalog.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.maintMu.Lock()
	defer m.maintMu.Unlock()
	err := m.runWriterLocked(ctx)

	m.dataMu.Lock()
	slush := m.slush
	m.slush = nil
	m.dataMu.Unlock()
	slush.MarkForDelete()

	m.mapMu.Lock()
	mp := m.current
	m.current = nil
	if n := len(m.open); n > 0 {
		m.logger.Warn("shutting down with %d objects still open", n)
	}
	for id, e := range m.open {
		m.entries.Free(e.block)
		delete(m.open, id)
	}
	m.mapMu.Unlock()

	for _, l := range mp.layers {
		if l.Kind() == layer.KindMemory {
			l.MarkForDelete()
		}
	}
	m.releaseMapping(mp)

	if cerr := m.entries.Close(); err == nil {
		err = cerr
	}
	if cerr := m.metrics.Close(); err == nil {
		err = cerr
	}
	m.logger.Info("durable manager shut down")
	return err
}

// Layers returns the layers of the current mapping, newest first
func (m *Manager) Layers() []layer.DataLayer {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	if m.current == nil {
		return nil
	}
	return append([]layer.DataLayer(nil), m.current.layers...)
}

// Clock returns the manager's sequence clock
func (m *Manager) Clock() *sequence.Clock { return m.clock }

func (m *Manager) isExpired(item walker.Item) bool {
	if item.Op.IsTombstone() {
		return false
	}
	deadline, err := decodeDeadline(item.Op.Value)
	if err != nil || deadline.IsZero() {
		return false
	}
	return !m.opts.Now().Before(deadline)
}
