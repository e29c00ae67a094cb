// Package engine wires the shared services of an Indy instance together:
// the block pool, the volume and its catalog, the fiber runners, the
// durable object store and a registry of open repos kept in shape by a
// background flush and compaction coordinator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/common/log"
	"github.com/KevoDB/indy/pkg/compaction"
	"github.com/KevoDB/indy/pkg/config"
	"github.com/KevoDB/indy/pkg/durable"
	"github.com/KevoDB/indy/pkg/fiber"
	"github.com/KevoDB/indy/pkg/fileservice"
	"github.com/KevoDB/indy/pkg/pool"
	"github.com/KevoDB/indy/pkg/replication"
	"github.com/KevoDB/indy/pkg/repo"
	"github.com/KevoDB/indy/pkg/sstable"
	"github.com/KevoDB/indy/pkg/stats"
	"github.com/KevoDB/indy/pkg/telemetry"
	"github.com/KevoDB/indy/pkg/volume"
)

// Engine owns the services every repo of an instance shares
type Engine struct {
	cfg     *config.Config
	logger  log.Logger
	tel     telemetry.Telemetry
	metrics EngineMetrics
	stats   *stats.AtomicCollector

	pool    *pool.Pool
	vol     *volume.Volume
	files   fileservice.Service
	runners *fiber.RunnerPool
	durable *durable.Manager
	coord   *compaction.Coordinator

	// mu guards the repo registry
	mu    sync.RWMutex
	repos map[uuid.UUID]*repo.Repo

	srcMu  sync.Mutex
	source *replication.Source

	cancel  context.CancelFunc
	started time.Time
	closed  atomic.Bool
}

// OpenDir opens the engine stored in dataDir, writing a default
// configuration manifest on first use
func OpenDir(dataDir string) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg, err := config.LoadConfigFromManifest(dataDir)
	if err != nil {
		if !errors.Is(err, config.ErrManifestNotFound) {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = config.NewDefaultConfig(dataDir)
		if err := cfg.SaveManifest(dataDir); err != nil {
			return nil, fmt.Errorf("failed to save configuration: %w", err)
		}
	}
	return Open(cfg)
}

// Open starts an engine for cfg. Generations already in the catalog keep
// their volume blocks; repos are opened on demand with OpenRepo.
func Open(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	tcfg := cfg.Telemetry
	tcfg.LoadFromEnv()
	tel, err := telemetry.New(tcfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  log.ForComponent(nil, "engine"),
		tel:     tel,
		metrics: NewEngineMetrics(tel),
		stats:   stats.NewAtomicCollector(),
		repos:   make(map[uuid.UUID]*repo.Repo),
		started: start,
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{telemetry.ComponentPool, e.initPool},
		{telemetry.ComponentVolume, e.initVolume},
		{"fileservice", e.initFiles},
		{telemetry.ComponentFiber, e.initRunners},
		{telemetry.ComponentDurable, e.initDurable},
	}
	ctx := context.Background()
	for _, step := range steps {
		began := time.Now()
		err := step.fn()
		e.metrics.RecordComponentInitialization(ctx, step.name, time.Since(began), err == nil)
		if err != nil {
			e.logger.Error("initializing %s: %v", step.name, err)
			e.shutdown(ctx)
			return nil, fmt.Errorf("initializing %s: %w", step.name, err)
		}
	}

	e.coord = compaction.NewCoordinator(e.targets, compaction.CoordinatorOptions{
		Interval: time.Duration(cfg.FlushInterval) * time.Second,
		Logger:   e.logger,
	})
	if err := e.coord.Start(); err != nil {
		e.stats.TrackError("compaction_start_error")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.durable.Start(runCtx)

	e.metrics.RecordStartupMetrics(ctx, time.Since(start), int64(len(steps)))
	e.logger.Info("engine started in %s with %d catalogued generations", time.Since(start), e.files.GetNumFiles())
	return e, nil
}

func (e *Engine) initPool() error {
	p, err := pool.New(e.cfg.PoolBlockSize,
		pool.WithName("memtable"),
		pool.WithPin(e.cfg.PoolPin),
		pool.WithDebug(e.cfg.PoolDebug),
		pool.WithMaxRetries(e.cfg.PoolMaxRetries),
		pool.WithLogger(e.logger),
		pool.WithMetrics(pool.NewMetrics(e.tel, "memtable")),
	)
	if err != nil {
		return err
	}
	if err := p.Init(e.cfg.PoolBlockCount); err != nil {
		return err
	}
	e.pool = p
	return nil
}

func (e *Engine) initVolume() error {
	size := int64(e.cfg.VolumeBlockSize) * int64(e.cfg.VolumeNumBlocks)
	var dev volume.Device
	if e.cfg.VolumePath == "" {
		dev = volume.NewMemDevice(size)
	} else {
		if err := os.MkdirAll(filepath.Dir(e.cfg.VolumePath), 0755); err != nil {
			return fmt.Errorf("failed to create volume directory: %w", err)
		}
		fd, err := volume.OpenFileDevice(e.cfg.VolumePath, size)
		if err != nil {
			return err
		}
		dev = fd
	}

	opts := []volume.Option{
		volume.WithBlockSize(e.cfg.VolumeBlockSize),
		volume.WithLogger(e.logger),
	}
	if e.cfg.CacheBlocks > 0 {
		opts = append(opts, volume.WithCache(e.cfg.CacheBlocks, e.cfg.CacheAdmitHits))
	}
	vol, err := volume.New(dev, opts...)
	if err != nil {
		dev.Close()
		return err
	}
	e.vol = vol
	return nil
}

// initFiles opens the catalog and reserves the blocks of every generation
// in it, so that repos not yet opened keep their data
func (e *Engine) initFiles() error {
	switch e.cfg.FileService {
	case config.FileServiceBadger:
		svc, err := fileservice.OpenBadgerService(e.cfg.FileServiceDir, e.logger)
		if err != nil {
			return err
		}
		e.files = svc
	default:
		e.files = fileservice.NewMemService(e.logger)
	}

	var err error
	e.files.ForEachFile(func(fileID uuid.UUID, genID uint64, obj fileservice.FileObj) bool {
		err = sstable.Reserve(e.vol, placementOf(obj))
		if err != nil {
			err = fmt.Errorf("reserving %s/%d: %w", fileID, genID, err)
		}
		return err == nil
	})
	return err
}

func (e *Engine) initRunners() error {
	e.runners = fiber.NewRunnerPool(e.cfg.FiberRunners,
		fiber.WithFramesPerRunner(e.cfg.FiberFramesPerRunner),
		fiber.WithStackSize(e.cfg.FiberStackSize),
		fiber.WithLogger(e.logger),
	)
	return nil
}

func (e *Engine) initDurable() error {
	m, err := durable.New(durable.Deps{
		Volume:  e.vol,
		Files:   e.files,
		Alloc:   e.pool,
		Runners: e.runners,
		Logger:  e.logger,
		Metrics: durable.NewMetrics(e.tel),
		Stats:   e.stats,
	}, durable.Options{
		WriteDelay:    e.cfg.DurableWriteDelay,
		MergeDelay:    e.cfg.DurableMergeDelay,
		MappingBlocks: e.cfg.DurableMappingBlocks,
		DataBlockSize: e.cfg.DataBlockSize,
		MergeFanIn:    e.cfg.MergeFanIn,
	})
	if err != nil {
		return err
	}
	e.durable = m
	return nil
}

// Close stops background work, closes every open repo and shuts the
// shared services down
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.shutdown(context.Background())
}

func (e *Engine) shutdown(ctx context.Context) error {
	var errs []error
	if e.coord != nil {
		errs = append(errs, e.coord.Stop())
	}
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	repos := e.repos
	e.repos = make(map[uuid.UUID]*repo.Repo)
	e.mu.Unlock()
	for id, r := range repos {
		if err := r.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing repo %s: %w", id, err))
		}
	}

	if e.durable != nil {
		errs = append(errs, e.durable.Shutdown(ctx))
	}
	e.srcMu.Lock()
	if e.source != nil {
		errs = append(errs, e.source.Close())
	}
	e.srcMu.Unlock()
	if e.runners != nil {
		e.runners.ShutDown()
		errs = append(errs, e.runners.Wait())
	}
	if e.files != nil {
		errs = append(errs, e.files.Close())
	}
	if e.vol != nil {
		errs = append(errs, e.vol.Close())
	}
	if e.pool != nil {
		errs = append(errs, e.pool.Close())
	}
	errs = append(errs, e.metrics.Close(), e.tel.Shutdown(ctx))

	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error("engine shut down with errors: %v", err)
	} else {
		e.logger.Info("engine shut down after %s", time.Since(e.started))
	}
	return err
}

// Config returns the engine configuration
func (e *Engine) Config() *config.Config { return e.cfg }

// Durable returns the durable object store
func (e *Engine) Durable() *durable.Manager { return e.durable }

// Volume returns the shared volume
func (e *Engine) Volume() *volume.Volume { return e.vol }

// Files returns the generation catalog
func (e *Engine) Files() fileservice.Service { return e.files }

// Runners returns the fiber runner pool
func (e *Engine) Runners() *fiber.RunnerPool { return e.runners }

// GetStats returns operation counters merged with resource levels
func (e *Engine) GetStats() map[string]interface{} {
	e.stats.SetGauge("pool_blocks_used", uint64(e.pool.GetNumBlocksUsed()))
	e.stats.SetGauge("volume_blocks_used", uint64(e.vol.NumUsed()))
	e.stats.SetGauge("volume_blocks_cached", uint64(e.vol.CachedBlocks()))
	e.stats.SetGauge("catalog_generations", uint64(e.files.GetNumFiles()))
	e.stats.SetGauge("durable_objects_open", uint64(e.durable.NumOpen()))

	ctx := context.Background()
	e.metrics.RecordMemoryUsage(ctx, telemetry.ComponentPool, int64(e.pool.GetNumBlocksUsed())*int64(e.pool.GetBlockSize()))
	e.metrics.RecordDiskUsage(ctx, telemetry.ComponentVolume, int64(e.vol.NumUsed())*int64(e.vol.BlockSize()))

	out := e.stats.GetStats()
	e.mu.RLock()
	out["repos_open"] = len(e.repos)
	e.mu.RUnlock()
	out["compaction"] = e.coord.GetCompactionStats()
	out["uptime_seconds"] = int64(time.Since(e.started).Seconds())
	return out
}

func placementOf(obj fileservice.FileObj) sstable.Placement {
	return sstable.Placement{
		StartBlock:  obj.StartingBlockID,
		StartOffset: obj.StartingBlockOffset,
		Size:        obj.FileSize,
	}
}
