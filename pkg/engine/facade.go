package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/durable"
	"github.com/KevoDB/indy/pkg/repo"
	"github.com/KevoDB/indy/pkg/telemetry"
)

// RepoID derives a stable repo id from a human readable name
func RepoID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("indy:repo:"+name))
}

// CreateRepo creates an empty repo and adds it to the registry
func (e *Engine) CreateRepo(id uuid.UUID, kind repo.Kind) (*repo.Repo, error) {
	return e.register(id, "create_repo", func() (*repo.Repo, error) {
		return repo.New(id, kind, e.repoDeps(id), e.repoOptions())
	})
}

// OpenRepo rebuilds a Safe repo from its catalogued generations and adds
// it to the registry
func (e *Engine) OpenRepo(id uuid.UUID) (*repo.Repo, error) {
	return e.register(id, "open_repo", func() (*repo.Repo, error) {
		return repo.Open(id, e.repoDeps(id), e.repoOptions())
	})
}

// OpenOrCreateRepo opens a Safe repo that has generations in the catalog
// and creates one otherwise
func (e *Engine) OpenOrCreateRepo(id uuid.UUID) (*repo.Repo, error) {
	if len(e.Generations(id)) > 0 {
		return e.OpenRepo(id)
	}
	return e.CreateRepo(id, repo.Safe)
}

func (e *Engine) register(id uuid.UUID, op string, build func() (*repo.Repo, error)) (*repo.Repo, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.repos[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrRepoAlreadyOpen)
	}
	r, err := build()
	e.metrics.RecordEngineOperation(context.Background(), op, time.Since(start), err == nil)
	if err != nil {
		e.stats.TrackError(op + "_error")
		e.metrics.RecordError(context.Background(), op, telemetry.ComponentRepo)
		return nil, err
	}
	e.repos[id] = r
	return r, nil
}

// Repo returns an open repo
func (e *Engine) Repo(id uuid.UUID) (*repo.Repo, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.repos[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrRepoNotOpen)
	}
	return r, nil
}

// Repos returns every open repo
func (e *Engine) Repos() []*repo.Repo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*repo.Repo, 0, len(e.repos))
	for _, r := range e.repos {
		out = append(out, r)
	}
	return out
}

// CloseRepo flushes a repo and removes it from the registry. Its disk
// generations stay in the catalog.
func (e *Engine) CloseRepo(ctx context.Context, id uuid.UUID) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.mu.Lock()
	r, ok := e.repos[id]
	delete(e.repos, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrRepoNotOpen)
	}

	start := time.Now()
	err := r.Close(ctx)
	e.metrics.RecordEngineOperation(ctx, "close_repo", time.Since(start), err == nil)
	return err
}

// Generations returns the catalogued generation ids of a file, ascending
func (e *Engine) Generations(fileID uuid.UUID) []uint64 {
	var gens []uint64
	e.files.AppendFileGenSet(fileID, &gens)
	return gens
}

func (e *Engine) repoDeps(id uuid.UUID) repo.Deps {
	return repo.Deps{
		Volume:  e.vol,
		Files:   e.files,
		Alloc:   e.pool,
		Runners: e.runners,
		Logger:  e.logger,
		Metrics: repo.NewMetrics(e.tel, id.String()),
		Stats:   e.stats,
	}
}

func (e *Engine) repoOptions() repo.Options {
	return repo.Options{
		FlushThreshold: e.cfg.MemLayerFlushBytes,
		DataBlockSize:  e.cfg.DataBlockSize,
		MergeFanIn:     e.cfg.MergeFanIn,
	}
}

// Save stores a durable object. A zero deadline with a positive ttl expires
// the object ttl from now.
func (e *Engine) Save(ctx context.Context, id uuid.UUID, deadline time.Time, ttl time.Duration, value []byte) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	return e.durable.Save(ctx, id, deadline, ttl, value)
}

// Load returns the newest live version of a durable object
func (e *Engine) Load(ctx context.Context, id uuid.UUID) (durable.Record, bool, error) {
	if e.closed.Load() {
		return durable.Record{}, false, ErrEngineClosed
	}
	return e.durable.TryLoad(ctx, id)
}

// DeleteObject removes a durable object
func (e *Engine) DeleteObject(ctx context.Context, id uuid.UUID) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	return e.durable.Delete(ctx, id)
}
