package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/config"
	"github.com/KevoDB/indy/pkg/repo"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig(t.TempDir())
	cfg.PoolBlockCount = 256
	cfg.PoolPin = false
	cfg.VolumePath = ""
	cfg.VolumeBlockSize = 4096
	cfg.VolumeNumBlocks = 512
	cfg.CacheBlocks = 16
	cfg.DataBlockSize = 512
	cfg.FlushInterval = 3600
	cfg.DurableWriteDelay = time.Hour
	cfg.DurableMergeDelay = time.Hour
	cfg.FileService = config.FileServiceMemory
	cfg.FiberRunners = 2
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func mustPut(t *testing.T, r *repo.Repo, key, value string) {
	t.Helper()
	if _, err := r.Put(context.Background(), []byte(key), []byte(value)); err != nil {
		t.Fatalf("Put(%s): %v", key, err)
	}
}

func mustGet(t *testing.T, r *repo.Repo, key, want string) {
	t.Helper()
	got, ok, err := r.Get(context.Background(), []byte(key), 0)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	if !ok || string(got) != want {
		t.Fatalf("Get(%s) = %q (found=%v), want %q", key, got, ok, want)
	}
}

func TestRepoRegistry(t *testing.T) {
	e := openEngine(t, testConfig(t))
	defer e.Close()
	ctx := context.Background()
	id := RepoID("accounts")

	r, err := e.CreateRepo(id, repo.Safe)
	if err != nil {
		t.Fatalf("CreateRepo: %v", err)
	}
	mustPut(t, r, "alice", "10")
	mustPut(t, r, "bob", "20")

	if _, err := e.CreateRepo(id, repo.Safe); !errors.Is(err, ErrRepoAlreadyOpen) {
		t.Fatalf("expected ErrRepoAlreadyOpen, got %v", err)
	}
	if got, err := e.Repo(id); err != nil || got != r {
		t.Fatalf("Repo(%s) = %v, %v", id, got, err)
	}

	if err := e.CloseRepo(ctx, id); err != nil {
		t.Fatalf("CloseRepo: %v", err)
	}
	if _, err := e.Repo(id); !errors.Is(err, ErrRepoNotOpen) {
		t.Fatalf("expected ErrRepoNotOpen after close, got %v", err)
	}
	if err := e.CloseRepo(ctx, id); !errors.Is(err, ErrRepoNotOpen) {
		t.Fatalf("expected ErrRepoNotOpen closing twice, got %v", err)
	}
	if len(e.Generations(id)) != 1 {
		t.Fatalf("expected close to flush one generation, got %v", e.Generations(id))
	}
	if _, err := e.CreateRepo(id, repo.Safe); !errors.Is(err, repo.ErrExists) {
		t.Fatalf("expected repo.ErrExists creating over generations, got %v", err)
	}

	r, err = e.OpenOrCreateRepo(id)
	if err != nil {
		t.Fatalf("OpenOrCreateRepo: %v", err)
	}
	mustGet(t, r, "alice", "10")
	mustGet(t, r, "bob", "20")
}

func TestRepoIDIsStable(t *testing.T) {
	if RepoID("a") != RepoID("a") {
		t.Error("RepoID is not deterministic")
	}
	if RepoID("a") == RepoID("b") {
		t.Error("distinct names share a repo id")
	}
}

func TestFlushAndCompaction(t *testing.T) {
	e := openEngine(t, testConfig(t))
	defer e.Close()
	ctx := context.Background()
	id := uuid.New()

	r, err := e.CreateRepo(id, repo.Safe)
	if err != nil {
		t.Fatalf("CreateRepo: %v", err)
	}
	for round := 0; round < 3; round++ {
		for i := 0; i < 10; i++ {
			mustPut(t, r, fmt.Sprintf("key-%02d", i), fmt.Sprintf("v%d", round))
		}
		if err := e.Flush(ctx); err != nil {
			t.Fatalf("Flush %d: %v", round, err)
		}
	}
	if n := len(e.Generations(id)); n != 3 {
		t.Fatalf("expected 3 generations before compaction, got %d", n)
	}

	if _, err := e.TriggerCompaction(ctx); err != nil {
		t.Fatalf("TriggerCompaction: %v", err)
	}
	if n := len(e.Generations(id)); n != 1 {
		t.Fatalf("expected 1 generation after compaction, got %d", n)
	}
	for i := 0; i < 10; i++ {
		mustGet(t, r, fmt.Sprintf("key-%02d", i), "v2")
	}

	cs, err := e.GetCompactionStats()
	if err != nil {
		t.Fatalf("GetCompactionStats: %v", err)
	}
	if cs["merges"].(uint64) != 1 {
		t.Errorf("expected one merge in coordinator stats, got %v", cs["merges"])
	}
}

func TestDurableObjectsThroughEngine(t *testing.T) {
	e := openEngine(t, testConfig(t))
	defer e.Close()
	ctx := context.Background()
	id := uuid.New()

	if _, err := e.Save(ctx, id, time.Time{}, 0, []byte("state-1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rec, ok, err := e.Load(ctx, id)
	if err != nil || !ok || string(rec.Value) != "state-1" {
		t.Fatalf("Load = %q, %v, %v", rec.Value, ok, err)
	}

	if _, err := e.DeleteObject(ctx, id); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if _, ok, err := e.Load(ctx, id); err != nil || ok {
		t.Fatalf("expected deleted object to be missing, got ok=%v err=%v", ok, err)
	}
}

func TestReopenWithBadgerCatalog(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.FileService = config.FileServiceBadger
	cfg.FileServiceDir = filepath.Join(dir, "catalog")
	cfg.VolumePath = filepath.Join(dir, "volume.dat")
	ctx := context.Background()
	id := RepoID("orders")
	obj := uuid.New()

	e := openEngine(t, cfg)
	r, err := e.OpenOrCreateRepo(id)
	if err != nil {
		t.Fatalf("OpenOrCreateRepo: %v", err)
	}
	mustPut(t, r, "o-1", "pending")
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	mustPut(t, r, "o-1", "shipped")
	if _, err := e.Save(ctx, obj, time.Time{}, 0, []byte("cursor=42")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	used := e.Volume().NumUsed()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := e.Repo(id); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}

	e = openEngine(t, cfg)
	defer e.Close()
	if got := e.Volume().NumUsed(); got < used {
		t.Errorf("reopened volume reserves %d blocks, had %d before close", got, used)
	}
	r, err = e.OpenOrCreateRepo(id)
	if err != nil {
		t.Fatalf("reopen repo: %v", err)
	}
	mustGet(t, r, "o-1", "shipped")

	rec, ok, err := e.Load(ctx, obj)
	if err != nil || !ok || string(rec.Value) != "cursor=42" {
		t.Fatalf("Load after reopen = %q, %v, %v", rec.Value, ok, err)
	}
}

func TestGetStats(t *testing.T) {
	e := openEngine(t, testConfig(t))
	defer e.Close()
	ctx := context.Background()

	r, err := e.CreateRepo(uuid.New(), repo.Fast)
	if err != nil {
		t.Fatalf("CreateRepo: %v", err)
	}
	mustPut(t, r, "k", "v")
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	st := e.GetStats()
	if st["repos_open"] != 1 {
		t.Errorf("repos_open = %v", st["repos_open"])
	}
	if st["put_ops"].(uint64) != 1 {
		t.Errorf("put_ops = %v", st["put_ops"])
	}
	if _, ok := st["compaction"].(map[string]interface{}); !ok {
		t.Errorf("missing compaction stats: %v", st["compaction"])
	}
	if _, ok := st["pool_blocks_used"]; !ok {
		t.Error("missing pool gauge")
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MergeFanIn = 1
	if _, err := Open(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestClosedEngine(t *testing.T) {
	e := openEngine(t, testConfig(t))
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	ctx := context.Background()
	if _, err := e.CreateRepo(uuid.New(), repo.Safe); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("CreateRepo: %v", err)
	}
	if _, err := e.Save(ctx, uuid.New(), time.Time{}, 0, []byte("x")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Save: %v", err)
	}
	if err := e.Flush(ctx); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Flush: %v", err)
	}
}
