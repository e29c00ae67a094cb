package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/KevoDB/indy/pkg/replication"
)

// RegisterFileSync serves this engine's generations to peers on s
func (e *Engine) RegisterFileSync(s grpc.ServiceRegistrar) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.srcMu.Lock()
	defer e.srcMu.Unlock()
	if e.source == nil {
		src, err := replication.NewSource(e.vol, e.files, replication.SourceOptions{
			Logger:  e.logger,
			Metrics: replication.NewMetrics(e.tel),
			Stats:   e.stats,
		})
		if err != nil {
			return err
		}
		e.source = src
	}
	e.source.Register(s)
	return nil
}

// NewDestination creates a destination that pulls generations from the
// peer behind conn into this engine
func (e *Engine) NewDestination(conn grpc.ClientConnInterface, codec replication.Codec) (*replication.Destination, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return replication.NewDestination(conn, e.vol, e.files, replication.DestinationOptions{
		Codec:   codec,
		Logger:  e.logger,
		Metrics: replication.NewMetrics(e.tel),
		Stats:   e.stats,
	})
}

// SyncFile pulls the listed generations of fileID through dst. A repo
// synced this way is opened with OpenRepo once every generation arrived.
func (e *Engine) SyncFile(ctx context.Context, dst *replication.Destination, fileID uuid.UUID, gens []uint64) error {
	for _, gen := range gens {
		if _, err := dst.Sync(ctx, fileID, gen); err != nil {
			return fmt.Errorf("syncing %s/%d: %w", fileID, gen, err)
		}
	}
	return nil
}
