package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/KevoDB/indy/pkg/common/log"
	"github.com/KevoDB/indy/pkg/fileservice"
	"github.com/KevoDB/indy/pkg/layer"
	"github.com/KevoDB/indy/pkg/sstable"
	"github.com/KevoDB/indy/pkg/stats"
	"github.com/KevoDB/indy/pkg/volume"
)

var (
	// ErrNotFound is returned when the source does not hold the generation
	ErrNotFound = errors.New("generation not found at source")
	// ErrShortRange is returned when the stream ends before the whole range arrived
	ErrShortRange = errors.New("source sent fewer bytes than requested")
)

// DestinationOptions configure a Destination
type DestinationOptions struct {
	Codec Codec

	Logger  log.Logger
	Metrics Metrics
	Stats   stats.Collector
}

// Destination copies generations from a Source into a local volume
type Destination struct {
	conn    grpc.ClientConnInterface
	vol     *volume.Volume
	files   fileservice.Service
	comp    *CompressionManager
	codec   Codec
	logger  log.Logger
	metrics Metrics
	stats   stats.Collector
}

// NewDestination creates a destination pulling over conn into vol and files
func NewDestination(conn grpc.ClientConnInterface, vol *volume.Volume, files fileservice.Service, opts DestinationOptions) (*Destination, error) {
	comp, err := NewCompressionManager()
	if err != nil {
		return nil, err
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoopMetrics()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewAtomicCollector()
	}
	return &Destination{
		conn:    conn,
		vol:     vol,
		files:   files,
		comp:    comp,
		codec:   opts.Codec,
		logger:  log.ForComponent(opts.Logger, "replication").WithField("role", "destination"),
		metrics: opts.Metrics,
		stats:   opts.Stats,
	}, nil
}

// Close releases the compressor
func (d *Destination) Close() error {
	return d.comp.Close()
}

// Describe fetches the source's catalog record of a generation
func (d *Destination) Describe(ctx context.Context, fileID uuid.UUID, genID uint64) (fileservice.FileObj, error) {
	out := new(wrapperspb.BytesValue)
	if err := d.conn.Invoke(ctx, describeMethod, wrapperspb.Bytes(fileKey(fileID, genID)), out); err != nil {
		if status.Code(err) == codes.NotFound {
			return fileservice.FileObj{}, fmt.Errorf("%s/%d: %w", fileID, genID, ErrNotFound)
		}
		return fileservice.FileObj{}, err
	}
	return fileservice.UnmarshalFileObj(out.GetValue())
}

// Sync copies a generation into freshly allocated local blocks, checks it
// and registers it with the local file service. A generation that is
// already registered locally is left alone.
func (d *Destination) Sync(ctx context.Context, fileID uuid.UUID, genID uint64) (fileservice.FileObj, error) {
	if obj, ok := d.files.FindFile(fileID, genID); ok {
		return obj, nil
	}
	start := time.Now()

	remote, err := d.Describe(ctx, fileID, genID)
	if err != nil {
		return fileservice.FileObj{}, err
	}
	p, err := d.pull(ctx, DescriptorFor(fileID, remote, d.codec))
	if err != nil {
		d.metrics.RecordSync(ctx, 0, time.Since(start), err)
		d.stats.TrackError("file_sync")
		return fileservice.FileObj{}, err
	}

	local := remote
	local.StartingBlockID = p.StartBlock
	local.StartingBlockOffset = p.StartOffset
	if err := fileservice.AddSyncedFile(ctx, d.files, fileID, local); err != nil {
		if ferr := sstable.Free(d.vol, p); ferr != nil {
			d.logger.Error("freeing blocks of unregistered generation %s/%d: %v", fileID, genID, ferr)
		}
		d.metrics.RecordSync(ctx, 0, time.Since(start), err)
		return fileservice.FileObj{}, fmt.Errorf("registering %s/%d: %w", fileID, genID, err)
	}

	elapsed := time.Since(start)
	d.stats.TrackOperationWithLatency(stats.OpFileSync, uint64(elapsed.Nanoseconds()))
	d.metrics.RecordSync(ctx, local.FileSize, elapsed, nil)
	d.logger.Info("synced %s/%d (%d bytes) into block %d in %s", fileID, genID, local.FileSize, p.StartBlock, elapsed)
	return local, nil
}

// pull streams a range into a new run of local blocks and verifies it as a
// generation. The blocks are freed on any failure.
func (d *Destination) pull(ctx context.Context, desc Descriptor) (p sstable.Placement, err error) {
	n := d.vol.BlocksFor(desc.Length)
	startBlock, err := d.vol.AllocRun(n)
	if err != nil {
		return sstable.Placement{}, err
	}
	p = sstable.Placement{StartBlock: startBlock, Size: desc.Length}
	defer func() {
		if err == nil {
			return
		}
		if ferr := d.vol.FreeRun(startBlock, n); ferr != nil {
			d.logger.Error("freeing blocks after failed pull of %s: %v", desc, ferr)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cs, err := d.conn.NewStream(ctx, &fileSyncServiceDesc.Streams[0], pullMethod)
	if err != nil {
		return p, err
	}
	stream := &grpc.GenericClientStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ClientStream: cs}
	if err := stream.SendMsg(wrapperspb.Bytes(desc.marshal())); err != nil {
		return p, err
	}
	if err := stream.CloseSend(); err != nil {
		return p, err
	}

	var pos int64
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return p, fmt.Errorf("%s: %w", desc, ErrNotFound)
			}
			return p, err
		}
		chunk, err := d.comp.Decompress(msg.GetValue(), desc.Codec)
		if err != nil {
			return p, err
		}
		if pos+int64(len(chunk)) > desc.Length {
			return p, fmt.Errorf("source sent more than the %d bytes of %s", desc.Length, desc)
		}
		if err := d.vol.WriteAt(startBlock, pos, chunk); err != nil {
			return p, err
		}
		pos += int64(len(chunk))
	}
	if pos != desc.Length {
		return p, fmt.Errorf("%s: got %d bytes: %w", desc, pos, ErrShortRange)
	}
	if err := d.vol.Sync(); err != nil {
		return p, err
	}

	rd, err := sstable.Open(d.vol, p, layer.Bytewise)
	if err != nil {
		return p, err
	}
	if err := rd.Verify(); err != nil {
		return p, err
	}
	return p, nil
}
