package replication

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/KevoDB/indy/pkg/common/log"
	"github.com/KevoDB/indy/pkg/fileservice"
	"github.com/KevoDB/indy/pkg/stats"
	"github.com/KevoDB/indy/pkg/volume"
)

// SourceOptions configure a Source
type SourceOptions struct {
	// ChunkSize is the uncompressed size of each streamed chunk
	ChunkSize int

	Logger  log.Logger
	Metrics Metrics
	Stats   stats.Collector
}

// Source serves registered generations of a local volume
type Source struct {
	vol     *volume.Volume
	files   fileservice.Service
	comp    *CompressionManager
	chunk   int
	logger  log.Logger
	metrics Metrics
	stats   stats.Collector
}

// NewSource creates a source over vol and the catalog in files
func NewSource(vol *volume.Volume, files fileservice.Service, opts SourceOptions) (*Source, error) {
	comp, err := NewCompressionManager()
	if err != nil {
		return nil, err
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoopMetrics()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewAtomicCollector()
	}
	return &Source{
		vol:     vol,
		files:   files,
		comp:    comp,
		chunk:   opts.ChunkSize,
		logger:  log.ForComponent(opts.Logger, "replication").WithField("role", "source"),
		metrics: opts.Metrics,
		stats:   opts.Stats,
	}, nil
}

// Register adds the file sync service to s
func (src *Source) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&fileSyncServiceDesc, src)
}

// Close releases the compressor
func (src *Source) Close() error {
	return src.comp.Close()
}

// Describe returns the catalog record of a generation
func (src *Source) Describe(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	fileID, genID, err := parseFileKey(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	obj, ok := src.files.FindFile(fileID, genID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "generation %s/%d is not registered", fileID, genID)
	}
	return wrapperspb.Bytes(fileservice.MarshalFileObj(obj)), nil
}

// Pull streams the range named by a descriptor. The range must lie within a
// registered generation.
func (src *Source) Pull(req *wrapperspb.BytesValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	start := time.Now()
	d, err := unmarshalDescriptor(req.GetValue())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := src.check(d); err != nil {
		src.logger.Warn("refusing pull of %s: %v", d, err)
		return err
	}

	ctx := stream.Context()
	buf := make([]byte, src.chunk)
	var sent int64
	chunks := 0
	for pos := int64(0); pos < d.Length; {
		if err := ctx.Err(); err != nil {
			return status.FromContextError(err).Err()
		}
		n := int(min(int64(len(buf)), d.Length-pos))
		if err := src.vol.ReadAt(d.StartingBlockID, d.StartingBlockOffset+pos, buf[:n]); err != nil {
			src.metrics.RecordPull(ctx, d.Length, chunks, time.Since(start), err)
			return status.Errorf(codes.Internal, "reading %s at %d: %v", d, pos, err)
		}
		out, err := src.comp.Compress(buf[:n], d.Codec)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if err := stream.Send(wrapperspb.Bytes(out)); err != nil {
			return err
		}
		pos += int64(n)
		sent += int64(len(out))
		chunks++
	}

	src.stats.TrackBytes(false, uint64(d.Length))
	src.metrics.RecordPull(ctx, d.Length, chunks, time.Since(start), nil)
	src.logger.Debug("served %s in %d chunks (%d bytes on the wire, %s)", d, chunks, sent, d.Codec)
	return nil
}

func (src *Source) check(d Descriptor) error {
	obj, ok := src.files.FindFile(d.FileID, d.GenID)
	if !ok {
		return status.Errorf(codes.NotFound, "generation %s/%d is not registered", d.FileID, d.GenID)
	}
	if d.Codec > CodecSnappy {
		return status.Errorf(codes.InvalidArgument, "%v: %v", ErrUnknownCodec, d.Codec)
	}
	begin := int64(d.StartingBlockID)*int64(src.vol.BlockSize()) + d.StartingBlockOffset
	first := int64(obj.StartingBlockID)*int64(src.vol.BlockSize()) + obj.StartingBlockOffset
	if d.Length <= 0 || d.StartingBlockOffset < 0 || begin < first || begin+d.Length > first+obj.FileSize {
		return status.Errorf(codes.OutOfRange, "range %s outside generation of %d bytes", d, obj.FileSize)
	}
	return nil
}
