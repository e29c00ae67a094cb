package sstable

import (
	"fmt"
	"sort"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
	"github.com/KevoDB/indy/pkg/sstable/block"
	"github.com/KevoDB/indy/pkg/sstable/footer"
	"github.com/KevoDB/indy/pkg/volume"
)

// WriterOptions configures a generation writer
type WriterOptions struct {
	Comparator layer.Comparator
	BlockSize  int
}

// Writer builds one generation in memory. Entries must be added in present
// order: key ascending, then sequence number descending.
type Writer struct {
	cmp       layer.Comparator
	blockSize int
	builder   *block.Builder

	data     []byte
	ranges   []keyRange
	firstKey []byte
	seqs     []seqRecord
	keyHash  []uint64
	keyBlock []uint32
	prevKey  []byte
	prevSeq  uint64

	numEntries uint64
	lowest     uint64
	highest    uint64
	finished   bool
}

// NewWriter creates a generation writer
func NewWriter(opts WriterOptions) *Writer {
	if opts.Comparator == nil {
		opts.Comparator = layer.Bytewise
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	return &Writer{
		cmp:       opts.Comparator,
		blockSize: opts.BlockSize,
		builder:   block.NewBuilder(opts.Comparator),
	}
}

// Add appends an entry to the generation
func (w *Writer) Add(item walker.Item) error {
	if w.finished {
		return fmt.Errorf("writer already finished")
	}
	// The builder checks order within a block; the first entry of a block
	// is checked against the last entry written.
	if w.builder.Entries() == 0 && w.numEntries > 0 {
		c := w.cmp.Compare(item.Key, w.prevKey)
		if c < 0 || (c == 0 && item.Seq >= w.prevSeq) {
			return fmt.Errorf("entries out of order: %q@%d after %q@%d", item.Key, item.Seq, w.prevKey, w.prevSeq)
		}
	}
	if err := w.builder.Add(item); err != nil {
		return err
	}

	blk := uint32(len(w.ranges))
	if w.builder.Entries() == 1 {
		w.firstKey = append([]byte(nil), item.Key...)
	}
	if w.numEntries == 0 || w.cmp.Compare(item.Key, w.prevKey) != 0 {
		w.keyHash = append(w.keyHash, hashKey(item.Key))
		w.keyBlock = append(w.keyBlock, blk)
	}
	w.prevKey = append(w.prevKey[:0], item.Key...)
	w.prevSeq = item.Seq
	w.seqs = append(w.seqs, seqRecord{seq: item.Seq, block: blk, entry: uint32(w.builder.Entries() - 1)})

	if w.numEntries == 0 || item.Seq < w.lowest {
		w.lowest = item.Seq
	}
	if item.Seq > w.highest {
		w.highest = item.Seq
	}
	w.numEntries++

	if w.builder.EstimatedSize() >= w.blockSize {
		w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() {
	if w.builder.Entries() == 0 {
		return
	}
	last := append([]byte(nil), w.builder.LastKey()...)
	frame := w.builder.Finish()
	w.ranges = append(w.ranges, keyRange{
		first:  w.firstKey,
		last:   last,
		handle: footer.Handle{Offset: uint64(len(w.data)), Size: uint32(len(frame))},
	})
	w.data = append(w.data, frame...)
	w.firstKey = nil
}

// Finish completes the generation and returns its bytes
func (w *Writer) Finish() ([]byte, Stats, error) {
	if w.finished {
		return nil, Stats{}, fmt.Errorf("writer already finished")
	}
	w.finished = true
	w.flushBlock()
	if w.numEntries == 0 {
		return nil, Stats{}, ErrEmpty
	}

	// Entries were recorded in key order, so a stable sort yields
	// (seq, key) order.
	sort.SliceStable(w.seqs, func(i, j int) bool { return w.seqs[i].seq < w.seqs[j].seq })

	hash := newHashIndex(len(w.keyHash))
	for i, h := range w.keyHash {
		hash.insert(h, w.keyBlock[i])
	}

	out := w.data
	f := footer.New()
	f.DataSize = uint64(len(out))
	appendRegion := func(raw []byte) footer.Handle {
		frame := block.EncodeFrame(raw)
		h := footer.Handle{Offset: uint64(len(out)), Size: uint32(len(frame))}
		out = append(out, frame...)
		return h
	}
	f.SeqIndex = appendRegion(encodeSeqIndex(w.seqs))
	f.KeyIndex = appendRegion(encodeKeyIndex(w.ranges))
	f.HashIndex = appendRegion(hash.encode())
	f.NumBlocks = uint32(len(w.ranges))
	f.NumEntries = w.numEntries
	f.LowestSeq = w.lowest
	f.HighestSeq = w.highest
	out = append(out, f.Encode()...)

	return out, Stats{
		NumEntries: w.numEntries,
		NumKeys:    uint64(len(w.keyHash)),
		NumBlocks:  len(w.ranges),
		LowestSeq:  w.lowest,
		HighestSeq: w.highest,
	}, nil
}

// Build drains a present walker into a finished generation. The walker is
// closed.
func Build(src walker.Walker, opts WriterOptions) ([]byte, Stats, error) {
	defer src.Close()

	w := NewWriter(opts)
	for ; src.Valid(); src.Next() {
		if err := w.Add(src.Item()); err != nil {
			return nil, Stats{}, err
		}
	}
	if err := src.Err(); err != nil {
		return nil, Stats{}, err
	}
	return w.Finish()
}

// Store writes a finished generation into a freshly allocated run of
// volume blocks. The run is freed again if the write fails.
func Store(vol *volume.Volume, data []byte) (Placement, error) {
	n := vol.BlocksFor(int64(len(data)))
	start, err := vol.AllocRun(n)
	if err != nil {
		return Placement{}, err
	}
	if err := vol.WriteAt(start, 0, data); err != nil {
		if ferr := vol.FreeRun(start, n); ferr != nil {
			return Placement{}, fmt.Errorf("%w (freeing run: %v)", err, ferr)
		}
		return Placement{}, err
	}
	return Placement{StartBlock: start, Size: int64(len(data))}, nil
}

// Free releases the blocks holding a generation
func Free(vol *volume.Volume, p Placement) error {
	return vol.FreeRun(p.StartBlock, vol.BlocksFor(p.StartOffset+p.Size))
}

// Reserve marks the blocks of a recovered generation as used so the
// allocator never hands them out again
func Reserve(vol *volume.Volume, p Placement) error {
	return vol.MarkUsed(p.StartBlock, vol.BlocksFor(p.StartOffset+p.Size))
}
