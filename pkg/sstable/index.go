package sstable

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/spaolacci/murmur3"

	"github.com/KevoDB/indy/pkg/sstable/footer"
)

// keyRange is one key-range index entry: the first and last key of a data
// block and where the block lives.
type keyRange struct {
	first  []byte
	last   []byte
	handle footer.Handle
}

func encodeKeyIndex(ranges []keyRange) []byte {
	var b []byte
	for _, r := range ranges {
		b = binary.AppendUvarint(b, uint64(len(r.first)))
		b = append(b, r.first...)
		b = binary.AppendUvarint(b, uint64(len(r.last)))
		b = append(b, r.last...)
		b = binary.LittleEndian.AppendUint64(b, r.handle.Offset)
		b = binary.LittleEndian.AppendUint32(b, r.handle.Size)
	}
	return b
}

func decodeKeyIndex(raw []byte, count int) ([]keyRange, error) {
	ranges := make([]keyRange, 0, count)
	pos := 0
	readKey := func() ([]byte, error) {
		n, w := binary.Uvarint(raw[pos:])
		if w <= 0 || pos+w+int(n) > len(raw) {
			return nil, fmt.Errorf("%w: key index entry overruns region", ErrCorrupt)
		}
		pos += w
		key := raw[pos : pos+int(n) : pos+int(n)]
		pos += int(n)
		return key, nil
	}
	for pos < len(raw) {
		first, err := readKey()
		if err != nil {
			return nil, err
		}
		last, err := readKey()
		if err != nil {
			return nil, err
		}
		if pos+12 > len(raw) {
			return nil, fmt.Errorf("%w: truncated key index handle", ErrCorrupt)
		}
		h := footer.Handle{
			Offset: binary.LittleEndian.Uint64(raw[pos:]),
			Size:   binary.LittleEndian.Uint32(raw[pos+8:]),
		}
		pos += 12
		ranges = append(ranges, keyRange{first: first, last: last, handle: h})
	}
	if len(ranges) != count {
		return nil, fmt.Errorf("%w: key index has %d blocks, footer says %d", ErrCorrupt, len(ranges), count)
	}
	return ranges, nil
}

// seqRecord points from a sequence number to one entry of a data block
type seqRecord struct {
	seq   uint64
	block uint32
	entry uint32
}

const seqRecordSize = 16

func encodeSeqIndex(recs []seqRecord) []byte {
	b := make([]byte, 0, len(recs)*seqRecordSize)
	for _, r := range recs {
		b = binary.LittleEndian.AppendUint64(b, r.seq)
		b = binary.LittleEndian.AppendUint32(b, r.block)
		b = binary.LittleEndian.AppendUint32(b, r.entry)
	}
	return b
}

func decodeSeqIndex(raw []byte, numEntries uint64) ([]seqRecord, error) {
	if uint64(len(raw)) != numEntries*seqRecordSize {
		return nil, fmt.Errorf("%w: seq index of %d bytes for %d entries", ErrCorrupt, len(raw), numEntries)
	}
	recs := make([]seqRecord, numEntries)
	for i := range recs {
		off := i * seqRecordSize
		recs[i] = seqRecord{
			seq:   binary.LittleEndian.Uint64(raw[off:]),
			block: binary.LittleEndian.Uint32(raw[off+8:]),
			entry: binary.LittleEndian.Uint32(raw[off+12:]),
		}
	}
	return recs, nil
}

// hashIndex is an open-addressing table from key hash to the first data
// block holding the key. Slots with block == emptySlot are unused.
type hashIndex struct {
	hashes []uint64
	blocks []uint32
	mask   uint64
}

const (
	emptySlot    = math.MaxUint32
	hashSlotSize = 12
)

func hashKey(key []byte) uint64 {
	h := murmur3.Sum64(key)
	if h == 0 {
		h = 1
	}
	return h
}

func newHashIndex(numKeys int) *hashIndex {
	capacity := 8
	if want := 2 * numKeys; want > capacity {
		capacity = 1 << bits.Len(uint(want-1))
	}
	h := &hashIndex{
		hashes: make([]uint64, capacity),
		blocks: make([]uint32, capacity),
		mask:   uint64(capacity - 1),
	}
	for i := range h.blocks {
		h.blocks[i] = emptySlot
	}
	return h
}

func (h *hashIndex) insert(hash uint64, blk uint32) {
	for i := hash & h.mask; ; i = (i + 1) & h.mask {
		if h.blocks[i] == emptySlot {
			h.hashes[i] = hash
			h.blocks[i] = blk
			return
		}
	}
}

// candidates returns the blocks that may hold key, in ascending order
func (h *hashIndex) candidates(key []byte) []uint32 {
	hash := hashKey(key)
	var out []uint32
	for i := hash & h.mask; h.blocks[i] != emptySlot; i = (i + 1) & h.mask {
		if h.hashes[i] == hash {
			out = append(out, h.blocks[i])
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// numKeys counts occupied slots
func (h *hashIndex) numKeys() int {
	n := 0
	for _, b := range h.blocks {
		if b != emptySlot {
			n++
		}
	}
	return n
}

func (h *hashIndex) encode() []byte {
	b := make([]byte, 0, 4+len(h.blocks)*hashSlotSize)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(h.blocks)))
	for i := range h.blocks {
		b = binary.LittleEndian.AppendUint64(b, h.hashes[i])
		b = binary.LittleEndian.AppendUint32(b, h.blocks[i])
	}
	return b
}

func decodeHashIndex(raw []byte) (*hashIndex, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: hash index too short", ErrCorrupt)
	}
	capacity := int(binary.LittleEndian.Uint32(raw))
	if capacity == 0 || capacity&(capacity-1) != 0 || len(raw) != 4+capacity*hashSlotSize {
		return nil, fmt.Errorf("%w: hash index capacity %d in %d bytes", ErrCorrupt, capacity, len(raw))
	}
	h := &hashIndex{
		hashes: make([]uint64, capacity),
		blocks: make([]uint32, capacity),
		mask:   uint64(capacity - 1),
	}
	free := 0
	for i := 0; i < capacity; i++ {
		off := 4 + i*hashSlotSize
		h.hashes[i] = binary.LittleEndian.Uint64(raw[off:])
		h.blocks[i] = binary.LittleEndian.Uint32(raw[off+8:])
		if h.blocks[i] == emptySlot {
			free++
		}
	}
	if free == 0 {
		return nil, fmt.Errorf("%w: hash index has no free slot", ErrCorrupt)
	}
	return h, nil
}
