package sstable

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
	"github.com/KevoDB/indy/pkg/sstable/block"
	"github.com/KevoDB/indy/pkg/sstable/footer"
	"github.com/KevoDB/indy/pkg/volume"
)

// Reader reads a stored generation. The key-range and hash indexes are
// loaded on open; the sequence index is loaded by the first update walk.
type Reader struct {
	vol    *volume.Volume
	place  Placement
	cmp    layer.Comparator
	footer *footer.Footer
	ranges []keyRange
	hash   *hashIndex

	seqOnce sync.Once
	seqs    []seqRecord
	seqErr  error
}

// Open reads the footer and indexes of the generation at p
func Open(vol *volume.Volume, p Placement, cmp layer.Comparator) (*Reader, error) {
	if cmp == nil {
		cmp = layer.Bytewise
	}
	if p.Size < footer.FooterSize {
		return nil, fmt.Errorf("%w: generation of %d bytes is smaller than its footer", ErrCorrupt, p.Size)
	}

	r := &Reader{vol: vol, place: p, cmp: cmp}
	buf := make([]byte, footer.FooterSize)
	if err := vol.ReadAt(p.StartBlock, p.StartOffset+p.Size-footer.FooterSize, buf); err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}
	f, err := footer.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	r.footer = f

	raw, err := r.readRegion(f.KeyIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to read key index: %w", err)
	}
	if r.ranges, err = decodeKeyIndex(raw, int(f.NumBlocks)); err != nil {
		return nil, err
	}

	raw, err = r.readRegion(f.HashIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to read hash index: %w", err)
	}
	if r.hash, err = decodeHashIndex(raw); err != nil {
		return nil, err
	}
	return r, nil
}

// readRegion reads and verifies one framed region
func (r *Reader) readRegion(h footer.Handle) ([]byte, error) {
	if h.Offset+uint64(h.Size) > uint64(r.place.Size) {
		return nil, fmt.Errorf("%w: region [%d, +%d) beyond generation of %d bytes", ErrCorrupt, h.Offset, h.Size, r.place.Size)
	}
	frame := make([]byte, h.Size)
	if err := r.vol.ReadAt(r.place.StartBlock, r.place.StartOffset+int64(h.Offset), frame); err != nil {
		return nil, err
	}
	raw, err := block.DecodeFrame(frame)
	if err != nil {
		return nil, wrapCorrupt(err)
	}
	return raw, nil
}

func wrapCorrupt(err error) error {
	if errors.Is(err, block.ErrCorrupt) {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}

// loadBlock reads and decompresses data block i
func (r *Reader) loadBlock(i int) (*block.Reader, error) {
	h := r.ranges[i].handle
	if h.Offset+uint64(h.Size) > r.footer.DataSize {
		return nil, fmt.Errorf("%w: data block %d beyond data region", ErrCorrupt, i)
	}
	frame := make([]byte, h.Size)
	if err := r.vol.ReadAt(r.place.StartBlock, r.place.StartOffset+int64(h.Offset), frame); err != nil {
		return nil, err
	}
	br, err := block.NewReader(frame)
	if err != nil {
		return nil, wrapCorrupt(err)
	}
	return br, nil
}

// seqIndex returns the sequence index, loading it on first use
func (r *Reader) seqIndex() ([]seqRecord, error) {
	r.seqOnce.Do(func() {
		raw, err := r.readRegion(r.footer.SeqIndex)
		if err != nil {
			r.seqErr = fmt.Errorf("failed to read sequence index: %w", err)
			return
		}
		r.seqs, r.seqErr = decodeSeqIndex(raw, r.footer.NumEntries)
	})
	return r.seqs, r.seqErr
}

// firstBlockFor returns the first block whose last key is >= key
func (r *Reader) firstBlockFor(key []byte) int {
	return sort.Search(len(r.ranges), func(i int) bool {
		return r.cmp.Compare(r.ranges[i].last, key) >= 0
	})
}

// Get returns the newest entry for key with seq <= ceiling
func (r *Reader) Get(key []byte, ceiling uint64) (walker.Item, bool, error) {
	for _, blk := range r.hash.candidates(key) {
		if int(blk) >= len(r.ranges) {
			return walker.Item{}, false, fmt.Errorf("%w: hash index names block %d of %d", ErrCorrupt, blk, len(r.ranges))
		}
		for i := int(blk); i < len(r.ranges); i++ {
			br, err := r.loadBlock(i)
			if err != nil {
				return walker.Item{}, false, err
			}
			items, err := br.Seek(key, r.cmp)
			if err != nil {
				return walker.Item{}, false, wrapCorrupt(err)
			}
			matched := false
			for _, it := range items {
				if r.cmp.Compare(it.Key, key) != 0 {
					break
				}
				matched = true
				if it.Seq <= ceiling {
					return it, true, nil
				}
			}
			// A key's versions may continue into the next block only if
			// this block ends with it.
			if !matched || r.cmp.Compare(r.ranges[i].last, key) != 0 {
				break
			}
		}
	}
	return walker.Item{}, false, nil
}

// Footer returns the generation footer
func (r *Reader) Footer() *footer.Footer {
	return r.footer
}

// Placement returns where the generation lives
func (r *Reader) Placement() Placement {
	return r.place
}

// NumBlocks returns the number of data blocks
func (r *Reader) NumBlocks() int {
	return len(r.ranges)
}

// NumKeys returns the number of distinct keys
func (r *Reader) NumKeys() int {
	return r.hash.numKeys()
}

// FirstKey returns the smallest key in the generation
func (r *Reader) FirstKey() []byte {
	return r.ranges[0].first
}

// LastKey returns the largest key in the generation
func (r *Reader) LastKey() []byte {
	return r.ranges[len(r.ranges)-1].last
}

// Verify decodes every data block and checks entry order and counts
func (r *Reader) Verify() error {
	var total uint64
	var prev walker.Item
	for i := range r.ranges {
		br, err := r.loadBlock(i)
		if err != nil {
			return err
		}
		items, err := br.Items()
		if err != nil {
			return wrapCorrupt(err)
		}
		for _, it := range items {
			if total > 0 {
				c := r.cmp.Compare(it.Key, prev.Key)
				if c < 0 || (c == 0 && it.Seq >= prev.Seq) {
					return fmt.Errorf("%w: block %d out of order at %q@%d", ErrCorrupt, i, it.Key, it.Seq)
				}
			}
			prev = it
			total++
		}
	}
	if total != r.footer.NumEntries {
		return fmt.Errorf("%w: %d entries, footer says %d", ErrCorrupt, total, r.footer.NumEntries)
	}
	return nil
}
