// Package block encodes the data blocks of a disk generation. A block holds
// (key, seq, op) entries ordered by key ascending then seq descending, with
// keys prefix-compressed between restart points.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
)

const (
	// DefaultSize is the target uncompressed size of a block
	DefaultSize = 16 * 1024
	// RestartInterval defines how often a full key is stored
	RestartInterval = 16
)

// Builder accumulates entries for one block
type Builder struct {
	cmp          layer.Comparator
	buf          []byte
	restarts     []uint32
	sinceRestart int
	lastKey      []byte
	lastSeq      uint64
	count        int
}

// NewBuilder creates a block builder ordering keys with cmp
func NewBuilder(cmp layer.Comparator) *Builder {
	if cmp == nil {
		cmp = layer.Bytewise
	}
	return &Builder{cmp: cmp}
}

// Add appends an entry. Entries must arrive ordered by key ascending and,
// for equal keys, by sequence number strictly descending.
func (b *Builder) Add(item walker.Item) error {
	if b.count > 0 {
		c := b.cmp.Compare(item.Key, b.lastKey)
		if c < 0 || (c == 0 && item.Seq >= b.lastSeq) {
			return fmt.Errorf("entries out of order: %q@%d after %q@%d", item.Key, item.Seq, b.lastKey, b.lastSeq)
		}
	}

	shared := 0
	if b.sinceRestart == 0 || b.sinceRestart >= RestartInterval {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.sinceRestart = 0
	} else {
		for shared < len(b.lastKey) && shared < len(item.Key) && b.lastKey[shared] == item.Key[shared] {
			shared++
		}
	}

	// Format: [shared][unshared][seq][kind][value len][unshared key bytes][value]
	b.buf = binary.AppendUvarint(b.buf, uint64(shared))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(item.Key)-shared))
	b.buf = binary.AppendUvarint(b.buf, item.Seq)
	b.buf = append(b.buf, byte(item.Op.Kind))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(item.Op.Value)))
	b.buf = append(b.buf, item.Key[shared:]...)
	b.buf = append(b.buf, item.Op.Value...)

	b.lastKey = append(b.lastKey[:0], item.Key...)
	b.lastSeq = item.Seq
	b.sinceRestart++
	b.count++
	return nil
}

// EstimatedSize returns the approximate uncompressed size of the block
func (b *Builder) EstimatedSize() int {
	return len(b.buf) + 4*len(b.restarts) + 4
}

// Entries returns the number of entries added
func (b *Builder) Entries() int {
	return b.count
}

// LastKey returns the last key added
func (b *Builder) LastKey() []byte {
	return b.lastKey
}

// Finish serializes the block into a frame and resets the builder
func (b *Builder) Finish() []byte {
	raw := b.buf
	for _, r := range b.restarts {
		raw = binary.LittleEndian.AppendUint32(raw, r)
	}
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(b.restarts)))
	frame := EncodeFrame(raw)
	b.Reset()
	return frame
}

// Reset clears the builder state
func (b *Builder) Reset() {
	b.buf = nil
	b.restarts = b.restarts[:0]
	b.sinceRestart = 0
	b.lastKey = nil
	b.lastSeq = 0
	b.count = 0
}
