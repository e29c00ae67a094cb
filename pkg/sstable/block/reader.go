package block

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/KevoDB/indy/pkg/common/walker"
	"github.com/KevoDB/indy/pkg/layer"
)

// Reader decodes a block. Items it returns reference the decompressed
// block, which is never reused.
type Reader struct {
	data     []byte
	restarts []uint32
}

// NewReader verifies and decompresses a block frame
func NewReader(frame []byte) (*Reader, error) {
	raw, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: block of %d bytes", ErrCorrupt, len(raw))
	}
	n := int(binary.LittleEndian.Uint32(raw[len(raw)-4:]))
	end := len(raw) - 4 - 4*n
	if n == 0 || end < 0 {
		return nil, fmt.Errorf("%w: %d restart points in %d bytes", ErrCorrupt, n, len(raw))
	}
	restarts := make([]uint32, n)
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(raw[end+4*i:])
		if int(restarts[i]) >= end {
			return nil, fmt.Errorf("%w: restart point %d beyond data", ErrCorrupt, restarts[i])
		}
	}
	return &Reader{data: raw[:end], restarts: restarts}, nil
}

// NumRestarts returns the number of restart points
func (r *Reader) NumRestarts() int {
	return len(r.restarts)
}

// decodeFrom decodes every entry from the restart point at idx onwards
func (r *Reader) decodeFrom(idx int) ([]walker.Item, error) {
	var items []walker.Item
	var prevKey []byte
	pos := int(r.restarts[idx])

	for pos < len(r.data) {
		var fields [5]uint64
		for i := 0; i < 3; i++ {
			v, n := binary.Uvarint(r.data[pos:])
			if n <= 0 {
				return nil, fmt.Errorf("%w: bad varint at %d", ErrCorrupt, pos)
			}
			fields[i] = v
			pos += n
		}
		if pos >= len(r.data) {
			return nil, fmt.Errorf("%w: truncated entry", ErrCorrupt)
		}
		fields[3] = uint64(r.data[pos])
		pos++
		v, n := binary.Uvarint(r.data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad value length at %d", ErrCorrupt, pos)
		}
		fields[4] = v
		pos += n

		shared, unshared, seq, kind, valueLen := int(fields[0]), int(fields[1]), fields[2], walker.OpKind(fields[3]), int(fields[4])
		if shared > len(prevKey) || pos+unshared+valueLen > len(r.data) {
			return nil, fmt.Errorf("%w: entry overruns block", ErrCorrupt)
		}
		if kind != walker.OpPut && kind != walker.OpDelete {
			return nil, fmt.Errorf("%w: unknown op kind %d", ErrCorrupt, kind)
		}

		key := make([]byte, 0, shared+unshared)
		key = append(key, prevKey[:shared]...)
		key = append(key, r.data[pos:pos+unshared]...)
		pos += unshared

		op := walker.Op{Kind: kind}
		if kind == walker.OpPut {
			op.Value = r.data[pos : pos+valueLen : pos+valueLen]
		}
		pos += valueLen

		items = append(items, walker.Item{Seq: seq, Key: key, Op: op})
		prevKey = key
	}
	return items, nil
}

// Items decodes every entry in the block
func (r *Reader) Items() ([]walker.Item, error) {
	return r.decodeFrom(0)
}

// restartKey decodes the full key stored at restart point idx
func (r *Reader) restartKey(idx int) ([]byte, error) {
	pos := int(r.restarts[idx])
	shared, n := binary.Uvarint(r.data[pos:])
	if n <= 0 || shared != 0 {
		return nil, fmt.Errorf("%w: bad restart entry", ErrCorrupt)
	}
	pos += n
	unshared, n := binary.Uvarint(r.data[pos:])
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad restart entry", ErrCorrupt)
	}
	pos += n
	for i := 0; i < 3; i++ {
		if i == 1 {
			pos++ // kind byte
			continue
		}
		_, n = binary.Uvarint(r.data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad restart entry", ErrCorrupt)
		}
		pos += n
	}
	if pos+int(unshared) > len(r.data) {
		return nil, fmt.Errorf("%w: restart key overruns block", ErrCorrupt)
	}
	return r.data[pos : pos+int(unshared)], nil
}

// Seek returns the entries whose key is >= target, in block order
func (r *Reader) Seek(target []byte, cmp layer.Comparator) ([]walker.Item, error) {
	// Find the last restart whose key is strictly below target, so that
	// every version of target is decoded.
	var ferr error
	idx := sort.Search(len(r.restarts), func(i int) bool {
		k, err := r.restartKey(i)
		if err != nil {
			ferr = err
			return true
		}
		return cmp.Compare(k, target) >= 0
	})
	if ferr != nil {
		return nil, ferr
	}
	if idx > 0 {
		idx--
	}

	items, err := r.decodeFrom(idx)
	if err != nil {
		return nil, err
	}
	start := sort.Search(len(items), func(i int) bool { return cmp.Compare(items[i].Key, target) >= 0 })
	return items[start:], nil
}
