package block

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"
)

// TrailerSize is the size of the checksum that ends every frame
const TrailerSize = 8

// ErrCorrupt is returned when a frame or block fails validation
var ErrCorrupt = errors.New("corrupt block")

// EncodeFrame compresses raw with snappy and appends an xxhash of the
// compressed bytes.
func EncodeFrame(raw []byte) []byte {
	out := snappy.Encode(nil, raw)
	return binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out))
}

// DecodeFrame verifies and decompresses a frame produced by EncodeFrame
func DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < TrailerSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrCorrupt, len(frame))
	}
	body := frame[:len(frame)-TrailerSize]
	want := binary.LittleEndian.Uint64(frame[len(body):])
	if got := xxhash.Sum64(body); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch: expected %x, got %x", ErrCorrupt, want, got)
	}
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return raw, nil
}
