// Package footer encodes the fixed-size trailer of a disk generation.
package footer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// FooterSize is the fixed size of the footer in bytes
	FooterSize = 100
	// FooterMagic is a magic number to verify we're reading a valid footer
	FooterMagic = uint64(0x1D1E5A7ED0C0FFEE)
	// CurrentVersion is the current generation format version
	CurrentVersion = uint32(1)
)

// ErrInvalidFooter is returned when a footer fails validation
var ErrInvalidFooter = errors.New("invalid generation footer")

// Handle locates a region relative to the start of the generation
type Handle struct {
	Offset uint64
	Size   uint32
}

// Footer describes the regions and bounds of one generation
type Footer struct {
	Magic     uint64
	Version   uint32
	Timestamp int64
	// DataSize is the length of the data block region, which starts at 0
	DataSize  uint64
	SeqIndex  Handle
	KeyIndex  Handle
	HashIndex Handle
	// NumBlocks is the number of data blocks
	NumBlocks  uint32
	NumEntries uint64
	LowestSeq  uint64
	HighestSeq uint64
	Checksum   uint64
}

// New creates a footer for the current version
func New() *Footer {
	return &Footer{
		Magic:     FooterMagic,
		Version:   CurrentVersion,
		Timestamp: time.Now().UnixNano(),
	}
}

// Encode serializes the footer
func (f *Footer) Encode() []byte {
	b := make([]byte, 0, FooterSize)
	b = binary.LittleEndian.AppendUint64(b, f.Magic)
	b = binary.LittleEndian.AppendUint32(b, f.Version)
	b = binary.LittleEndian.AppendUint64(b, uint64(f.Timestamp))
	b = binary.LittleEndian.AppendUint64(b, f.DataSize)
	for _, h := range []Handle{f.SeqIndex, f.KeyIndex, f.HashIndex} {
		b = binary.LittleEndian.AppendUint64(b, h.Offset)
		b = binary.LittleEndian.AppendUint32(b, h.Size)
	}
	b = binary.LittleEndian.AppendUint32(b, f.NumBlocks)
	b = binary.LittleEndian.AppendUint64(b, f.NumEntries)
	b = binary.LittleEndian.AppendUint64(b, f.LowestSeq)
	b = binary.LittleEndian.AppendUint64(b, f.HighestSeq)

	f.Checksum = xxhash.Sum64(b)
	return binary.LittleEndian.AppendUint64(b, f.Checksum)
}

// Decode parses and validates a footer
func Decode(data []byte) (*Footer, error) {
	if len(data) != FooterSize {
		return nil, fmt.Errorf("%w: %d bytes, expected %d", ErrInvalidFooter, len(data), FooterSize)
	}

	le := binary.LittleEndian
	f := &Footer{
		Magic:     le.Uint64(data[0:8]),
		Version:   le.Uint32(data[8:12]),
		Timestamp: int64(le.Uint64(data[12:20])),
		DataSize:  le.Uint64(data[20:28]),
	}
	pos := 28
	for _, h := range []*Handle{&f.SeqIndex, &f.KeyIndex, &f.HashIndex} {
		h.Offset = le.Uint64(data[pos:])
		h.Size = le.Uint32(data[pos+8:])
		pos += 12
	}
	f.NumBlocks = le.Uint32(data[pos:])
	f.NumEntries = le.Uint64(data[pos+4:])
	f.LowestSeq = le.Uint64(data[pos+12:])
	f.HighestSeq = le.Uint64(data[pos+20:])
	f.Checksum = le.Uint64(data[pos+28:])

	if f.Magic != FooterMagic {
		return nil, fmt.Errorf("%w: magic %x, expected %x", ErrInvalidFooter, f.Magic, FooterMagic)
	}
	if f.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFooter, f.Version)
	}
	if want := xxhash.Sum64(data[:FooterSize-8]); f.Checksum != want {
		return nil, fmt.Errorf("%w: checksum mismatch: footer has %x, calculated %x", ErrInvalidFooter, f.Checksum, want)
	}
	return f, nil
}
