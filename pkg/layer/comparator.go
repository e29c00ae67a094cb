package layer

import (
	"bytes"
	"encoding/binary"
)

// Comparator orders keys. OrderHint must agree with Compare: whenever
// OrderHint(a) < OrderHint(b), Compare(a, b) < 0. Equal hints say nothing.
type Comparator interface {
	Compare(a, b []byte) int
	OrderHint(key []byte) uint64
}

// Bytewise compares keys as raw bytes. Its hint is the first eight bytes of
// the key read big-endian and zero padded.
var Bytewise Comparator = bytewise{}

type bytewise struct{}

func (bytewise) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (bytewise) OrderHint(key []byte) uint64 {
	var buf [8]byte
	copy(buf[:], key)
	return binary.BigEndian.Uint64(buf[:])
}

// CompareHinted compares two keys whose hints are already known, falling
// back to the full comparison only when the hints tie.
func CompareHinted(cmp Comparator, a []byte, ha uint64, b []byte, hb uint64) int {
	switch {
	case ha < hb:
		return -1
	case ha > hb:
		return 1
	}
	return cmp.Compare(a, b)
}

// InRange reports whether from <= key < to, treating nil bounds as open
func InRange(cmp Comparator, key, from, to []byte) bool {
	if from != nil && cmp.Compare(key, from) < 0 {
		return false
	}
	if to != nil && cmp.Compare(key, to) >= 0 {
		return false
	}
	return true
}
