package durable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/common/walker"
)

// ErrCorruptRecord is returned when a stored value is too short to hold a
// record header
var ErrCorruptRecord = errors.New("durable record is corrupt")

// recordHeaderSize covers the deadline and ttl that prefix every payload
const recordHeaderSize = 16

// Record is one saved version of a durable object
type Record struct {
	ID       uuid.UUID
	Seq      uint64
	Deadline time.Time // zero means the record never expires
	TTL      time.Duration
	Value    []byte
}

// Expired reports whether the record's deadline has passed at now
func (r Record) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && !now.Before(r.Deadline)
}

func encodeRecord(deadline time.Time, ttl time.Duration, payload []byte) []byte {
	buf := make([]byte, recordHeaderSize+len(payload))
	var dl int64
	if !deadline.IsZero() {
		dl = deadline.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[0:8], uint64(dl))
	binary.BigEndian.PutUint64(buf[8:16], uint64(ttl))
	copy(buf[recordHeaderSize:], payload)
	return buf
}

func decodeDeadline(b []byte) (time.Time, error) {
	if len(b) < recordHeaderSize {
		return time.Time{}, fmt.Errorf("%w: %d byte value", ErrCorruptRecord, len(b))
	}
	dl := int64(binary.BigEndian.Uint64(b[0:8]))
	if dl == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, dl), nil
}

// decodeRecord turns a stored put into a Record. The value is copied.
func decodeRecord(item walker.Item) (Record, error) {
	id, err := uuid.FromBytes(item.Key)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	b := item.Op.Value
	deadline, err := decodeDeadline(b)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:       id,
		Seq:      item.Seq,
		Deadline: deadline,
		TTL:      time.Duration(binary.BigEndian.Uint64(b[8:16])),
		Value:    append([]byte(nil), b[recordHeaderSize:]...),
	}, nil
}
