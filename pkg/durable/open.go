package durable

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/pool"
)

// openEntry tracks an open object. The newest known version is cached in a
// mapping block when its value fits.
type openEntry struct {
	refs  int
	block pool.Block

	seq      uint64
	deleted  bool
	deadline time.Time
	ttl      time.Duration
	size     int // -1 when the value is larger than the block
}

// Open starts an open cycle for id. Objects may be opened more than once;
// each Open needs a matching Close.
func (m *Manager) Open(id uuid.UUID) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	if e, ok := m.open[id]; ok {
		e.refs++
		return nil
	}
	b, err := m.entries.Alloc(m.entries.GetBlockSize())
	if err != nil {
		return fmt.Errorf("opening %s: %w", id, err)
	}
	m.open[id] = &openEntry{refs: 1, block: b}
	return nil
}

// Close ends one open cycle of id and frees its mapping block after the last
func (m *Manager) Close(id uuid.UUID) error {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	e, ok := m.open[id]
	if !ok {
		return fmt.Errorf("closing %s: %w", id, ErrNotOpen)
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(m.open, id)
	return m.entries.Free(e.block)
}

// IsOpen reports whether id has an open cycle
func (m *Manager) IsOpen(id uuid.UUID) bool {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	_, ok := m.open[id]
	return ok
}

// NumOpen returns the number of open objects
func (m *Manager) NumOpen() int {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	return len(m.open)
}

// remember caches rec for an open object unless a newer version is cached
func (m *Manager) remember(rec Record, deleted bool) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	e, ok := m.open[rec.ID]
	if !ok || rec.Seq <= e.seq {
		return
	}
	e.seq = rec.Seq
	e.deleted = deleted
	e.deadline = rec.Deadline
	e.ttl = rec.TTL
	if deleted {
		e.size = 0
		return
	}
	if len(rec.Value) > len(e.block.Data) {
		e.size = -1
		return
	}
	e.size = copy(e.block.Data, rec.Value)
}

// cached returns a copy of the cached version of an open object
func (m *Manager) cached(id uuid.UUID) (rec Record, deleted, hit bool) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	e, ok := m.open[id]
	if !ok || e.seq == 0 || e.size < 0 {
		return Record{}, false, false
	}
	rec = Record{
		ID:       id,
		Seq:      e.seq,
		Deadline: e.deadline,
		TTL:      e.ttl,
		Value:    append([]byte(nil), e.block.Data[:e.size]...),
	}
	return rec, e.deleted, true
}
