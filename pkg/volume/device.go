package volume

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Device is the raw byte store beneath a volume
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() int64
	Close() error
}

// FileDevice stores the volume in one preallocated file
type FileDevice struct {
	f    *os.File
	size int64
}

// OpenFileDevice opens or creates the file at path and extends it to size
func OpenFileDevice(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat volume file: %w", err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size volume file: %w", err)
		}
	}
	return &FileDevice{f: f, size: size}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *FileDevice) Sync() error                              { return d.f.Sync() }
func (d *FileDevice) Size() int64                              { return d.size }
func (d *FileDevice) Close() error                             { return d.f.Close() }

// ErrInjected is returned by a MemDevice after SetWriteFault
var ErrInjected = errors.New("injected device fault")

// MemDevice simulates a device in memory. Write faults can be injected to
// exercise partial-write recovery.
type MemDevice struct {
	mu          sync.RWMutex
	data        []byte
	failWrites  bool
	writesAfter int
}

// NewMemDevice creates an in-memory device of size bytes
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

// SetWriteFault makes every write after the next n writes fail. A negative
// n clears the fault.
func (d *MemDevice) SetWriteFault(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrites = n >= 0
	d.writesAfter = n
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off < 0 || off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWrites {
		if d.writesAfter == 0 {
			return 0, ErrInjected
		}
		d.writesAfter--
	}
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, fmt.Errorf("write of %d bytes at %d outside device of %d bytes", len(p), off, len(d.data))
	}
	return copy(d.data[off:], p), nil
}

func (d *MemDevice) Sync() error  { return nil }
func (d *MemDevice) Size() int64  { return int64(len(d.data)) }
func (d *MemDevice) Close() error { return nil }
