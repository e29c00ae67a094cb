// Package fileservice tracks where every on-disk generation lives: its
// volume placement, size, key count and sequence span, keyed by
// (file id, generation id).
package fileservice

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/common/trigger"
)

var (
	// ErrFileExists is returned when inserting a generation that is already registered
	ErrFileExists = errors.New("file generation already exists")
	// ErrFileNotFound is returned when removing an unknown file or generation
	ErrFileNotFound = errors.New("file generation not found")
	// ErrClosed is returned by a service after Close
	ErrClosed = errors.New("file service is closed")
)

// Kind distinguishes repo generations from durable generations
type Kind uint8

const (
	// DataFile is a generation written by a repo flush or compaction
	DataFile Kind = iota + 1
	// DurableFile is a generation written by the durable manager
	DurableFile
)

func (k Kind) String() string {
	switch k {
	case DataFile:
		return "data"
	case DurableFile:
		return "durable"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// FileObj is the catalog record of one generation
type FileObj struct {
	Kind                Kind
	GenID               uint64
	StartingBlockID     uint64
	StartingBlockOffset int64
	FileSize            int64
	NumKeys             uint64
	LowestSeq           uint64
	HighestSeq          uint64
}

// Service is the file catalog. Mutations fire the supplied trigger, which
// may be nil, with their result once the change is durable.
type Service interface {
	// InsertFile registers a generation
	InsertFile(fileID uuid.UUID, obj FileObj, trig *trigger.Trigger) error

	// RemoveFile deregisters a generation
	RemoveFile(fileID uuid.UUID, genID uint64, trig *trigger.Trigger) error

	// FindFile looks up the placement of a generation
	FindFile(fileID uuid.UUID, genID uint64) (FileObj, bool)

	// AppendFileGenSet appends the generation ids of fileID, ascending
	AppendFileGenSet(fileID uuid.UUID, out *[]uint64)

	// ForEachFile calls fn for every generation until fn returns false
	ForEachFile(fn func(fileID uuid.UUID, genID uint64, obj FileObj) bool)

	// GetNumFiles returns the number of registered generations
	GetNumFiles() int

	// Close releases the catalog
	Close() error
}

// AddSyncedFile registers a generation received from a peer and waits for
// the catalog to make it durable
func AddSyncedFile(ctx context.Context, svc Service, fileID uuid.UUID, obj FileObj) error {
	trig := trigger.New()
	if err := svc.InsertFile(fileID, obj, trig); err != nil {
		return err
	}
	return trig.Wait(ctx)
}

// catalog is the in-memory index shared by the service implementations.
// Callers serialize access.
type catalog struct {
	files map[uuid.UUID]map[uint64]FileObj
	count int
}

func newCatalog() *catalog {
	return &catalog{files: make(map[uuid.UUID]map[uint64]FileObj)}
}

func (c *catalog) insert(fileID uuid.UUID, obj FileObj) error {
	gens := c.files[fileID]
	if _, ok := gens[obj.GenID]; ok {
		return fmt.Errorf("%w: file %s gen %d", ErrFileExists, fileID, obj.GenID)
	}
	if gens == nil {
		gens = make(map[uint64]FileObj)
		c.files[fileID] = gens
	}
	gens[obj.GenID] = obj
	c.count++
	return nil
}

func (c *catalog) checkRemove(fileID uuid.UUID, genID uint64) error {
	if _, ok := c.files[fileID][genID]; !ok {
		return fmt.Errorf("%w: file %s gen %d", ErrFileNotFound, fileID, genID)
	}
	return nil
}

func (c *catalog) remove(fileID uuid.UUID, genID uint64) {
	gens := c.files[fileID]
	delete(gens, genID)
	if len(gens) == 0 {
		delete(c.files, fileID)
	}
	c.count--
}

func (c *catalog) find(fileID uuid.UUID, genID uint64) (FileObj, bool) {
	obj, ok := c.files[fileID][genID]
	return obj, ok
}

func (c *catalog) appendGens(fileID uuid.UUID, out *[]uint64) {
	start := len(*out)
	for gen := range c.files[fileID] {
		*out = append(*out, gen)
	}
	added := (*out)[start:]
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
}

type catalogEntry struct {
	fileID uuid.UUID
	obj    FileObj
}

// snapshot returns every entry ordered by file id then generation
func (c *catalog) snapshot() []catalogEntry {
	entries := make([]catalogEntry, 0, c.count)
	for fileID, gens := range c.files {
		for _, obj := range gens {
			entries = append(entries, catalogEntry{fileID: fileID, obj: obj})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if d := bytes.Compare(entries[i].fileID[:], entries[j].fileID[:]); d != 0 {
			return d < 0
		}
		return entries[i].obj.GenID < entries[j].obj.GenID
	})
	return entries
}

// FileObjSize is the encoded size of a FileObj
const FileObjSize = 57

// MarshalFileObj encodes obj in the catalog's fixed-size layout
func MarshalFileObj(obj FileObj) []byte {
	b := make([]byte, 0, FileObjSize)
	b = append(b, byte(obj.Kind))
	b = binary.BigEndian.AppendUint64(b, obj.GenID)
	b = binary.BigEndian.AppendUint64(b, obj.StartingBlockID)
	b = binary.BigEndian.AppendUint64(b, uint64(obj.StartingBlockOffset))
	b = binary.BigEndian.AppendUint64(b, uint64(obj.FileSize))
	b = binary.BigEndian.AppendUint64(b, obj.NumKeys)
	b = binary.BigEndian.AppendUint64(b, obj.LowestSeq)
	b = binary.BigEndian.AppendUint64(b, obj.HighestSeq)
	return b
}

// UnmarshalFileObj decodes a record written by MarshalFileObj
func UnmarshalFileObj(b []byte) (FileObj, error) {
	if len(b) != FileObjSize {
		return FileObj{}, fmt.Errorf("file record of %d bytes, expected %d", len(b), FileObjSize)
	}
	be := binary.BigEndian
	return FileObj{
		Kind:                Kind(b[0]),
		GenID:               be.Uint64(b[1:]),
		StartingBlockID:     be.Uint64(b[9:]),
		StartingBlockOffset: int64(be.Uint64(b[17:])),
		FileSize:            int64(be.Uint64(b[25:])),
		NumKeys:             be.Uint64(b[33:]),
		LowestSeq:           be.Uint64(b[41:]),
		HighestSeq:          be.Uint64(b[49:]),
	}, nil
}
