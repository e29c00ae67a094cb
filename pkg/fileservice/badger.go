package fileservice

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v2"
	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/common/log"
	"github.com/KevoDB/indy/pkg/common/trigger"
)

var filePrefix = []byte("file/")

// fileKey is file/<16 byte file id><8 byte big-endian gen id>
func fileKey(fileID uuid.UUID, genID uint64) []byte {
	k := make([]byte, 0, len(filePrefix)+16+8)
	k = append(k, filePrefix...)
	k = append(k, fileID[:]...)
	return binary.BigEndian.AppendUint64(k, genID)
}

// BadgerService persists the catalog in badger. Each mutation commits in
// its own transaction before its trigger fires; reads are served from an
// in-memory index rebuilt on open.
type BadgerService struct {
	mu     sync.Mutex
	db     *badger.DB
	cat    *catalog
	closed bool
	logger log.Logger
}

var _ Service = (*BadgerService)(nil)

// OpenBadgerService opens or creates a catalog under dir. An empty dir
// keeps the catalog in memory.
func OpenBadgerService(dir string, logger log.Logger) (*BadgerService, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create catalog dir: %w", err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	s := &BadgerService{
		db:     db,
		cat:    newCatalog(),
		logger: log.ForComponent(logger, "fileservice"),
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("catalog opened with %d generations", s.cat.count)
	return s, nil
}

func (s *BadgerService) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(filePrefix); it.ValidForPrefix(filePrefix); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(filePrefix)+24 {
				return fmt.Errorf("catalog key %x has bad length", key)
			}
			fileID, err := uuid.FromBytes(key[len(filePrefix) : len(filePrefix)+16])
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			obj, err := UnmarshalFileObj(val)
			if err != nil {
				return fmt.Errorf("catalog entry for file %s: %w", fileID, err)
			}
			if err := s.cat.insert(fileID, obj); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerService) InsertFile(fileID uuid.UUID, obj FileObj, trig *trigger.Trigger) error {
	s.mu.Lock()
	err := s.insertLocked(fileID, obj)
	s.mu.Unlock()

	if err == nil {
		s.logger.Debug("inserted %s file %s gen %d at block %d (%d bytes)",
			obj.Kind, fileID, obj.GenID, obj.StartingBlockID, obj.FileSize)
	}
	trigger.Fire(trig, err)
	return err
}

func (s *BadgerService) insertLocked(fileID uuid.UUID, obj FileObj) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.cat.find(fileID, obj.GenID); ok {
		return fmt.Errorf("%w: file %s gen %d", ErrFileExists, fileID, obj.GenID)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fileKey(fileID, obj.GenID), MarshalFileObj(obj))
	})
	if err != nil {
		return fmt.Errorf("failed to persist file %s gen %d: %w", fileID, obj.GenID, err)
	}
	return s.cat.insert(fileID, obj)
}

func (s *BadgerService) RemoveFile(fileID uuid.UUID, genID uint64, trig *trigger.Trigger) error {
	s.mu.Lock()
	err := s.removeLocked(fileID, genID)
	s.mu.Unlock()

	if err == nil {
		s.logger.Debug("removed file %s gen %d", fileID, genID)
	}
	trigger.Fire(trig, err)
	return err
}

func (s *BadgerService) removeLocked(fileID uuid.UUID, genID uint64) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.cat.checkRemove(fileID, genID); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fileKey(fileID, genID))
	})
	if err != nil {
		return fmt.Errorf("failed to remove file %s gen %d: %w", fileID, genID, err)
	}
	s.cat.remove(fileID, genID)
	return nil
}

func (s *BadgerService) FindFile(fileID uuid.UUID, genID uint64) (FileObj, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat.find(fileID, genID)
}

func (s *BadgerService) AppendFileGenSet(fileID uuid.UUID, out *[]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cat.appendGens(fileID, out)
}

func (s *BadgerService) ForEachFile(fn func(fileID uuid.UUID, genID uint64, obj FileObj) bool) {
	s.mu.Lock()
	entries := s.cat.snapshot()
	s.mu.Unlock()

	for _, e := range entries {
		if !fn(e.fileID, e.obj.GenID, e.obj) {
			return
		}
	}
}

func (s *BadgerService) GetNumFiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat.count
}

// Close closes the badger database
func (s *BadgerService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
