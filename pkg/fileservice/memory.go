package fileservice

import (
	"sync"

	"github.com/google/uuid"

	"github.com/KevoDB/indy/pkg/common/log"
	"github.com/KevoDB/indy/pkg/common/trigger"
)

// MemService is an in-memory catalog. Nothing survives Close.
type MemService struct {
	mu     sync.Mutex
	cat    *catalog
	closed bool
	logger log.Logger
}

var _ Service = (*MemService)(nil)

// NewMemService creates an empty in-memory catalog
func NewMemService(logger log.Logger) *MemService {
	return &MemService{
		cat:    newCatalog(),
		logger: log.ForComponent(logger, "fileservice"),
	}
}

func (s *MemService) InsertFile(fileID uuid.UUID, obj FileObj, trig *trigger.Trigger) error {
	s.mu.Lock()
	err := ErrClosed
	if !s.closed {
		err = s.cat.insert(fileID, obj)
	}
	s.mu.Unlock()

	if err == nil {
		s.logger.Debug("inserted %s file %s gen %d at block %d (%d bytes)",
			obj.Kind, fileID, obj.GenID, obj.StartingBlockID, obj.FileSize)
	}
	trigger.Fire(trig, err)
	return err
}

func (s *MemService) RemoveFile(fileID uuid.UUID, genID uint64, trig *trigger.Trigger) error {
	s.mu.Lock()
	err := ErrClosed
	if !s.closed {
		if err = s.cat.checkRemove(fileID, genID); err == nil {
			s.cat.remove(fileID, genID)
		}
	}
	s.mu.Unlock()

	if err == nil {
		s.logger.Debug("removed file %s gen %d", fileID, genID)
	}
	trigger.Fire(trig, err)
	return err
}

func (s *MemService) FindFile(fileID uuid.UUID, genID uint64) (FileObj, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat.find(fileID, genID)
}

func (s *MemService) AppendFileGenSet(fileID uuid.UUID, out *[]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cat.appendGens(fileID, out)
}

func (s *MemService) ForEachFile(fn func(fileID uuid.UUID, genID uint64, obj FileObj) bool) {
	s.mu.Lock()
	entries := s.cat.snapshot()
	s.mu.Unlock()

	for _, e := range entries {
		if !fn(e.fileID, e.obj.GenID, e.obj) {
			return
		}
	}
}

func (s *MemService) GetNumFiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat.count
}

func (s *MemService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
