package uploads

import (
	"context"
	"sync"
	"time"

	stevedoreapi "spyglass/pkg/api/stevedore"
)

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore is a single-replica Store for deployments without Redis.
// Expired records are dropped lazily on read.
type MemoryStore struct {
	mu  sync.RWMutex
	ttl time.Duration
	now func() time.Time
	m   map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl: ttl,
		now: time.Now,
		m:   make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[rec.UploadID] = memoryEntry{rec: rec, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, uploadID string) (Record, error) {
	s.mu.RLock()
	e, ok := s.m[uploadID]
	s.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.m, uploadID)
		s.mu.Unlock()
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, uploadID string, status stevedoreapi.UploadStatus, errMsg string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[uploadID]
	if !ok || s.now().After(e.expiresAt) {
		delete(s.m, uploadID)
		return Record{}, ErrNotFound
	}
	e.rec.Status = status
	e.rec.Error = errMsg
	e.rec.UpdatedAt = s.now().UTC()
	s.m[uploadID] = e
	return e.rec, nil
}
