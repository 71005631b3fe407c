package storage

import (
	"context"
	"errors"
	"sync"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	history     map[string][]RatingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.history = make(map[string][]RatingRecord)
	return nil
}

func (s *MemoryStore) AppendRating(_ context.Context, record RatingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.history[record.EntryID] = append(s.history[record.EntryID], record)
	return nil
}

func (s *MemoryStore) RatingHistory(_ context.Context, entryID string) ([]RatingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, errors.New("store is not initialized")
	}
	records := s.history[entryID]
	out := make([]RatingRecord, len(records))
	copy(out, records)
	return out, nil
}
