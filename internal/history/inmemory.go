package history

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps the most recent records in process.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	records []Record
}

func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = 500
	}
	return &InMemoryStore{limit: limit}
}

func (s *InMemoryStore) Save(_ context.Context, record Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if over := len(s.records) - s.limit; over > 0 {
		s.records = append(s.records[:0:0], s.records[over:]...)
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, characterID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, min(limit, len(s.records)))
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		if characterID != "" && r.CharacterID != characterID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }
