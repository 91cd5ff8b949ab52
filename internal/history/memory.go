package history

import (
	"context"
	"sync"
	"time"
)

// maxMemoryRecords bounds the in-memory store; the oldest records are
// evicted first.
const maxMemoryRecords = 500

// MemoryStore keeps task records in-process for DB-less runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) SaveTask(_ context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Messages = cloneMessages(rec.Messages)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.records[rec.TaskID]; !known {
		s.order = append(s.order, rec.TaskID)
		if len(s.order) > maxMemoryRecords {
			evicted := s.order[0]
			s.order = s.order[1:]
			delete(s.records, evicted)
		}
	}
	s.records[rec.TaskID] = rec
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Messages = cloneMessages(rec.Messages)
	return rec, nil
}

// ListRecent returns records newest-first by insertion order.
func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[s.order[i]]
		rec.Messages = cloneMessages(rec.Messages)
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) Mode() string { return "memory" }

func (s *MemoryStore) Close() error { return nil }

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
