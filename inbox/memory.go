package inbox

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used by tests and the testing
// preset.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

func (s *MemoryStore) FindOrCreate(_ context.Context, key Key, subj string) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rows[key.Dedup()]; ok {
		cp := *existing
		return &cp, nil
	}
	row := &Row{
		Key:        key,
		Subject:    subj,
		Status:     StatusReceived,
		ReceivedAt: time.Now().UTC(),
	}
	s.rows[key.Dedup()] = row
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, key Key, deliveries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key.Dedup()]
	if !ok {
		return ErrNotFound
	}
	if row.Status == StatusProcessed {
		return nil
	}
	row.Status = StatusProcessing
	row.Deliveries = deliveries
	row.LastError = ""
	return nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key.Dedup()]
	if !ok {
		return ErrNotFound
	}
	row.Status = StatusProcessed
	row.ProcessedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, key Key, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key.Dedup()]
	if !ok {
		return ErrNotFound
	}
	if row.Status == StatusProcessed {
		return nil
	}
	row.Status = StatusFailed
	row.LastError = lastError
	return nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, row := range s.rows {
		counts[row.Status]++
	}
	return counts, nil
}

// Get returns a copy of a row for assertions in tests.
func (s *MemoryStore) Get(key Key) (*Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key.Dedup()]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}
