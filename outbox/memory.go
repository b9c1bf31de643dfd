package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used by tests and by the testing
// preset. Same state machine as the SQL store, no durability.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

func (s *MemoryStore) FindOrCreate(_ context.Context, row *Row) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rows[row.EventID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *row
	cp.Status = StatusPending
	cp.UpdatedAt = time.Now().UTC()
	s.rows[row.EventID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) MarkPublishing(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return ErrNotFound
	}
	row.Status = StatusPublishing
	row.Attempts++
	if row.EnqueuedAt.IsZero() {
		row.EnqueuedAt = time.Now().UTC()
	}
	row.LastError = ""
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkSent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return ErrNotFound
	}
	row.Status = StatusSent
	row.SentAt = time.Now().UTC()
	row.UpdatedAt = row.SentAt
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, eventID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return ErrNotFound
	}
	// sent is terminal.
	if row.Status == StatusSent {
		return nil
	}
	row.Status = StatusFailed
	row.LastError = lastError
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FindStalePublishing(_ context.Context, staleAfter time.Duration, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-staleAfter)
	var ids []string
	for id, row := range s.rows {
		if row.Status == StatusPublishing && !row.UpdatedAt.After(cutoff) {
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

func (s *MemoryStore) ResetToPending(_ context.Context, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range eventIDs {
		if row, ok := s.rows[id]; ok && row.Status == StatusPublishing {
			row.Status = StatusPending
			row.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (s *MemoryStore) FindPending(_ context.Context, limit int) ([]*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Row
	for _, row := range s.rows {
		if row.Status == StatusPending {
			cp := *row
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
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

// Get returns a copy of the row for assertions in tests.
func (s *MemoryStore) Get(eventID string) (*Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[eventID]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}
