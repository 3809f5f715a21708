package approval

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/JonMunkholm/loadergate/internal/errs"
)

// MemoryStore is an in-process Store enforcing the same constraints as the
// PostgreSQL schema. Used by tests and by the CLI's offline dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows []Request // insertion order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status == StatusPending {
		for _, existing := range s.rows {
			if existing.EntityType == r.EntityType && existing.EntityID == r.EntityID && existing.Status == StatusPending {
				return errs.Conflict(r.EntityType+"/"+r.EntityID, "an approval request is already pending")
			}
		}
	}
	s.rows = append(s.rows, *r)
	return nil
}

func (s *MemoryStore) Decide(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rows {
		if s.rows[i].ID != r.ID {
			continue
		}
		if s.rows[i].Status != StatusPending {
			return errs.InvalidState("decide", string(s.rows[i].Status))
		}
		s.rows[i].Status = r.Status
		s.rows[i].DecidedBy = r.DecidedBy
		s.rows[i].DecidedAt = r.DecidedAt
		s.rows[i].Comment = r.Comment
		return nil
	}
	return errs.ErrNotFound
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rows {
		if r.ID == id {
			cp := r
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *MemoryStore) Latest(_ context.Context, entityType, entityID string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].EntityType == entityType && s.rows[i].EntityID == entityID {
			cp := s.rows[i]
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *MemoryStore) ListPending(_ context.Context, entityType string) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0)
	for _, r := range s.rows {
		if r.Status == StatusPending && (entityType == "" || r.EntityType == entityType) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) History(_ context.Context, entityType, entityID string) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0)
	for _, r := range s.rows {
		if r.EntityType == entityType && r.EntityID == entityID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Snapshot captures the store contents and returns a function restoring
// them. The in-memory transactor uses it to roll back a failed unit of work.
func (s *MemoryStore) Snapshot() (restore func()) {
	s.mu.Lock()
	saved := make([]Request, len(s.rows))
	copy(saved, s.rows)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.rows = saved
		s.mu.Unlock()
	}
}
