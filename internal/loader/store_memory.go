package loader

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/protect"
)

// MemoryStore is an in-process ConfigStore that enforces the same three
// uniqueness constraints as the PostgreSQL schema, atomically under one
// lock. Protected fields are sealed at rest when a Protector is supplied.
type MemoryStore struct {
	protector *protect.Protector

	mu   sync.Mutex
	rows map[uuid.UUID]Configuration
}

// NewMemoryStore creates an empty store. protector may be nil.
func NewMemoryStore(protector *protect.Protector) *MemoryStore {
	return &MemoryStore{protector: protector, rows: make(map[uuid.UUID]Configuration)}
}

// checkUnique reports the constraint c would violate, ignoring the row
// with id skip.
func (s *MemoryStore) checkUnique(c Configuration, skip uuid.UUID) error {
	for id, row := range s.rows {
		if id == skip || row.LoaderCode != c.LoaderCode {
			continue
		}
		switch {
		case row.VersionNumber == c.VersionNumber:
			return errs.Conflict(c.LoaderCode, "version number already taken")
		case row.State == StateActive && c.State == StateActive:
			return errs.Conflict(c.LoaderCode, "another version is already ACTIVE")
		case row.State.IsWorkingCopy() && c.State.IsWorkingCopy():
			return errs.Conflict(c.LoaderCode, "a DRAFT or PENDING version already exists")
		}
	}
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, c *Configuration) error {
	row := *c
	if err := s.seal(&row.Payload); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.rows[row.ID]; dup {
		return errs.Conflict(row.ID.String(), "id already exists")
	}
	if err := s.checkUnique(row, uuid.Nil); err != nil {
		return err
	}
	s.rows[row.ID] = row
	return nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id uuid.UUID, from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || row.State != from {
		return errs.InvalidState("move to "+string(to), "a state other than "+string(from))
	}
	if row.State == StateArchived {
		return errs.InvalidState("change", string(StateArchived))
	}
	row.State = to
	row.UpdatedAt = time.Now().UTC()
	if err := s.checkUnique(row, id); err != nil {
		return err
	}
	s.rows[id] = row
	return nil
}

func (s *MemoryStore) UpdatePayload(_ context.Context, id uuid.UUID, p Payload) error {
	if err := s.seal(&p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || row.State != StateDraft {
		return errs.InvalidState("edit", "a state other than DRAFT")
	}
	row.Payload = p
	row.UpdatedAt = time.Now().UTC()
	s.rows[id] = row
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Configuration, error) {
	s.mu.Lock()
	row, ok := s.rows[id]
	s.mu.Unlock()

	if !ok {
		return nil, errs.ErrNotFound
	}
	return s.opened(row)
}

func (s *MemoryStore) Lock(ctx context.Context, id uuid.UUID) (*Configuration, error) {
	return s.Get(ctx, id)
}

func (s *MemoryStore) Active(_ context.Context, code string) (*Configuration, error) {
	return s.find(func(c Configuration) bool { return c.LoaderCode == code && c.State == StateActive })
}

func (s *MemoryStore) WorkingCopy(_ context.Context, code string) (*Configuration, error) {
	return s.find(func(c Configuration) bool { return c.LoaderCode == code && c.State.IsWorkingCopy() })
}

func (s *MemoryStore) MaxVersion(_ context.Context, code string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	highest := 0
	for _, row := range s.rows {
		if row.LoaderCode == code && row.VersionNumber > highest {
			highest = row.VersionNumber
		}
	}
	return highest, nil
}

func (s *MemoryStore) History(_ context.Context, code string) ([]Configuration, error) {
	return s.filter(func(c Configuration) bool { return c.LoaderCode == code }, func(a, b Configuration) bool {
		return a.VersionNumber < b.VersionNumber
	})
}

func (s *MemoryStore) Exists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row.LoaderCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Configuration, error) {
	return s.filter(func(c Configuration) bool { return c.State == StateActive }, func(a, b Configuration) bool {
		return a.LoaderCode < b.LoaderCode
	})
}

func (s *MemoryStore) Summaries(_ context.Context) ([]Summary, error) {
	s.mu.Lock()
	byCode := make(map[string]*Summary)
	for _, row := range s.rows {
		sum, ok := byCode[row.LoaderCode]
		if !ok {
			sum = &Summary{LoaderCode: row.LoaderCode}
			byCode[row.LoaderCode] = sum
		}
		v := row.VersionNumber
		switch {
		case row.State == StateActive:
			sum.ActiveVersion = &v
		case row.State.IsWorkingCopy():
			sum.WorkingVersion = &v
			sum.WorkingState = row.State
		}
		if v > sum.LatestVersion {
			sum.LatestVersion = v
		}
		if row.UpdatedAt.After(sum.UpdatedAt) {
			sum.UpdatedAt = row.UpdatedAt
		}
	}
	s.mu.Unlock()

	out := make([]Summary, 0, len(byCode))
	for _, sum := range byCode {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoaderCode < out[j].LoaderCode })
	return out, nil
}

// Snapshot captures the store contents and returns a function restoring
// them.
func (s *MemoryStore) Snapshot() (restore func()) {
	s.mu.Lock()
	saved := make(map[uuid.UUID]Configuration, len(s.rows))
	for id, row := range s.rows {
		saved[id] = row
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.rows = saved
		s.mu.Unlock()
	}
}

func (s *MemoryStore) find(match func(Configuration) bool) (*Configuration, error) {
	s.mu.Lock()
	var (
		found Configuration
		ok    bool
	)
	for _, row := range s.rows {
		if match(row) {
			found, ok = row, true
			break
		}
	}
	s.mu.Unlock()

	if !ok {
		return nil, errs.ErrNotFound
	}
	return s.opened(found)
}

func (s *MemoryStore) filter(match func(Configuration) bool, less func(a, b Configuration) bool) ([]Configuration, error) {
	s.mu.Lock()
	var matched []Configuration
	for _, row := range s.rows {
		if match(row) {
			matched = append(matched, row)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })

	out := make([]Configuration, 0, len(matched))
	for _, row := range matched {
		c, err := s.opened(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *MemoryStore) seal(p *Payload) error {
	if s.protector == nil {
		return nil
	}
	return s.protector.SealFields(p)
}

func (s *MemoryStore) opened(row Configuration) (*Configuration, error) {
	if s.protector != nil {
		if err := s.protector.OpenFields(&row.Payload); err != nil {
			return nil, err
		}
	}
	return &row, nil
}
