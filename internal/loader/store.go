package loader

import (
	"context"

	"github.com/google/uuid"
)

// ConfigStore persists configuration versions.
//
// Insert and UpdateState must reject any write that would leave a loader
// with two ACTIVE versions, two working copies, or a repeated version
// number, returning an *errs.ConflictError. UpdateState only applies when
// the row is still in from; otherwise it returns an *errs.InvalidStateError.
// Lookups that match nothing return errs.ErrNotFound.
type ConfigStore interface {
	Insert(ctx context.Context, c *Configuration) error
	UpdateState(ctx context.Context, id uuid.UUID, from, to State) error
	UpdatePayload(ctx context.Context, id uuid.UUID, p Payload) error

	Get(ctx context.Context, id uuid.UUID) (*Configuration, error)
	// Lock reads a version and holds it for the rest of the transaction.
	Lock(ctx context.Context, id uuid.UUID) (*Configuration, error)
	Active(ctx context.Context, code string) (*Configuration, error)
	WorkingCopy(ctx context.Context, code string) (*Configuration, error)
	MaxVersion(ctx context.Context, code string) (int, error)
	History(ctx context.Context, code string) ([]Configuration, error)
	Exists(ctx context.Context, code string) (bool, error)
	ListActive(ctx context.Context) ([]Configuration, error)
	Summaries(ctx context.Context) ([]Summary, error)
}
