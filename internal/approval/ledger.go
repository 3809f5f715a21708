package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/identity"
)

// Ledger records approval requests and their decisions.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates a ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// OpenParams describes a new request.
type OpenParams struct {
	EntityType   string
	EntityID     string
	RequestedBy  string
	ApproverRole string
	Previous     *uuid.UUID
}

func (p OpenParams) validate() error {
	switch {
	case p.EntityType == "":
		return errs.Validation("entity_type", "is required")
	case p.EntityID == "":
		return errs.Validation("entity_id", "is required")
	case p.RequestedBy == "":
		return errs.Validation("requested_by", "is required")
	case p.ApproverRole == "":
		return errs.Validation("approver_role", "is required")
	}
	return nil
}

// Open inserts a PENDING request. A second PENDING request for the same
// entity is a ConflictError.
func (l *Ledger) Open(ctx context.Context, p OpenParams) (*Request, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	r := &Request{
		ID:                uuid.New(),
		EntityType:        p.EntityType,
		EntityID:          p.EntityID,
		RequestedBy:       p.RequestedBy,
		RequestedAt:       l.now(),
		ApproverRole:      p.ApproverRole,
		Status:            StatusPending,
		PreviousRequestID: p.Previous,
	}
	if err := l.store.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("open approval request: %w", err)
	}
	return r, nil
}

// RecordDecided inserts a request that is already APPROVED. It is used for
// administrative overrides so they still leave a ledger trail.
func (l *Ledger) RecordDecided(ctx context.Context, p OpenParams, decidedBy, comment string) (*Request, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	now := l.now()
	r := &Request{
		ID:                uuid.New(),
		EntityType:        p.EntityType,
		EntityID:          p.EntityID,
		RequestedBy:       p.RequestedBy,
		RequestedAt:       now,
		ApproverRole:      p.ApproverRole,
		Status:            StatusApproved,
		DecidedBy:         decidedBy,
		DecidedAt:         &now,
		Comment:           comment,
		PreviousRequestID: p.Previous,
	}
	if err := l.store.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("record decided request: %w", err)
	}
	return r, nil
}

// Approve marks a PENDING request APPROVED. The approver must hold the
// request's approver role and must not be the requester.
func (l *Ledger) Approve(ctx context.Context, id uuid.UUID, by identity.Actor, comment string) (*Request, error) {
	return l.decide(ctx, id, "approve", StatusApproved, by, comment, func(r *Request) error {
		if r.RequestedBy == by.Name {
			return errs.Unauthorized(by.Name, "approve", "requester cannot approve their own change")
		}
		if !by.HasRole(r.ApproverRole) {
			return errs.Unauthorized(by.Name, "approve", "missing role "+r.ApproverRole)
		}
		return nil
	})
}

// Reject marks a PENDING request REJECTED. Requires the approver role.
func (l *Ledger) Reject(ctx context.Context, id uuid.UUID, by identity.Actor, comment string) (*Request, error) {
	return l.decide(ctx, id, "reject", StatusRejected, by, comment, func(r *Request) error {
		if !by.HasRole(r.ApproverRole) {
			return errs.Unauthorized(by.Name, "reject", "missing role "+r.ApproverRole)
		}
		return nil
	})
}

// Revoke withdraws a PENDING request. Only the requester may revoke.
func (l *Ledger) Revoke(ctx context.Context, id uuid.UUID, by identity.Actor) (*Request, error) {
	return l.decide(ctx, id, "revoke", StatusRevoked, by, "", func(r *Request) error {
		if r.RequestedBy != by.Name {
			return errs.Unauthorized(by.Name, "revoke", "only the requester can revoke")
		}
		return nil
	})
}

func (l *Ledger) decide(ctx context.Context, id uuid.UUID, op string, to Status, by identity.Actor, comment string, allowed func(*Request) error) (*Request, error) {
	if by.IsZero() {
		return nil, errs.Unauthorized("anonymous", op, "no actor")
	}

	r, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s request %s: %w", op, id, err)
	}
	if r.Status != StatusPending {
		return nil, errs.InvalidState(op, string(r.Status))
	}
	if err := allowed(r); err != nil {
		return nil, err
	}

	now := l.now()
	r.Status = to
	r.DecidedBy = by.Name
	r.DecidedAt = &now
	r.Comment = comment

	if err := l.store.Decide(ctx, r); err != nil {
		return nil, fmt.Errorf("%s request %s: %w", op, id, err)
	}
	return r, nil
}

// Get returns a request by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return l.store.Get(ctx, id)
}

// Latest returns the most recent request for an entity, or nil when the
// entity has never been submitted.
func (l *Ledger) Latest(ctx context.Context, entityType, entityID string) (*Request, error) {
	r, err := l.store.Latest(ctx, entityType, entityID)
	if errs.IsNotFound(err) {
		return nil, nil
	}
	return r, err
}

// OpenFor returns the PENDING request for an entity. Returns ErrNotFound
// when none is open.
func (l *Ledger) OpenFor(ctx context.Context, entityType, entityID string) (*Request, error) {
	r, err := l.Latest(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if r == nil || r.Status != StatusPending {
		return nil, fmt.Errorf("no pending request for %s %s: %w", entityType, entityID, errs.ErrNotFound)
	}
	return r, nil
}

// Pending lists open requests for an entity type, oldest first. An empty
// entityType lists every type.
func (l *Ledger) Pending(ctx context.Context, entityType string) ([]Request, error) {
	return l.store.ListPending(ctx, entityType)
}

// History lists all requests for an entity, oldest first.
func (l *Ledger) History(ctx context.Context, entityType, entityID string) ([]Request, error) {
	return l.store.History(ctx, entityType, entityID)
}
