// Package approval is an entity-agnostic approval ledger.
//
// A request is keyed by (EntityType, EntityID) and knows nothing about the
// entity it guards. Owners of an entity open a request when a change needs
// sign-off and read the decision back; the ledger only enforces legal status
// transitions and separation of duties between requester and approver.
//
// History is append-only: a resubmission opens a new request linked to the
// previous one instead of reopening it.
package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusRevoked  Status = "REVOKED"
)

// Request is one approval cycle for an entity change.
type Request struct {
	ID                uuid.UUID  `json:"id"`
	EntityType        string     `json:"entity_type"`
	EntityID          string     `json:"entity_id"`
	RequestedBy       string     `json:"requested_by"`
	RequestedAt       time.Time  `json:"requested_at"`
	ApproverRole      string     `json:"approver_role"`
	Status            Status     `json:"status"`
	DecidedBy         string     `json:"decided_by,omitempty"`
	DecidedAt         *time.Time `json:"decided_at,omitempty"`
	Comment           string     `json:"comment,omitempty"`
	PreviousRequestID *uuid.UUID `json:"previous_request_id,omitempty"`
}

// Store persists requests. Insert must fail with a ConflictError when the
// entity already has a PENDING request. Decide must only update a row that is
// still PENDING and fail with an InvalidStateError otherwise.
type Store interface {
	Insert(ctx context.Context, r *Request) error
	Decide(ctx context.Context, r *Request) error
	Get(ctx context.Context, id uuid.UUID) (*Request, error)
	Latest(ctx context.Context, entityType, entityID string) (*Request, error)
	ListPending(ctx context.Context, entityType string) ([]Request, error)
	History(ctx context.Context, entityType, entityID string) ([]Request, error)
}
