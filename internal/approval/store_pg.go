package approval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/loadergate/internal/database"
	"github.com/JonMunkholm/loadergate/internal/errs"
)

const requestColumns = `id, entity_type, entity_id, requested_by, requested_at, approver_role,
	status, decided_by, decided_at, comment, previous_request_id`

// PgStore is the PostgreSQL Store. Pass a pgx.Tx to join a transaction.
type PgStore struct {
	db database.DBTX
}

// NewPgStore creates a store over db.
func NewPgStore(db database.DBTX) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) Insert(ctx context.Context, r *Request) error {
	_, err := s.db.Exec(ctx, `INSERT INTO approval_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.EntityType, r.EntityID, r.RequestedBy, r.RequestedAt, r.ApproverRole,
		string(r.Status), nullString(r.DecidedBy), r.DecidedAt, r.Comment, r.PreviousRequestID,
	)
	if _, ok := database.IsUniqueViolation(err); ok {
		return &errs.ConflictError{
			Key:    r.EntityType + "/" + r.EntityID,
			Reason: "an approval request is already pending",
			Err:    err,
		}
	}
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

func (s *PgStore) Decide(ctx context.Context, r *Request) error {
	tag, err := s.db.Exec(ctx, `UPDATE approval_requests
		SET status = $2, decided_by = $3, decided_at = $4, comment = $5
		WHERE id = $1 AND status = 'PENDING'`,
		r.ID, string(r.Status), r.DecidedBy, r.DecidedAt, r.Comment,
	)
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.InvalidState("decide", "non-pending")
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (s *PgStore) Latest(ctx context.Context, entityType, entityID string) (*Request, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY seq DESC LIMIT 1`, entityType, entityID)
	return scanRequest(row)
}

func (s *PgStore) ListPending(ctx context.Context, entityType string) ([]Request, error) {
	wb := database.NewWhereBuilder().
		AddValue("status", string(StatusPending)).
		Add("entity_type", entityType)
	where, args := wb.Build()

	rows, err := s.db.Query(ctx, `SELECT `+requestColumns+` FROM approval_requests`+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	return collectRequests(rows)
}

func (s *PgStore) History(ctx context.Context, entityType, entityID string) ([]Request, error) {
	rows, err := s.db.Query(ctx, `SELECT `+requestColumns+` FROM approval_requests
		WHERE entity_type = $1 AND entity_id = $2 ORDER BY seq`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list request history: %w", err)
	}
	return collectRequests(rows)
}

func scanRequest(row pgx.Row) (*Request, error) {
	var (
		r         Request
		status    string
		decidedBy *string
	)
	err := row.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.RequestedBy, &r.RequestedAt, &r.ApproverRole,
		&status, &decidedBy, &r.DecidedAt, &r.Comment, &r.PreviousRequestID)
	if database.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval request: %w", err)
	}
	r.Status = Status(status)
	if decidedBy != nil {
		r.DecidedBy = *decidedBy
	}
	return &r, nil
}

func collectRequests(rows pgx.Rows) ([]Request, error) {
	defer rows.Close()
	out := make([]Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
