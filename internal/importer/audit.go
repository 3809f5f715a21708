package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/loadergate/internal/database"
	"github.com/JonMunkholm/loadergate/internal/errs"
)

// DefaultAuditPageSize is used when a query does not set a limit.
const DefaultAuditPageSize = 50

// RowError is one failed row as it appears in the error report.
type RowError struct {
	Row        int           `json:"row"`
	LoaderCode string        `json:"loader_code"`
	Field      string        `json:"field,omitempty"`
	Message    string        `json:"message"`
	Category   errs.Category `json:"category"`
}

// AuditRecord is the permanent record of one batch. It is written once, when
// the batch completes.
type AuditRecord struct {
	ID          uuid.UUID    `json:"id"`
	BatchLabel  string       `json:"batch_label"`
	FileName    string       `json:"file_name,omitempty"`
	FileSize    int64        `json:"file_size,omitempty"`
	FileSHA256  string       `json:"file_sha256,omitempty"`
	Submitter   string       `json:"submitter"`
	DryRun      bool         `json:"dry_run"`
	Total       int          `json:"total"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Errors      []RowError   `json:"errors"`
	Outcomes    []RowOutcome `json:"outcomes,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// AuditFilter selects audit records. Empty fields match everything.
type AuditFilter struct {
	Submitter  string
	BatchLabel string
	From       time.Time // inclusive, on completed_at
	To         time.Time // exclusive
	Limit      int
	Offset     int
}

// AuditPage is one page of audit records, newest first.
type AuditPage struct {
	Records    []AuditRecord `json:"records"`
	TotalCount int64         `json:"total_count"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
}

func newAuditPage(records []AuditRecord, total int64, f AuditFilter) *AuditPage {
	totalPages := int((total + int64(f.Limit) - 1) / int64(f.Limit))
	if totalPages < 1 {
		totalPages = 1
	}
	return &AuditPage{
		Records:    records,
		TotalCount: total,
		Page:       f.Offset/f.Limit + 1,
		PageSize:   f.Limit,
		TotalPages: totalPages,
	}
}

func (f AuditFilter) withDefaults() AuditFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultAuditPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// AuditStore persists batch audit records. Records are append-only.
type AuditStore interface {
	Insert(ctx context.Context, r *AuditRecord) error
	Get(ctx context.Context, id uuid.UUID) (*AuditRecord, error)
	List(ctx context.Context, f AuditFilter) (*AuditPage, error)
}

const auditColumns = `id, batch_label, file_name, file_size, file_sha256, submitter, dry_run,
	total, succeeded, failed, errors, outcomes, started_at, completed_at`

// PgAuditStore stores audit records in import_audit_log.
type PgAuditStore struct {
	db database.DBTX
}

// NewPgAuditStore creates a store over db.
func NewPgAuditStore(db database.DBTX) *PgAuditStore {
	return &PgAuditStore{db: db}
}

func (s *PgAuditStore) Insert(ctx context.Context, r *AuditRecord) error {
	rowErrors, err := json.Marshal(nonNil(r.Errors))
	if err != nil {
		return fmt.Errorf("encode audit errors: %w", err)
	}
	outcomes, err := json.Marshal(nonNil(r.Outcomes))
	if err != nil {
		return fmt.Errorf("encode audit outcomes: %w", err)
	}

	_, err = s.db.Exec(ctx, `INSERT INTO import_audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.BatchLabel, r.FileName, r.FileSize, r.FileSHA256, r.Submitter, r.DryRun,
		r.Total, r.Succeeded, r.Failed, rowErrors, outcomes, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		if _, ok := database.IsUniqueViolation(err); ok {
			return &errs.ConflictError{Key: r.ID.String(), Reason: "audit record already written", Err: err}
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *PgAuditStore) Get(ctx context.Context, id uuid.UUID) (*AuditRecord, error) {
	r, err := scanAudit(s.db.QueryRow(ctx, `SELECT `+auditColumns+` FROM import_audit_log WHERE id = $1`, id))
	if database.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	return r, err
}

func (s *PgAuditStore) List(ctx context.Context, f AuditFilter) (*AuditPage, error) {
	f = f.withDefaults()

	wb := database.NewWhereBuilder()
	wb.Add("submitter", f.Submitter)
	wb.Add("batch_label", f.BatchLabel)
	wb.AddTimeRange("completed_at", f.From, f.To)
	where, args := wb.Build()

	var total int64
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM import_audit_log"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM import_audit_log` + where +
		fmt.Sprintf(" ORDER BY completed_at DESC, id LIMIT $%d OFFSET $%d", wb.NextArgIndex(), wb.NextArgIndex()+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	records := make([]AuditRecord, 0)
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return newAuditPage(records, total, f), nil
}

func scanAudit(row pgx.Row) (*AuditRecord, error) {
	var (
		r                   AuditRecord
		rowErrors, outcomes []byte
	)
	if err := row.Scan(&r.ID, &r.BatchLabel, &r.FileName, &r.FileSize, &r.FileSHA256, &r.Submitter,
		&r.DryRun, &r.Total, &r.Succeeded, &r.Failed, &rowErrors, &outcomes,
		&r.StartedAt, &r.CompletedAt); err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan audit record: %w", err)
	}
	if err := json.Unmarshal(rowErrors, &r.Errors); err != nil {
		return nil, fmt.Errorf("decode audit errors: %w", err)
	}
	if err := json.Unmarshal(outcomes, &r.Outcomes); err != nil {
		return nil, fmt.Errorf("decode audit outcomes: %w", err)
	}
	return &r, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// MemoryAuditStore keeps audit records in process. Used by tests and the
// CLI's offline dry runs.
type MemoryAuditStore struct {
	mu      sync.Mutex
	records []AuditRecord
}

// NewMemoryAuditStore creates an empty store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Insert(_ context.Context, r *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if existing.ID == r.ID {
			return errs.Conflict(r.ID.String(), "audit record already written")
		}
	}
	s.records = append(s.records, *r)
	return nil
}

func (s *MemoryAuditStore) Get(_ context.Context, id uuid.UUID) (*AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.ID == id {
			cp := r
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *MemoryAuditStore) List(_ context.Context, f AuditFilter) (*AuditPage, error) {
	f = f.withDefaults()

	s.mu.Lock()
	var matched []AuditRecord
	for _, r := range s.records {
		switch {
		case f.Submitter != "" && r.Submitter != f.Submitter:
		case f.BatchLabel != "" && r.BatchLabel != f.BatchLabel:
		case !f.From.IsZero() && r.CompletedAt.Before(f.From):
		case !f.To.IsZero() && !r.CompletedAt.Before(f.To):
		default:
			matched = append(matched, r)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CompletedAt.After(matched[j].CompletedAt) })

	total := int64(len(matched))
	start := min(f.Offset, len(matched))
	end := min(start+f.Limit, len(matched))

	records := make([]AuditRecord, 0, end-start)
	records = append(records, matched[start:end]...)
	return newAuditPage(records, total, f), nil
}
