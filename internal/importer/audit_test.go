package importer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/loadergate/internal/database/dbtest"
	"github.com/JonMunkholm/loadergate/internal/errs"
)

func auditRecord(submitter, label string, completed time.Time) *AuditRecord {
	return &AuditRecord{
		ID:         uuid.New(),
		BatchLabel: label,
		FileName:   "loaders.csv",
		Submitter:  submitter,
		Total:      2,
		Succeeded:  1,
		Failed:     1,
		Errors: []RowError{
			{Row: 3, LoaderCode: "B", Field: "loader_sql", Message: "is required", Category: errs.CategoryValidation},
		},
		Outcomes: []RowOutcome{
			{RowNumber: 2, LoaderCode: "A", Action: ActionCreate, Result: ResultCreated, Success: true},
			{RowNumber: 3, LoaderCode: "B", Action: ActionCreate, Result: ResultFailed, Field: "loader_sql", Message: "is required", Category: errs.CategoryValidation},
		},
		StartedAt:   completed.Add(-time.Second),
		CompletedAt: completed,
	}
}

func runAuditStoreSuite(t *testing.T, newStore func(t *testing.T) AuditStore) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		rec := auditRecord("alice", "march", base)
		require.NoError(t, s.Insert(ctx, rec))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Errors, got.Errors)
		assert.Equal(t, rec.Outcomes, got.Outcomes)
		assert.Equal(t, "alice", got.Submitter)
		assert.True(t, rec.CompletedAt.Equal(got.CompletedAt))
	})

	t.Run("records are written once", func(t *testing.T) {
		s := newStore(t)
		rec := auditRecord("alice", "march", base)
		require.NoError(t, s.Insert(ctx, rec))
		assert.True(t, errs.IsConflict(s.Insert(ctx, rec)))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := newStore(t).Get(ctx, uuid.New())
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("list filters and pages newest first", func(t *testing.T) {
		s := newStore(t)
		for i := range 5 {
			require.NoError(t, s.Insert(ctx, auditRecord("alice", "bulk", base.Add(time.Duration(i)*time.Hour))))
		}
		require.NoError(t, s.Insert(ctx, auditRecord("bob", "bulk", base)))
		require.NoError(t, s.Insert(ctx, auditRecord("alice", "other", base)))

		page, err := s.List(ctx, AuditFilter{Submitter: "alice", BatchLabel: "bulk", Limit: 2})
		require.NoError(t, err)
		assert.EqualValues(t, 5, page.TotalCount)
		assert.Equal(t, 3, page.TotalPages)
		assert.Equal(t, 1, page.Page)
		require.Len(t, page.Records, 2)
		assert.True(t, page.Records[0].CompletedAt.Equal(base.Add(4*time.Hour)))

		page, err = s.List(ctx, AuditFilter{Submitter: "alice", BatchLabel: "bulk", Limit: 2, Offset: 4})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Page)
		require.Len(t, page.Records, 1)
		assert.True(t, page.Records[0].CompletedAt.Equal(base))

		page, err = s.List(ctx, AuditFilter{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)})
		require.NoError(t, err)
		assert.EqualValues(t, 2, page.TotalCount)

		page, err = s.List(ctx, AuditFilter{Submitter: "nobody"})
		require.NoError(t, err)
		assert.Empty(t, page.Records)
		assert.Equal(t, 1, page.TotalPages)
		assert.Equal(t, DefaultAuditPageSize, page.PageSize)
	})
}

func TestMemoryAuditStore(t *testing.T) {
	runAuditStoreSuite(t, func(t *testing.T) AuditStore {
		return NewMemoryAuditStore()
	})
}

func TestPgAuditStore(t *testing.T) {
	pool := dbtest.NewPool(t)

	runAuditStoreSuite(t, func(t *testing.T) AuditStore {
		_, err := pool.Exec(context.Background(), "TRUNCATE import_audit_log")
		require.NoError(t, err)
		return NewPgAuditStore(pool)
	})

	t.Run("append only", func(t *testing.T) {
		ctx := context.Background()
		rec := auditRecord("alice", "immutable", time.Now().UTC())
		require.NoError(t, NewPgAuditStore(pool).Insert(ctx, rec))

		_, err := pool.Exec(ctx, "UPDATE import_audit_log SET failed = 0 WHERE id = $1", rec.ID)
		require.Error(t, err)
	})
}
