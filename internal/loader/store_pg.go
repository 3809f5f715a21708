package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/loadergate/internal/database"
	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/protect"
)

const configColumns = `id, loader_code, version_number, payload, state, created_by,
	created_at, updated_at, supersedes_version`

// PgConfigStore is the PostgreSQL ConfigStore. Protected payload fields are
// sealed before they are written and opened after they are read.
type PgConfigStore struct {
	db        database.DBTX
	protector *protect.Protector
}

// NewPgConfigStore creates a store over db. Pass a pgx.Tx to join a
// transaction.
func NewPgConfigStore(db database.DBTX, protector *protect.Protector) *PgConfigStore {
	return &PgConfigStore{db: db, protector: protector}
}

func (s *PgConfigStore) Insert(ctx context.Context, c *Configuration) error {
	payload, err := s.encode(c.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `INSERT INTO loader_configurations (`+configColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.LoaderCode, c.VersionNumber, payload, string(c.State), c.CreatedBy,
		c.CreatedAt, c.UpdatedAt, c.SupersedesVersion,
	)
	if err != nil {
		return mapPgError(c.LoaderCode, "insert version", err)
	}
	return nil
}

func (s *PgConfigStore) UpdateState(ctx context.Context, id uuid.UUID, from, to State) error {
	var code string
	err := s.db.QueryRow(ctx, `UPDATE loader_configurations
		SET state = $3, updated_at = $4
		WHERE id = $1 AND state = $2
		RETURNING loader_code`,
		id, string(from), string(to), time.Now().UTC(),
	).Scan(&code)
	if database.IsNoRows(err) {
		return errs.InvalidState("move to "+string(to), "a state other than "+string(from))
	}
	if err != nil {
		return mapPgError(id.String(), "update state", err)
	}
	return nil
}

func (s *PgConfigStore) UpdatePayload(ctx context.Context, id uuid.UUID, p Payload) error {
	payload, err := s.encode(p)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `UPDATE loader_configurations
		SET payload = $2, updated_at = $3
		WHERE id = $1 AND state = 'DRAFT'`,
		id, payload, time.Now().UTC(),
	)
	if err != nil {
		return mapPgError(id.String(), "update payload", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.InvalidState("edit", "a state other than DRAFT")
	}
	return nil
}

func (s *PgConfigStore) Get(ctx context.Context, id uuid.UUID) (*Configuration, error) {
	return s.one(ctx, `SELECT `+configColumns+` FROM loader_configurations WHERE id = $1`, id)
}

func (s *PgConfigStore) Lock(ctx context.Context, id uuid.UUID) (*Configuration, error) {
	return s.one(ctx, `SELECT `+configColumns+` FROM loader_configurations WHERE id = $1 FOR UPDATE`, id)
}

func (s *PgConfigStore) Active(ctx context.Context, code string) (*Configuration, error) {
	return s.one(ctx, `SELECT `+configColumns+` FROM loader_configurations
		WHERE loader_code = $1 AND state = 'ACTIVE'`, code)
}

func (s *PgConfigStore) WorkingCopy(ctx context.Context, code string) (*Configuration, error) {
	return s.one(ctx, `SELECT `+configColumns+` FROM loader_configurations
		WHERE loader_code = $1 AND state IN ('DRAFT', 'PENDING')`, code)
}

func (s *PgConfigStore) MaxVersion(ctx context.Context, code string) (int, error) {
	var v int
	err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(version_number), 0)
		FROM loader_configurations WHERE loader_code = $1`, code).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max version of %q: %w", code, err)
	}
	return v, nil
}

func (s *PgConfigStore) History(ctx context.Context, code string) ([]Configuration, error) {
	return s.many(ctx, `SELECT `+configColumns+` FROM loader_configurations
		WHERE loader_code = $1 ORDER BY version_number`, code)
}

func (s *PgConfigStore) Exists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM loader_configurations WHERE loader_code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", code, err)
	}
	return exists, nil
}

func (s *PgConfigStore) ListActive(ctx context.Context) ([]Configuration, error) {
	return s.many(ctx, `SELECT `+configColumns+` FROM loader_configurations
		WHERE state = 'ACTIVE' ORDER BY loader_code`)
}

func (s *PgConfigStore) Summaries(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.Query(ctx, `SELECT loader_code,
			MAX(version_number) FILTER (WHERE state = 'ACTIVE'),
			MAX(version_number) FILTER (WHERE state IN ('DRAFT', 'PENDING')),
			MAX(state) FILTER (WHERE state IN ('DRAFT', 'PENDING')),
			MAX(version_number),
			MAX(updated_at)
		FROM loader_configurations
		GROUP BY loader_code
		ORDER BY loader_code`)
	if err != nil {
		return nil, fmt.Errorf("list loaders: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			sum     Summary
			working *string
		)
		if err := rows.Scan(&sum.LoaderCode, &sum.ActiveVersion, &sum.WorkingVersion,
			&working, &sum.LatestVersion, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan loader summary: %w", err)
		}
		if working != nil {
			sum.WorkingState = State(*working)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PgConfigStore) one(ctx context.Context, query string, args ...any) (*Configuration, error) {
	c, err := s.scan(s.db.QueryRow(ctx, query, args...))
	if database.IsNoRows(err) {
		return nil, errs.ErrNotFound
	}
	return c, err
}

func (s *PgConfigStore) many(ctx context.Context, query string, args ...any) ([]Configuration, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	out := make([]Configuration, 0)
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgConfigStore) scan(row pgx.Row) (*Configuration, error) {
	var (
		c     Configuration
		raw   []byte
		state string
	)
	if err := row.Scan(&c.ID, &c.LoaderCode, &c.VersionNumber, &raw, &state, &c.CreatedBy,
		&c.CreatedAt, &c.UpdatedAt, &c.SupersedesVersion); err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan version: %w", err)
	}
	c.State = State(state)

	p, err := s.decode(raw)
	if err != nil {
		return nil, err
	}
	c.Payload = p
	return &c, nil
}

func (s *PgConfigStore) encode(p Payload) ([]byte, error) {
	if s.protector != nil {
		if err := s.protector.SealFields(&p); err != nil {
			return nil, err
		}
	}
	return json.Marshal(p)
}

func (s *PgConfigStore) decode(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if s.protector != nil {
		if err := s.protector.OpenFields(&p); err != nil {
			return Payload{}, err
		}
	}
	return p, nil
}

// mapPgError translates constraint violations into the error taxonomy.
func mapPgError(key, op string, err error) error {
	if constraint, ok := database.IsUniqueViolation(err); ok {
		reason := "version already exists"
		switch constraint {
		case "loader_configurations_one_active":
			reason = "another version is already ACTIVE"
		case "loader_configurations_one_working_copy":
			reason = "a DRAFT or PENDING version already exists"
		case "loader_configurations_code_version":
			reason = "version number already taken"
		}
		return &errs.ConflictError{Key: key, Reason: reason, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
