package database

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes the stores translate.
const (
	CodeUniqueViolation     = "23505"
	CodeCheckViolation      = "23514"
	CodeRaiseException      = "P0001"
	CodeSerializationFailed = "40001"
)

// PgError extracts the *pgconn.PgError from err, if any.
func PgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
// constraint is the violated constraint or index name when it is.
func IsUniqueViolation(err error) (constraint string, ok bool) {
	pgErr, ok := PgError(err)
	if !ok || pgErr.Code != CodeUniqueViolation {
		return "", false
	}
	return pgErr.ConstraintName, true
}

// IsNoRows reports whether err means a single-row query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
