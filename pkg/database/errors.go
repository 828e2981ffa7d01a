package database

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
)

// PostgreSQL SQLSTATE error codes
// Full list: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgErrQueryCanceled     = "57014"
	pgErrAdminShutdown     = "57P01"
	pgErrCannotConnectNow  = "57P03"
	pgErrTooManyConns      = "53300"
	pgClassConnection      = "08"
	pgClassDataException   = "22"
	pgClassIntegrity       = "23"
	pgErrSerialization     = "40001"
	pgErrDeadlockDetected  = "40P01"
	pgErrLockNotAvailable  = "55P03"
	pgErrUndefinedTable    = "42P01"
	pgErrUndefinedColumn   = "42703"
	pgErrInsufficientPrivs = "42501"
)

// MapError converts a pgx or context error into an apperrors.Error.
// Errors that already carry a kind pass through unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("record not found")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Database(apperrors.CodeDBTimeout, "database operation timed out", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgErrQueryCanceled, pgErr.Code == pgErrLockNotAvailable:
			return apperrors.Database(apperrors.CodeDBTimeout, "database operation timed out", err)
		case strings.HasPrefix(pgErr.Code, pgClassConnection),
			pgErr.Code == pgErrAdminShutdown,
			pgErr.Code == pgErrCannotConnectNow,
			pgErr.Code == pgErrTooManyConns:
			return apperrors.Database(apperrors.CodeDBConnection, "database connection failed", err)
		case strings.HasPrefix(pgErr.Code, pgClassDataException):
			return apperrors.Conflict("value rejected by database: %s", pgErr.Message)
		case strings.HasPrefix(pgErr.Code, pgClassIntegrity):
			return apperrors.Conflict("constraint violated: %s", pgErr.ConstraintName)
		case pgErr.Code == pgErrSerialization, pgErr.Code == pgErrDeadlockDetected:
			return apperrors.Conflict("concurrent update, retry the edit")
		case pgErr.Code == pgErrUndefinedTable, pgErr.Code == pgErrUndefinedColumn:
			return apperrors.Database(apperrors.CodeDBError, "table layout changed, refresh the schema", err)
		case pgErr.Code == pgErrInsufficientPrivs:
			return apperrors.Database(apperrors.CodeDBError, "insufficient database privileges", err)
		}
		return apperrors.Database(apperrors.CodeDBError, "database query failed", err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return apperrors.Database(apperrors.CodeDBConnection, "database connection failed", err)
	}

	if pgconn.Timeout(err) {
		return apperrors.Database(apperrors.CodeDBTimeout, "database operation timed out", err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return apperrors.Database(apperrors.CodeDBError, "database operation failed", err)
}
