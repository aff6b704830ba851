package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgCodeUniqueViolation      = "23505"
	pgCodeLockNotAvailable     = "55P03"
	pgCodeDeadlockDetected     = "40P01"
	pgCodeSerializationFailure = "40001"
	pgCodeAdminShutdown        = "57P01"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, pgCodeUniqueViolation) {
		return true
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "duplicate key value violates unique constraint"):
		return true
	case strings.Contains(msg, "Error 1062"): // mysql
		return true
	case strings.Contains(msg, "UNIQUE constraint failed"): // sqlite
		return true
	}
	return false
}

func IsLockTimeout(err error) bool {
	return hasPGCode(err, pgCodeLockNotAvailable)
}

func IsSerializationFailure(err error) bool {
	return hasPGCode(err, pgCodeSerializationFailure) || hasPGCode(err, pgCodeDeadlockDetected)
}

// IsRetryable reports whether a unit of work failed for a transient
// infrastructure reason and may be attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsLockTimeout(err) || IsSerializationFailure(err) || hasPGCode(err, pgCodeAdminShutdown) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "Error 1213") || strings.Contains(msg, "Error 1205")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
