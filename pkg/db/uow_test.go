package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newMockPostgres(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return conn, mock
}

func TestRunInTxRetriesLockTimeoutOnce(t *testing.T) {
	conn, mock := newMockPostgres(t)
	lockSQL := regexp.QuoteMeta("SET LOCAL lock_timeout = '250ms'")

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(lockSQL).WillReturnError(&pgconn.PgError{Code: "55P03"})
		mock.ExpectRollback()
	}

	retries := 0
	err := RunInTx(context.Background(), conn, TxOptions{
		LockTimeout: 250 * time.Millisecond,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		OnRetry:     func(error, time.Duration) { retries++ },
	}, func(tx *gorm.DB) error {
		return nil
	})

	require.Error(t, err)
	assert.True(t, IsLockTimeout(err))
	assert.Equal(t, 1, retries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxDoesNotRetryBusinessErrors(t *testing.T) {
	conn, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	errBusiness := errors.New("insufficient_credits")
	calls := 0
	err := RunInTx(context.Background(), conn, TxOptions{
		LockTimeout: time.Second,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
	}, func(tx *gorm.DB) error {
		calls++
		return errBusiness
	})

	assert.ErrorIs(t, err, errBusiness)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxCommits(t *testing.T) {
	conn, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := RunInTx(context.Background(), conn, TxOptions{LockTimeout: time.Second}, func(tx *gorm.DB) error {
		return tx.Exec("UPDATE wallets SET updated_at = updated_at").Error
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
