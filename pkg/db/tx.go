package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ForUpdate returns the row-lock suffix for the dialect behind tx. SQLite
// serialises writers itself and rejects the clause.
func ForUpdate(tx *gorm.DB) string {
	if tx == nil || tx.Dialector == nil || tx.Dialector.Name() == DialectSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// SetLockTimeout bounds row-lock waits for the rest of the transaction.
// It is a no-op outside Postgres.
func SetLockTimeout(tx *gorm.DB, timeout time.Duration) error {
	if tx == nil || tx.Dialector == nil || tx.Dialector.Name() != DialectPostgres || timeout <= 0 {
		return nil
	}
	return tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())).Error
}
