package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	EnsureWallet(ctx context.Context, db *gorm.DB, wallet *Wallet) error
	// LockWallet reads the wallet row under a row lock for the rest of db's transaction.
	LockWallet(ctx context.Context, db *gorm.DB, userID int64) (*Wallet, error)
	FindWallet(ctx context.Context, db *gorm.DB, userID int64) (*Wallet, error)
	UpdateBalances(ctx context.Context, db *gorm.DB, wallet *Wallet) error

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, filter TransactionFilter, limit int) ([]*Transaction, error)

	LastEarnedAt(ctx context.Context, db *gorm.DB, userID int64, source string) (*time.Time, error)
	SumEarnedSince(ctx context.Context, db *gorm.DB, userID int64, source string, since time.Time) (int64, error)
}

type TransactionFilter struct {
	UserID int64
	Type   TransactionType
	Source string
	// Keyset cursor: rows strictly older than (Before, BeforeID).
	Before   *time.Time
	BeforeID int64
}
