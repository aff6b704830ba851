package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/kora/internal/ledger/domain"
	"github.com/smallbiznis/kora/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const walletColumns = `id, user_id, available_credits, earned_credits, spent_credits,
	pending_credits, last_activity_at, created_at, updated_at`

const transactionColumns = `id, wallet_id, user_id, type, amount, source, description,
	metadata, related_user_id, balance_after, processed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// EnsureWallet inserts the wallet unless the user already has one.
func (r *repo) EnsureWallet(ctx context.Context, conn *gorm.DB, wallet *domain.Wallet) error {
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(wallet).Error
}

func (r *repo) LockWallet(ctx context.Context, conn *gorm.DB, userID int64) (*domain.Wallet, error) {
	return r.findWallet(ctx, conn, userID, db.ForUpdate(conn))
}

func (r *repo) FindWallet(ctx context.Context, conn *gorm.DB, userID int64) (*domain.Wallet, error) {
	return r.findWallet(ctx, conn, userID, "")
}

func (r *repo) findWallet(ctx context.Context, conn *gorm.DB, userID int64, suffix string) (*domain.Wallet, error) {
	var wallet domain.Wallet
	err := conn.WithContext(ctx).Raw(
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`+suffix,
		userID,
	).Scan(&wallet).Error
	if err != nil {
		return nil, err
	}
	if wallet.ID == 0 {
		return nil, nil
	}
	return &wallet, nil
}

func (r *repo) UpdateBalances(ctx context.Context, conn *gorm.DB, wallet *domain.Wallet) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE wallets
		 SET available_credits = ?, earned_credits = ?, spent_credits = ?,
		     pending_credits = ?, last_activity_at = ?, updated_at = ?
		 WHERE id = ?`,
		wallet.AvailableCredits,
		wallet.EarnedCredits,
		wallet.SpentCredits,
		wallet.PendingCredits,
		wallet.LastActivityAt,
		wallet.UpdatedAt,
		wallet.ID,
	).Error
}

func (r *repo) InsertTransaction(ctx context.Context, conn *gorm.DB, txn *domain.Transaction) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.WalletID,
		txn.UserID,
		string(txn.Type),
		txn.Amount,
		txn.Source,
		txn.Description,
		txn.Metadata,
		txn.RelatedUserID,
		txn.BalanceAfter,
		txn.ProcessedAt,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, conn *gorm.DB, filter domain.TransactionFilter, limit int) ([]*domain.Transaction, error) {
	stmt := conn.WithContext(ctx).
		Model(&domain.Transaction{}).
		Select(transactionColumns).
		Where("user_id = ?", filter.UserID)
	if filter.Type != "" {
		stmt = stmt.Where("type = ?", string(filter.Type))
	}
	if filter.Source != "" {
		stmt = stmt.Where("source = ?", filter.Source)
	}
	if filter.Before != nil {
		stmt = stmt.Where("(processed_at < ? OR (processed_at = ? AND id < ?))", *filter.Before, *filter.Before, filter.BeforeID)
	}

	var txns []*domain.Transaction
	err := stmt.
		Order("processed_at desc, id desc").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) LastEarnedAt(ctx context.Context, conn *gorm.DB, userID int64, source string) (*time.Time, error) {
	var row struct {
		ProcessedAt time.Time
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT processed_at FROM credit_transactions
		 WHERE user_id = ? AND type = ? AND source = ?
		 ORDER BY processed_at DESC
		 LIMIT 1`,
		userID,
		string(domain.TransactionTypeEarned),
		source,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ProcessedAt.IsZero() {
		return nil, nil
	}
	at := row.ProcessedAt.UTC()
	return &at, nil
}

func (r *repo) SumEarnedSince(ctx context.Context, conn *gorm.DB, userID int64, source string, since time.Time) (int64, error) {
	var row struct {
		Total int64
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total FROM credit_transactions
		 WHERE user_id = ? AND type = ? AND source = ? AND processed_at >= ?`,
		userID,
		string(domain.TransactionTypeEarned),
		source,
		since,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.Total, nil
}
