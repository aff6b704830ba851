package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/kora/pkg/db/pagination"
	"gorm.io/gorm"
)

type AddCreditsRequest struct {
	UserID      int64
	Amount      int64
	Source      string
	Description string
	Metadata    map[string]any
}

type SpendCreditsRequest struct {
	UserID      int64
	Amount      int64
	Source      string
	Description string
	Metadata    map[string]any
}

type TransferCreditsRequest struct {
	FromUserID  int64
	ToUserID    int64
	Amount      int64
	Description string
}

// EarnRequest asks to credit a user for an activity. Amount 0 means the
// policy's base rate.
type EarnRequest struct {
	UserID       int64
	ActivityType string
	Amount       int64
	Description  string
	Metadata     map[string]any
}

type ListTransactionsRequest struct {
	UserID    int64
	Type      TransactionType
	Source    string
	PageToken string
	PageSize  int
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

type Service interface {
	AddCredits(ctx context.Context, req AddCreditsRequest) (Transaction, error)
	SpendCredits(ctx context.Context, req SpendCreditsRequest) (Transaction, error)
	TransferCredits(ctx context.Context, req TransferCreditsRequest) (TransferResult, error)
	EarnForActivity(ctx context.Context, req EarnRequest) (Transaction, error)

	// AddCreditsTx and SpendCreditsTx join the caller's transaction.
	AddCreditsTx(ctx context.Context, tx *gorm.DB, req AddCreditsRequest) (Transaction, error)
	SpendCreditsTx(ctx context.Context, tx *gorm.DB, req SpendCreditsRequest) (Transaction, error)

	GetWallet(ctx context.Context, userID int64) (Wallet, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}

// EarnAuthorizer decides, inside the earn transaction and after the wallet
// row is locked, how many credits an activity may award.
type EarnAuthorizer interface {
	AuthorizeEarn(ctx context.Context, tx *gorm.DB, userID int64, activityType string, proposedAmount int64, now time.Time) (int64, error)
}

// BurstLimiter is a cheap pre-check in front of EarnAuthorizer.
type BurstLimiter interface {
	Allow(ctx context.Context, userID int64, activityType string) (bool, time.Duration)
}

var (
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrInvalidActivity     = errors.New("invalid_activity")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrSelfTransfer        = errors.New("self_transfer")
	ErrLedgerUnavailable   = errors.New("ledger_unavailable")
	ErrEarningDisabled     = errors.New("earning_disabled")
)
