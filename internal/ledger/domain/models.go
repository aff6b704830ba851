package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionTypeEarned      TransactionType = "earned"
	TransactionTypeSpent       TransactionType = "spent"
	TransactionTypeTransferred TransactionType = "transferred"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeEarned, TransactionTypeSpent, TransactionTypeTransferred:
		return true
	default:
		return false
	}
}

const (
	SourceTransferOut = "transfer_out"
	SourceTransferIn  = "transfer_in"
	SourceManual      = "manual"
)

// Wallet is the per-user credit balance. AvailableCredits always equals
// EarnedCredits - SpentCredits; PendingCredits is tracked outside that identity.
type Wallet struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID           int64        `gorm:"not null;uniqueIndex:ux_wallets_user_id" json:"user_id"`
	AvailableCredits int64        `gorm:"not null;default:0;check:chk_wallets_available,available_credits >= 0" json:"available_credits"`
	EarnedCredits    int64        `gorm:"not null;default:0;check:chk_wallets_balance,available_credits = earned_credits - spent_credits" json:"earned_credits"`
	SpentCredits     int64        `gorm:"not null;default:0" json:"spent_credits"`
	PendingCredits   int64        `gorm:"not null;default:0" json:"pending_credits"`
	LastActivityAt   *time.Time   `json:"last_activity_at,omitempty"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

// Transaction is an append-only ledger record.
type Transaction struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	WalletID      snowflake.ID      `gorm:"not null;index" json:"wallet_id"`
	UserID        int64             `gorm:"not null;index:ix_credit_transactions_user_source,priority:1" json:"user_id"`
	Type          TransactionType   `gorm:"type:text;not null;index:ix_credit_transactions_user_source,priority:2" json:"type"`
	Amount        int64             `gorm:"not null;check:chk_credit_transactions_amount,amount > 0" json:"amount"`
	Source        string            `gorm:"type:text;not null;index:ix_credit_transactions_user_source,priority:3" json:"source"`
	Description   string            `gorm:"type:text" json:"description,omitempty"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	RelatedUserID *int64            `json:"related_user_id,omitempty"`
	BalanceAfter  int64             `gorm:"not null" json:"balance_after"`
	ProcessedAt   time.Time         `gorm:"not null;index:ix_credit_transactions_user_source,priority:4" json:"processed_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }

// TransferResult holds both legs of a transfer.
type TransferResult struct {
	Out Transaction `json:"out"`
	In  Transaction `json:"in"`
}
