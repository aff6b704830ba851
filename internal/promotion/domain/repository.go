package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ParticipantFilter struct {
	PromotionID snowflake.ID
	Status      ParticipantStatus
	Before      *time.Time
	BeforeID    int64
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, promotion *Promotion) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Promotion, error)
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Promotion, error)
	// ClaimSlot increments filled_slots only while the promotion is active,
	// inside its window and not full. It reports whether a slot was taken.
	ClaimSlot(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, promotion *Promotion) error
	ListExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*Promotion, error)

	FindParticipant(ctx context.Context, db *gorm.DB, promotionID snowflake.ID, userID int64) (*Participant, error)
	LockParticipant(ctx context.Context, db *gorm.DB, promotionID snowflake.ID, userID int64) (*Participant, error)
	InsertParticipant(ctx context.Context, db *gorm.DB, participant *Participant) error
	UpdateParticipant(ctx context.Context, db *gorm.DB, participant *Participant) error
	ListParticipants(ctx context.Context, db *gorm.DB, filter ParticipantFilter, limit int) ([]*Participant, error)
	// LockPendingParticipants returns pending rows ordered by user id.
	LockPendingParticipants(ctx context.Context, db *gorm.DB, promotionID snowflake.ID) ([]*Participant, error)
}
