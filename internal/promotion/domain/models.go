package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kora/internal/promotable"
)

type PromotionType string

const (
	PromotionTypeArtistShoutout  PromotionType = "artist_shoutout"
	PromotionTypePlaylistFeature PromotionType = "playlist_feature"
	PromotionTypeSocialBoost     PromotionType = "social_boost"
	PromotionTypeEventMention    PromotionType = "event_mention"
)

func (t PromotionType) Valid() bool {
	switch t {
	case PromotionTypeArtistShoutout, PromotionTypePlaylistFeature, PromotionTypeSocialBoost, PromotionTypeEventMention:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type ParticipantStatus string

const (
	ParticipantStatusPending   ParticipantStatus = "pending"
	ParticipantStatusCompleted ParticipantStatus = "completed"
	ParticipantStatusRefunded  ParticipantStatus = "refunded"
)

const (
	SourcePromotionJoin   = "promotion_join"
	SourcePromotionRefund = "promotion_refund"
)

// Promotion sells TotalSlots slots at CreditsRequired each.
// 0 <= FilledSlots <= TotalSlots always holds.
type Promotion struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	PromoterID       int64           `gorm:"not null;index" json:"promoter_id"`
	PromotableKind   promotable.Kind `gorm:"type:text;not null" json:"promotable_kind"`
	PromotableID     int64           `gorm:"not null" json:"promotable_id"`
	Slug             string          `gorm:"type:text;not null;uniqueIndex:ux_promotions_slug" json:"slug"`
	Title            string          `gorm:"type:text;not null" json:"title"`
	Description      string          `gorm:"type:text" json:"description,omitempty"`
	Type             PromotionType   `gorm:"type:text;not null" json:"type"`
	CreditsRequired  int64           `gorm:"not null;check:chk_promotions_credits_required,credits_required > 0" json:"credits_required"`
	TotalSlots       int             `gorm:"not null;check:chk_promotions_total_slots,total_slots > 0" json:"total_slots"`
	FilledSlots      int             `gorm:"not null;default:0;check:chk_promotions_filled_slots,filled_slots >= 0 AND filled_slots <= total_slots" json:"filled_slots"`
	TotalCreditsPool int64           `gorm:"not null" json:"total_credits_pool"`
	Status           Status          `gorm:"type:text;not null;index:ix_promotions_status_ends_at,priority:1" json:"status"`
	StartsAt         time.Time       `gorm:"not null" json:"starts_at"`
	EndsAt           time.Time       `gorm:"not null;index:ix_promotions_status_ends_at,priority:2" json:"ends_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

func (Promotion) TableName() string { return "promotions" }

func (p Promotion) Reference() promotable.Reference {
	return promotable.Reference{Kind: p.PromotableKind, ID: p.PromotableID}
}

// IsActive reports whether the promotion accepts participants at now.
func (p Promotion) IsActive(now time.Time) bool {
	return p.Status == StatusActive && !now.Before(p.StartsAt) && !now.After(p.EndsAt)
}

func (p Promotion) HasAvailableSlots() bool {
	return p.FilledSlots < p.TotalSlots
}

func (p Promotion) RemainingSlots() int {
	if p.FilledSlots >= p.TotalSlots {
		return 0
	}
	return p.TotalSlots - p.FilledSlots
}

// ParticipationRate is the filled percentage, 0 for a promotion without slots.
func (p Promotion) ParticipationRate() float64 {
	if p.TotalSlots <= 0 {
		return 0
	}
	return float64(p.FilledSlots) / float64(p.TotalSlots) * 100
}

type Participant struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	PromotionID    snowflake.ID      `gorm:"not null;uniqueIndex:ux_promotion_participants_user,priority:1" json:"promotion_id"`
	UserID         int64             `gorm:"not null;uniqueIndex:ux_promotion_participants_user,priority:2" json:"user_id"`
	CreditsSpent   int64             `gorm:"not null" json:"credits_spent"`
	Status         ParticipantStatus `gorm:"type:text;not null" json:"status"`
	ParticipatedAt time.Time         `gorm:"not null" json:"participated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	RefundedAt     *time.Time        `json:"refunded_at,omitempty"`
}

func (Participant) TableName() string { return "promotion_participants" }

// Eligibility answers whether a user may join right now. Reason is nil when
// Eligible is true.
type Eligibility struct {
	Eligible bool  `json:"eligible"`
	Reason   error `json:"-"`
}
