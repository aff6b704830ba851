package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RatePolicy governs how many credits one activity type awards. A nil
// MaxDaily means unlimited, a nil CooldownMinutes means no cooldown.
type RatePolicy struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	ActivityType    string       `gorm:"type:text;not null;uniqueIndex:ux_credit_rate_policies_activity" json:"activity_type"`
	BaseRate        int64        `gorm:"not null" json:"base_rate"`
	MaxDaily        *int64       `json:"max_daily"`
	CooldownMinutes *int         `json:"cooldown_minutes"`
	IsActive        bool         `gorm:"not null" json:"is_active"`
	Description     string       `gorm:"type:text" json:"description,omitempty"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

func (RatePolicy) TableName() string { return "credit_rate_policies" }

func (p RatePolicy) Cooldown() time.Duration {
	if p.CooldownMinutes == nil || *p.CooldownMinutes <= 0 {
		return 0
	}
	return time.Duration(*p.CooldownMinutes) * time.Minute
}

// Decision is the outcome of an allowed earn.
type Decision struct {
	Amount   int64        `json:"amount"`
	PolicyID snowflake.ID `json:"policy_id"`
}
