package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type UpsertRequest struct {
	ActivityType    string
	BaseRate        int64
	MaxDaily        *int64
	CooldownMinutes *int
	IsActive        bool
	Description     string
}

// UpdateLimitsRequest replaces both limits; nil removes the limit.
type UpdateLimitsRequest struct {
	MaxDaily        *int64
	CooldownMinutes *int
}

type Service interface {
	AuthorizeEarn(ctx context.Context, tx *gorm.DB, userID int64, activityType string, proposedAmount int64, now time.Time) (Decision, error)

	Upsert(ctx context.Context, req UpsertRequest) (RatePolicy, error)
	Activate(ctx context.Context, activityType string) (RatePolicy, error)
	Deactivate(ctx context.Context, activityType string) (RatePolicy, error)
	UpdateRate(ctx context.Context, activityType string, baseRate int64) (RatePolicy, error)
	UpdateLimits(ctx context.Context, activityType string, req UpdateLimitsRequest) (RatePolicy, error)
	Get(ctx context.Context, activityType string) (RatePolicy, error)
	List(ctx context.Context) ([]RatePolicy, error)

	// SeedDefaults inserts configured default policies that are missing.
	SeedDefaults(ctx context.Context) (int, error)
}
