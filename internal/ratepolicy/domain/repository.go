package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindByActivity(ctx context.Context, db *gorm.DB, activityType string) (*RatePolicy, error)
	LockByActivity(ctx context.Context, db *gorm.DB, activityType string) (*RatePolicy, error)
	List(ctx context.Context, db *gorm.DB) ([]*RatePolicy, error)
	Upsert(ctx context.Context, db *gorm.DB, policy *RatePolicy) error
	InsertIfAbsent(ctx context.Context, db *gorm.DB, policy *RatePolicy) (bool, error)
	Update(ctx context.Context, db *gorm.DB, policy *RatePolicy) error
}

// History answers questions about a user's past earnings. Both reads run on
// the caller's transaction.
type History interface {
	LastEarnedAt(ctx context.Context, db *gorm.DB, userID int64, source string) (*time.Time, error)
	SumEarnedSince(ctx context.Context, db *gorm.DB, userID int64, source string, since time.Time) (int64, error)
}
