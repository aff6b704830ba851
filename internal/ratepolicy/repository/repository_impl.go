package repository

import (
	"context"

	"github.com/smallbiznis/kora/internal/ratepolicy/domain"
	"github.com/smallbiznis/kora/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const policyColumns = `id, activity_type, base_rate, max_daily, cooldown_minutes,
	is_active, description, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByActivity(ctx context.Context, conn *gorm.DB, activityType string) (*domain.RatePolicy, error) {
	return r.find(ctx, conn, activityType, "")
}

func (r *repo) LockByActivity(ctx context.Context, conn *gorm.DB, activityType string) (*domain.RatePolicy, error) {
	return r.find(ctx, conn, activityType, db.ForUpdate(conn))
}

func (r *repo) find(ctx context.Context, conn *gorm.DB, activityType, suffix string) (*domain.RatePolicy, error) {
	var policy domain.RatePolicy
	err := conn.WithContext(ctx).Raw(
		`SELECT `+policyColumns+` FROM credit_rate_policies WHERE activity_type = ?`+suffix,
		activityType,
	).Scan(&policy).Error
	if err != nil {
		return nil, err
	}
	if policy.ID == 0 {
		return nil, nil
	}
	return &policy, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB) ([]*domain.RatePolicy, error) {
	var policies []*domain.RatePolicy
	err := conn.WithContext(ctx).Raw(
		`SELECT ` + policyColumns + ` FROM credit_rate_policies ORDER BY activity_type ASC`,
	).Scan(&policies).Error
	if err != nil {
		return nil, err
	}
	return policies, nil
}

// Upsert writes every mutable column, keeping id and created_at of an
// existing row.
func (r *repo) Upsert(ctx context.Context, conn *gorm.DB, policy *domain.RatePolicy) error {
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "activity_type"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"base_rate", "max_daily", "cooldown_minutes", "is_active", "description", "updated_at",
			}),
		}).
		Create(policy).Error
}

func (r *repo) InsertIfAbsent(ctx context.Context, conn *gorm.DB, policy *domain.RatePolicy) (bool, error) {
	result := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "activity_type"}},
			DoNothing: true,
		}).
		Create(policy)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Update(ctx context.Context, conn *gorm.DB, policy *domain.RatePolicy) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE credit_rate_policies
		 SET base_rate = ?, max_daily = ?, cooldown_minutes = ?, is_active = ?,
		     description = ?, updated_at = ?
		 WHERE id = ?`,
		policy.BaseRate,
		policy.MaxDaily,
		policy.CooldownMinutes,
		policy.IsActive,
		policy.Description,
		policy.UpdatedAt,
		policy.ID,
	).Error
}
