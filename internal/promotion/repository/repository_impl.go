package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kora/internal/promotion/domain"
	"github.com/smallbiznis/kora/pkg/db"
	"gorm.io/gorm"
)

const promotionColumns = `id, promoter_id, promotable_kind, promotable_id, slug, title, description,
	type, credits_required, total_slots, filled_slots, total_credits_pool, status,
	starts_at, ends_at, completed_at, cancelled_at, created_at, updated_at`

const participantColumns = `id, promotion_id, user_id, credits_spent, status,
	participated_at, completed_at, refunded_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, promotion *domain.Promotion) error {
	return conn.WithContext(ctx).Create(promotion).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Promotion, error) {
	return r.find(ctx, conn, id, "")
}

func (r *repo) LockByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Promotion, error) {
	return r.find(ctx, conn, id, db.ForUpdate(conn))
}

func (r *repo) find(ctx context.Context, conn *gorm.DB, id snowflake.ID, suffix string) (*domain.Promotion, error) {
	var promotion domain.Promotion
	err := conn.WithContext(ctx).Raw(
		`SELECT `+promotionColumns+` FROM promotions WHERE id = ?`+suffix,
		id,
	).Scan(&promotion).Error
	if err != nil {
		return nil, err
	}
	if promotion.ID == 0 {
		return nil, nil
	}
	return &promotion, nil
}

func (r *repo) ClaimSlot(ctx context.Context, conn *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE promotions
		 SET filled_slots = filled_slots + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND starts_at <= ? AND ends_at >= ?
		   AND filled_slots < total_slots`,
		now,
		id,
		string(domain.StatusActive),
		now,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdateStatus(ctx context.Context, conn *gorm.DB, promotion *domain.Promotion) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE promotions
		 SET status = ?, completed_at = ?, cancelled_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(promotion.Status),
		promotion.CompletedAt,
		promotion.CancelledAt,
		promotion.UpdatedAt,
		promotion.ID,
	).Error
}

func (r *repo) ListExpired(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]*domain.Promotion, error) {
	var promotions []*domain.Promotion
	err := conn.WithContext(ctx).Raw(
		`SELECT `+promotionColumns+` FROM promotions
		 WHERE status = ? AND ends_at < ?
		 ORDER BY ends_at ASC, id ASC
		 LIMIT ?`,
		string(domain.StatusActive),
		now,
		limit,
	).Scan(&promotions).Error
	if err != nil {
		return nil, err
	}
	return promotions, nil
}

func (r *repo) FindParticipant(ctx context.Context, conn *gorm.DB, promotionID snowflake.ID, userID int64) (*domain.Participant, error) {
	return r.findParticipant(ctx, conn, promotionID, userID, "")
}

func (r *repo) LockParticipant(ctx context.Context, conn *gorm.DB, promotionID snowflake.ID, userID int64) (*domain.Participant, error) {
	return r.findParticipant(ctx, conn, promotionID, userID, db.ForUpdate(conn))
}

func (r *repo) findParticipant(ctx context.Context, conn *gorm.DB, promotionID snowflake.ID, userID int64, suffix string) (*domain.Participant, error) {
	var participant domain.Participant
	err := conn.WithContext(ctx).Raw(
		`SELECT `+participantColumns+` FROM promotion_participants
		 WHERE promotion_id = ? AND user_id = ?`+suffix,
		promotionID,
		userID,
	).Scan(&participant).Error
	if err != nil {
		return nil, err
	}
	if participant.ID == 0 {
		return nil, nil
	}
	return &participant, nil
}

func (r *repo) InsertParticipant(ctx context.Context, conn *gorm.DB, participant *domain.Participant) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO promotion_participants (`+participantColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		participant.ID,
		participant.PromotionID,
		participant.UserID,
		participant.CreditsSpent,
		string(participant.Status),
		participant.ParticipatedAt,
		participant.CompletedAt,
		participant.RefundedAt,
	).Error
}

func (r *repo) UpdateParticipant(ctx context.Context, conn *gorm.DB, participant *domain.Participant) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE promotion_participants
		 SET status = ?, completed_at = ?, refunded_at = ?
		 WHERE id = ?`,
		string(participant.Status),
		participant.CompletedAt,
		participant.RefundedAt,
		participant.ID,
	).Error
}

func (r *repo) ListParticipants(ctx context.Context, conn *gorm.DB, filter domain.ParticipantFilter, limit int) ([]*domain.Participant, error) {
	stmt := conn.WithContext(ctx).
		Model(&domain.Participant{}).
		Select(participantColumns).
		Where("promotion_id = ?", filter.PromotionID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", string(filter.Status))
	}
	if filter.Before != nil {
		stmt = stmt.Where("(participated_at < ? OR (participated_at = ? AND id < ?))", *filter.Before, *filter.Before, filter.BeforeID)
	}

	var participants []*domain.Participant
	err := stmt.
		Order("participated_at desc, id desc").
		Limit(limit).
		Find(&participants).Error
	if err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *repo) LockPendingParticipants(ctx context.Context, conn *gorm.DB, promotionID snowflake.ID) ([]*domain.Participant, error) {
	var participants []*domain.Participant
	err := conn.WithContext(ctx).Raw(
		`SELECT `+participantColumns+` FROM promotion_participants
		 WHERE promotion_id = ? AND status = ?
		 ORDER BY user_id ASC`+db.ForUpdate(conn),
		promotionID,
		string(domain.ParticipantStatusPending),
	).Scan(&participants).Error
	if err != nil {
		return nil, err
	}
	return participants, nil
}
