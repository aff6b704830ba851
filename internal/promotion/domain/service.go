package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kora/internal/promotable"
	"github.com/smallbiznis/kora/pkg/db/pagination"
)

type CreatePromotionRequest struct {
	PromoterID      int64
	Reference       promotable.Reference
	Title           string
	Description     string
	Type            PromotionType
	CreditsRequired int64
	TotalSlots      int
	StartsAt        time.Time
	EndsAt          time.Time
}

type ListParticipantsRequest struct {
	PromotionID snowflake.ID
	Status      ParticipantStatus
	PageToken   string
	PageSize    int
}

type ListParticipantsResponse struct {
	pagination.PageInfo
	Participants []Participant `json:"participants"`
}

type Service interface {
	Create(ctx context.Context, req CreatePromotionRequest) (Promotion, error)
	Get(ctx context.Context, id snowflake.ID) (Promotion, error)

	CanUserParticipate(ctx context.Context, promotionID snowflake.ID, userID int64) (Eligibility, error)
	Participate(ctx context.Context, promotionID snowflake.ID, userID int64) (Participant, error)

	// Complete and Cancel are no-ops on a promotion that already ended.
	Complete(ctx context.Context, id snowflake.ID) (Promotion, error)
	Cancel(ctx context.Context, id snowflake.ID) (Promotion, error)

	VerifyParticipant(ctx context.Context, promotionID snowflake.ID, userID int64) (Participant, error)
	ListParticipants(ctx context.Context, req ListParticipantsRequest) (ListParticipantsResponse, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Promotion, error)
}
