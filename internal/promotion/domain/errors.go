package domain

import "errors"

var (
	ErrPromotionNotActive     = errors.New("promotion_not_active")
	ErrPromotionFull          = errors.New("promotion_full")
	ErrAlreadyParticipated    = errors.New("already_participated")
	ErrParticipantNotPending  = errors.New("participant_not_pending")
	ErrNotFound               = errors.New("promotion_not_found")
	ErrParticipantNotFound    = errors.New("participant_not_found")
	ErrInvalidPromoter        = errors.New("invalid_promoter")
	ErrInvalidUser            = errors.New("invalid_user")
	ErrInvalidTitle           = errors.New("invalid_title")
	ErrInvalidType            = errors.New("invalid_promotion_type")
	ErrInvalidCreditsRequired = errors.New("invalid_credits_required")
	ErrInvalidTotalSlots      = errors.New("invalid_total_slots")
	ErrInvalidWindow          = errors.New("invalid_promotion_window")
	ErrInvalidReference       = errors.New("invalid_promotable_reference")
)
