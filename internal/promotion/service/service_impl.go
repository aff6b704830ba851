package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/kora/internal/clock"
	"github.com/smallbiznis/kora/internal/config"
	ledgerdomain "github.com/smallbiznis/kora/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/kora/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/kora/internal/observability/metrics"
	"github.com/smallbiznis/kora/internal/promotable"
	"github.com/smallbiznis/kora/internal/promotion/domain"
	"github.com/smallbiznis/kora/pkg/db"
	"github.com/smallbiznis/kora/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Ledger     ledgerdomain.Service
	Registry   *promotable.Registry
	Config     *config.CreditsConfigHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics         `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	ledger     ledgerdomain.Service
	registry   *promotable.Registry
	cfg        *config.CreditsConfigHolder
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("promotion.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		ledger:     p.Ledger,
		registry:   p.Registry,
		cfg:        p.Config,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreatePromotionRequest) (domain.Promotion, error) {
	if req.PromoterID <= 0 {
		return domain.Promotion{}, domain.ErrInvalidPromoter
	}
	if !req.Type.Valid() {
		return domain.Promotion{}, domain.ErrInvalidType
	}
	if req.CreditsRequired <= 0 {
		return domain.Promotion{}, domain.ErrInvalidCreditsRequired
	}
	if req.TotalSlots <= 0 {
		return domain.Promotion{}, domain.ErrInvalidTotalSlots
	}
	if req.CreditsRequired > math.MaxInt64/int64(req.TotalSlots) {
		return domain.Promotion{}, domain.ErrInvalidCreditsRequired
	}
	if req.StartsAt.IsZero() || req.EndsAt.IsZero() || !req.EndsAt.After(req.StartsAt) {
		return domain.Promotion{}, domain.ErrInvalidWindow
	}

	item, err := s.registry.Resolve(ctx, req.Reference)
	if err != nil {
		if errors.Is(err, promotable.ErrUnknownKind) ||
			errors.Is(err, promotable.ErrInvalidID) ||
			errors.Is(err, promotable.ErrNotFound) {
			return domain.Promotion{}, fmt.Errorf("%w: %v", domain.ErrInvalidReference, err)
		}
		return domain.Promotion{}, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = strings.TrimSpace(item.Title())
	}
	if title == "" {
		return domain.Promotion{}, domain.ErrInvalidTitle
	}

	now := s.clock.Now()
	id := s.genID.Generate()
	promotion := domain.Promotion{
		ID:               id,
		PromoterID:       req.PromoterID,
		PromotableKind:   item.Kind(),
		PromotableID:     item.ReferenceID(),
		Slug:             slug.Make(title) + "-" + id.Base36(),
		Title:            title,
		Description:      strings.TrimSpace(req.Description),
		Type:             req.Type,
		CreditsRequired:  req.CreditsRequired,
		TotalSlots:       req.TotalSlots,
		TotalCreditsPool: int64(req.TotalSlots) * req.CreditsRequired,
		Status:           domain.StatusActive,
		StartsAt:         req.StartsAt.UTC(),
		EndsAt:           req.EndsAt.UTC(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, s.db, &promotion); err != nil {
		return domain.Promotion{}, err
	}

	s.log.Info("promotion created",
		zap.String("promotion_id", promotion.ID.String()),
		zap.Int64("promoter_id", promotion.PromoterID),
		zap.String("promotable", promotion.Reference().String()),
		zap.String("type", string(promotion.Type)),
		zap.Int("total_slots", promotion.TotalSlots),
	)
	return promotion, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Promotion, error) {
	promotion, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Promotion{}, err
	}
	if promotion == nil {
		return domain.Promotion{}, domain.ErrNotFound
	}
	return *promotion, nil
}

// CanUserParticipate is an advisory read; Participate re-checks everything
// inside its transaction.
func (s *Service) CanUserParticipate(ctx context.Context, promotionID snowflake.ID, userID int64) (domain.Eligibility, error) {
	if userID <= 0 {
		return domain.Eligibility{}, domain.ErrInvalidUser
	}
	promotion, err := s.Get(ctx, promotionID)
	if err != nil {
		return domain.Eligibility{}, err
	}

	if !promotion.IsActive(s.clock.Now()) {
		return ineligible(domain.ErrPromotionNotActive), nil
	}
	if !promotion.HasAvailableSlots() {
		return ineligible(domain.ErrPromotionFull), nil
	}

	existing, err := s.repo.FindParticipant(ctx, s.db, promotionID, userID)
	if err != nil {
		return domain.Eligibility{}, err
	}
	if existing != nil {
		return ineligible(domain.ErrAlreadyParticipated), nil
	}

	wallet, err := s.ledger.GetWallet(ctx, userID)
	if err != nil {
		return domain.Eligibility{}, err
	}
	if wallet.AvailableCredits < promotion.CreditsRequired {
		return ineligible(ledgerdomain.ErrInsufficientCredits), nil
	}

	return domain.Eligibility{Eligible: true}, nil
}

func (s *Service) Participate(ctx context.Context, promotionID snowflake.ID, userID int64) (domain.Participant, error) {
	if userID <= 0 {
		return domain.Participant{}, domain.ErrInvalidUser
	}

	var (
		participant domain.Participant
		promotion   *domain.Promotion
	)
	err := s.runInTx(ctx, "participate", func(tx *gorm.DB) error {
		now := s.clock.Now()

		var err error
		promotion, err = s.repo.FindByID(ctx, tx, promotionID)
		if err != nil {
			return err
		}
		if promotion == nil {
			return domain.ErrNotFound
		}
		if !promotion.IsActive(now) {
			return domain.ErrPromotionNotActive
		}

		existing, err := s.repo.FindParticipant(ctx, tx, promotionID, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrAlreadyParticipated
		}

		claimed, err := s.repo.ClaimSlot(ctx, tx, promotionID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return s.claimFailure(ctx, tx, promotionID, now)
		}

		if _, err := s.ledger.SpendCreditsTx(ctx, tx, ledgerdomain.SpendCreditsRequest{
			UserID:      userID,
			Amount:      promotion.CreditsRequired,
			Source:      domain.SourcePromotionJoin,
			Description: "Joined promotion " + promotion.Title,
			Metadata: map[string]any{
				"promotion_id": promotion.ID.String(),
			},
		}); err != nil {
			return err
		}

		participant = domain.Participant{
			ID:             s.genID.Generate(),
			PromotionID:    promotion.ID,
			UserID:         userID,
			CreditsSpent:   promotion.CreditsRequired,
			Status:         domain.ParticipantStatusPending,
			ParticipatedAt: now,
		}
		if err := s.repo.InsertParticipant(ctx, tx, &participant); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrAlreadyParticipated
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Participant{}, err
	}

	s.obsMetrics.RecordParticipation(ctx, string(promotion.Type))
	s.obsMetrics.RecordCreditsSpent(ctx, domain.SourcePromotionJoin, participant.CreditsSpent)
	s.log.Info("user joined promotion",
		zap.String("promotion_id", promotion.ID.String()),
		zap.Int64("user_id", userID),
		zap.Int64("credits_spent", participant.CreditsSpent),
	)
	return participant, nil
}

// claimFailure explains why the conditional slot increment matched no row.
func (s *Service) claimFailure(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time) error {
	current, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return domain.ErrNotFound
	}
	if current.IsActive(now) && !current.HasAvailableSlots() {
		return domain.ErrPromotionFull
	}
	return domain.ErrPromotionNotActive
}

func (s *Service) Complete(ctx context.Context, id snowflake.ID) (domain.Promotion, error) {
	var (
		promotion domain.Promotion
		changed   bool
	)
	err := s.runInTx(ctx, "complete_promotion", func(tx *gorm.DB) error {
		locked, err := s.repo.LockByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return domain.ErrNotFound
		}
		if locked.Status.Terminal() {
			promotion = *locked
			return nil
		}

		now := s.clock.Now()
		locked.Status = domain.StatusCompleted
		locked.CompletedAt = &now
		locked.UpdatedAt = now
		if err := s.repo.UpdateStatus(ctx, tx, locked); err != nil {
			return err
		}
		promotion = *locked
		changed = true
		return nil
	})
	if err != nil {
		return domain.Promotion{}, err
	}

	if changed {
		s.log.Info("promotion completed",
			zap.String("promotion_id", promotion.ID.String()),
			zap.Int("filled_slots", promotion.FilledSlots),
		)
	}
	return promotion, nil
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID) (domain.Promotion, error) {
	var (
		promotion domain.Promotion
		refunded  []*domain.Participant
		changed   bool
	)
	err := s.runInTx(ctx, "cancel_promotion", func(tx *gorm.DB) error {
		refunded, changed = nil, false

		locked, err := s.repo.LockByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return domain.ErrNotFound
		}
		if locked.Status.Terminal() {
			promotion = *locked
			return nil
		}

		now := s.clock.Now()
		pending, err := s.repo.LockPendingParticipants(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, participant := range pending {
			if _, err := s.ledger.AddCreditsTx(ctx, tx, ledgerdomain.AddCreditsRequest{
				UserID:      participant.UserID,
				Amount:      participant.CreditsSpent,
				Source:      domain.SourcePromotionRefund,
				Description: "Refund for cancelled promotion " + locked.Title,
				Metadata: map[string]any{
					"promotion_id": locked.ID.String(),
				},
			}); err != nil {
				return err
			}
			participant.Status = domain.ParticipantStatusRefunded
			participant.RefundedAt = &now
			if err := s.repo.UpdateParticipant(ctx, tx, participant); err != nil {
				return err
			}
		}

		locked.Status = domain.StatusCancelled
		locked.CancelledAt = &now
		locked.UpdatedAt = now
		if err := s.repo.UpdateStatus(ctx, tx, locked); err != nil {
			return err
		}
		promotion = *locked
		refunded = pending
		changed = true
		return nil
	})
	if err != nil {
		return domain.Promotion{}, err
	}

	if !changed {
		return promotion, nil
	}

	if len(refunded) > 0 {
		var total int64
		for _, participant := range refunded {
			total += participant.CreditsSpent
		}
		s.obsMetrics.RecordRefunds(ctx, string(promotion.Type), len(refunded))
		s.obsMetrics.RecordCreditsEarned(ctx, domain.SourcePromotionRefund, total)
	}
	s.log.Info("promotion cancelled",
		zap.String("promotion_id", promotion.ID.String()),
		zap.Int("refunded", len(refunded)),
	)
	return promotion, nil
}

func (s *Service) VerifyParticipant(ctx context.Context, promotionID snowflake.ID, userID int64) (domain.Participant, error) {
	if userID <= 0 {
		return domain.Participant{}, domain.ErrInvalidUser
	}

	var participant domain.Participant
	err := s.runInTx(ctx, "verify_participant", func(tx *gorm.DB) error {
		locked, err := s.repo.LockParticipant(ctx, tx, promotionID, userID)
		if err != nil {
			return err
		}
		if locked == nil {
			return domain.ErrParticipantNotFound
		}

		switch locked.Status {
		case domain.ParticipantStatusCompleted:
			participant = *locked
			return nil
		case domain.ParticipantStatusRefunded:
			return domain.ErrParticipantNotPending
		}

		now := s.clock.Now()
		locked.Status = domain.ParticipantStatusCompleted
		locked.CompletedAt = &now
		if err := s.repo.UpdateParticipant(ctx, tx, locked); err != nil {
			return err
		}
		participant = *locked
		return nil
	})
	if err != nil {
		return domain.Participant{}, err
	}
	return participant, nil
}

func (s *Service) ListParticipants(ctx context.Context, req domain.ListParticipantsRequest) (domain.ListParticipantsResponse, error) {
	if _, err := s.Get(ctx, req.PromotionID); err != nil {
		return domain.ListParticipantsResponse{}, err
	}

	filter := domain.ParticipantFilter{
		PromotionID: req.PromotionID,
		Status:      req.Status,
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		id, at, err := pagination.ParseCursor(token)
		if err != nil {
			return domain.ListParticipantsResponse{}, err
		}
		filter.Before = &at
		filter.BeforeID = int64(id)
	}

	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()
	items, err := s.repo.ListParticipants(ctx, s.db, filter, limit+1)
	if err != nil {
		return domain.ListParticipantsResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(p *domain.Participant) string {
		return pagination.CursorFor(p.ID, p.ParticipatedAt)
	})

	participants := make([]domain.Participant, 0, len(items))
	for _, item := range items {
		participants = append(participants, *item)
	}
	return domain.ListParticipantsResponse{
		PageInfo:     *pageInfo,
		Participants: participants,
	}, nil
}

func (s *Service) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Promotion, error) {
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	items, err := s.repo.ListExpired(ctx, s.db, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	promotions := make([]domain.Promotion, 0, len(items))
	for _, item := range items {
		promotions = append(promotions, *item)
	}
	return promotions, nil
}

func (s *Service) runInTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	ledgerCfg := s.cfg.Get().Ledger
	err := db.RunInTx(ctx, s.db, db.TxOptions{
		LockTimeout: ledgerCfg.LockTimeout,
		MaxAttempts: ledgerCfg.MaxAttempts,
		Backoff:     ledgerCfg.RetryBackoff,
		OnRetry: func(err error, wait time.Duration) {
			s.obsMetrics.RecordLedgerRetry(ctx, op)
			s.log.Warn("retrying promotion unit of work",
				zap.String("operation", op),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	}, fn)
	if err == nil || IsBusinessError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	s.log.Error("promotion unit of work failed", zap.String("operation", op), zap.Error(err))
	return fmt.Errorf("%w: %v", ledgerdomain.ErrLedgerUnavailable, err)
}

// IsBusinessError reports whether err is an expected marketplace or ledger
// outcome.
func IsBusinessError(err error) bool {
	return errors.Is(err, domain.ErrPromotionNotActive) ||
		errors.Is(err, domain.ErrPromotionFull) ||
		errors.Is(err, domain.ErrAlreadyParticipated) ||
		errors.Is(err, domain.ErrParticipantNotPending) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrParticipantNotFound) ||
		errors.Is(err, domain.ErrInvalidUser) ||
		ledgerservice.IsBusinessError(err)
}

func ineligible(reason error) domain.Eligibility {
	return domain.Eligibility{Eligible: false, Reason: reason}
}
