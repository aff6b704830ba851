package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kora/internal/clock"
	"github.com/smallbiznis/kora/internal/config"
	"github.com/smallbiznis/kora/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/kora/internal/observability/metrics"
	ratepolicydomain "github.com/smallbiznis/kora/internal/ratepolicy/domain"
	"github.com/smallbiznis/kora/pkg/db"
	"github.com/smallbiznis/kora/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Config     *config.CreditsConfigHolder `optional:"true"`
	Authorizer domain.EarnAuthorizer       `optional:"true"`
	Limiter    domain.BurstLimiter         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics         `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	cfg        *config.CreditsConfigHolder
	authorizer domain.EarnAuthorizer
	limiter    domain.BurstLimiter
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		cfg:        p.Config,
		authorizer: p.Authorizer,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) AddCredits(ctx context.Context, req domain.AddCreditsRequest) (domain.Transaction, error) {
	if err := validateMutation(req.UserID, req.Amount, req.Source); err != nil {
		return domain.Transaction{}, err
	}

	var txn domain.Transaction
	err := s.runInTx(ctx, "add_credits", func(tx *gorm.DB) error {
		var err error
		txn, err = s.AddCreditsTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	s.obsMetrics.RecordCreditsEarned(ctx, txn.Source, txn.Amount)
	return txn, nil
}

func (s *Service) SpendCredits(ctx context.Context, req domain.SpendCreditsRequest) (domain.Transaction, error) {
	if err := validateMutation(req.UserID, req.Amount, req.Source); err != nil {
		return domain.Transaction{}, err
	}

	var txn domain.Transaction
	err := s.runInTx(ctx, "spend_credits", func(tx *gorm.DB) error {
		var err error
		txn, err = s.SpendCreditsTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	s.obsMetrics.RecordCreditsSpent(ctx, txn.Source, txn.Amount)
	return txn, nil
}

func (s *Service) AddCreditsTx(ctx context.Context, tx *gorm.DB, req domain.AddCreditsRequest) (domain.Transaction, error) {
	if err := validateMutation(req.UserID, req.Amount, req.Source); err != nil {
		return domain.Transaction{}, err
	}

	now := s.clock.Now()
	wallet, err := s.lockWallet(ctx, tx, req.UserID, now)
	if err != nil {
		return domain.Transaction{}, err
	}
	return s.credit(ctx, tx, wallet, entry{
		txType:      domain.TransactionTypeEarned,
		amount:      req.Amount,
		source:      strings.TrimSpace(req.Source),
		description: req.Description,
		metadata:    req.Metadata,
	}, now)
}

func (s *Service) SpendCreditsTx(ctx context.Context, tx *gorm.DB, req domain.SpendCreditsRequest) (domain.Transaction, error) {
	if err := validateMutation(req.UserID, req.Amount, req.Source); err != nil {
		return domain.Transaction{}, err
	}

	now := s.clock.Now()
	wallet, err := s.lockWallet(ctx, tx, req.UserID, now)
	if err != nil {
		return domain.Transaction{}, err
	}
	return s.debit(ctx, tx, wallet, entry{
		txType:      domain.TransactionTypeSpent,
		amount:      req.Amount,
		source:      strings.TrimSpace(req.Source),
		description: req.Description,
		metadata:    req.Metadata,
	}, now)
}

func (s *Service) TransferCredits(ctx context.Context, req domain.TransferCreditsRequest) (domain.TransferResult, error) {
	if req.FromUserID <= 0 || req.ToUserID <= 0 {
		return domain.TransferResult{}, domain.ErrInvalidUser
	}
	if req.FromUserID == req.ToUserID {
		return domain.TransferResult{}, domain.ErrSelfTransfer
	}
	if req.Amount <= 0 {
		return domain.TransferResult{}, domain.ErrInvalidAmount
	}

	var result domain.TransferResult
	err := s.runInTx(ctx, "transfer_credits", func(tx *gorm.DB) error {
		now := s.clock.Now()

		// Ascending user id order so opposite transfers cannot deadlock.
		first, second := req.FromUserID, req.ToUserID
		if first > second {
			first, second = second, first
		}
		wallets := make(map[int64]*domain.Wallet, 2)
		for _, userID := range []int64{first, second} {
			wallet, err := s.lockWallet(ctx, tx, userID, now)
			if err != nil {
				return err
			}
			wallets[userID] = wallet
		}

		toUserID, fromUserID := req.ToUserID, req.FromUserID
		out, err := s.debit(ctx, tx, wallets[req.FromUserID], entry{
			txType:        domain.TransactionTypeTransferred,
			amount:        req.Amount,
			source:        domain.SourceTransferOut,
			description:   req.Description,
			relatedUserID: &toUserID,
		}, now)
		if err != nil {
			return err
		}
		in, err := s.credit(ctx, tx, wallets[req.ToUserID], entry{
			txType:        domain.TransactionTypeTransferred,
			amount:        req.Amount,
			source:        domain.SourceTransferIn,
			description:   req.Description,
			relatedUserID: &fromUserID,
		}, now)
		if err != nil {
			return err
		}

		result = domain.TransferResult{Out: out, In: in}
		return nil
	})
	if err != nil {
		return domain.TransferResult{}, err
	}

	s.obsMetrics.RecordCreditsTransferred(ctx, req.Amount)
	return result, nil
}

// EarnForActivity credits a user for an activity once the rate policy allows it.
func (s *Service) EarnForActivity(ctx context.Context, req domain.EarnRequest) (domain.Transaction, error) {
	activity := strings.TrimSpace(req.ActivityType)
	if req.UserID <= 0 {
		return domain.Transaction{}, domain.ErrInvalidUser
	}
	if activity == "" {
		return domain.Transaction{}, domain.ErrInvalidActivity
	}
	if req.Amount < 0 {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	if s.authorizer == nil {
		return domain.Transaction{}, domain.ErrEarningDisabled
	}

	if s.limiter != nil {
		if allowed, wait := s.limiter.Allow(ctx, req.UserID, activity); !allowed {
			s.obsMetrics.RecordEarnDenied(ctx, activity, ratepolicydomain.ReasonBurst)
			return domain.Transaction{}, &ratepolicydomain.RateLimitedError{
				Reason:     ratepolicydomain.ReasonBurst,
				RetryAfter: wait,
			}
		}
	}

	var txn domain.Transaction
	err := s.runInTx(ctx, "earn_credits", func(tx *gorm.DB) error {
		now := s.clock.Now()
		wallet, err := s.lockWallet(ctx, tx, req.UserID, now)
		if err != nil {
			return err
		}

		amount, err := s.authorizer.AuthorizeEarn(ctx, tx, req.UserID, activity, req.Amount, now)
		if err != nil {
			return err
		}

		txn, err = s.credit(ctx, tx, wallet, entry{
			txType:      domain.TransactionTypeEarned,
			amount:      amount,
			source:      activity,
			description: req.Description,
			metadata:    req.Metadata,
		}, now)
		return err
	})
	if err != nil {
		var limited *ratepolicydomain.RateLimitedError
		if errors.As(err, &limited) {
			s.obsMetrics.RecordEarnDenied(ctx, activity, limited.Reason)
		}
		return domain.Transaction{}, err
	}

	s.obsMetrics.RecordCreditsEarned(ctx, txn.Source, txn.Amount)
	return txn, nil
}

func (s *Service) GetWallet(ctx context.Context, userID int64) (domain.Wallet, error) {
	if userID <= 0 {
		return domain.Wallet{}, domain.ErrInvalidUser
	}
	wallet, err := s.repo.FindWallet(ctx, s.db, userID)
	if err != nil {
		return domain.Wallet{}, err
	}
	if wallet == nil {
		return domain.Wallet{UserID: userID}, nil
	}
	return *wallet, nil
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	if req.UserID <= 0 {
		return domain.ListTransactionsResponse{}, domain.ErrInvalidUser
	}

	filter := domain.TransactionFilter{
		UserID: req.UserID,
		Type:   req.Type,
		Source: strings.TrimSpace(req.Source),
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		id, at, err := pagination.ParseCursor(token)
		if err != nil {
			return domain.ListTransactionsResponse{}, err
		}
		filter.Before = &at
		filter.BeforeID = int64(id)
	}

	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()
	items, err := s.repo.ListTransactions(ctx, s.db, filter, limit+1)
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(t *domain.Transaction) string {
		return pagination.CursorFor(t.ID, t.ProcessedAt)
	})

	txns := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		txns = append(txns, *item)
	}
	return domain.ListTransactionsResponse{
		PageInfo:     *pageInfo,
		Transactions: txns,
	}, nil
}

type entry struct {
	txType        domain.TransactionType
	amount        int64
	source        string
	description   string
	metadata      map[string]any
	relatedUserID *int64
}

func (s *Service) lockWallet(ctx context.Context, tx *gorm.DB, userID int64, now time.Time) (*domain.Wallet, error) {
	if err := s.repo.EnsureWallet(ctx, tx, &domain.Wallet{
		ID:        s.genID.Generate(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	wallet, err := s.repo.LockWallet(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, fmt.Errorf("wallet for user %d vanished after insert", userID)
	}
	return wallet, nil
}

func (s *Service) credit(ctx context.Context, tx *gorm.DB, wallet *domain.Wallet, e entry, now time.Time) (domain.Transaction, error) {
	if e.amount > math.MaxInt64-wallet.EarnedCredits || e.amount > math.MaxInt64-wallet.AvailableCredits {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	wallet.EarnedCredits += e.amount
	wallet.AvailableCredits += e.amount
	return s.apply(ctx, tx, wallet, e, now)
}

func (s *Service) debit(ctx context.Context, tx *gorm.DB, wallet *domain.Wallet, e entry, now time.Time) (domain.Transaction, error) {
	if e.amount > wallet.AvailableCredits {
		return domain.Transaction{}, domain.ErrInsufficientCredits
	}
	wallet.SpentCredits += e.amount
	wallet.AvailableCredits -= e.amount
	return s.apply(ctx, tx, wallet, e, now)
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, wallet *domain.Wallet, e entry, now time.Time) (domain.Transaction, error) {
	wallet.LastActivityAt = &now
	wallet.UpdatedAt = now
	if err := s.repo.UpdateBalances(ctx, tx, wallet); err != nil {
		return domain.Transaction{}, err
	}

	metadata := datatypes.JSONMap{}
	for k, v := range e.metadata {
		metadata[k] = v
	}
	txn := domain.Transaction{
		ID:            s.genID.Generate(),
		WalletID:      wallet.ID,
		UserID:        wallet.UserID,
		Type:          e.txType,
		Amount:        e.amount,
		Source:        e.source,
		Description:   strings.TrimSpace(e.description),
		Metadata:      metadata,
		RelatedUserID: e.relatedUserID,
		BalanceAfter:  wallet.AvailableCredits,
		ProcessedAt:   now,
	}
	if err := s.repo.InsertTransaction(ctx, tx, &txn); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

// runInTx runs one ledger unit of work. Business outcomes come back as they
// are; anything else is an infrastructure fault and surfaces as
// ErrLedgerUnavailable once the retry budget is spent.
func (s *Service) runInTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	ledgerCfg := s.cfg.Get().Ledger
	err := db.RunInTx(ctx, s.db, db.TxOptions{
		LockTimeout: ledgerCfg.LockTimeout,
		MaxAttempts: ledgerCfg.MaxAttempts,
		Backoff:     ledgerCfg.RetryBackoff,
		OnRetry: func(err error, wait time.Duration) {
			s.obsMetrics.RecordLedgerRetry(ctx, op)
			s.log.Warn("retrying ledger unit of work",
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

	s.log.Error("ledger unit of work failed", zap.String("operation", op), zap.Error(err))
	return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
}

// IsBusinessError reports whether err is an expected ledger outcome rather
// than an infrastructure fault.
func IsBusinessError(err error) bool {
	return errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, domain.ErrInvalidUser) ||
		errors.Is(err, domain.ErrInvalidSource) ||
		errors.Is(err, domain.ErrInvalidActivity) ||
		errors.Is(err, domain.ErrInsufficientCredits) ||
		errors.Is(err, domain.ErrSelfTransfer) ||
		errors.Is(err, domain.ErrEarningDisabled) ||
		errors.Is(err, ratepolicydomain.ErrRateLimited)
}

func validateMutation(userID, amount int64, source string) error {
	if userID <= 0 {
		return domain.ErrInvalidUser
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if strings.TrimSpace(source) == "" {
		return domain.ErrInvalidSource
	}
	return nil
}
