package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/kora/internal/clock"
	"github.com/smallbiznis/kora/internal/config"
	"github.com/smallbiznis/kora/internal/dbtest"
	ledgerdomain "github.com/smallbiznis/kora/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/kora/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/kora/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/kora/internal/observability/metrics"
	"github.com/smallbiznis/kora/internal/promotable"
	promotiondomain "github.com/smallbiznis/kora/internal/promotion/domain"
	promotionrepository "github.com/smallbiznis/kora/internal/promotion/repository"
	promotionservice "github.com/smallbiznis/kora/internal/promotion/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 4, 18, 12, 0, 0, 0, time.UTC)

type mockPromotions struct {
	mock.Mock
	promotiondomain.Service
}

func (m *mockPromotions) ListExpired(ctx context.Context, now time.Time, limit int) ([]promotiondomain.Promotion, error) {
	args := m.Called(ctx, now, limit)
	promotions, _ := args.Get(0).([]promotiondomain.Promotion)
	return promotions, args.Error(1)
}

func (m *mockPromotions) Complete(ctx context.Context, id snowflake.ID) (promotiondomain.Promotion, error) {
	args := m.Called(ctx, id)
	return promotiondomain.Promotion{ID: id, Status: promotiondomain.StatusCompleted}, args.Error(0)
}

func (m *mockPromotions) Cancel(ctx context.Context, id snowflake.ID) (promotiondomain.Promotion, error) {
	args := m.Called(ctx, id)
	return promotiondomain.Promotion{ID: id, Status: promotiondomain.StatusCancelled}, args.Error(0)
}

type stubLocker struct {
	grant    bool
	err      error
	acquired int
	released int
}

func (l *stubLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l.err != nil {
		return "", false, l.err
	}
	if !l.grant {
		return "", false, nil
	}
	l.acquired++
	return "token", true, nil
}

func (l *stubLocker) Release(ctx context.Context, key, token string) error {
	l.released++
	return nil
}

func newTestScheduler(t *testing.T, svc promotiondomain.Service, sweep config.SweepConfig) (*Scheduler, *prometheus.Registry) {
	t.Helper()

	cfg := config.DefaultCreditsConfig()
	cfg.Sweep = sweep
	registry := prometheus.NewRegistry()

	s, err := New(Params{
		Log:          zap.NewNop(),
		GenID:        dbtest.Node(t),
		Clock:        clock.NewFakeClock(testNow),
		PromotionSvc: svc,
		Config:       config.NewStaticCreditsConfigHolder(cfg),
		Metrics:      obsmetrics.NewSweepMetrics(registry, obsmetrics.Config{ServiceName: "kora", Environment: "test"}),
	})
	require.NoError(t, err)
	return s, registry
}

func expired(ids ...int64) []promotiondomain.Promotion {
	out := make([]promotiondomain.Promotion, 0, len(ids))
	for _, id := range ids {
		out = append(out, promotiondomain.Promotion{ID: snowflake.ID(id), Status: promotiondomain.StatusActive})
	}
	return out
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSweepCompletesExpiredPromotions(t *testing.T) {
	svc := &mockPromotions{}
	svc.On("ListExpired", mock.Anything, testNow, 2).Return(expired(1, 2), nil).Once()
	svc.On("ListExpired", mock.Anything, testNow, 2).Return(expired(3), nil).Once()
	svc.On("Complete", mock.Anything, mock.Anything).Return(nil).Times(3)

	s, registry := newTestScheduler(t, svc, config.SweepConfig{
		Schedule: "0 * * * * *", ExpiredAction: config.SweepActionComplete, BatchSize: 2, LockTTL: time.Second,
	})

	result, err := s.SweepExpiredPromotions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Finalized: 3}, result)
	svc.AssertExpectations(t)
	svc.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)

	assert.Equal(t, float64(1), counterValue(t, registry, "kora_sweep_runs_total", nil))
	assert.Equal(t, float64(3), counterValue(t, registry, "kora_sweep_promotions_finalized_total", map[string]string{"action": "complete"}))
}

func TestSweepCancelAction(t *testing.T) {
	svc := &mockPromotions{}
	svc.On("ListExpired", mock.Anything, testNow, 100).Return(expired(7), nil).Once()
	svc.On("Cancel", mock.Anything, snowflake.ID(7)).Return(nil).Once()

	s, _ := newTestScheduler(t, svc, config.SweepConfig{ExpiredAction: config.SweepActionCancel})

	result, err := s.SweepExpiredPromotions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Finalized)
	svc.AssertExpectations(t)
}

func TestSweepStopsPagingAfterFailure(t *testing.T) {
	svc := &mockPromotions{}
	svc.On("ListExpired", mock.Anything, testNow, 2).Return(expired(1, 2), nil).Once()
	svc.On("Complete", mock.Anything, snowflake.ID(1)).Return(errors.New("boom")).Once()
	svc.On("Complete", mock.Anything, snowflake.ID(2)).Return(nil).Once()

	s, registry := newTestScheduler(t, svc, config.SweepConfig{ExpiredAction: config.SweepActionComplete, BatchSize: 2})

	result, err := s.SweepExpiredPromotions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Finalized: 1, Failed: 1}, result)
	svc.AssertExpectations(t)
	assert.Equal(t, float64(1), counterValue(t, registry, "kora_sweep_errors_total", map[string]string{"reason": obsmetrics.SweepReasonUnknown}))
}

func TestSweepSkipsWhenLockHeldElsewhere(t *testing.T) {
	svc := &mockPromotions{}
	s, registry := newTestScheduler(t, svc, config.SweepConfig{})
	locker := &stubLocker{grant: false}
	s.WithLocker(locker)

	result, err := s.SweepExpiredPromotions(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	svc.AssertNotCalled(t, "ListExpired", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, float64(1), counterValue(t, registry, "kora_sweep_skipped_total", map[string]string{"reason": obsmetrics.SweepSkippedLockHeld}))
}

func TestSweepReleasesLock(t *testing.T) {
	svc := &mockPromotions{}
	svc.On("ListExpired", mock.Anything, testNow, 100).Return(nil, nil).Once()
	s, _ := newTestScheduler(t, svc, config.SweepConfig{})
	locker := &stubLocker{grant: true}
	s.WithLocker(locker)

	_, err := s.SweepExpiredPromotions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestSweepLockErrorIsReturned(t *testing.T) {
	svc := &mockPromotions{}
	s, _ := newTestScheduler(t, svc, config.SweepConfig{})
	s.WithLocker(&stubLocker{err: errors.New("redis down")})

	_, err := s.SweepExpiredPromotions(context.Background())
	assert.EqualError(t, err, "redis down")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s, _ := newTestScheduler(t, &mockPromotions{}, config.SweepConfig{Schedule: "not a schedule"})
	assert.Error(t, s.Start())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestStartAndStop(t *testing.T) {
	s, _ := newTestScheduler(t, &mockPromotions{}, config.SweepConfig{Schedule: "0 0 0 1 1 *"})
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop(context.Background()))
}

func TestSweepAgainstLedgerIsIdempotent(t *testing.T) {
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	fakeClock := clock.NewFakeClock(testNow)

	ledger := ledgerservice.New(ledgerservice.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: fakeClock, Repo: ledgerrepository.Provide(),
	})
	registry := promotable.NewRegistry()
	registry.Register(promotable.KindEvent, promotable.ResolverFunc(func(ctx context.Context, id int64) (promotable.Promotable, error) {
		return promotable.Item{ItemKind: promotable.KindEvent, ItemID: id, ItemTitle: "Lagos Live", Owner: 1}, nil
	}))
	promotions := promotionservice.New(promotionservice.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: fakeClock,
		Repo: promotionrepository.Provide(), Ledger: ledger, Registry: registry,
	})

	ctx := context.Background()
	promotion, err := promotions.Create(ctx, promotiondomain.CreatePromotionRequest{
		PromoterID:      1,
		Reference:       promotable.Reference{Kind: promotable.KindEvent, ID: 9},
		Type:            promotiondomain.PromotionTypeEventMention,
		CreditsRequired: 10,
		TotalSlots:      3,
		StartsAt:        testNow.Add(-time.Hour),
		EndsAt:          testNow.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = ledger.AddCredits(ctx, ledgerdomain.AddCreditsRequest{UserID: 2, Amount: 30, Source: ledgerdomain.SourceManual})
	require.NoError(t, err)
	_, err = promotions.Participate(ctx, promotion.ID, 2)
	require.NoError(t, err)

	cfg := config.DefaultCreditsConfig()
	cfg.Sweep.ExpiredAction = config.SweepActionCancel
	s, err := New(Params{
		Log: zap.NewNop(), GenID: node, Clock: fakeClock, PromotionSvc: promotions,
		Config: config.NewStaticCreditsConfigHolder(cfg),
	})
	require.NoError(t, err)

	// Nothing has expired yet.
	result, err := s.SweepExpiredPromotions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Finalized)

	fakeClock.Advance(2 * time.Hour)
	result, err = s.SweepExpiredPromotions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Finalized)

	result, err = s.SweepExpiredPromotions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Finalized)

	stored, err := promotions.Get(ctx, promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, promotiondomain.StatusCancelled, stored.Status)

	wallet, err := ledger.GetWallet(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(30), wallet.AvailableCredits)
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

// labelsMatch ignores the service and env const labels.
func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, label := range metric.Label {
		switch label.GetName() {
		case "service", "env":
			continue
		}
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
		matched++
	}
	return matched == len(labels)
}
