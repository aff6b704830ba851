package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/smallbiznis/kora/internal/clock"
	"github.com/smallbiznis/kora/internal/config"
	"github.com/smallbiznis/kora/internal/dbtest"
	"github.com/smallbiznis/kora/internal/ratepolicy/domain"
	"github.com/smallbiznis/kora/internal/ratepolicy/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) LastEarnedAt(ctx context.Context, db *gorm.DB, userID int64, source string) (*time.Time, error) {
	args := m.Called(ctx, db, userID, source)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*time.Time), args.Error(1)
}

func (m *mockHistory) SumEarnedSince(ctx context.Context, db *gorm.DB, userID int64, source string, since time.Time) (int64, error) {
	args := m.Called(ctx, db, userID, source, since)
	return args.Get(0).(int64), args.Error(1)
}

var now = time.Date(2025, 6, 1, 15, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, history domain.History, cfg *config.CreditsConfigHolder) (*Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	svc := New(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   dbtest.Node(t),
		Clock:   clock.NewFakeClock(now),
		Repo:    repository.Provide(),
		History: history,
		Config:  cfg,
	}).(*Service)
	return svc, conn
}

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }

func TestAuthorizeEarnUsesBaseRate(t *testing.T) {
	history := &mockHistory{}
	svc, conn := newTestService(t, history, nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, domain.UpsertRequest{ActivityType: "song_upload", BaseRate: 10, IsActive: true})
	require.NoError(t, err)

	decision, err := svc.AuthorizeEarn(ctx, conn, 1, "song_upload", 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(10), decision.Amount)
	assert.NotZero(t, decision.PolicyID)

	decision, err = svc.AuthorizeEarn(ctx, conn, 1, "song_upload", 4, now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), decision.Amount)

	history.AssertNotCalled(t, "LastEarnedAt", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAuthorizeEarnCooldown(t *testing.T) {
	history := &mockHistory{}
	svc, conn := newTestService(t, history, nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, domain.UpsertRequest{ActivityType: "daily_login", BaseRate: 5, CooldownMinutes: intPtr(60), IsActive: true})
	require.NoError(t, err)

	recent := now.Add(-20 * time.Minute)
	history.On("LastEarnedAt", mock.Anything, mock.Anything, int64(9), "daily_login").Return(&recent, nil).Once()

	_, err = svc.AuthorizeEarn(ctx, conn, 9, "daily_login", 0, now)
	var limited *domain.RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, domain.ReasonCooldown, limited.Reason)
	assert.Equal(t, 40*time.Minute, limited.RetryAfter)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	old := now.Add(-61 * time.Minute)
	history.On("LastEarnedAt", mock.Anything, mock.Anything, int64(9), "daily_login").Return(&old, nil).Once()
	_, err = svc.AuthorizeEarn(ctx, conn, 9, "daily_login", 0, now)
	assert.NoError(t, err)

	history.AssertExpectations(t)
}

func TestAuthorizeEarnDailyCap(t *testing.T) {
	history := &mockHistory{}
	svc, conn := newTestService(t, history, nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, domain.UpsertRequest{ActivityType: "song_play", BaseRate: 1, MaxDaily: int64Ptr(50), IsActive: true})
	require.NoError(t, err)

	dayStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	history.On("SumEarnedSince", mock.Anything, mock.Anything, int64(3), "song_play", dayStart).Return(int64(49), nil)

	decision, err := svc.AuthorizeEarn(ctx, conn, 3, "song_play", 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), decision.Amount)

	_, err = svc.AuthorizeEarn(ctx, conn, 3, "song_play", 2, now)
	var limited *domain.RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, domain.ReasonDailyCap, limited.Reason)
	assert.Equal(t, 8*time.Hour+30*time.Minute, limited.RetryAfter)

	_, err = svc.AuthorizeEarn(ctx, conn, 3, "song_play", math.MaxInt64, now)
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, domain.ReasonDailyCap, limited.Reason)
}

func TestAuthorizeEarnDisabledOrMissingPolicy(t *testing.T) {
	svc, conn := newTestService(t, &mockHistory{}, nil)
	ctx := context.Background()

	_, err := svc.AuthorizeEarn(ctx, conn, 1, "missing", 0, now)
	var limited *domain.RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, domain.ReasonPolicyDisabled, limited.Reason)

	_, err = svc.Upsert(ctx, domain.UpsertRequest{ActivityType: "referral", BaseRate: 50, IsActive: false})
	require.NoError(t, err)
	_, err = svc.AuthorizeEarn(ctx, conn, 1, "referral", 0, now)
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, domain.ReasonPolicyDisabled, limited.Reason)

	_, err = svc.AuthorizeEarn(ctx, conn, 1, " ", 0, now)
	assert.ErrorIs(t, err, domain.ErrInvalidActivity)
}

func TestMutationsInvalidateCachedPolicy(t *testing.T) {
	svc, conn := newTestService(t, &mockHistory{}, nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, domain.UpsertRequest{ActivityType: "song_upload", BaseRate: 5, IsActive: true})
	require.NoError(t, err)

	decision, err := svc.AuthorizeEarn(ctx, conn, 1, "song_upload", 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), decision.Amount)

	// A write behind the store's back stays invisible until the entry is dropped.
	require.NoError(t, conn.Exec(`UPDATE credit_rate_policies SET base_rate = 9 WHERE activity_type = ?`, "song_upload").Error)
	decision, err = svc.AuthorizeEarn(ctx, conn, 1, "song_upload", 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), decision.Amount)

	updated, err := svc.UpdateRate(ctx, "song_upload", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), updated.BaseRate)

	decision, err = svc.AuthorizeEarn(ctx, conn, 1, "song_upload", 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), decision.Amount)

	_, err = svc.Deactivate(ctx, "song_upload")
	require.NoError(t, err)
	_, err = svc.AuthorizeEarn(ctx, conn, 1, "song_upload", 0, now)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	activated, err := svc.Activate(ctx, "song_upload")
	require.NoError(t, err)
	assert.True(t, activated.IsActive)
	_, err = svc.AuthorizeEarn(ctx, conn, 1, "song_upload", 0, now)
	assert.NoError(t, err)
}

// interleavingRepo runs afterFind once, between a policy read and the
// caller's use of it.
type interleavingRepo struct {
	domain.Repository
	afterFind func()
}

func (r *interleavingRepo) FindByActivity(ctx context.Context, db *gorm.DB, activityType string) (*domain.RatePolicy, error) {
	policy, err := r.Repository.FindByActivity(ctx, db, activityType)
	if hook := r.afterFind; hook != nil {
		r.afterFind = nil
		hook()
	}
	return policy, err
}

func TestDeactivateDuringLookupIsNotCachedStale(t *testing.T) {
	conn := dbtest.Open(t)
	repo := &interleavingRepo{Repository: repository.Provide()}
	svc := New(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   dbtest.Node(t),
		Clock:   clock.NewFakeClock(now),
		Repo:    repo,
		History: &mockHistory{},
	}).(*Service)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, domain.UpsertRequest{ActivityType: "daily_login", BaseRate: 5, IsActive: true})
	require.NoError(t, err)

	repo.afterFind = func() {
		_, err := svc.Deactivate(ctx, "daily_login")
		require.NoError(t, err)
	}

	// The in-flight read saw the active row.
	_, err = svc.AuthorizeEarn(ctx, conn, 1, "daily_login", 0, now)
	require.NoError(t, err)

	_, err = svc.AuthorizeEarn(ctx, conn, 1, "daily_login", 0, now)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestUpsertKeepsIdentity(t *testing.T) {
	svc, _ := newTestService(t, &mockHistory{}, nil)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, domain.UpsertRequest{ActivityType: "referral", BaseRate: 50, IsActive: true})
	require.NoError(t, err)
	second, err := svc.Upsert(ctx, domain.UpsertRequest{ActivityType: "referral", BaseRate: 60, MaxDaily: int64Ptr(600), IsActive: true})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(60), second.BaseRate)
	require.NotNil(t, second.MaxDaily)
	assert.Equal(t, int64(600), *second.MaxDaily)

	policies, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 1)
}

func TestUpdateLimits(t *testing.T) {
	svc, _ := newTestService(t, &mockHistory{}, nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, domain.UpsertRequest{ActivityType: "song_play", BaseRate: 1, MaxDaily: int64Ptr(50), CooldownMinutes: intPtr(1), IsActive: true})
	require.NoError(t, err)

	updated, err := svc.UpdateLimits(ctx, "song_play", domain.UpdateLimitsRequest{MaxDaily: int64Ptr(80)})
	require.NoError(t, err)
	require.NotNil(t, updated.MaxDaily)
	assert.Equal(t, int64(80), *updated.MaxDaily)
	assert.Nil(t, updated.CooldownMinutes)

	_, err = svc.UpdateLimits(ctx, "song_play", domain.UpdateLimitsRequest{CooldownMinutes: intPtr(0)})
	assert.ErrorIs(t, err, domain.ErrInvalidCooldown)

	_, err = svc.UpdateRate(ctx, "song_play", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidBaseRate)

	_, err = svc.UpdateRate(ctx, "nope", 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpsertValidation(t *testing.T) {
	svc, _ := newTestService(t, &mockHistory{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.UpsertRequest
		want error
	}{
		{"missing activity", domain.UpsertRequest{BaseRate: 1}, domain.ErrInvalidActivity},
		{"zero rate", domain.UpsertRequest{ActivityType: "a", BaseRate: 0}, domain.ErrInvalidBaseRate},
		{"negative cap", domain.UpsertRequest{ActivityType: "a", BaseRate: 1, MaxDaily: int64Ptr(-1)}, domain.ErrInvalidMaxDaily},
		{"zero cooldown", domain.UpsertRequest{ActivityType: "a", BaseRate: 1, CooldownMinutes: intPtr(0)}, domain.ErrInvalidCooldown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upsert(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	cfg := config.DefaultCreditsConfig()
	cfg.RatePolicy.Defaults = []config.PolicyDefault{
		{ActivityType: "daily_login", BaseRate: 5, MaxDaily: int64Ptr(5), CooldownMinutes: intPtr(1440)},
		{ActivityType: "song_play", BaseRate: 1, MaxDaily: int64Ptr(50)},
		{ActivityType: "broken", BaseRate: 0},
	}
	svc, _ := newTestService(t, &mockHistory{}, config.NewStaticCreditsConfigHolder(cfg))
	ctx := context.Background()

	_, err := svc.Upsert(ctx, domain.UpsertRequest{ActivityType: "song_play", BaseRate: 3, IsActive: false})
	require.NoError(t, err)

	seeded, err := svc.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, seeded)

	// Operator edits survive a reseed.
	songPlay, err := svc.Get(ctx, "song_play")
	require.NoError(t, err)
	assert.Equal(t, int64(3), songPlay.BaseRate)
	assert.False(t, songPlay.IsActive)

	seeded, err = svc.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, seeded)

	_, err = svc.Get(ctx, "broken")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStartOfUTCDay(t *testing.T) {
	lagos := time.FixedZone("WAT", 3600)
	at := time.Date(2025, 6, 2, 0, 30, 0, 0, lagos)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), StartOfUTCDay(at))
}
