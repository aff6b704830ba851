package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kora/internal/clock"
	"github.com/smallbiznis/kora/internal/dbtest"
	ledgerdomain "github.com/smallbiznis/kora/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/kora/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/kora/internal/ledger/service"
	"github.com/smallbiznis/kora/internal/promotable"
	"github.com/smallbiznis/kora/internal/promotion/domain"
	"github.com/smallbiznis/kora/internal/promotion/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testStart = time.Date(2025, 4, 18, 12, 0, 0, 0, time.UTC)

const promoterID = int64(1000)

type fixture struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	ledger ledgerdomain.Service
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	fakeClock := clock.NewFakeClock(testStart)

	ledger := ledgerservice.New(ledgerservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
		Repo:  ledgerrepository.Provide(),
	})

	registry := promotable.NewRegistry()
	registry.Register(promotable.KindSong, promotable.ResolverFunc(func(ctx context.Context, id int64) (promotable.Promotable, error) {
		if id == 404 {
			return nil, nil
		}
		return promotable.Item{ItemKind: promotable.KindSong, ItemID: id, ItemTitle: "Afrobeat Sunrise", Owner: promoterID}, nil
	}))

	svc := New(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fakeClock,
		Repo:     repository.Provide(),
		Ledger:   ledger,
		Registry: registry,
	}).(*Service)

	return &fixture{db: conn, clock: fakeClock, ledger: ledger, svc: svc}
}

func (f *fixture) create(t *testing.T, slots int, credits int64) domain.Promotion {
	t.Helper()
	promotion, err := f.svc.Create(context.Background(), domain.CreatePromotionRequest{
		PromoterID:      promoterID,
		Reference:       promotable.Reference{Kind: promotable.KindSong, ID: 77},
		Title:           "Feature my new single",
		Type:            domain.PromotionTypePlaylistFeature,
		CreditsRequired: credits,
		TotalSlots:      slots,
		StartsAt:        testStart.Add(-time.Hour),
		EndsAt:          testStart.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return promotion
}

func (f *fixture) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	_, err := f.ledger.AddCredits(context.Background(), ledgerdomain.AddCreditsRequest{
		UserID: userID,
		Amount: amount,
		Source: ledgerdomain.SourceManual,
	})
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T, userID int64) int64 {
	t.Helper()
	wallet, err := f.ledger.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return wallet.AvailableCredits
}

func (f *fixture) get(t *testing.T, id snowflake.ID) domain.Promotion {
	t.Helper()
	promotion, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return promotion
}

func TestCreatePromotion(t *testing.T) {
	f := newFixture(t)
	promotion := f.create(t, 4, 25)

	assert.Equal(t, domain.StatusActive, promotion.Status)
	assert.Equal(t, int64(100), promotion.TotalCreditsPool)
	assert.Equal(t, 0, promotion.FilledSlots)
	assert.Equal(t, promotable.KindSong, promotion.PromotableKind)
	assert.Equal(t, int64(77), promotion.PromotableID)
	assert.True(t, strings.HasPrefix(promotion.Slug, "feature-my-new-single-"))

	stored := f.get(t, promotion.ID)
	assert.Equal(t, promotion.Slug, stored.Slug)
	assert.True(t, stored.StartsAt.Equal(promotion.StartsAt))

	// The promoter's wallet is not touched.
	assert.Equal(t, int64(0), f.available(t, promoterID))
}

func TestCreatePromotionFallsBackToItemTitle(t *testing.T) {
	f := newFixture(t)
	promotion, err := f.svc.Create(context.Background(), domain.CreatePromotionRequest{
		PromoterID:      promoterID,
		Reference:       promotable.Reference{Kind: promotable.KindSong, ID: 5},
		Type:            domain.PromotionTypeArtistShoutout,
		CreditsRequired: 10,
		TotalSlots:      1,
		StartsAt:        testStart,
		EndsAt:          testStart.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "Afrobeat Sunrise", promotion.Title)
}

func TestCreatePromotionValidation(t *testing.T) {
	f := newFixture(t)
	valid := domain.CreatePromotionRequest{
		PromoterID:      promoterID,
		Reference:       promotable.Reference{Kind: promotable.KindSong, ID: 1},
		Title:           "Shout",
		Type:            domain.PromotionTypeSocialBoost,
		CreditsRequired: 10,
		TotalSlots:      3,
		StartsAt:        testStart,
		EndsAt:          testStart.Add(time.Hour),
	}

	tests := []struct {
		name   string
		mutate func(r *domain.CreatePromotionRequest)
		want   error
	}{
		{"missing promoter", func(r *domain.CreatePromotionRequest) { r.PromoterID = 0 }, domain.ErrInvalidPromoter},
		{"unknown type", func(r *domain.CreatePromotionRequest) { r.Type = "billboard" }, domain.ErrInvalidType},
		{"free slots", func(r *domain.CreatePromotionRequest) { r.CreditsRequired = 0 }, domain.ErrInvalidCreditsRequired},
		{"no slots", func(r *domain.CreatePromotionRequest) { r.TotalSlots = 0 }, domain.ErrInvalidTotalSlots},
		{"inverted window", func(r *domain.CreatePromotionRequest) { r.EndsAt = r.StartsAt.Add(-time.Minute) }, domain.ErrInvalidWindow},
		{"unknown kind", func(r *domain.CreatePromotionRequest) { r.Reference.Kind = promotable.KindEvent }, domain.ErrInvalidReference},
		{"missing item", func(r *domain.CreatePromotionRequest) { r.Reference.ID = 404 }, domain.ErrInvalidReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := f.svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParticipationScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const userA, userB, userC = int64(1), int64(2), int64(3)
	for _, user := range []int64{userA, userB, userC} {
		f.fund(t, user, 100)
	}
	promotion := f.create(t, 2, 15)

	eligibility, err := f.svc.CanUserParticipate(ctx, promotion.ID, userA)
	require.NoError(t, err)
	assert.True(t, eligibility.Eligible)

	participant, err := f.svc.Participate(ctx, promotion.ID, userA)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantStatusPending, participant.Status)
	assert.Equal(t, int64(15), participant.CreditsSpent)
	assert.Equal(t, 1, f.get(t, promotion.ID).FilledSlots)
	assert.Equal(t, int64(85), f.available(t, userA))

	_, err = f.svc.Participate(ctx, promotion.ID, userB)
	require.NoError(t, err)
	assert.Equal(t, 2, f.get(t, promotion.ID).FilledSlots)

	eligibility, err = f.svc.CanUserParticipate(ctx, promotion.ID, userC)
	require.NoError(t, err)
	assert.False(t, eligibility.Eligible)
	assert.ErrorIs(t, eligibility.Reason, domain.ErrPromotionFull)

	_, err = f.svc.Participate(ctx, promotion.ID, userC)
	assert.ErrorIs(t, err, domain.ErrPromotionFull)
	assert.Equal(t, int64(100), f.available(t, userC))
	assert.Equal(t, 100.0, f.get(t, promotion.ID).ParticipationRate())
}

func TestConcurrentParticipationNeverOverbooks(t *testing.T) {
	f := newFixture(t)
	const slots = 5
	promotion := f.create(t, slots, 10)
	for user := int64(1); user <= slots+1; user++ {
		f.fund(t, user, 10)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		full      int
	)
	for user := int64(1); user <= slots+1; user++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := f.svc.Participate(context.Background(), promotion.ID, userID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrPromotionFull):
				full++
			default:
				t.Errorf("unexpected error for user %d: %v", userID, err)
			}
		}(user)
	}
	wg.Wait()

	assert.Equal(t, slots, succeeded)
	assert.Equal(t, 1, full)

	stored := f.get(t, promotion.ID)
	assert.Equal(t, slots, stored.FilledSlots)

	var spent int64
	for user := int64(1); user <= slots+1; user++ {
		spent += 10 - f.available(t, user)
	}
	assert.Equal(t, int64(slots*10), spent)
}

func TestParticipateTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const user = int64(8)
	f.fund(t, user, 100)
	promotion := f.create(t, 3, 20)

	_, err := f.svc.Participate(ctx, promotion.ID, user)
	require.NoError(t, err)

	_, err = f.svc.Participate(ctx, promotion.ID, user)
	assert.ErrorIs(t, err, domain.ErrAlreadyParticipated)

	eligibility, err := f.svc.CanUserParticipate(ctx, promotion.ID, user)
	require.NoError(t, err)
	assert.ErrorIs(t, eligibility.Reason, domain.ErrAlreadyParticipated)

	assert.Equal(t, int64(80), f.available(t, user))
	assert.Equal(t, 1, f.get(t, promotion.ID).FilledSlots)
}

func TestParticipateWithoutCreditsRollsBackSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const user = int64(9)
	f.fund(t, user, 5)
	promotion := f.create(t, 1, 20)

	eligibility, err := f.svc.CanUserParticipate(ctx, promotion.ID, user)
	require.NoError(t, err)
	assert.ErrorIs(t, eligibility.Reason, ledgerdomain.ErrInsufficientCredits)

	_, err = f.svc.Participate(ctx, promotion.ID, user)
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	assert.Equal(t, 0, f.get(t, promotion.ID).FilledSlots)
	assert.Equal(t, int64(5), f.available(t, user))

	var count int64
	require.NoError(t, f.db.Model(&domain.Participant{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestParticipateOutsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const user = int64(12)
	f.fund(t, user, 100)
	promotion := f.create(t, 3, 10)

	f.clock.Set(promotion.StartsAt.Add(-time.Second))
	_, err := f.svc.Participate(ctx, promotion.ID, user)
	assert.ErrorIs(t, err, domain.ErrPromotionNotActive)

	f.clock.Set(promotion.EndsAt.Add(time.Second))
	_, err = f.svc.Participate(ctx, promotion.ID, user)
	assert.ErrorIs(t, err, domain.ErrPromotionNotActive)

	eligibility, err := f.svc.CanUserParticipate(ctx, promotion.ID, user)
	require.NoError(t, err)
	assert.ErrorIs(t, eligibility.Reason, domain.ErrPromotionNotActive)

	f.clock.Set(promotion.EndsAt)
	_, err = f.svc.Participate(ctx, promotion.ID, user)
	assert.NoError(t, err)

	_, err = f.svc.Participate(ctx, snowflake.ID(42), user)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelRefundsPendingParticipantsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const pendingUser, deliveredUser = int64(21), int64(22)
	f.fund(t, pendingUser, 50)
	f.fund(t, deliveredUser, 50)
	promotion := f.create(t, 5, 20)

	_, err := f.svc.Participate(ctx, promotion.ID, pendingUser)
	require.NoError(t, err)
	_, err = f.svc.Participate(ctx, promotion.ID, deliveredUser)
	require.NoError(t, err)

	verified, err := f.svc.VerifyParticipant(ctx, promotion.ID, deliveredUser)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantStatusCompleted, verified.Status)

	assert.Equal(t, int64(30), f.available(t, pendingUser))

	cancelled, err := f.svc.Cancel(ctx, promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	assert.Equal(t, int64(50), f.available(t, pendingUser))
	assert.Equal(t, int64(30), f.available(t, deliveredUser))

	resp, err := f.svc.ListParticipants(ctx, domain.ListParticipantsRequest{PromotionID: promotion.ID})
	require.NoError(t, err)
	statuses := make(map[int64]domain.ParticipantStatus)
	for _, p := range resp.Participants {
		statuses[p.UserID] = p.Status
	}
	assert.Equal(t, domain.ParticipantStatusRefunded, statuses[pendingUser])
	assert.Equal(t, domain.ParticipantStatusCompleted, statuses[deliveredUser])

	var refunds []ledgerdomain.Transaction
	require.NoError(t, f.db.Where("source = ?", domain.SourcePromotionRefund).Find(&refunds).Error)
	require.Len(t, refunds, 1)
	assert.Equal(t, pendingUser, refunds[0].UserID)
	assert.Equal(t, int64(20), refunds[0].Amount)

	// A second cancel and a late complete are no-ops.
	again, err := f.svc.Cancel(ctx, promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, again.Status)
	completed, err := f.svc.Complete(ctx, promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, completed.Status)
	assert.Equal(t, int64(50), f.available(t, pendingUser))

	_, err = f.svc.Participate(ctx, promotion.ID, int64(23))
	assert.ErrorIs(t, err, domain.ErrPromotionNotActive)

	_, err = f.svc.VerifyParticipant(ctx, promotion.ID, pendingUser)
	assert.ErrorIs(t, err, domain.ErrParticipantNotPending)
}

func TestCompleteLeavesParticipantsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const user = int64(31)
	f.fund(t, user, 40)
	promotion := f.create(t, 2, 10)

	_, err := f.svc.Participate(ctx, promotion.ID, user)
	require.NoError(t, err)

	completed, err := f.svc.Complete(ctx, promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	again, err := f.svc.Complete(ctx, promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, again.Status)

	cancelled, err := f.svc.Cancel(ctx, promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, cancelled.Status)
	assert.Equal(t, int64(30), f.available(t, user))

	resp, err := f.svc.ListParticipants(ctx, domain.ListParticipantsRequest{
		PromotionID: promotion.ID,
		Status:      domain.ParticipantStatusPending,
	})
	require.NoError(t, err)
	require.Len(t, resp.Participants, 1)

	verified, err := f.svc.VerifyParticipant(ctx, promotion.ID, user)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantStatusCompleted, verified.Status)

	verifiedAgain, err := f.svc.VerifyParticipant(ctx, promotion.ID, user)
	require.NoError(t, err)
	assert.Equal(t, verified.CompletedAt.Unix(), verifiedAgain.CompletedAt.Unix())

	_, err = f.svc.VerifyParticipant(ctx, promotion.ID, int64(999))
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	_, err = f.svc.Complete(ctx, snowflake.ID(1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, 1, 5)
	second := f.create(t, 1, 5)

	expired, err := f.svc.ListExpired(ctx, testStart, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	later := testStart.Add(25 * time.Hour)
	expired, err = f.svc.ListExpired(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)

	_, err = f.svc.Complete(ctx, first.ID)
	require.NoError(t, err)

	expired, err = f.svc.ListExpired(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, second.ID, expired[0].ID)
}

func TestListParticipantsPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	promotion := f.create(t, 5, 1)
	for user := int64(1); user <= 5; user++ {
		f.fund(t, user, 1)
		_, err := f.svc.Participate(ctx, promotion.ID, user)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	var users []int64
	token := ""
	for {
		resp, err := f.svc.ListParticipants(ctx, domain.ListParticipantsRequest{PromotionID: promotion.ID, PageSize: 2, PageToken: token})
		require.NoError(t, err)
		for _, p := range resp.Participants {
			users = append(users, p.UserID)
		}
		if !resp.HasMore {
			break
		}
		token = resp.NextPageToken
	}
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, users)

	_, err := f.svc.ListParticipants(ctx, domain.ListParticipantsRequest{PromotionID: snowflake.ID(3)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIsBusinessError(t *testing.T) {
	assert.True(t, IsBusinessError(domain.ErrPromotionFull))
	assert.True(t, IsBusinessError(ledgerdomain.ErrInsufficientCredits))
	assert.False(t, IsBusinessError(fmt.Errorf("driver: bad connection")))
}
