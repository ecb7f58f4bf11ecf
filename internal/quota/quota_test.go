package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/franzego/habitpush/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockSubscriptions struct {
	mock.Mock
}

func (m *MockSubscriptions) IsPremium(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

var testLimits = Limits{
	AnonymousMessages: 3,
	FreeMessages:      10,
	FreeNotifications: 2,
	PremiumDaily:      100,
	PremiumPenalty:    50 * time.Millisecond,
}

func setupGate(t *testing.T, subs SubscriptionLookup, now time.Time) (*Gate, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewGate(rdb, subs, testLimits, zap.NewNop(), WithClock(func() time.Time { return now })), rdb
}

func TestClassify(t *testing.T) {
	subs := new(MockSubscriptions)
	subs.On("IsPremium", mock.Anything, "paid").Return(true, nil)
	subs.On("IsPremium", mock.Anything, "basic").Return(false, nil)
	subs.On("IsPremium", mock.Anything, "flaky").Return(true, errors.New("subscription service down"))
	gate, _ := setupGate(t, subs, time.Now())
	ctx := context.Background()

	assert.Equal(t, models.TierAnonymous, gate.Classify(ctx, "guest", true))
	assert.Equal(t, models.TierPremium, gate.Classify(ctx, "paid", false))
	assert.Equal(t, models.TierFree, gate.Classify(ctx, "basic", false))
	assert.Equal(t, models.TierFree, gate.Classify(ctx, "flaky", false), "lookup errors never upgrade")

	rec, err := gate.Get(ctx, "paid")
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, rec.Tier)
	subs.AssertNotCalled(t, "IsPremium", mock.Anything, "guest")
}

func TestAdmit_AnonymousAndFreeLimits(t *testing.T) {
	gate, rdb := setupGate(t, new(MockSubscriptions), time.Now())
	ctx := context.Background()

	require.NoError(t, rdb.HSet(ctx, "quota:guest", "lifetime_message_count", 3).Err())
	d, err := gate.Admit(ctx, "guest", models.TierAnonymous, models.WorkChatMessage)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Verdict)
	assert.Equal(t, ReasonAnonymousLimit, d.Reason)

	require.NoError(t, rdb.HSet(ctx, "quota:free", "lifetime_message_count", 10).Err())
	d, err = gate.Admit(ctx, "free", models.TierFree, models.WorkChatMessage)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Verdict)
	assert.Equal(t, ReasonFreeTierLimit, d.Reason)

	d, err = gate.Admit(ctx, "fresh", models.TierFree, models.WorkChatMessage)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)

	require.NoError(t, rdb.HSet(ctx, "quota:free", "lifetime_notification_count", 2).Err())
	d, err = gate.Admit(ctx, "free", models.TierFree, models.WorkNotification)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Verdict)
	assert.Equal(t, ReasonFreeTierLimit, d.Reason)
}

func TestAcquire_PremiumOverDailyCeilingIsDelayedNotDenied(t *testing.T) {
	subs := new(MockSubscriptions)
	subs.On("IsPremium", mock.Anything, "vip").Return(true, nil)
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	gate, rdb := setupGate(t, subs, now)
	ctx := context.Background()

	require.NoError(t, rdb.HSet(ctx, "quota:vip", "daily_count", 101, "daily_count_date", "2026-05-10").Err())

	start := time.Now()
	tier, d, err := gate.Acquire(ctx, "vip", false, models.WorkChatMessage)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, tier)
	assert.Equal(t, AllowWithDelay, d.Verdict)
	assert.True(t, d.Allowed())
	assert.GreaterOrEqual(t, elapsed, testLimits.PremiumPenalty)
}

func TestAdmit_PremiumDailyCounterRollsOver(t *testing.T) {
	now := time.Date(2026, 5, 11, 0, 5, 0, 0, time.UTC)
	gate, rdb := setupGate(t, new(MockSubscriptions), now)
	ctx := context.Background()

	require.NoError(t, rdb.HSet(ctx, "quota:vip", "daily_count", 150, "daily_count_date", "2026-05-10").Err())

	d, err := gate.Admit(ctx, "vip", models.TierPremium, models.WorkChatMessage)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)

	changed, err := gate.RecordUsage(ctx, "vip", models.TierPremium, models.WorkChatMessage)
	require.NoError(t, err)
	assert.True(t, changed)

	rec, err := gate.Get(ctx, "vip")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.DailyCount)
	assert.Equal(t, "2026-05-11", rec.DailyCountDate)
	assert.Equal(t, now.Unix(), rec.LastActiveAt.Unix())
}

func TestWait_HonoursContext(t *testing.T) {
	gate, _ := setupGate(t, new(MockSubscriptions), time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gate.Wait(ctx, Decision{Verdict: AllowWithDelay, Delay: time.Hour})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, gate.Wait(ctx, Decision{Verdict: Allow}))
}

func TestRecordUsage_FreeNotificationCountNeverExceedsCeiling(t *testing.T) {
	gate, _ := setupGate(t, new(MockSubscriptions), time.Now())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.RecordUsage(ctx, "free", models.TierFree, models.WorkNotification)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := gate.Get(ctx, "free")
	require.NoError(t, err)
	assert.Equal(t, testLimits.FreeNotifications, rec.LifetimeNotificationCount)

	changed, err := gate.RecordUsage(ctx, "free", models.TierFree, models.WorkNotification)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRecordUsage_PremiumNotificationsCountTotalReceived(t *testing.T) {
	gate, _ := setupGate(t, new(MockSubscriptions), time.Now())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := gate.RecordUsage(ctx, "vip", models.TierPremium, models.WorkNotification)
		require.NoError(t, err)
	}
	rec, err := gate.Get(ctx, "vip")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.TotalReceived)
	assert.Equal(t, 0, rec.LifetimeNotificationCount)
}

func TestAdmit_PremiumNotificationsShareDailyCeiling(t *testing.T) {
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	gate, rdb := setupGate(t, new(MockSubscriptions), now)
	ctx := context.Background()

	require.NoError(t, rdb.HSet(ctx, "quota:vip", "daily_count", 101, "daily_count_date", "2026-05-10").Err())

	for _, kind := range []models.WorkKind{models.WorkNotification, models.WorkChatMessage} {
		d, err := gate.Admit(ctx, "vip", models.TierPremium, kind)
		require.NoError(t, err)
		assert.Equal(t, AllowWithDelay, d.Verdict, "kind %s", kind)
		assert.Equal(t, testLimits.PremiumPenalty, d.Delay)
	}

	// yesterday's count does not throttle today
	require.NoError(t, rdb.HSet(ctx, "quota:vip", "daily_count_date", "2026-05-09").Err())
	d, err := gate.Admit(ctx, "vip", models.TierPremium, models.WorkNotification)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)
}

func TestRecordUsage_PremiumNotificationsAdvanceDailyCount(t *testing.T) {
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	gate, _ := setupGate(t, new(MockSubscriptions), now)
	ctx := context.Background()

	for i := 0; i < testLimits.PremiumDaily+1; i++ {
		_, err := gate.RecordUsage(ctx, "vip", models.TierPremium, models.WorkNotification)
		require.NoError(t, err)
	}
	rec, err := gate.Get(ctx, "vip")
	require.NoError(t, err)
	assert.Equal(t, testLimits.PremiumDaily+1, rec.DailyCount)
	assert.Equal(t, "2026-05-10", rec.DailyCountDate)
	assert.True(t, rec.LastActiveAt.IsZero(), "notifications are not user activity")

	d, err := gate.Admit(ctx, "vip", models.TierPremium, models.WorkNotification)
	require.NoError(t, err)
	assert.Equal(t, AllowWithDelay, d.Verdict)
}
