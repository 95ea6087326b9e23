package subscription

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keanlouis30/Easely/pkg/model"
	"github.com/keanlouis30/Easely/pkg/store"
)

type fakeNotifier struct {
	sent []string
	err  error
}

func (f *fakeNotifier) Notify(ctx context.Context, recipientID, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, recipientID+": "+text)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newUser(t *testing.T, s *store.Store, messengerID string, tier model.Tier, expiry *time.Time) *model.User {
	t.Helper()
	u := &model.User{
		MessengerID:      messengerID,
		CanvasToken:      "enc",
		TokenValid:       true,
		Tier:             tier,
		RemindersEnabled: true,
		Active:           true,
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	if expiry != nil {
		require.NoError(t, s.SetSubscription(context.Background(), u.ID, tier, expiry))
		u.SubscriptionExpiry = expiry
	}
	return u
}

func TestEffectiveTier(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	cases := []struct {
		name   string
		tier   model.Tier
		expiry *time.Time
		want   model.Tier
	}{
		{"free", model.TierFree, nil, model.TierFree},
		{"premium with future expiry", model.TierPremium, &future, model.TierPremium},
		{"premium past expiry", model.TierPremium, &past, model.TierFree},
		{"premium at exact expiry", model.TierPremium, &now, model.TierFree},
		{"premium with no expiry", model.TierPremium, nil, model.TierFree},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := &model.User{Tier: tc.tier, SubscriptionExpiry: tc.expiry}
			require.Equal(t, tc.want, EffectiveTier(u, now))
		})
	}
}

func TestThresholdsFollowEffectiveTier(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	lapsed := &model.User{Tier: model.TierPremium, SubscriptionExpiry: &past}
	require.Equal(t, model.FreeThresholds, Thresholds(lapsed, now))

	active := &model.User{Tier: model.TierPremium, SubscriptionExpiry: &future}
	require.Equal(t, model.AllThresholds, Thresholds(active, now))
}

func TestCanAddManualTaskQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)
	gate := NewGate(s, &fakeNotifier{}, 5, zap.NewNop())

	u := newUser(t, s, "m-1", model.TierFree, nil)
	u.MonthResetAt = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ok, err := gate.CanAddManualTask(ctx, u, now)
		require.NoError(t, err)
		require.True(t, ok, "task %d should be allowed", i+1)
		require.NoError(t, s.IncrementManualQuota(ctx, u.ID))
		u.ManualTasksThisMonth++
	}

	ok, err := gate.CanAddManualTask(ctx, u, now)
	require.NoError(t, err)
	require.False(t, ok)

	// A new month starts the counter over.
	may := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	ok, err = gate.CanAddManualTask(ctx, u, may)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, u.ManualTasksThisMonth)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Zero(t, got.ManualTasksThisMonth)
	require.True(t, got.MonthResetAt.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
}

func TestCanAddManualTaskPremiumUnlimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)
	gate := NewGate(s, &fakeNotifier{}, 5, zap.NewNop())

	expiry := now.Add(30 * 24 * time.Hour)
	u := newUser(t, s, "m-1", model.TierPremium, &expiry)
	u.ManualTasksThisMonth = 500

	ok, err := gate.CanAddManualTask(ctx, u, now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpireLapsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	lapsed := newUser(t, s, "m-lapsed", model.TierPremium, &past)
	current := newUser(t, s, "m-current", model.TierPremium, &future)
	free := newUser(t, s, "m-free", model.TierFree, nil)

	notifier := &fakeNotifier{}
	gate := NewGate(s, notifier, 5, zap.NewNop())

	n, err := gate.ExpireLapsed(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetUser(ctx, lapsed.ID)
	require.NoError(t, err)
	require.Equal(t, model.TierFree, got.Tier)
	require.Nil(t, got.SubscriptionExpiry)

	for _, id := range []int64{current.ID, free.ID} {
		got, err := s.GetUser(ctx, id)
		require.NoError(t, err)
		if id == current.ID {
			require.Equal(t, model.TierPremium, got.Tier)
		}
	}

	require.Len(t, notifier.sent, 1)
	require.True(t, strings.HasPrefix(notifier.sent[0], "m-lapsed: "))

	// The sweep is idempotent: the user is already free, so the next run
	// finds nobody and sends nothing.
	n, err = gate.ExpireLapsed(ctx, now)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, notifier.sent, 1)
}

func TestExpireLapsedNoticeFailureStillReverts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Hour)
	u := newUser(t, s, "m-1", model.TierPremium, &past)

	gate := NewGate(s, &fakeNotifier{err: errors.New("messenger is down")}, 5, zap.NewNop())
	n, err := gate.ExpireLapsed(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, model.TierFree, got.Tier)
}

func TestExpireLapsedHonorsCancellation(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	newUser(t, s, "m-1", model.TierPremium, &past)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gate := NewGate(s, &fakeNotifier{}, 5, zap.NewNop())
	n, err := gate.ExpireLapsed(ctx, now)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, n)
}
