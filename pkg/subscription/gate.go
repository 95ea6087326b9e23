// Package subscription decides what a user is entitled to right now. Every
// consumer of tier-dependent behavior goes through EffectiveTier rather than
// the stored column, so a lapsed premium user loses premium treatment the
// moment their expiry passes, not whenever the sweep next runs.
package subscription

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/keanlouis30/Easely/pkg/model"
	"github.com/keanlouis30/Easely/pkg/store"
)

// Notifier delivers the one-time lapse notice.
type Notifier interface {
	Notify(ctx context.Context, recipientID, text string) error
}

const lapseNotice = "Your Easely Premium access has expired. " +
	"Your free account is still active and you'll keep getting your daily assignment reminders. " +
	"You can renew any time from the menu."

// Gate evaluates entitlements.
type Gate struct {
	store     *store.Store
	notifier  Notifier
	freeLimit int
	logger    *zap.Logger
}

// NewGate builds a Gate. freeLimit is the monthly manual-task quota for the
// free tier.
func NewGate(st *store.Store, notifier Notifier, freeLimit int, logger *zap.Logger) *Gate {
	return &Gate{store: st, notifier: notifier, freeLimit: freeLimit, logger: logger}
}

// EffectiveTier returns the tier the user is entitled to at now. Pure
// function of the stored tier, the stored expiry and now: a premium tier
// with no expiry or a passed expiry counts as free regardless of what the
// column still says.
func EffectiveTier(u *model.User, now time.Time) model.Tier {
	if u.Tier != model.TierPremium {
		return model.TierFree
	}
	if u.SubscriptionExpiry == nil || !now.Before(*u.SubscriptionExpiry) {
		return model.TierFree
	}
	return model.TierPremium
}

// Thresholds returns the reminder set the user is entitled to at now.
func Thresholds(u *model.User, now time.Time) []model.Threshold {
	return model.ThresholdsFor(EffectiveTier(u, now))
}

// CanAddManualTask reports whether the user may create another manual task.
// Premium is unlimited; free users get g.freeLimit per calendar month. When
// the stored quota month is stale the counter is reset first, so a new month
// always starts from zero.
func (g *Gate) CanAddManualTask(ctx context.Context, u *model.User, now time.Time) (bool, error) {
	if EffectiveTier(u, now) == model.TierPremium {
		return true, nil
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if u.MonthResetAt.Before(monthStart) {
		if err := g.store.ResetManualQuota(ctx, u.ID, monthStart); err != nil {
			return false, err
		}
		u.ManualTasksThisMonth = 0
		u.MonthResetAt = monthStart
	}
	return u.ManualTasksThisMonth < g.freeLimit, nil
}

// ExpireLapsed physically reverts every lapsed premium user to free and
// clears the expiry column, sending each exactly one lapse notice. The revert
// is data hygiene: entitlement decisions already treat these users as free
// via EffectiveTier. Returns the number of users reverted.
func (g *Gate) ExpireLapsed(ctx context.Context, now time.Time) (int, error) {
	lapsed, err := g.store.LapsedPremiumUsers(ctx, now)
	if err != nil {
		return 0, err
	}

	reverted := 0
	for _, u := range lapsed {
		if err := ctx.Err(); err != nil {
			return reverted, err
		}
		if err := g.store.SetSubscription(ctx, u.ID, model.TierFree, nil); err != nil {
			g.logger.Error("failed to revert lapsed user",
				zap.Int64("user_id", u.ID), zap.Error(err))
			continue
		}
		reverted++
		g.logger.Info("premium subscription lapsed",
			zap.Int64("user_id", u.ID),
			zap.Timep("expired_at", u.SubscriptionExpiry))

		// The notice rides on the revert transition, so it fires once per
		// lapse. Delivery failure is logged, not retried: the downgrade
		// itself already happened.
		if g.notifier != nil {
			if err := g.notifier.Notify(ctx, u.MessengerID, lapseNotice); err != nil {
				g.logger.Warn("failed to deliver lapse notice",
					zap.Int64("user_id", u.ID), zap.Error(err))
			}
		}
	}
	return reverted, nil
}
