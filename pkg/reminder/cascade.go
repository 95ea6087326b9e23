// Package reminder is the cascade engine: each pass reads the mirror, works
// out which (task, threshold) pairs are due and unsent, dispatches each one
// exactly once, and records the send. Passes are coarse (hourly is fine) and
// tolerate arbitrary jitter, so the logic is "has this threshold elapsed",
// never "are we inside a narrow window".
package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/keanlouis30/Easely/pkg/model"
	"github.com/keanlouis30/Easely/pkg/store"
	"github.com/keanlouis30/Easely/pkg/subscription"
)

// ErrRunInProgress is returned when a dispatch pass is started while another
// is still active.
var ErrRunInProgress = errors.New("reminder: a dispatch pass is already in progress")

// Notifier delivers a composed reminder. The engine is agnostic to the
// transport; any error is a delivery failure and the pair is retried on the
// next pass.
type Notifier interface {
	Notify(ctx context.Context, recipientID, text string) error
}

// Summary is the per-pass report surfaced to operators.
type Summary struct {
	RunID        string
	TasksChecked int
	Sent         int
	Skipped      int
	Errors       []string
	Elapsed      time.Duration
}

// Engine evaluates and dispatches due reminders.
type Engine struct {
	store    *store.Store
	notifier Notifier
	logger   *zap.Logger

	running *semaphore.Weighted
	now     func() time.Time
}

// NewEngine builds an Engine.
func NewEngine(st *store.Store, notifier Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		store:    st,
		notifier: notifier,
		logger:   logger,
		running:  semaphore.NewWeighted(1),
		now:      time.Now,
	}
}

// DispatchDue runs one pass at the given instant. For every active task due
// within the longest lead time, it derives the owner's eligible thresholds
// from their tier *right now* (an upgrade or lapse between passes takes
// effect immediately), and sends every elapsed, still-unsent threshold,
// furthest from the deadline first. A threshold is marked sent only after
// the dispatcher confirms delivery, and the mark is guarded by the due date
// it was decided against, so a pair is never sent twice for the same
// deadline. Only one pass may be active at a time.
func (e *Engine) DispatchDue(ctx context.Context, now time.Time) (Summary, error) {
	if !e.running.TryAcquire(1) {
		return Summary{}, ErrRunInProgress
	}
	defer e.running.Release(1)

	started := e.now()
	summary := Summary{RunID: uuid.NewString()}
	log := e.logger.With(zap.String("run_id", summary.RunID))

	candidates, err := e.store.ReminderCandidates(ctx, now, model.Week1.Duration())
	if err != nil {
		return summary, err
	}
	summary.TasksChecked = len(candidates)
	log.Info("reminder pass started", zap.Int("candidates", len(candidates)))

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			break
		}
		e.dispatchTask(ctx, &candidates[i], now, &summary, log)
	}

	summary.Elapsed = e.now().Sub(started)
	log.Info("reminder pass finished",
		zap.Int("checked", summary.TasksChecked),
		zap.Int("sent", summary.Sent),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", len(summary.Errors)),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

func (e *Engine) dispatchTask(ctx context.Context, c *store.ReminderCandidate, now time.Time, summary *Summary, log *zap.Logger) {
	task, user := &c.Task, &c.User

	// Tier is re-derived every pass. A premium-only threshold already
	// marked sent stays sent after a downgrade; one never sent is simply
	// no longer eligible, not retroactively fired.
	for _, th := range subscription.Thresholds(user, now) {
		remindAt := task.DueAt.Add(-th.Duration())
		if now.Before(remindAt) {
			continue
		}
		if task.ReminderSent(th) {
			summary.Skipped++
			continue
		}

		msg := composeMessage(task, user, th)
		if err := e.notifier.Notify(ctx, user.MessengerID, msg); err != nil {
			// Not marked sent, so next pass retries this pair. A dead
			// channel for this user would fail every threshold the same
			// way, so move on to the next task.
			summary.Errors = append(summary.Errors, err.Error())
			log.Warn("reminder delivery failed",
				zap.Int64("task_id", task.ID),
				zap.Duration("threshold", th.Duration()),
				zap.Error(err))
			return
		}

		marked, err := e.store.MarkReminderSent(ctx, task.ID, th, task.DueAt)
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			log.Error("failed to record sent reminder",
				zap.Int64("task_id", task.ID), zap.Error(err))
			return
		}
		if !marked {
			// The due date moved (or another pass won) between our read
			// and the write. The flag state on disk is authoritative.
			summary.Skipped++
			continue
		}
		summary.Sent++
		log.Debug("reminder sent",
			zap.Int64("task_id", task.ID),
			zap.Int64("user_id", user.ID),
			zap.Duration("threshold", th.Duration()))
	}
}
