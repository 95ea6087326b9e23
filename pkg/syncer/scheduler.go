package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/keanlouis30/Easely/pkg/canvas"
	"github.com/keanlouis30/Easely/pkg/crypt"
	"github.com/keanlouis30/Easely/pkg/model"
	"github.com/keanlouis30/Easely/pkg/store"
)

// ErrRunInProgress is returned when a scheduler run is started while another
// is still active. Overlapping runs could double-process a user, so the
// second caller is rejected, not queued.
var ErrRunInProgress = errors.New("syncer: a run is already in progress")

const tokenNotice = "Easely can't access Canvas with your saved token anymore. " +
	"Sync is paused for your account; send me a new access token and I'll pick right back up."

// RemoteSource is the slice of the Canvas client the scheduler consumes.
type RemoteSource interface {
	FetchTasks(ctx context.Context, creds canvas.Credentials) ([]canvas.RemoteTask, error)
	FetchCourses(ctx context.Context, creds canvas.Credentials) ([]canvas.RemoteCourse, error)
}

// Notifier delivers the one-time invalid-credential notice.
type Notifier interface {
	Notify(ctx context.Context, recipientID, text string) error
}

// Options are the externally configured knobs of a scheduler run.
type Options struct {
	// Interval is the minimum time between syncs for one user.
	Interval time.Duration
	// BatchSize caps how many users one run processes.
	BatchSize int
	// CallDelay is the pause between users, keeping us under the Canvas
	// rate ceiling.
	CallDelay time.Duration
	// RunBudget is the wall-clock cap for a whole run; users beyond it
	// wait for the next run.
	RunBudget time.Duration
	// RateLimitPause is the extra pause after Canvas throttles a call.
	RateLimitPause time.Duration
}

// Summary is the per-run report surfaced to operators.
type Summary struct {
	RunID             string
	UsersProcessed    int
	UsersFailed       int
	UsersDeferred     int
	TokensInvalidated int
	Created           int
	Updated           int
	Removed           int
	Errors            []string
	Elapsed           time.Duration
}

// Scheduler drives periodic reconciliation across all users.
type Scheduler struct {
	store      *store.Store
	source     RemoteSource
	reconciler *Reconciler
	cipher     *crypt.Cipher
	notifier   Notifier
	opts       Options
	logger     *zap.Logger

	running *semaphore.Weighted
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// NewScheduler builds a Scheduler.
func NewScheduler(st *store.Store, source RemoteSource, rec *Reconciler, cipher *crypt.Cipher, notifier Notifier, opts Options, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:      st,
		source:     source,
		reconciler: rec,
		cipher:     cipher,
		notifier:   notifier,
		opts:       opts,
		logger:     logger,
		running:    semaphore.NewWeighted(1),
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run performs one scheduler pass: pick the users most overdue for a sync,
// fetch and reconcile each in sequence with a pacing delay, and isolate
// per-user failures. Only one Run may be active at a time.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	if !s.running.TryAcquire(1) {
		return Summary{}, ErrRunInProgress
	}
	defer s.running.Release(1)

	started := s.now()
	summary := Summary{RunID: uuid.NewString()}
	log := s.logger.With(zap.String("run_id", summary.RunID))

	cutoff := started.Add(-s.opts.Interval)
	users, err := s.store.UsersDueForSync(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		// Nothing useful can happen without the mirror; this is the one
		// failure that aborts the run.
		return summary, err
	}
	log.Info("sync run started", zap.Int("eligible_users", len(users)))

	for i, user := range users {
		if err := ctx.Err(); err != nil {
			summary.UsersDeferred += len(users) - i
			log.Info("sync run cancelled", zap.Int("deferred", summary.UsersDeferred))
			break
		}
		if s.opts.RunBudget > 0 && s.now().Sub(started) > s.opts.RunBudget {
			summary.UsersDeferred += len(users) - i
			log.Warn("sync run budget exhausted", zap.Int("deferred", summary.UsersDeferred))
			break
		}
		if i > 0 {
			if err := s.sleep(ctx, s.opts.CallDelay); err != nil {
				summary.UsersDeferred += len(users) - i
				break
			}
		}

		s.syncUser(ctx, user, &summary, log)
	}

	summary.Elapsed = s.now().Sub(started)
	log.Info("sync run finished",
		zap.Int("processed", summary.UsersProcessed),
		zap.Int("failed", summary.UsersFailed),
		zap.Int("deferred", summary.UsersDeferred),
		zap.Int("tokens_invalidated", summary.TokensInvalidated),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("removed", summary.Removed),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

// syncUser fetches and reconciles one user. Every failure is absorbed into
// the summary; nothing here stops the batch.
func (s *Scheduler) syncUser(ctx context.Context, user *model.User, summary *Summary, log *zap.Logger) {
	ulog := log.With(zap.Int64("user_id", user.ID))

	token, err := s.cipher.Decrypt(user.CanvasToken)
	if err != nil {
		summary.UsersFailed++
		summary.Errors = append(summary.Errors, err.Error())
		ulog.Error("failed to decrypt stored token", zap.Error(err))
		return
	}
	creds := canvas.Credentials{Token: token, BaseURL: user.CanvasBaseURL}

	snapshot, err := s.source.FetchTasks(ctx, creds)
	if err != nil {
		s.handleFetchError(ctx, user, err, summary, ulog)
		return
	}

	// The fetch is complete before any mirror write begins; no lock spans
	// the network call.
	result, err := s.reconciler.Reconcile(ctx, user, snapshot)
	summary.Created += result.Created
	summary.Updated += result.Updated
	summary.Removed += result.Removed
	summary.Errors = append(summary.Errors, result.Errors...)
	if err != nil {
		summary.UsersFailed++
		summary.Errors = append(summary.Errors, err.Error())
		ulog.Error("reconciliation failed", zap.Error(err))
		return
	}

	// Course cache refresh is opportunistic; a failure here must not cost
	// the user their successful sync.
	if courses, err := s.source.FetchCourses(ctx, creds); err != nil {
		ulog.Warn("course listing failed", zap.Error(err))
	} else {
		s.reconciler.ReconcileCourses(ctx, user, courses)
	}

	// A successful reconciliation with zero changes still counts: the
	// user drops to the back of the queue either way.
	if err := s.store.MarkSyncSuccess(ctx, user.ID, s.now()); err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		ulog.Error("failed to record sync success", zap.Error(err))
		return
	}
	summary.UsersProcessed++
	ulog.Debug("user synced",
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("removed", result.Removed))
}

func (s *Scheduler) handleFetchError(ctx context.Context, user *model.User, err error, summary *Summary, ulog *zap.Logger) {
	switch {
	case canvas.IsAuth(err):
		// Canvas rejected the credential. Flag it so no further remote
		// calls are attempted for this user until a new token arrives,
		// and tell the user once. last_sync_at stays put.
		if serr := s.store.InvalidateToken(ctx, user.ID); serr != nil {
			summary.Errors = append(summary.Errors, serr.Error())
			ulog.Error("failed to flag invalid token", zap.Error(serr))
		} else {
			summary.TokensInvalidated++
			ulog.Warn("canvas token rejected, sync halted for user")
			if s.notifier != nil {
				if nerr := s.notifier.Notify(ctx, user.MessengerID, tokenNotice); nerr != nil {
					ulog.Warn("failed to deliver token notice", zap.Error(nerr))
				}
			}
		}
		summary.UsersFailed++

	case canvas.IsRateLimit(err):
		// Throttled. Defer this user to the next run and slow the batch
		// down before touching the next one.
		summary.UsersDeferred++
		ulog.Warn("canvas rate limit hit, deferring user")
		_ = s.sleep(ctx, s.opts.RateLimitPause)

	default:
		summary.UsersFailed++
		summary.Errors = append(summary.Errors, err.Error())
		ulog.Warn("canvas fetch failed, will retry next run", zap.Error(err))
	}
}
