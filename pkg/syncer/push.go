package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/keanlouis30/Easely/pkg/canvas"
	"github.com/keanlouis30/Easely/pkg/crypt"
	"github.com/keanlouis30/Easely/pkg/model"
	"github.com/keanlouis30/Easely/pkg/store"
	"github.com/keanlouis30/Easely/pkg/subscription"
)

// ErrQuotaExceeded is returned when a free-tier user is out of manual tasks
// for the month.
var ErrQuotaExceeded = fmt.Errorf("syncer: monthly manual task limit reached")

// RemotePusher is the slice of the Canvas client the push leg consumes.
type RemotePusher interface {
	PushTask(ctx context.Context, creds canvas.Credentials, task *model.Task) (string, error)
}

// TaskService owns the manual-task lifecycle: creation against the quota,
// and the one-directional push to Canvas. This is the only path by which a
// manual task gains a remote id; the pull reconciler never assigns one.
type TaskService struct {
	store  *store.Store
	pusher RemotePusher
	gate   *subscription.Gate
	cipher *crypt.Cipher
	logger *zap.Logger
}

// NewTaskService builds a TaskService.
func NewTaskService(st *store.Store, pusher RemotePusher, gate *subscription.Gate, cipher *crypt.Cipher, logger *zap.Logger) *TaskService {
	return &TaskService{store: st, pusher: pusher, gate: gate, cipher: cipher, logger: logger}
}

// CreateManualTask creates a user-authored task, counts it against the
// monthly quota, and pushes it to Canvas on a best-effort basis. A failed
// push leaves the task local-only; it can be pushed again later.
func (ts *TaskService) CreateManualTask(ctx context.Context, user *model.User, title, description string, dueAt time.Time, courseID string) (*model.Task, error) {
	ok, err := ts.gate.CanAddManualTask(ctx, user, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuotaExceeded
	}

	task := &model.Task{
		UserID:   user.ID,
		Origin:   model.OriginManual,
		CourseID: courseID,
		Title:    title,
		DueAt:    dueAt.UTC(),
	}
	task.Description = description
	if courseID != "" {
		if course, err := ts.store.GetCourse(ctx, user.ID, courseID); err == nil {
			task.CourseTitle = course.Name
		}
	}

	if err := ts.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	if err := ts.store.IncrementManualQuota(ctx, user.ID); err != nil {
		return nil, err
	}

	if user.HasCredential() {
		if err := ts.PushManual(ctx, user, task); err != nil {
			ts.logger.Warn("manual task created locally but push to canvas failed",
				zap.Int64("task_id", task.ID), zap.Error(err))
		}
	}
	return task, nil
}

// PushManual pushes one manual task upstream and annotates it with the
// remote id Canvas assigned. Pushing a task that already has a remote id is
// a no-op.
func (ts *TaskService) PushManual(ctx context.Context, user *model.User, task *model.Task) error {
	if task.Origin != model.OriginManual {
		return fmt.Errorf("task %d has origin %s, only manual tasks are pushed", task.ID, task.Origin)
	}
	if task.RemoteID != "" {
		return nil
	}

	token, err := ts.cipher.Decrypt(user.CanvasToken)
	if err != nil {
		return err
	}
	remoteID, err := ts.pusher.PushTask(ctx, canvas.Credentials{Token: token, BaseURL: user.CanvasBaseURL}, task)
	if err != nil {
		return err
	}

	if err := ts.store.SetTaskRemoteID(ctx, task.ID, remoteID); err != nil {
		return err
	}
	task.RemoteID = remoteID
	ts.logger.Info("manual task pushed to canvas",
		zap.Int64("task_id", task.ID), zap.String("remote_id", remoteID))
	return nil
}
