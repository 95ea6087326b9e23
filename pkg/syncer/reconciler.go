// Package syncer keeps the local mirror in step with Canvas: the Reconciler
// diffs one user's remote snapshot against the mirror, and the Scheduler
// decides which users get reconciled when.
package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/keanlouis30/Easely/pkg/canvas"
	"github.com/keanlouis30/Easely/pkg/model"
	"github.com/keanlouis30/Easely/pkg/store"
)

// Result summarizes one reconciliation pass for one user.
type Result struct {
	Created int
	Updated int
	Removed int
	Errors  []string
}

// Reconciler applies remote snapshots to the mirror. It performs no remote
// I/O: the caller hands it a snapshot obtained through a single authenticated
// fetch, which keeps retry and backoff policy out of the diff logic.
type Reconciler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewReconciler builds a Reconciler.
func NewReconciler(st *store.Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: st, logger: logger}
}

// snapshotKey namespaces remote ids by origin; assignment and event ids come
// from different Canvas id spaces and must not collide in the diff.
func snapshotKey(origin model.Origin, remoteID string) string {
	return string(origin) + ":" + remoteID
}

// Reconcile diffs snapshot against the user's mirrored tasks and applies
// creates, updates and soft-deletes. Manual tasks are invisible to this pass
// no matter what the snapshot contains. An empty snapshot is valid and
// soft-deletes every remaining mirrored task.
func (r *Reconciler) Reconcile(ctx context.Context, user *model.User, snapshot []canvas.RemoteTask) (Result, error) {
	var res Result

	remote := make(map[string]canvas.RemoteTask, len(snapshot))
	for _, rt := range snapshot {
		if rt.RemoteID == "" || rt.Title == "" || rt.DueAt.IsZero() {
			res.Errors = append(res.Errors, fmt.Sprintf("malformed record %q (id=%q)", rt.Title, rt.RemoteID))
			continue
		}
		if !rt.Type.Remote() {
			res.Errors = append(res.Errors, fmt.Sprintf("record %q has non-remote origin %q", rt.RemoteID, rt.Type))
			continue
		}
		key := snapshotKey(rt.Type, rt.RemoteID)
		if _, dup := remote[key]; dup {
			// Last occurrence wins. An anomaly worth knowing about, not
			// a failure.
			r.logger.Warn("duplicate remote id in snapshot",
				zap.Int64("user_id", user.ID), zap.String("remote_id", rt.RemoteID))
		}
		remote[key] = rt
	}

	local, err := r.store.RemoteTasksForUser(ctx, user.ID)
	if err != nil {
		return res, fmt.Errorf("failed to load mirrored tasks: %w", err)
	}

	for _, task := range local {
		rt, present := remote[snapshotKey(task.Origin, task.RemoteID)]
		if !present {
			// Gone from Canvas, or outside its sync window. Either way
			// the mirror hides it.
			if err := r.store.SoftDeleteTask(ctx, task.ID); err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.Removed++
			continue
		}
		delete(remote, snapshotKey(task.Origin, task.RemoteID))

		dueChanged := !task.DueAt.Equal(rt.DueAt)
		courseID := firstNonEmpty(rt.CourseID, task.CourseID)
		courseTitle := firstNonEmpty(rt.CourseName, task.CourseTitle)
		changed := dueChanged || task.Title != rt.Title ||
			task.CourseID != courseID || task.CourseTitle != courseTitle
		if !changed {
			continue
		}
		if err := r.store.UpdateMirroredFields(ctx, task.ID, rt.Title, courseID, courseTitle, rt.DueAt, dueChanged); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Updated++
		if dueChanged {
			r.logger.Debug("due date moved, reminder flags cleared",
				zap.Int64("task_id", task.ID),
				zap.Time("old_due", task.DueAt), zap.Time("new_due", rt.DueAt))
		}
	}

	// Whatever is left in the snapshot has no local counterpart. Past-due
	// records are mirrored too: they surface as overdue instead of being
	// silently dropped.
	for _, rt := range remote {
		task := &model.Task{
			UserID:      user.ID,
			Origin:      rt.Type,
			RemoteID:    rt.RemoteID,
			CourseID:    rt.CourseID,
			CourseTitle: rt.CourseName,
			Title:       rt.Title,
			Description: rt.Description,
			DueAt:       rt.DueAt.UTC(),
		}
		if err := r.store.CreateTask(ctx, task); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Created++
	}

	return res, nil
}

// ReconcileCourses refreshes the course cache from a remote listing. Purely
// opportunistic: failures here never fail the sync.
func (r *Reconciler) ReconcileCourses(ctx context.Context, user *model.User, courses []canvas.RemoteCourse) int {
	refreshed := 0
	for _, rc := range courses {
		if rc.RemoteID == "" || rc.Name == "" {
			continue
		}
		course := &model.Course{
			UserID:   user.ID,
			RemoteID: rc.RemoteID,
			Name:     rc.Name,
			Code:     rc.Code,
		}
		if err := r.store.UpsertCourse(ctx, course); err != nil {
			r.logger.Warn("failed to refresh course cache",
				zap.Int64("user_id", user.ID),
				zap.String("course_id", rc.RemoteID), zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
