package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keanlouis30/Easely/pkg/canvas"
	"github.com/keanlouis30/Easely/pkg/model"
	"github.com/keanlouis30/Easely/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *store.Store, messengerID, token string) *model.User {
	t.Helper()
	u := &model.User{
		MessengerID:      messengerID,
		CanvasToken:      token,
		TokenValid:       true,
		RemindersEnabled: true,
		Active:           true,
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func remoteAssignment(id, title string, due time.Time) canvas.RemoteTask {
	return canvas.RemoteTask{
		RemoteID: id,
		Title:    title,
		DueAt:    due,
		Type:     model.OriginCanvasAssignment,
	}
}

func TestReconcileCreateUpdateRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := NewReconciler(s, zap.NewNop())
	u := newTestUser(t, s, "m-1", "tok")
	due := time.Date(2024, 4, 1, 23, 59, 0, 0, time.UTC)

	// Two mirrored tasks and one manual task already present.
	keep := &model.Task{UserID: u.ID, Origin: model.OriginCanvasAssignment, RemoteID: "1", Title: "Keep", DueAt: due}
	gone := &model.Task{UserID: u.ID, Origin: model.OriginCanvasAssignment, RemoteID: "2", Title: "Gone", DueAt: due}
	manual := &model.Task{UserID: u.ID, Origin: model.OriginManual, Title: "Groceries", DueAt: due}
	for _, task := range []*model.Task{keep, gone, manual} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	// Snapshot: one survivor with a new title, one brand new, one new with a
	// past due date. The second mirrored task is absent.
	snapshot := []canvas.RemoteTask{
		remoteAssignment("1", "Keep (renamed)", due),
		remoteAssignment("3", "New", due.Add(24*time.Hour)),
		remoteAssignment("4", "Already overdue", due.Add(-30*24*time.Hour)),
	}

	res, err := rec.Reconcile(ctx, u, snapshot)
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 1, res.Removed)
	require.Empty(t, res.Errors)

	got, err := s.GetTask(ctx, keep.ID)
	require.NoError(t, err)
	require.Equal(t, "Keep (renamed)", got.Title)
	require.False(t, got.Deleted)

	got, err = s.GetTask(ctx, gone.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)

	// The manual task is untouched in every respect.
	got, err = s.GetTask(ctx, manual.ID)
	require.NoError(t, err)
	require.Equal(t, "Groceries", got.Title)
	require.False(t, got.Deleted)

	remote, err := s.RemoteTasksForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, remote, 3)
}

func TestReconcileIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := NewReconciler(s, zap.NewNop())
	u := newTestUser(t, s, "m-1", "tok")
	due := time.Date(2024, 4, 1, 23, 59, 0, 0, time.UTC)

	snapshot := []canvas.RemoteTask{
		remoteAssignment("1", "One", due),
		remoteAssignment("2", "Two", due.Add(time.Hour)),
	}

	res, err := rec.Reconcile(ctx, u, snapshot)
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)

	// The identical snapshot again changes nothing.
	res, err = rec.Reconcile(ctx, u, snapshot)
	require.NoError(t, err)
	require.Zero(t, res.Created)
	require.Zero(t, res.Updated)
	require.Zero(t, res.Removed)
	require.Empty(t, res.Errors)
}

func TestReconcileEmptySnapshotRemovesAllMirrored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := NewReconciler(s, zap.NewNop())
	u := newTestUser(t, s, "m-1", "tok")
	due := time.Date(2024, 4, 1, 23, 59, 0, 0, time.UTC)

	_, err := rec.Reconcile(ctx, u, []canvas.RemoteTask{
		remoteAssignment("1", "One", due),
	})
	require.NoError(t, err)
	manual := &model.Task{UserID: u.ID, Origin: model.OriginManual, Title: "Mine", DueAt: due}
	require.NoError(t, s.CreateTask(ctx, manual))

	res, err := rec.Reconcile(ctx, u, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Removed)

	remote, err := s.RemoteTasksForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, remote)

	got, err := s.GetTask(ctx, manual.ID)
	require.NoError(t, err)
	require.False(t, got.Deleted)
}

func TestReconcileDueChangeClearsReminderFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := NewReconciler(s, zap.NewNop())
	u := newTestUser(t, s, "m-1", "tok")
	due := time.Date(2024, 4, 1, 23, 59, 0, 0, time.UTC)

	res, err := rec.Reconcile(ctx, u, []canvas.RemoteTask{remoteAssignment("1", "Essay", due)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	remote, err := s.RemoteTasksForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	taskID := remote[0].ID

	marked, err := s.MarkReminderSent(ctx, taskID, model.Day1, due)
	require.NoError(t, err)
	require.True(t, marked)

	// The instructor extends the deadline.
	newDue := due.Add(72 * time.Hour)
	res, err = rec.Reconcile(ctx, u, []canvas.RemoteTask{remoteAssignment("1", "Essay", newDue)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)

	got, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.True(t, got.DueAt.Equal(newDue))
	require.False(t, got.ReminderSent(model.Day1))
}

func TestReconcileSkipsMalformedRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := NewReconciler(s, zap.NewNop())
	u := newTestUser(t, s, "m-1", "tok")
	due := time.Date(2024, 4, 1, 23, 59, 0, 0, time.UTC)

	snapshot := []canvas.RemoteTask{
		{RemoteID: "", Title: "No id", DueAt: due, Type: model.OriginCanvasAssignment},
		{RemoteID: "2", Title: "", DueAt: due, Type: model.OriginCanvasAssignment},
		{RemoteID: "3", Title: "No due date", Type: model.OriginCanvasAssignment},
		{RemoteID: "4", Title: "Wrong origin", DueAt: due, Type: model.OriginManual},
		remoteAssignment("5", "Fine", due),
	}

	res, err := rec.Reconcile(ctx, u, snapshot)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	require.Len(t, res.Errors, 4)
}

func TestReconcileDuplicateRemoteIDLastWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := NewReconciler(s, zap.NewNop())
	u := newTestUser(t, s, "m-1", "tok")
	due := time.Date(2024, 4, 1, 23, 59, 0, 0, time.UTC)

	snapshot := []canvas.RemoteTask{
		remoteAssignment("1", "First copy", due),
		remoteAssignment("1", "Second copy", due),
	}

	res, err := rec.Reconcile(ctx, u, snapshot)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	remote, err := s.RemoteTasksForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	require.Equal(t, "Second copy", remote[0].Title)
}

func TestReconcileSameIDDifferentOriginsCoexist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := NewReconciler(s, zap.NewNop())
	u := newTestUser(t, s, "m-1", "tok")
	due := time.Date(2024, 4, 1, 23, 59, 0, 0, time.UTC)

	snapshot := []canvas.RemoteTask{
		{RemoteID: "7", Title: "Assignment 7", DueAt: due, Type: model.OriginCanvasAssignment},
		{RemoteID: "7", Title: "Event 7", DueAt: due, Type: model.OriginCanvasEvent},
	}

	res, err := rec.Reconcile(ctx, u, snapshot)
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)
}

func TestReconcileCourses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := NewReconciler(s, zap.NewNop())
	u := newTestUser(t, s, "m-1", "tok")

	n := rec.ReconcileCourses(ctx, u, []canvas.RemoteCourse{
		{RemoteID: "101", Name: "Calculus", Code: "MATH101"},
		{RemoteID: "", Name: "No id"},
		{RemoteID: "102", Name: ""},
	})
	require.Equal(t, 1, n)

	got, err := s.GetCourse(ctx, u.ID, "101")
	require.NoError(t, err)
	require.Equal(t, "Calculus", got.Name)
}
