package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/keanlouis30/Easely/pkg/model"
)

const taskColumns = `id, user_id, origin, remote_id, course_id, course_title,
	title, description, due_at, completed, deleted,
	sent_168h, sent_72h, sent_24h, sent_8h, sent_2h, sent_1h,
	created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*model.Task, error) {
	var (
		t                          model.Task
		due, created, upd          int64
		s168, s72, s24, s8, s2, s1 bool
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Origin, &t.RemoteID, &t.CourseID, &t.CourseTitle,
		&t.Title, &t.Description, &due, &t.Completed, &t.Deleted,
		&s168, &s72, &s24, &s8, &s2, &s1, &created, &upd)
	if err != nil {
		return nil, err
	}
	t.DueAt = fromUnix(due)
	t.CreatedAt = fromUnix(created)
	t.UpdatedAt = fromUnix(upd)
	t.RemindersSent = map[int]bool{
		model.Week1.Hours(): s168,
		model.Day3.Hours():  s72,
		model.Day1.Hours():  s24,
		model.Hour8.Hours(): s8,
		model.Hour2.Hours(): s2,
		model.Hour1.Hours(): s1,
	}
	return &t, nil
}

// sentColumn maps a threshold to its flag column. The switch is exhaustive
// over the cascade; an unknown threshold is a programming error.
func sentColumn(th model.Threshold) (string, error) {
	switch th {
	case model.Week1:
		return "sent_168h", nil
	case model.Day3:
		return "sent_72h", nil
	case model.Day1:
		return "sent_24h", nil
	case model.Hour8:
		return "sent_8h", nil
	case model.Hour2:
		return "sent_2h", nil
	case model.Hour1:
		return "sent_1h", nil
	default:
		return "", fmt.Errorf("unknown reminder threshold %s", th.Duration())
	}
}

// CreateTask inserts a task (mirrored or manual).
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (user_id, origin, remote_id, course_id, course_title,
			title, description, due_at, completed, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Origin, t.RemoteID, t.CourseID, t.CourseTitle,
		t.Title, t.Description, unix(t.DueAt), t.Completed, t.Deleted, unix(now), unix(now))
	if err != nil {
		return fmt.Errorf("failed to create task %q for user %d: %w", t.Title, t.UserID, err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read new task id: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task %d: %w", id, err)
	}
	return t, nil
}

// RemoteTasksForUser returns the user's non-deleted Canvas-mirrored tasks.
// Manual tasks are excluded: the pull reconciler must never see them.
func (s *Store) RemoteTasksForUser(ctx context.Context, userID int64) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = ? AND deleted = 0 AND origin <> ?
		ORDER BY id ASC`, userID, model.OriginManual)
	if err != nil {
		return nil, fmt.Errorf("failed to query remote tasks for user %d: %w", userID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpcomingTasksForUser returns the user's non-deleted, uncompleted tasks due
// at or after now, soonest first.
func (s *Store) UpcomingTasksForUser(ctx context.Context, userID int64, now time.Time, limit int) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = ? AND deleted = 0 AND completed = 0 AND due_at >= ?
		ORDER BY due_at ASC, id ASC
		LIMIT ?`, userID, unix(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query upcoming tasks for user %d: %w", userID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateMirroredFields applies remote-owned fields to a mirrored task. When
// the due date moves, every reminder-sent flag is cleared in the same UPDATE:
// reminders already sent were for a deadline that no longer exists.
func (s *Store) UpdateMirroredFields(ctx context.Context, taskID int64, title, courseID, courseTitle string, dueAt time.Time, dueChanged bool) error {
	var err error
	if dueChanged {
		_, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET title = ?, course_id = ?, course_title = ?, due_at = ?,
				sent_168h = 0, sent_72h = 0, sent_24h = 0,
				sent_8h = 0, sent_2h = 0, sent_1h = 0,
				updated_at = ?
			WHERE id = ?`,
			title, courseID, courseTitle, unix(dueAt), unix(time.Now()), taskID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET title = ?, course_id = ?, course_title = ?, updated_at = ?
			WHERE id = ?`,
			title, courseID, courseTitle, unix(time.Now()), taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to update mirrored task %d: %w", taskID, err)
	}
	return nil
}

// RescheduleTask moves a task's due date and clears its reminder flags.
func (s *Store) RescheduleTask(ctx context.Context, taskID int64, dueAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET due_at = ?,
			sent_168h = 0, sent_72h = 0, sent_24h = 0,
			sent_8h = 0, sent_2h = 0, sent_1h = 0,
			updated_at = ?
		WHERE id = ?`,
		unix(dueAt), unix(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("failed to reschedule task %d: %w", taskID, err)
	}
	return nil
}

// SoftDeleteTask hides a task without removing the row.
func (s *Store) SoftDeleteTask(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET deleted = 1, updated_at = ? WHERE id = ?`,
		unix(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("failed to soft-delete task %d: %w", taskID, err)
	}
	s.logDebug("task soft-deleted", zap.Int64("task_id", taskID))
	return nil
}

// CompleteTask marks a task done, which removes it from reminder selection.
func (s *Store) CompleteTask(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET completed = 1, updated_at = ? WHERE id = ?`,
		unix(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task %d: %w", taskID, err)
	}
	return nil
}

// SetTaskRemoteID annotates a manual task with the id Canvas assigned when it
// was pushed upstream. This is the only way a manual task gains a remote id.
func (s *Store) SetTaskRemoteID(ctx context.Context, taskID int64, remoteID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET remote_id = ?, updated_at = ? WHERE id = ?`,
		remoteID, unix(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("failed to set remote id on task %d: %w", taskID, err)
	}
	return nil
}

// ReminderCandidate pairs a task with its owner for the dispatch pass.
type ReminderCandidate struct {
	Task model.Task
	User model.User
}

// ReminderCandidates returns every active task due between now and the
// horizon, joined with its owner, for owners who accept reminders. The
// per-threshold sent filtering happens in the engine; this query only bounds
// the candidate set.
func (s *Store) ReminderCandidates(ctx context.Context, now time.Time, horizon time.Duration) ([]ReminderCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.user_id, t.origin, t.remote_id, t.course_id, t.course_title,
			t.title, t.description, t.due_at, t.completed, t.deleted,
			t.sent_168h, t.sent_72h, t.sent_24h, t.sent_8h, t.sent_2h, t.sent_1h,
			t.created_at, t.updated_at,
			u.id, u.messenger_id, u.canvas_token, u.canvas_base_url, u.token_valid,
			u.tier, u.subscription_expiry, u.timezone, u.reminders_enabled, u.active,
			u.manual_tasks_this_month, u.month_reset_at, u.last_sync_at, u.created_at, u.updated_at
		FROM tasks t
		JOIN users u ON u.id = t.user_id
		WHERE t.deleted = 0 AND t.completed = 0
		  AND t.due_at >= ? AND t.due_at <= ?
		  AND u.active = 1 AND u.reminders_enabled = 1
		ORDER BY t.due_at ASC, t.id ASC`,
		unix(now), unix(now.Add(horizon)))
	if err != nil {
		return nil, fmt.Errorf("failed to query reminder candidates: %w", err)
	}
	defer rows.Close()

	var out []ReminderCandidate
	for rows.Next() {
		var (
			t                          model.Task
			u                          model.User
			due, tCreated, tUpd        int64
			s168, s72, s24, s8, s2, s1 bool
			expiry, lastSync           sql.NullInt64
			monthReset, uCreated, uUpd int64
		)
		err := rows.Scan(&t.ID, &t.UserID, &t.Origin, &t.RemoteID, &t.CourseID, &t.CourseTitle,
			&t.Title, &t.Description, &due, &t.Completed, &t.Deleted,
			&s168, &s72, &s24, &s8, &s2, &s1, &tCreated, &tUpd,
			&u.ID, &u.MessengerID, &u.CanvasToken, &u.CanvasBaseURL, &u.TokenValid,
			&u.Tier, &expiry, &u.Timezone, &u.RemindersEnabled, &u.Active,
			&u.ManualTasksThisMonth, &monthReset, &lastSync, &uCreated, &uUpd)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder candidate: %w", err)
		}
		t.DueAt = fromUnix(due)
		t.CreatedAt, t.UpdatedAt = fromUnix(tCreated), fromUnix(tUpd)
		t.RemindersSent = map[int]bool{
			model.Week1.Hours(): s168,
			model.Day3.Hours():  s72,
			model.Day1.Hours():  s24,
			model.Hour8.Hours(): s8,
			model.Hour2.Hours(): s2,
			model.Hour1.Hours(): s1,
		}
		u.SubscriptionExpiry = fromUnixPtr(expiry)
		u.LastSyncAt = fromUnixPtr(lastSync)
		u.MonthResetAt = fromUnix(monthReset)
		u.CreatedAt, u.UpdatedAt = fromUnix(uCreated), fromUnix(uUpd)
		out = append(out, ReminderCandidate{Task: t, User: u})
	}
	return out, rows.Err()
}

// MarkReminderSent sets one threshold's sent flag, guarded by the due date
// the decision was made against. If the reconciler moved the deadline in the
// meantime, or the flag is already set, no row matches and false is returned.
// This is the at-most-once write for (task, threshold, due instant).
func (s *Store) MarkReminderSent(ctx context.Context, taskID int64, th model.Threshold, dueAt time.Time) (bool, error) {
	col, err := sentColumn(th)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET `+col+` = 1, updated_at = ?
		WHERE id = ? AND due_at = ? AND `+col+` = 0`,
		unix(time.Now()), taskID, unix(dueAt))
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder sent for task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
