package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keanlouis30/Easely/pkg/model"
)

const courseColumns = `id, user_id, remote_id, name, code, active, created_at, updated_at`

func scanCourse(row interface{ Scan(...interface{}) error }) (*model.Course, error) {
	var (
		c            model.Course
		created, upd int64
	)
	err := row.Scan(&c.ID, &c.UserID, &c.RemoteID, &c.Name, &c.Code, &c.Active, &created, &upd)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromUnix(created)
	c.UpdatedAt = fromUnix(upd)
	return &c, nil
}

// UpsertCourse inserts or refreshes one cached course. The (user, remote id)
// key is unique; a name or code change overwrites the cache.
func (s *Store) UpsertCourse(ctx context.Context, c *model.Course) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (user_id, remote_id, name, code, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, remote_id) DO UPDATE SET
			name = excluded.name, code = excluded.code, active = 1, updated_at = excluded.updated_at`,
		c.UserID, c.RemoteID, c.Name, c.Code, unix(now), unix(now))
	if err != nil {
		return fmt.Errorf("failed to upsert course %s for user %d: %w", c.RemoteID, c.UserID, err)
	}
	return nil
}

// GetCourse fetches a cached course by its remote id. Absence is not an
// error for callers rendering tasks; they fall back to the task's own cached
// title.
func (s *Store) GetCourse(ctx context.Context, userID int64, remoteID string) (*model.Course, error) {
	c, err := scanCourse(s.db.QueryRowContext(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE user_id = ? AND remote_id = ?`,
		userID, remoteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch course %s for user %d: %w", remoteID, userID, err)
	}
	return c, nil
}

// CoursesForUser returns the user's active cached courses.
func (s *Store) CoursesForUser(ctx context.Context, userID int64) ([]*model.Course, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+courseColumns+` FROM courses
		WHERE user_id = ? AND active = 1
		ORDER BY name ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query courses for user %d: %w", userID, err)
	}
	defer rows.Close()

	var courses []*model.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan course row: %w", err)
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}
