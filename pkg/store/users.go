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

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const userColumns = `id, messenger_id, canvas_token, canvas_base_url, token_valid,
	tier, subscription_expiry, timezone, reminders_enabled, active,
	manual_tasks_this_month, month_reset_at, last_sync_at, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*model.User, error) {
	var (
		u            model.User
		expiry       sql.NullInt64
		lastSync     sql.NullInt64
		monthReset   int64
		created, upd int64
	)
	err := row.Scan(&u.ID, &u.MessengerID, &u.CanvasToken, &u.CanvasBaseURL, &u.TokenValid,
		&u.Tier, &expiry, &u.Timezone, &u.RemindersEnabled, &u.Active,
		&u.ManualTasksThisMonth, &monthReset, &lastSync, &created, &upd)
	if err != nil {
		return nil, err
	}
	u.SubscriptionExpiry = fromUnixPtr(expiry)
	u.LastSyncAt = fromUnixPtr(lastSync)
	u.MonthResetAt = fromUnix(monthReset)
	u.CreatedAt = fromUnix(created)
	u.UpdatedAt = fromUnix(upd)
	return &u, nil
}

// CreateUser inserts a new user. MonthResetAt defaults to the start of the
// current month when unset.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	now := time.Now().UTC()
	if u.Tier == "" {
		u.Tier = model.TierFree
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	if u.MonthResetAt.IsZero() {
		u.MonthResetAt = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (messenger_id, canvas_token, canvas_base_url, token_valid,
			tier, subscription_expiry, timezone, reminders_enabled, active,
			manual_tasks_this_month, month_reset_at, last_sync_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.MessengerID, u.CanvasToken, u.CanvasBaseURL, u.TokenValid,
		u.Tier, unixPtr(u.SubscriptionExpiry), u.Timezone, u.RemindersEnabled, u.Active,
		u.ManualTasksThisMonth, unix(u.MonthResetAt), unixPtr(u.LastSyncAt), unix(now), unix(now))
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", u.MessengerID, err)
	}
	u.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read new user id: %w", err)
	}
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %d: %w", id, err)
	}
	return u, nil
}

// GetUserByMessengerID fetches a user by external identity.
func (s *Store) GetUserByMessengerID(ctx context.Context, messengerID string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE messenger_id = ?`, messengerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %s: %w", messengerID, err)
	}
	return u, nil
}

// UsersDueForSync returns up to limit active users with usable credentials
// whose last sync is older than the cutoff (or who have never synced),
// oldest first. NULL last_sync_at sorts first; ties break on id so the order
// is deterministic and starvation-free.
func (s *Store) UsersDueForSync(ctx context.Context, cutoff time.Time, limit int) ([]*model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE active = 1 AND token_valid = 1 AND canvas_token <> ''
		  AND (last_sync_at IS NULL OR last_sync_at < ?)
		ORDER BY last_sync_at IS NOT NULL, last_sync_at ASC, id ASC
		LIMIT ?`, unix(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query users due for sync: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// MarkSyncSuccess records a completed reconciliation. A successful sync also
// proves the token works.
func (s *Store) MarkSyncSuccess(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_sync_at = ?, token_valid = 1, updated_at = ? WHERE id = ?`,
		unix(at), unix(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to mark sync success for user %d: %w", userID, err)
	}
	return nil
}

// InvalidateToken flags a rejected credential. last_sync_at is deliberately
// left alone so the user regains priority once a new token arrives.
func (s *Store) InvalidateToken(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET token_valid = 0, updated_at = ? WHERE id = ?`,
		unix(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to invalidate token for user %d: %w", userID, err)
	}
	return nil
}

// SetCredential stores a new encrypted token and clears the invalid flag.
func (s *Store) SetCredential(ctx context.Context, userID int64, encryptedToken, baseURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET canvas_token = ?, canvas_base_url = ?, token_valid = 1, updated_at = ?
		WHERE id = ?`,
		encryptedToken, baseURL, unix(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to set credential for user %d: %w", userID, err)
	}
	return nil
}

// SetSubscription updates the stored tier and expiry.
func (s *Store) SetSubscription(ctx context.Context, userID int64, tier model.Tier, expiry *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET tier = ?, subscription_expiry = ?, updated_at = ? WHERE id = ?`,
		tier, unixPtr(expiry), unix(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to set subscription for user %d: %w", userID, err)
	}
	return nil
}

// LapsedPremiumUsers returns active users whose stored tier is premium but
// whose expiry has passed.
func (s *Store) LapsedPremiumUsers(ctx context.Context, now time.Time) ([]*model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE active = 1 AND tier = ?
		  AND subscription_expiry IS NOT NULL AND subscription_expiry < ?`,
		model.TierPremium, unix(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query lapsed premium users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ResetManualQuota starts a fresh quota month.
func (s *Store) ResetManualQuota(ctx context.Context, userID int64, monthStart time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET manual_tasks_this_month = 0, month_reset_at = ?, updated_at = ?
		WHERE id = ?`,
		unix(monthStart), unix(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to reset quota for user %d: %w", userID, err)
	}
	return nil
}

// IncrementManualQuota counts one manual task against the current month.
func (s *Store) IncrementManualQuota(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET manual_tasks_this_month = manual_tasks_this_month + 1, updated_at = ?
		WHERE id = ?`,
		unix(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("failed to increment quota for user %d: %w", userID, err)
	}
	return nil
}

func (s *Store) logDebug(msg string, fields ...zap.Field) {
	if s.logger != nil {
		s.logger.Debug(msg, fields...)
	}
}
