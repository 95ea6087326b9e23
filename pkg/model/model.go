// Package model defines the entities shared across the Easely core: users,
// their mirrored tasks, and the cached course metadata that makes manual task
// creation cheap.
package model

import "time"

// Tier is a user's subscription level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Origin describes where a task record came from.
type Origin string

const (
	OriginCanvasAssignment Origin = "canvas_assignment"
	OriginCanvasEvent      Origin = "canvas_event"
	OriginManual           Origin = "manual"
)

// Remote returns true for tasks mirrored from Canvas. Only remote tasks are
// subject to the pull reconciler; manual tasks flow the other way.
func (o Origin) Remote() bool {
	return o == OriginCanvasAssignment || o == OriginCanvasEvent
}

// Threshold is a reminder lead time before a due date.
type Threshold time.Duration

// The full cascade, furthest from the deadline first. Free tier users get
// only Day1; premium users get the whole set.
var (
	Week1 = Threshold(168 * time.Hour)
	Day3  = Threshold(72 * time.Hour)
	Day1  = Threshold(24 * time.Hour)
	Hour8 = Threshold(8 * time.Hour)
	Hour2 = Threshold(2 * time.Hour)
	Hour1 = Threshold(1 * time.Hour)

	AllThresholds  = []Threshold{Week1, Day3, Day1, Hour8, Hour2, Hour1}
	FreeThresholds = []Threshold{Day1}
)

// Duration returns the lead time as a time.Duration.
func (th Threshold) Duration() time.Duration { return time.Duration(th) }

// Hours returns the lead time in whole hours, the unit the sent-flag columns
// are keyed by.
func (th Threshold) Hours() int { return int(time.Duration(th) / time.Hour) }

// ThresholdsFor returns the reminder set available to a tier.
func ThresholdsFor(tier Tier) []Threshold {
	if tier == TierPremium {
		return AllThresholds
	}
	return FreeThresholds
}

// User is a student account. The Canvas token is stored encrypted; TokenValid
// is flipped to false when Canvas rejects it, which halts sync for that user
// until a new token is supplied.
type User struct {
	ID          int64
	MessengerID string

	CanvasToken   string // encrypted, opaque to everything but pkg/crypt
	CanvasBaseURL string
	TokenValid    bool

	Tier               Tier
	SubscriptionExpiry *time.Time

	Timezone         string
	RemindersEnabled bool
	Active           bool

	ManualTasksThisMonth int
	MonthResetAt         time.Time

	LastSyncAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasCredential reports whether the user has a token worth trying.
func (u *User) HasCredential() bool {
	return u.CanvasToken != "" && u.TokenValid
}

// Task is the unified record for Canvas-mirrored and manually created items.
// Due dates are stored in UTC; the user's timezone applies only at
// presentation. Soft-deleted tasks stay in the store but are invisible to
// every query that matters.
type Task struct {
	ID     int64
	UserID int64

	Origin   Origin
	RemoteID string // Canvas id; set on manual tasks once pushed upstream

	CourseID    string // weak reference: remote course id, may be absent
	CourseTitle string // cached so the task renders without a course row

	Title       string
	Description string
	DueAt       time.Time

	Completed bool
	Deleted   bool

	// One flag per threshold, keyed by Threshold.Hours(). All flags are
	// cleared whenever DueAt changes: a moved deadline invalidates every
	// reminder already sent for the old one.
	RemindersSent map[int]bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReminderSent reports whether the reminder for th has been sent for the
// current due date.
func (t *Task) ReminderSent(th Threshold) bool {
	return t.RemindersSent != nil && t.RemindersSent[th.Hours()]
}

// Overdue reports whether the task's deadline has passed without completion.
func (t *Task) Overdue(now time.Time) bool {
	return now.After(t.DueAt) && !t.Completed
}

// Course is a local cache of Canvas course metadata, keyed by
// (user, remote course id). It only exists to avoid redundant Canvas lookups.
type Course struct {
	ID       int64
	UserID   int64
	RemoteID string
	Name     string
	Code     string
	Active   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
