package reminder

import (
	"fmt"
	"time"

	"github.com/keanlouis30/Easely/pkg/model"
)

// window pairs a threshold with its message shape. The cascade escalates in
// tone as the deadline closes in.
type window struct {
	threshold model.Threshold
	label     string
	template  string
}

var windows = map[model.Threshold]window{
	model.Week1: {model.Week1, "1 week",
		"📅 Heads-up: '%s' is due in 1 week.\n\nDue: %s\n\nTime to start planning!"},
	model.Day3: {model.Day3, "3 days",
		"⚠️ Important: '%s' is due in 3 days!\n\nDue: %s\n\nMake sure you're on track."},
	model.Day1: {model.Day1, "24 hours",
		"🔔 Reminder: '%s' is due in 24 hours!\n\nDue: %s\n\nFinal stretch!"},
	model.Hour8: {model.Hour8, "8 hours",
		"🚨 Urgent: '%s' is due in 8 hours!\n\nDue: %s\n\nTime to finish up."},
	model.Hour2: {model.Hour2, "2 hours",
		"🔥 Final call: '%s' is due in 2 hours!\n\nDue: %s\n\nLast chance."},
	model.Hour1: {model.Hour1, "1 hour",
		"⏱️ FINAL WARNING: '%s' is due in 1 hour!\n\nDue: %s\n\nSubmit now!"},
}

// composeMessage renders the reminder text for one task and threshold, with
// the due date shown in the user's timezone. Storage stays UTC; the zone is
// applied only here, at presentation.
func composeMessage(task *model.Task, user *model.User, th model.Threshold) string {
	w, ok := windows[th]
	if !ok {
		return fmt.Sprintf("🔔 Reminder: '%s' is due soon!", task.Title)
	}

	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		loc = time.UTC
	}
	due := task.DueAt.In(loc).Format("January 2, 2006 at 3:04 PM MST")

	msg := fmt.Sprintf(w.template, task.Title, due)
	if task.CourseTitle != "" {
		msg += "\nCourse: " + task.CourseTitle
	}
	return msg
}
