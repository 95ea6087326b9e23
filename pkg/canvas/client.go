// Package canvas is the client for the Canvas LMS REST API. It owns transport
// policy (auth, timeouts, error classification); reconciliation logic lives
// elsewhere and never performs remote I/O itself.
package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/keanlouis30/Easely/pkg/model"
)

// Credentials identify one user against one Canvas instance. Token is the
// decrypted access token.
type Credentials struct {
	Token   string
	BaseURL string
}

// RemoteTask is one record of a user's remote snapshot: an assignment or a
// calendar event, normalized to the fields the reconciler cares about.
type RemoteTask struct {
	RemoteID    string
	Title       string
	Description string
	DueAt       time.Time
	Type        model.Origin
	CourseID    string
	CourseName  string
}

// RemoteCourse is a course as Canvas reports it.
type RemoteCourse struct {
	RemoteID string
	Name     string
	Code     string
}

// Client talks to Canvas. Safe for concurrent use; per-user credentials are
// passed per call because one process serves many users.
type Client struct {
	baseURL string
	timeout time.Duration
}

// NewClient builds a Canvas client. baseURL is the default instance used when
// a user's credentials carry none.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: baseURL, timeout: timeout}
}

// httpClient builds a bearer-authenticated client for one user.
func (c *Client) httpClient(ctx context.Context, creds Credentials) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token})
	client := oauth2.NewClient(ctx, src)
	client.Timeout = c.timeout
	return client
}

func (c *Client) instanceURL(creds Credentials) string {
	if creds.BaseURL != "" {
		return creds.BaseURL
	}
	return c.baseURL
}

// FetchTasks returns the user's full current snapshot: upcoming and recent
// assignments plus personal calendar events, as one flat list.
func (c *Client) FetchTasks(ctx context.Context, creds Credentials) ([]RemoteTask, error) {
	assignments, err := c.fetchAssignments(ctx, creds)
	if err != nil {
		return nil, err
	}
	events, err := c.fetchEvents(ctx, creds)
	if err != nil {
		return nil, err
	}
	return append(assignments, events...), nil
}

type todoItem struct {
	Assignment *struct {
		ID       json.Number `json:"id"`
		Name     string      `json:"name"`
		DueAt    string      `json:"due_at"`
		CourseID json.Number `json:"course_id"`
	} `json:"assignment"`
	ContextName string `json:"context_name"`
}

func (c *Client) fetchAssignments(ctx context.Context, creds Credentials) ([]RemoteTask, error) {
	var items []todoItem
	if err := c.get(ctx, creds, "/api/v1/users/self/todo", url.Values{"per_page": {"100"}}, &items); err != nil {
		return nil, err
	}

	tasks := make([]RemoteTask, 0, len(items))
	for _, item := range items {
		if item.Assignment == nil {
			continue
		}
		a := item.Assignment
		due, _ := parseCanvasTime(a.DueAt)
		tasks = append(tasks, RemoteTask{
			RemoteID:   a.ID.String(),
			Title:      a.Name,
			DueAt:      due,
			Type:       model.OriginCanvasAssignment,
			CourseID:   a.CourseID.String(),
			CourseName: item.ContextName,
		})
	}
	return tasks, nil
}

type calendarEvent struct {
	ID          json.Number `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	StartAt     string      `json:"start_at"`
	ContextCode string      `json:"context_code"`
}

func (c *Client) fetchEvents(ctx context.Context, creds Credentials) ([]RemoteTask, error) {
	params := url.Values{
		"type":       {"event"},
		"per_page":   {"100"},
		"start_date": {time.Now().UTC().Format("2006-01-02")},
	}
	var events []calendarEvent
	if err := c.get(ctx, creds, "/api/v1/users/self/calendar_events", params, &events); err != nil {
		return nil, err
	}

	tasks := make([]RemoteTask, 0, len(events))
	for _, ev := range events {
		due, _ := parseCanvasTime(ev.StartAt)
		tasks = append(tasks, RemoteTask{
			RemoteID:    ev.ID.String(),
			Title:       ev.Title,
			Description: ev.Description,
			DueAt:       due,
			Type:        model.OriginCanvasEvent,
		})
	}
	return tasks, nil
}

type remoteCourse struct {
	ID         json.Number `json:"id"`
	Name       string      `json:"name"`
	CourseCode string      `json:"course_code"`
}

// FetchCourses returns the user's active course enrollments.
func (c *Client) FetchCourses(ctx context.Context, creds Credentials) ([]RemoteCourse, error) {
	var raw []remoteCourse
	params := url.Values{"enrollment_state": {"active"}, "per_page": {"100"}}
	if err := c.get(ctx, creds, "/api/v1/courses", params, &raw); err != nil {
		return nil, err
	}

	courses := make([]RemoteCourse, 0, len(raw))
	for _, rc := range raw {
		courses = append(courses, RemoteCourse{
			RemoteID: rc.ID.String(),
			Name:     rc.Name,
			Code:     rc.CourseCode,
		})
	}
	return courses, nil
}

// PushTask creates a personal calendar event on Canvas for a manual task and
// returns the new remote id. This is the one-directional local-to-remote leg;
// the pull reconciler never touches manual tasks.
func (c *Client) PushTask(ctx context.Context, creds Credentials, task *model.Task) (string, error) {
	body := map[string]interface{}{
		"calendar_event": map[string]string{
			"title":       task.Title,
			"description": task.Description,
			"start_at":    task.DueAt.UTC().Format(time.RFC3339),
			"end_at":      task.DueAt.UTC().Format(time.RFC3339),
		},
	}

	var created struct {
		ID json.Number `json:"id"`
	}
	if err := c.post(ctx, creds, "/api/v1/calendar_events", body, &created); err != nil {
		return "", err
	}
	if created.ID.String() == "" {
		return "", &APIError{Kind: KindTransient, Message: "create event response missing id"}
	}
	return created.ID.String(), nil
}

// ValidateToken checks a token by fetching the user's own profile.
func (c *Client) ValidateToken(ctx context.Context, creds Credentials) error {
	var profile struct {
		ID json.Number `json:"id"`
	}
	return c.get(ctx, creds, "/api/v1/users/self", nil, &profile)
}

func (c *Client) get(ctx context.Context, creds Credentials, path string, params url.Values, out interface{}) error {
	u := c.instanceURL(creds) + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: "building request", Err: err}
	}
	return c.do(req, creds, out)
}

func (c *Client) post(ctx context.Context, creds Credentials, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: "encoding request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.instanceURL(creds)+path, bytes.NewReader(payload))
	if err != nil {
		return &APIError{Kind: KindTransient, Message: "building request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, creds, out)
}

func (c *Client) do(req *http.Request, creds Credentials, out interface{}) error {
	resp, err := c.httpClient(req.Context(), creds).Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &APIError{
				Kind:       KindTransient,
				StatusCode: resp.StatusCode,
				Message:    "decoding response",
				Err:        err,
			}
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy. Canvas
// reports throttling as 403 with a drained rate-limit bucket as well as 429.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &APIError{Kind: KindAuth, StatusCode: resp.StatusCode, Message: "token rejected"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimit, StatusCode: resp.StatusCode, Message: "rate limited"}
	case resp.StatusCode == http.StatusForbidden:
		if remaining, err := strconv.ParseFloat(resp.Header.Get("X-Rate-Limit-Remaining"), 64); err == nil && remaining <= 0 {
			return &APIError{Kind: KindRateLimit, StatusCode: resp.StatusCode, Message: "rate limited"}
		}
		return &APIError{Kind: KindAuth, StatusCode: resp.StatusCode, Message: "access forbidden"}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{
			Kind:       KindTransient,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected status: %s", bytes.TrimSpace(body)),
		}
	}
}

// parseCanvasTime parses Canvas's ISO8601 timestamps. A missing timestamp
// yields a zero time; the reconciler decides what to do with those.
func parseCanvasTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse Canvas time %q: %w", s, err)
	}
	return t.UTC(), nil
}
