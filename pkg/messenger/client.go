// Package messenger delivers outbound messages through the Facebook Send API.
// The rest of the system only sees the Notify method; transport details stay
// here.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client posts messages to one page's Send API endpoint.
type Client struct {
	apiURL      string
	accessToken string
	http        *http.Client
}

// NewClient builds a Send API client.
func NewClient(apiURL, accessToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiURL:      apiURL,
		accessToken: accessToken,
		http:        &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	MessagingType string `json:"messaging_type"`
	Recipient     struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

// Notify sends a plain-text message to a recipient. Any non-2xx response is
// a delivery failure; callers retry on their own schedule.
func (c *Client) Notify(ctx context.Context, recipientID, text string) error {
	var body sendRequest
	body.MessagingType = "MESSAGE_TAG"
	body.Recipient.ID = recipientID
	body.Message.Text = text

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"?access_token="+c.accessToken, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}
