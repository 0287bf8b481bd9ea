package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

var _ ShoutoutSender = (*FeedSender)(nil)

// shoutoutRequest is the JSON body accepted by the shout-out feed API.
type shoutoutRequest struct {
	Text       string `json:"text"`
	Type       string `json:"type"`
	Visibility string `json:"visibility"`
}

// FeedSender publishes reminders to the internal shout-out feed over a
// small JSON HTTP API:
//
//	POST <url>
//	Authorization: Bearer <token>
//	{"text": "...", "type": "...", "visibility": "..."}
//
// Any 2xx response counts as delivered.
type FeedSender struct {
	client *http.Client
	url    string
	token  string
}

// NewFeedSender creates a sender for the given endpoint.
func NewFeedSender(url, token string) *FeedSender {
	return &FeedSender{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		url:   url,
		token: token,
	}
}

// SendShoutout posts text with the given shout-out type and visibility.
func (s *FeedSender) SendShoutout(ctx context.Context, text, shoutoutType, visibility string) error {
	body, err := json.Marshal(shoutoutRequest{Text: text, Type: shoutoutType, Visibility: visibility})
	if err != nil {
		return fmt.Errorf("%w: shoutout: encode: %v", ErrDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: shoutout: %v", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: shoutout: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Include a little of the body; feed APIs usually explain rejections.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: shoutout: %s: %s", ErrDelivery, resp.Status, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
