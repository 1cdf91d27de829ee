package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
)

// WebhookSender posts jobs or single messages to the ESP webhook.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSender) Send(ctx context.Context, job model.SendJob) error {
	return s.post(ctx, job.AttemptID, job)
}

// Deliver posts one rendered message.
func (s *WebhookSender) Deliver(ctx context.Context, msg model.Message) error {
	return s.post(ctx, msg.AttemptID, msg)
}

func (s *WebhookSender) post(ctx context.Context, attemptID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Send-Attempt-Id", attemptID)

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bad status: %s", resp.Status)
	}
	return nil
}
