// internal/model/send_record.go
package model

import "time"

type SendStatus string

const (
	StatusPending SendStatus = "pending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// SendRecord is the tracked state of one campaign send.
type SendRecord struct {
	CampaignID   string     `json:"campaign_id"`
	RecipientIDs []string   `json:"recipient_ids"`
	ContentHash  string     `json:"content_hash"`
	Timestamp    time.Time  `json:"timestamp"`
	Status       SendStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	AttemptID    string     `json:"attempt_id"`
	LastError    string     `json:"last_error,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	// Content is kept so a retry can re-dispatch the same body.
	Content string `json:"-"`
}

// Clone returns a copy that shares no slices or pointers with r.
func (r *SendRecord) Clone() SendRecord {
	c := *r
	c.RecipientIDs = append([]string(nil), r.RecipientIDs...)
	if r.SentAt != nil {
		t := *r.SentAt
		c.SentAt = &t
	}
	return c
}

// Job builds the transport job for the record's current attempt.
func (r *SendRecord) Job() SendJob {
	return SendJob{
		AttemptID:    r.AttemptID,
		CampaignID:   r.CampaignID,
		RecipientIDs: append([]string(nil), r.RecipientIDs...),
		Content:      r.Content,
		RetryCount:   r.RetryCount,
	}
}
