// internal/model/send_job.go
package model

// SendJob is what a transport receives for one dispatch attempt.
type SendJob struct {
	AttemptID    string   `json:"attempt_id"`
	CampaignID   string   `json:"campaign_id"`
	RecipientIDs []string `json:"recipient_ids"`
	Content      string   `json:"content"`
	RetryCount   int      `json:"retry_count"`
	// Delivered lists recipients already reached by this attempt, so a
	// redelivered job resumes instead of starting over.
	Delivered []string `json:"delivered,omitempty"`
}

// Remaining returns the recipients not yet in Delivered, in order.
func (j SendJob) Remaining() []string {
	if len(j.Delivered) == 0 {
		return j.RecipientIDs
	}
	done := make(map[string]struct{}, len(j.Delivered))
	for _, id := range j.Delivered {
		done[id] = struct{}{}
	}
	out := make([]string, 0, len(j.RecipientIDs))
	for _, id := range j.RecipientIDs {
		if _, ok := done[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Message is a single rendered delivery to one recipient.
type Message struct {
	AttemptID   string `json:"attempt_id"`
	CampaignID  string `json:"campaign_id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}
