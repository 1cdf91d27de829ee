// internal/model/results.go
package model

import "time"

type DuplicateCheckResult struct {
	IsDuplicate      bool       `json:"is_duplicate"`
	Reason           string     `json:"reason,omitempty"`
	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	SimilarCampaigns []string   `json:"similar_campaigns,omitempty"`
}

// SendResult is returned by InitiateSend and RetrySend. Err carries the typed
// error behind a failure so callers can map it with errors.As.
type SendResult struct {
	Success              bool   `json:"success"`
	Message              string `json:"message"`
	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`
	Err                  error  `json:"-"`
}

type CleanupResult struct {
	RecordsRemoved   int `json:"records_removed"`
	CooldownsRemoved int `json:"cooldowns_removed"`
}
