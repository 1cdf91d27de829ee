// internal/errors/errors.go
package appErrors

import (
	"fmt"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
)

// ErrCampaignNotFound is returned when no send record exists for a campaign.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign %q not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrAlreadySent struct {
	CampaignID string
}

func (e *ErrAlreadySent) Error() string {
	return fmt.Sprintf("campaign %q has already been sent", e.CampaignID)
}

func NewAlreadySent(id string) error {
	return &ErrAlreadySent{CampaignID: id}
}

// ErrRetryExhausted is terminal: the campaign used its whole retry budget.
type ErrRetryExhausted struct {
	CampaignID string
	Attempts   int
}

func (e *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("campaign %q: maximum retry attempts (%d) reached", e.CampaignID, e.Attempts)
}

func NewRetryExhausted(id string, attempts int) error {
	return &ErrRetryExhausted{CampaignID: id, Attempts: attempts}
}

// DuplicateError wraps a positive duplicate check so it can travel as an error.
type DuplicateError struct {
	CampaignID string
	Check      model.DuplicateCheckResult
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("campaign %q: duplicate send: %s", e.CampaignID, e.Check.Reason)
}

func NewDuplicate(id string, check model.DuplicateCheckResult) error {
	return &DuplicateError{CampaignID: id, Check: check}
}

// ErrInvalidRequest covers caller mistakes such as an empty campaign id.
type ErrInvalidRequest struct {
	Reason string
}

func (e *ErrInvalidRequest) Error() string {
	return "invalid request: " + e.Reason
}

func NewInvalidRequest(reason string) error {
	return &ErrInvalidRequest{Reason: reason}
}
