package service

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
)

// dispatchLocked hands the record's current attempt to the sender in its own
// goroutine. The outcome comes back through completeSend or failSend.
func (s *SendSafeguard) dispatchLocked(rec *model.SendRecord) {
	job := rec.Job()
	sender := s.sender
	limiter := s.limiter
	timeout := s.cfg.SendTimeout

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := limiter.Wait(s.ctx); err != nil {
			// Stopping. The record stays pending and is retried after restore.
			return
		}
		if !s.attemptCurrent(job.CampaignID, job.AttemptID) {
			s.log.Debug().Str("campaign_id", job.CampaignID).Str("attempt_id", job.AttemptID).Msg("attempt superseded while rate limited, not sending")
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		err := sender.Send(ctx, job)
		cancel()

		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.failSend(job.CampaignID, job.AttemptID, err)
			return
		}
		s.completeSend(job.CampaignID, job.AttemptID)
	}()
}

// attemptCurrent reports whether attemptID is still the pending attempt of
// the campaign.
func (s *SendSafeguard) attemptCurrent(campaignID, attemptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[campaignID]
	return ok && rec.AttemptID == attemptID
}

// scheduleRetryLocked retries a failed attempt after delay, unless the
// record moved on in the meantime.
func (s *SendSafeguard) scheduleRetryLocked(campaignID, failedAttempt string, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.history[campaignID]
		if !ok || rec.Status != model.StatusFailed || rec.AttemptID != failedAttempt {
			return
		}
		res := s.retryLocked(campaignID)
		if !res.Success {
			s.log.Warn().Str("campaign_id", campaignID).Str("reason", res.Message).Msg("automatic retry skipped")
		}
	}()
}

// backoff is exponential in the retry count, capped at max, with full jitter.
func backoff(retries int, base, max time.Duration) time.Duration {
	d := float64(base) * math.Pow(2, float64(retries))
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d * rand.Float64())
}
