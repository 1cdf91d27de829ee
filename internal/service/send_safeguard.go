// internal/service/send_safeguard.go
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	appErrors "github.com/doubledekr/SharpSendvNext-sub005/internal/errors"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/queue"
)

const (
	reasonAlreadySent  = "Campaign has already been sent"
	reasonSimilar      = "Similar content was sent within the last 24 hours"
	reasonAlreadyQueue = "Campaign is already queued for sending"
)

// SendSafeguard guards campaign sends against duplicates and over-frequent
// delivery, tracks each send until the transport acknowledges it and retries
// sends that get stuck.
//
// It is safe for concurrent use. Records are owned by the safeguard; callers
// only ever receive copies.
type SendSafeguard struct {
	mu      sync.Mutex
	cfg     SafeguardConfig
	matcher ContentMatcher
	limiter *rate.Limiter

	pending   map[string]*model.SendRecord
	history   map[string]*model.SendRecord
	cooldowns map[string]time.Time

	sender queue.Sender
	store  Store
	log    zerolog.Logger
	now    func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
	started bool
	stopped bool

	persistCh   chan persistOp
	persistDone chan struct{}
}

type Option func(*SendSafeguard)

func WithStore(st Store) Option { return func(s *SendSafeguard) { s.store = st } }

func WithLogger(log zerolog.Logger) Option { return func(s *SendSafeguard) { s.log = log } }

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(s *SendSafeguard) { s.now = now } }

// NewSendSafeguard builds a safeguard that dispatches through sender. A nil
// sender gives a read-only safeguard that refuses new sends.
func NewSendSafeguard(cfg SafeguardConfig, sender queue.Sender, opts ...Option) *SendSafeguard {
	ctx, cancel := context.WithCancel(context.Background())
	s := &SendSafeguard{
		pending:   make(map[string]*model.SendRecord),
		history:   make(map[string]*model.SendRecord),
		cooldowns: make(map[string]time.Time),
		sender:    sender,
		log:       zerolog.Nop(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps thresholds at runtime. The monitor interval and cleanup
// schedule take effect on the next Start.
func (s *SendSafeguard) Apply(cfg SafeguardConfig) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *SendSafeguard) applyLocked(cfg SafeguardConfig) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.matcher = newContentMatcher(cfg.ContentMatcher, cfg.SimilarityThreshold)

	limit := rate.Inf
	if cfg.SendRatePerSec > 0 {
		limit = rate.Limit(cfg.SendRatePerSec)
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(limit, cfg.SendBurst)
		return
	}
	s.limiter.SetLimit(limit)
	s.limiter.SetBurst(cfg.SendBurst)
}

// Config returns the effective configuration.
func (s *SendSafeguard) Config() SafeguardConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// CheckForDuplicates applies the duplicate rules in order; the first match wins.
func (s *SendSafeguard) CheckForDuplicates(campaignID string, recipientIDs []string, content string) model.DuplicateCheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(campaignID, recipientIDs, s.matcher.Fingerprint(content))
}

func (s *SendSafeguard) checkLocked(campaignID string, recipientIDs []string, fingerprint string) model.DuplicateCheckResult {
	now := s.now()

	if rec, ok := s.history[campaignID]; ok && rec.Status == model.StatusSent {
		return model.DuplicateCheckResult{
			IsDuplicate: true,
			Reason:      reasonAlreadySent,
			LastSentAt:  timePtr(sentTime(rec)),
		}
	}

	if len(recipientIDs) > 0 {
		var inCooldown int
		var latest time.Time
		for _, id := range recipientIDs {
			last, ok := s.cooldowns[id]
			if !ok || now.Sub(last) >= s.cfg.CooldownWindow {
				continue
			}
			inCooldown++
			if last.After(latest) {
				latest = last
			}
		}
		if float64(inCooldown)/float64(len(recipientIDs)) > *s.cfg.CooldownRatio {
			return model.DuplicateCheckResult{
				IsDuplicate: true,
				Reason: fmt.Sprintf("%d of %d recipients received a send within the cooldown window (%s)",
					inCooldown, len(recipientIDs), s.cfg.CooldownWindow),
				LastSentAt: timePtr(latest),
			}
		}
	}

	var similar []string
	var newest time.Time
	for id, rec := range s.history {
		if rec.Status != model.StatusSent || id == campaignID {
			continue
		}
		at := sentTime(rec)
		if now.Sub(at) >= s.cfg.SimilarContentWindow {
			continue
		}
		if !s.matcher.Similar(fingerprint, rec.ContentHash) {
			continue
		}
		similar = append(similar, id)
		if at.After(newest) {
			newest = at
		}
	}
	if len(similar) > 0 {
		sort.Strings(similar)
		return model.DuplicateCheckResult{
			IsDuplicate:      true,
			Reason:           reasonSimilar,
			LastSentAt:       timePtr(newest),
			SimilarCampaigns: similar,
		}
	}

	if _, ok := s.pending[campaignID]; ok {
		return model.DuplicateCheckResult{IsDuplicate: true, Reason: reasonAlreadyQueue}
	}

	return model.DuplicateCheckResult{IsDuplicate: false}
}

// InitiateSend checks for duplicates unless forceOverride is set, records
// the send as pending and dispatches it to the transport.
func (s *SendSafeguard) InitiateSend(campaignID string, recipientIDs []string, content string, forceOverride bool) model.SendResult {
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		err := appErrors.NewInvalidRequest("campaign id is required")
		return model.SendResult{Success: false, Message: "Campaign id is required", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.refuseLocked(); !ok {
		return res
	}

	fingerprint := s.matcher.Fingerprint(content)
	if !forceOverride {
		check := s.checkLocked(campaignID, recipientIDs, fingerprint)
		if check.IsDuplicate {
			s.log.Info().Str("campaign_id", campaignID).Str("reason", check.Reason).Msg("duplicate send blocked")
			return model.SendResult{
				Success:              false,
				Message:              check.Reason,
				RequiresConfirmation: true,
				Err:                  appErrors.NewDuplicate(campaignID, check),
			}
		}
	} else if _, ok := s.pending[campaignID]; ok {
		check := model.DuplicateCheckResult{IsDuplicate: true, Reason: reasonAlreadyQueue}
		return model.SendResult{Success: false, Message: reasonAlreadyQueue, Err: appErrors.NewDuplicate(campaignID, check)}
	}

	rec := &model.SendRecord{
		CampaignID:   campaignID,
		RecipientIDs: append([]string(nil), recipientIDs...),
		ContentHash:  fingerprint,
		Timestamp:    s.now(),
		Status:       model.StatusPending,
		AttemptID:    uuid.NewString(),
		Content:      content,
	}
	delete(s.history, campaignID)
	s.pending[campaignID] = rec
	s.persistRecordLocked(rec)
	s.dispatchLocked(rec)

	s.log.Info().Str("campaign_id", campaignID).Int("recipients", len(recipientIDs)).
		Bool("forced", forceOverride).Str("attempt_id", rec.AttemptID).Msg("send initiated")
	return model.SendResult{
		Success: true,
		Message: fmt.Sprintf("Send initiated for %d recipients", len(recipientIDs)),
	}
}

// RetrySend puts a failed or stuck send back to pending and re-dispatches it.
func (s *SendSafeguard) RetrySend(campaignID string) model.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryLocked(campaignID)
}

func (s *SendSafeguard) retryLocked(campaignID string) model.SendResult {
	if res, ok := s.refuseLocked(); !ok {
		return res
	}

	rec, ok := s.pending[campaignID]
	if !ok {
		rec, ok = s.history[campaignID]
	}
	if !ok {
		return model.SendResult{Success: false, Message: "Campaign not found", Err: appErrors.NewCampaignNotFound(campaignID)}
	}
	if rec.Status == model.StatusSent {
		return model.SendResult{Success: false, Message: reasonAlreadySent, Err: appErrors.NewAlreadySent(campaignID)}
	}
	if rec.RetryCount >= s.cfg.MaxRetryAttempts {
		return model.SendResult{
			Success: false,
			Message: fmt.Sprintf("Maximum retry attempts (%d) reached", s.cfg.MaxRetryAttempts),
			Err:     appErrors.NewRetryExhausted(campaignID, s.cfg.MaxRetryAttempts),
		}
	}

	rec.RetryCount++
	rec.Status = model.StatusPending
	rec.Timestamp = s.now()
	rec.AttemptID = uuid.NewString()
	delete(s.history, campaignID)
	s.pending[campaignID] = rec
	s.persistRecordLocked(rec)
	s.dispatchLocked(rec)

	s.log.Info().Str("campaign_id", campaignID).Int("retry", rec.RetryCount).Str("attempt_id", rec.AttemptID).Msg("send retried")
	return model.SendResult{
		Success: true,
		Message: fmt.Sprintf("Retry %d of %d initiated", rec.RetryCount, s.cfg.MaxRetryAttempts),
	}
}

func (s *SendSafeguard) refuseLocked() (model.SendResult, bool) {
	if s.stopped {
		return model.SendResult{Success: false, Message: "Send safeguard is stopped"}, false
	}
	if s.sender == nil {
		return model.SendResult{Success: false, Message: "No send transport configured"}, false
	}
	return model.SendResult{}, true
}

// completeSend marks the attempt as sent and stamps recipient cooldowns.
// Acknowledgements for superseded attempts are ignored.
func (s *SendSafeguard) completeSend(campaignID, attemptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[campaignID]
	if !ok || rec.AttemptID != attemptID {
		s.log.Debug().Str("campaign_id", campaignID).Str("attempt_id", attemptID).Msg("ignoring stale completion")
		return
	}

	now := s.now()
	rec.Status = model.StatusSent
	rec.Timestamp = now
	rec.SentAt = timePtr(now)
	rec.LastError = ""
	delete(s.pending, campaignID)
	s.history[campaignID] = rec

	stamps := make(map[string]time.Time, len(rec.RecipientIDs))
	for _, id := range rec.RecipientIDs {
		s.cooldowns[id] = now
		stamps[id] = now
	}
	s.persistRecordLocked(rec)
	s.persistLocked(persistOp{cooldowns: stamps})

	s.log.Info().Str("campaign_id", campaignID).Int("recipients", len(rec.RecipientIDs)).Int("retries", rec.RetryCount).Msg("send completed")
}

// failSend moves the attempt to failed and schedules an automatic retry
// while attempts remain.
func (s *SendSafeguard) failSend(campaignID, attemptID string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[campaignID]
	if !ok || rec.AttemptID != attemptID {
		return
	}

	rec.Status = model.StatusFailed
	rec.Timestamp = s.now()
	rec.LastError = cause.Error()
	delete(s.pending, campaignID)
	s.history[campaignID] = rec
	s.persistRecordLocked(rec)

	if rec.RetryCount >= s.cfg.MaxRetryAttempts {
		s.log.Error().Err(cause).Str("campaign_id", campaignID).Int("retries", rec.RetryCount).Msg("send failed, retry attempts exhausted")
		return
	}
	s.log.Warn().Err(cause).Str("campaign_id", campaignID).Int("retries", rec.RetryCount).Msg("send failed")
	if s.cfg.AutoRetryFailed && !s.stopped {
		s.scheduleRetryLocked(campaignID, attemptID, backoff(rec.RetryCount, s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay))
	}
}

// GetSendStatus returns the record for a campaign, pending or historical.
func (s *SendSafeguard) GetSendStatus(campaignID string) (model.SendRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.pending[campaignID]; ok {
		return rec.Clone(), true
	}
	if rec, ok := s.history[campaignID]; ok {
		return rec.Clone(), true
	}
	return model.SendRecord{}, false
}

// GetPendingSends lists pending sends, oldest first.
func (s *SendSafeguard) GetPendingSends() []model.SendRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SendRecord, 0, len(s.pending))
	for _, rec := range s.pending {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// GetRecentSends lists completed or failed sends from the last hours, newest first.
func (s *SendSafeguard) GetRecentSends(hours int) []model.SendRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	out := make([]model.SendRecord, 0)
	for _, rec := range s.history {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// CleanupOldRecords drops history and cooldown entries older than daysToKeep.
func (s *SendSafeguard) CleanupOldRecords(daysToKeep int) model.CleanupResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if daysToKeep <= 0 {
		daysToKeep = s.cfg.RetentionDays
	}
	cutoff := s.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)

	var res model.CleanupResult
	for id, rec := range s.history {
		if rec.Timestamp.Before(cutoff) {
			delete(s.history, id)
			res.RecordsRemoved++
		}
	}
	for id, at := range s.cooldowns {
		if at.Before(cutoff) {
			delete(s.cooldowns, id)
			res.CooldownsRemoved++
		}
	}
	s.persistLocked(persistOp{purgeBefore: cutoff})

	s.log.Info().Int("days_to_keep", daysToKeep).Int("records_removed", res.RecordsRemoved).
		Int("cooldowns_removed", res.CooldownsRemoved).Msg("old send records cleaned up")
	return res
}

func sentTime(rec *model.SendRecord) time.Time {
	if rec.SentAt != nil {
		return *rec.SentAt
	}
	return rec.Timestamp
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
