package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
)

// Start schedules the stuck-send monitor and the retention cleanup, and
// starts the persist loop when a store is configured. Start is idempotent.
func (s *SendSafeguard) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return fmt.Errorf("send safeguard already stopped")
	}

	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(cron.Every(s.cfg.MonitorInterval), cron.FuncJob(func() { s.CheckStuckSends() }))
	retention := s.cfg.RetentionDays
	if _, err := c.AddFunc(s.cfg.CleanupSchedule, func() { s.CleanupOldRecords(retention) }); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.cfg.CleanupSchedule, err)
	}

	if s.store != nil {
		s.persistCh = make(chan persistOp, s.cfg.PersistQueueSize)
		s.persistDone = make(chan struct{})
		go s.persistLoop(s.persistCh, s.persistDone)
	}

	c.Start()
	s.cron = c
	s.started = true
	s.log.Info().Dur("monitor_interval", s.cfg.MonitorInterval).Str("cleanup_schedule", s.cfg.CleanupSchedule).
		Bool("persistent", s.store != nil).Msg("send safeguard started")
	return nil
}

// Stop halts background jobs and waits for in-flight sends, bounded by ctx.
// Sends still pending at that point stay pending in the store.
func (s *SendSafeguard) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	start := time.Now()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	pch, pdone := s.persistCh, s.persistDone
	s.persistCh = nil
	s.mu.Unlock()
	if pch != nil {
		close(pch)
		select {
		case <-pdone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.log.Info().Dur("took", time.Since(start)).Msg("send safeguard stopped")
	return err
}

// CheckStuckSends retries every send that has been pending longer than the
// confirmation timeout. Sends with no retries left are marked failed.
// It returns the number of sends retried.
func (s *SendSafeguard) CheckStuckSends() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var stuck []string
	for id, rec := range s.pending {
		if now.Sub(rec.Timestamp) > s.cfg.ConfirmationTimeout {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)

	retried := 0
	for _, id := range stuck {
		rec := s.pending[id]
		s.log.Warn().Str("campaign_id", id).Dur("pending_for", now.Sub(rec.Timestamp)).
			Int("retries", rec.RetryCount).Msg("send stuck in pending")

		res := s.retryLocked(id)
		if res.Success {
			retried++
			continue
		}
		if rec.RetryCount >= s.cfg.MaxRetryAttempts {
			s.exhaustLocked(rec)
		}
	}
	return retried
}

func (s *SendSafeguard) exhaustLocked(rec *model.SendRecord) {
	rec.Status = model.StatusFailed
	rec.Timestamp = s.now()
	if rec.LastError == "" {
		rec.LastError = "send confirmation timed out"
	}
	delete(s.pending, rec.CampaignID)
	s.history[rec.CampaignID] = rec
	s.persistRecordLocked(rec)
	s.log.Error().Str("campaign_id", rec.CampaignID).Int("retries", rec.RetryCount).Msg("stuck send failed, retry attempts exhausted")
}
