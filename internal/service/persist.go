package service

import (
	"context"
	"time"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
)

// Store mirrors the safeguard's state so it survives restarts. The in-memory
// maps stay authoritative; writes are best-effort.
type Store interface {
	SaveRecord(ctx context.Context, rec model.SendRecord) error
	SaveCooldowns(ctx context.Context, stamps map[string]time.Time) error
	PurgeBefore(ctx context.Context, cutoff time.Time) error
	Load(ctx context.Context) ([]model.SendRecord, map[string]time.Time, error)
}

const persistTimeout = 5 * time.Second

// persistOp carries exactly one of its fields.
type persistOp struct {
	record      *model.SendRecord
	cooldowns   map[string]time.Time
	purgeBefore time.Time
}

func (s *SendSafeguard) persistRecordLocked(rec *model.SendRecord) {
	c := rec.Clone()
	s.persistLocked(persistOp{record: &c})
}

// persistLocked queues op for the persist loop. Without a running loop (CLI
// use) the write happens inline.
func (s *SendSafeguard) persistLocked(op persistOp) {
	if s.store == nil {
		return
	}
	if s.persistCh == nil {
		s.applyPersist(op)
		return
	}
	select {
	case s.persistCh <- op:
	default:
		s.log.Warn().Msg("persist queue full, dropping write")
	}
}

func (s *SendSafeguard) persistLoop(ch <-chan persistOp, done chan<- struct{}) {
	defer close(done)
	for op := range ch {
		s.applyPersist(op)
	}
}

func (s *SendSafeguard) applyPersist(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	switch {
	case op.record != nil:
		err = s.store.SaveRecord(ctx, *op.record)
	case op.cooldowns != nil:
		err = s.store.SaveCooldowns(ctx, op.cooldowns)
	case !op.purgeBefore.IsZero():
		err = s.store.PurgeBefore(ctx, op.purgeBefore)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("persist write failed")
	}
}

// Restore loads persisted records and cooldowns. Records that were pending
// when the process stopped come back as pending and are picked up by the
// stuck-send monitor.
func (s *SendSafeguard) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	records, cooldowns, err := s.store.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var pending int
	for i := range records {
		rec := records[i]
		if rec.Status == model.StatusPending {
			s.pending[rec.CampaignID] = &rec
			delete(s.history, rec.CampaignID)
			pending++
			continue
		}
		s.history[rec.CampaignID] = &rec
	}
	for id, at := range cooldowns {
		if cur, ok := s.cooldowns[id]; !ok || at.After(cur) {
			s.cooldowns[id] = at
		}
	}
	s.log.Info().Int("records", len(records)).Int("pending", pending).Int("cooldowns", len(cooldowns)).Msg("send state restored")
	return nil
}
