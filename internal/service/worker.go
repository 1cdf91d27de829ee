package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/queue"
)

// Worker delivers queued campaign sends, one rendered message per recipient.
type Worker struct {
	Deliver func(ctx context.Context, msg model.Message) error
	Jobs    <-chan queue.Delivery
	Log     zerolog.Logger
}

// Constructor
func NewWorker(deliver func(ctx context.Context, msg model.Message) error, jobs <-chan queue.Delivery, log zerolog.Logger) *Worker {
	return &Worker{
		Deliver: deliver,
		Jobs:    jobs,
		Log:     log,
	}
}

// Start processes deliveries until the channel closes or ctx is done.
func (w *Worker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-w.Jobs:
			if !ok {
				return
			}
			err := w.Process(ctx, d.Job)
			if err != nil {
				w.Log.Warn().Err(err).Str("campaign_id", d.Job.CampaignID).Str("attempt_id", d.Job.AttemptID).Msg("delivery failed")
			}
			d.Ack(err)
		}
	}
}

// Process renders and delivers a job to every recipient not yet in
// job.Delivered, stopping at the first failure. Each success is appended to
// job.Delivered so a retry of the same job skips it.
func (w *Worker) Process(ctx context.Context, job *model.SendJob) error {
	for _, rid := range job.Remaining() {
		msg := model.Message{
			AttemptID:   job.AttemptID,
			CampaignID:  job.CampaignID,
			RecipientID: rid,
			Content: RenderTemplate(job.Content, map[string]string{
				"recipient_id": rid,
				"campaign_id":  job.CampaignID,
			}),
		}
		if err := w.Deliver(ctx, msg); err != nil {
			return fmt.Errorf("deliver to %s: %w", rid, err)
		}
		job.Delivered = append(job.Delivered, rid)
	}
	w.Log.Info().Str("campaign_id", job.CampaignID).Int("recipients", len(job.RecipientIDs)).Msg("job delivered")
	return nil
}
