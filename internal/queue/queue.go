package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
	"github.com/rs/zerolog"
)

const TopicCampaignSends = "campaign_sends"

// Sender hands a job to a transport and returns once the transport has
// acknowledged or rejected it.
type Sender interface {
	Send(ctx context.Context, job model.SendJob) error
}

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, handler func(ctx context.Context, payload any) error) error
}

// Acker is implemented by payloads that want the final outcome of a job.
type Acker interface {
	Ack(err error)
}

// InMemoryQueue fans payloads out to subscribers with bounded retries.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(ctx context.Context, payload any) error
	maxRetries int
	backoff    time.Duration
	log        zerolog.Logger
	wg         sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(maxRetries int, backoff time.Duration, log zerolog.Logger) *InMemoryQueue {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &InMemoryQueue{
		handlers:   make(map[string][]func(ctx context.Context, payload any) error),
		maxRetries: maxRetries,
		backoff:    backoff,
		log:        log,
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish sends a message to all subscribers. Processing and retries stop
// once ctx is done.
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, payload any) error {
	q.mu.Lock()
	handlers := append([]func(ctx context.Context, payload any) error(nil), q.handlers[topic]...)
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		job := JobPayload{
			Payload:    payload,
			RetryCount: 0,
			MaxRetries: q.maxRetries,
		}
		q.wg.Add(1)
		go q.processJob(ctx, handler, job)
	}

	return nil
}

// Wait blocks until every published job has finished or given up.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(ctx context.Context, handler func(ctx context.Context, payload any) error, job JobPayload) {
	defer q.wg.Done()

	var err error
	for {
		err = handler(ctx, job.Payload)
		if err == nil {
			break
		}

		job.RetryCount++
		q.log.Warn().Err(err).Int("attempt", job.RetryCount).Int("max_retries", job.MaxRetries).Msg("job failed")

		if job.RetryCount > job.MaxRetries {
			q.log.Error().Err(err).Int("attempts", job.RetryCount).Msg("job permanently failed")
			break
		}

		// Backoff grows linearly per attempt, with jitter.
		d := time.Duration(job.RetryCount) * q.backoff
		if !sleepCtx(ctx, d/2+time.Duration(rand.Int63n(int64(d/2)+1))) {
			err = ctx.Err()
			break
		}
	}
	if a, ok := job.Payload.(Acker); ok {
		a.Ack(err)
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(ctx context.Context, payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// envelope carries a job through the in-memory queue and reports its outcome
// back to the waiting sender. Retries reuse the same envelope, so progress
// recorded in job.Delivered survives them.
type envelope struct {
	job  model.SendJob
	done chan error
}

func (e *envelope) Ack(err error) {
	select {
	case e.done <- err:
	default:
	}
}

// MemorySender is a Sender backed by an InMemoryQueue topic.
type MemorySender struct {
	Queue *InMemoryQueue
	Topic string
}

func NewMemorySender(q *InMemoryQueue) *MemorySender {
	return &MemorySender{Queue: q, Topic: TopicCampaignSends}
}

func (s *MemorySender) Send(ctx context.Context, job model.SendJob) error {
	env := &envelope{job: job, done: make(chan error, 1)}
	if err := s.Queue.Publish(ctx, s.Topic, env); err != nil {
		return err
	}
	select {
	case err := <-env.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartSendSubscriber wires process as the consumer of the campaign_sends topic.
func StartSendSubscriber(q Queue, process func(ctx context.Context, job *model.SendJob) error, log zerolog.Logger) error {
	return q.Subscribe(TopicCampaignSends, func(ctx context.Context, payload any) error {
		env, ok := payload.(*envelope)
		if !ok {
			log.Warn().Str("type", fmt.Sprintf("%T", payload)).Msg("invalid payload type, dropping")
			return nil
		}
		log.Debug().Str("campaign_id", env.job.CampaignID).Str("attempt_id", env.job.AttemptID).
			Int("delivered", len(env.job.Delivered)).Msg("processing queued send")
		return process(ctx, &env.job)
	})
}

// MockDeliver simulates an ESP that accepts successRate of deliveries.
func MockDeliver(successRate float64) func(ctx context.Context, msg model.Message) error {
	return func(ctx context.Context, msg model.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rand.Float64() < successRate {
			return nil
		}
		return fmt.Errorf("mock delivery to %s failed", msg.RecipientID)
	}
}
