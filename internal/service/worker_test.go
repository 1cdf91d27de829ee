package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/queue"
)

type recordingDeliverer struct {
	mu     sync.Mutex
	msgs   []model.Message
	failOn string
}

func (r *recordingDeliverer) Deliver(ctx context.Context, msg model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.RecipientID == r.failOn {
		return errors.New("mailbox full")
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestWorkerProcessRendersPerRecipient(t *testing.T) {
	d := &recordingDeliverer{}
	w := NewWorker(d.Deliver, nil, zerolog.Nop())

	job := model.SendJob{AttemptID: "att-1", CampaignID: "camp-1", RecipientIDs: []string{"r1", "r2"}, Content: "Hi {recipient_id}, see {campaign_id}"}
	require.NoError(t, w.Process(context.Background(), &job))

	require.Len(t, d.msgs, 2)
	assert.Equal(t, "Hi r1, see camp-1", d.msgs[0].Content)
	assert.Equal(t, "Hi r2, see camp-1", d.msgs[1].Content)
	assert.Equal(t, "att-1", d.msgs[1].AttemptID)
}

func TestWorkerProcessStopsAtFirstFailure(t *testing.T) {
	d := &recordingDeliverer{failOn: "r2"}
	w := NewWorker(d.Deliver, nil, zerolog.Nop())

	job := model.SendJob{CampaignID: "camp-1", RecipientIDs: []string{"r1", "r2", "r3"}}
	err := w.Process(context.Background(), &job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliver to r2")
	assert.Len(t, d.msgs, 1)
	assert.Equal(t, []string{"r1"}, job.Delivered)
}

func TestWorkerProcessSkipsDeliveredRecipients(t *testing.T) {
	d := &recordingDeliverer{}
	w := NewWorker(d.Deliver, nil, zerolog.Nop())

	job := model.SendJob{CampaignID: "camp-1", RecipientIDs: []string{"r1", "r2", "r3"}, Delivered: []string{"r1", "r2"}}
	require.NoError(t, w.Process(context.Background(), &job))
	require.Len(t, d.msgs, 1)
	assert.Equal(t, "r3", d.msgs[0].RecipientID)
	assert.Equal(t, []string{"r1", "r2", "r3"}, job.Delivered)
}

// flakyDeliverer fails each recipient in failOnce the first time it is seen.
type flakyDeliverer struct {
	mu       sync.Mutex
	failOnce map[string]bool
	counts   map[string]int
}

func (f *flakyDeliverer) Deliver(ctx context.Context, msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnce[msg.RecipientID] {
		delete(f.failOnce, msg.RecipientID)
		return errors.New("greylisted")
	}
	f.counts[msg.RecipientID]++
	return nil
}

func TestMemoryTransportRetryResumesAtFailedRecipient(t *testing.T) {
	d := &flakyDeliverer{failOnce: map[string]bool{"c": true}, counts: map[string]int{}}
	q := queue.NewInMemoryQueue(2, time.Millisecond, zerolog.Nop())
	w := NewWorker(d.Deliver, nil, zerolog.Nop())
	require.NoError(t, queue.StartSendSubscriber(q, w.Process, zerolog.Nop()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := queue.NewMemorySender(q).Send(ctx, model.SendJob{AttemptID: "att-1", CampaignID: "camp-1", RecipientIDs: []string{"a", "b", "c"}, Content: "hi"})
	require.NoError(t, err)
	q.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, d.counts)
}

func TestWorkerStartAcksEachDelivery(t *testing.T) {
	d := &recordingDeliverer{failOn: "bad"}
	jobs := make(chan queue.Delivery, 2)
	acks := make(chan error, 2)
	jobs <- queue.Delivery{Job: &model.SendJob{CampaignID: "ok", RecipientIDs: []string{"r1"}}, Ack: func(err error) { acks <- err }}
	jobs <- queue.Delivery{Job: &model.SendJob{CampaignID: "ko", RecipientIDs: []string{"bad"}}, Ack: func(err error) { acks <- err }}
	close(jobs)

	w := NewWorker(d.Deliver, jobs, zerolog.Nop())
	w.Start(context.Background())

	assert.NoError(t, <-acks)
	assert.Error(t, <-acks)
}

func TestRenderTemplate(t *testing.T) {
	out := RenderTemplate("Hello {name}, {missing} stays", map[string]string{"name": "Ada"})
	assert.Equal(t, "Hello Ada, {missing} stays", out)
}
