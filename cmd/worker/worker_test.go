package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/config"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/queue"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/service"
)

func TestWorkerDeliversThroughWebhook(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []model.Message
		hdrs []string
	)
	esp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg model.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		mu.Lock()
		got = append(got, msg)
		hdrs = append(hdrs, r.Header.Get("X-Send-Attempt-Id"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer esp.Close()

	jobs := make(chan queue.Delivery, 1)
	acked := make(chan error, 1)
	jobs <- queue.Delivery{
		Job: &model.SendJob{AttemptID: "att-9", CampaignID: "camp-1", RecipientIDs: []string{"r1", "r2"}, Content: "Hi {recipient_id}"},
		Ack: func(err error) { acked <- err },
	}
	close(jobs)

	deliver := deliverFunc(config.TransportConfig{WebhookURL: esp.URL, Timeout: time.Second})
	service.NewWorker(deliver, jobs, zerolog.Nop()).Start(context.Background())

	require.NoError(t, <-acked)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "Hi r1", got[0].Content)
	assert.Equal(t, "Hi r2", got[1].Content)
	assert.Equal(t, []string{"att-9", "att-9"}, hdrs)
}

func TestWorkerNacksOnESPFailure(t *testing.T) {
	esp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer esp.Close()

	jobs := make(chan queue.Delivery, 1)
	acked := make(chan error, 1)
	jobs <- queue.Delivery{Job: &model.SendJob{CampaignID: "camp-1", RecipientIDs: []string{"r1"}}, Ack: func(err error) { acked <- err }}
	close(jobs)

	deliver := deliverFunc(config.TransportConfig{WebhookURL: esp.URL, Timeout: time.Second})
	service.NewWorker(deliver, jobs, zerolog.Nop()).Start(context.Background())

	assert.Error(t, <-acked)
}

func TestDeliverFuncFallsBackToMock(t *testing.T) {
	always := deliverFunc(config.TransportConfig{MockSuccessRate: 1})
	never := deliverFunc(config.TransportConfig{MockSuccessRate: 0})
	msg := model.Message{CampaignID: "c", RecipientID: "r"}

	assert.NoError(t, always(context.Background(), msg))
	assert.Error(t, never(context.Background(), msg))
}
