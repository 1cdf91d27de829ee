package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/config"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/logging"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/queue"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/service"
)

const (
	workerCount = 4
	prefetch    = workerCount * 2
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
	log := logging.Component(logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout), "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Transport, log); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

func run(ctx context.Context, t config.TransportConfig, log zerolog.Logger) error {
	consumer, err := queue.DialAMQPConsumer(t.AMQPURL, t.Queue, prefetch, log)
	if err != nil {
		return err
	}
	defer consumer.Close()

	deliveries, err := consumer.Deliveries(ctx)
	if err != nil {
		return err
	}
	w := service.NewWorker(deliverFunc(t), deliveries, log)

	log.Info().Str("queue", t.Queue).Int("workers", workerCount).Msg("Worker running, waiting for messages...")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			w.Start(gctx)
			return nil
		})
	}
	return g.Wait()
}

// deliverFunc posts to the ESP webhook when one is configured and falls back
// to the simulated ESP otherwise.
func deliverFunc(t config.TransportConfig) func(ctx context.Context, msg model.Message) error {
	if t.WebhookURL != "" {
		return queue.NewWebhookSender(t.WebhookURL, t.Timeout).Deliver
	}
	return queue.MockDeliver(t.MockSuccessRate)
}
