// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/config"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/controller"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/logging"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/queue"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/repository"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := os.Getenv("SHARPSEND_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := repository.OpenStore(ctx, cfg.Store, logging.Component(log, "store"))
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	sender, closeSender, err := buildSender(cfg.Transport, logging.Component(log, "transport"))
	if err != nil {
		return err
	}
	defer closeSender()

	opts := []service.Option{service.WithLogger(logging.Component(log, "safeguard"))}
	if store != nil {
		opts = append(opts, service.WithStore(store))
	}
	sg := service.NewSendSafeguard(cfg.Safeguard, sender, opts...)

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = sg.Restore(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("restore send state: %w", err)
	}
	if err := sg.Start(); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	ctrl := &controller.SafeguardController{Safeguard: sg, Log: logging.Component(log, "http")}
	ctrl.Register(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("transport", cfg.Transport.Kind).Str("store", cfg.Store.Driver).Msg("🚀 server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return config.Watch(gctx, cfgPath, logging.Component(log, "config"), func(c config.Config) {
			sg.Apply(c.Safeguard)
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		return sg.Stop(sctx)
	})

	err = g.Wait()
	log.Info().Msg("server stopped")
	return err
}

// buildSender picks the transport that carries send jobs out of the process.
func buildSender(t config.TransportConfig, log zerolog.Logger) (queue.Sender, func(), error) {
	switch t.Kind {
	case config.TransportAMQP:
		s, err := queue.DialAMQPSender(t.AMQPURL, t.Queue)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.TransportWebhook:
		return queue.NewWebhookSender(t.WebhookURL, t.Timeout), func() {}, nil
	case config.TransportMemory:
		// In-process delivery against a simulated ESP.
		q := queue.NewInMemoryQueue(3, 500*time.Millisecond, log)
		w := service.NewWorker(queue.MockDeliver(t.MockSuccessRate), nil, log)
		if err := queue.StartSendSubscriber(q, w.Process, log); err != nil {
			return nil, nil, err
		}
		return queue.NewMemorySender(q), q.Wait, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", t.Kind)
	}
}
