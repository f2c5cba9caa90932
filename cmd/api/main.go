package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"jobnotifier/internal/config"
	"jobnotifier/internal/errors"
	"jobnotifier/internal/handlers"
	"jobnotifier/internal/logger"
	"jobnotifier/internal/notify"
	"jobnotifier/internal/queue"
	"jobnotifier/internal/storage"
	"jobnotifier/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logg.Sync()

	if err := run(cfg, logg); err != nil {
		logg.Fatalw("api stopped with error", "error", err)
	}
}

// run serves the HTTP API. With AMQP enabled notifications are published to
// the broker for cmd/worker; otherwise the queue and maintenance loop run in
// this process.
func run(cfg *config.Config, logg *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage, logg)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}

	// Background work outlives the signal context so it can drain
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	var (
		notifications handlers.NotificationQueue
		emailQueue    *queue.EmailQueue
		scheduler     *worker.Scheduler
	)

	if cfg.AMQP.Enabled {
		manager, err := queue.NewManager(cfg.AMQP, logg)
		if err != nil {
			return errors.Wrap(err, "create RabbitMQ manager")
		}
		defer manager.Close()

		notifications = queue.NewBrokerQueue(manager, cfg.AMQP.MessageTTL)
		logg.Infow("notifications are published to RabbitMQ", "exchange", queue.Exchange)
	} else {
		dispatcher := notify.NewDispatcher(notify.NewBackend(cfg.Mailgun, logg), notify.NewTemplates(), logg)
		emailQueue = queue.NewEmailQueue(cfg.Queue, dispatcher, logg, store)
		go func() {
			if err := emailQueue.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Errorw("email queue stopped", "error", err)
			}
		}()
		notifications = emailQueue

		scheduler, err = worker.NewScheduler(store, store, store, emailQueue, cfg.Maintenance, logg)
		if err != nil {
			return errors.Wrap(err, "create maintenance scheduler")
		}
		scheduler.Start(bgCtx)
	}

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: handlers.NewRouter(handlers.RouterConfig{
			Queue:          notifications,
			Store:          store,
			Log:            logg,
			RequestTimeout: cfg.Server.RequestTimeout,
		}),
	}

	serverErr := make(chan error, 1)
	go func() {
		logg.Infow("API server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return errors.Wrap(err, "http server")
	}

	logg.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Warnw("HTTP server shutdown", "error", err)
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if emailQueue != nil {
		if err := emailQueue.Shutdown(shutdownCtx); err != nil {
			logg.Warnw("email queue not fully drained", "error", err)
		}
	}

	logg.Infow("shutdown complete")
	return nil
}
