package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"jobnotifier/internal/config"
	"jobnotifier/internal/errors"
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
		logg.Fatalw("worker stopped with error", "error", err)
	}
}

// run delivers notifications and runs the maintenance loop. With AMQP
// enabled it also consumes notifications published by cmd/api.
func run(cfg *config.Config, logg *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage, logg)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	sinks := []queue.DeadLetterSink{store}

	var manager *queue.Manager
	if cfg.AMQP.Enabled {
		manager, err = queue.NewManager(cfg.AMQP, logg)
		if err != nil {
			return errors.Wrap(err, "create RabbitMQ manager")
		}
		defer manager.Close()
		sinks = append(sinks, manager)
	}

	dispatcher := notify.NewDispatcher(notify.NewBackend(cfg.Mailgun, logg), notify.NewTemplates(), logg)
	emailQueue := queue.NewEmailQueue(cfg.Queue, dispatcher, logg, sinks...)
	go func() {
		if err := emailQueue.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			logg.Errorw("email queue stopped", "error", err)
		}
	}()

	scheduler, err := worker.NewScheduler(store, store, store, emailQueue, cfg.Maintenance, logg)
	if err != nil {
		return errors.Wrap(err, "create maintenance scheduler")
	}
	scheduler.Start(bgCtx)

	// The consumer stops with the signal so no new work arrives while draining
	if manager != nil {
		processor := worker.NewProcessor(manager, emailQueue, logg)
		if err := processor.Start(ctx); err != nil {
			return errors.Wrap(err, "start processor")
		}
	}

	logg.Infow("worker started", "amqp", cfg.AMQP.Enabled, "storage", cfg.Storage.Driver)
	<-ctx.Done()

	logg.Infow("shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := emailQueue.Shutdown(shutdownCtx); err != nil {
		logg.Warnw("email queue not fully drained", "error", err)
	}

	logg.Infow("shutdown complete")
	return nil
}
