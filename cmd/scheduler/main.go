package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paychat_backend/internal/assignment"
	"paychat_backend/internal/events"
	"paychat_backend/internal/eventsink"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/notification"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/scheduler"
	"paychat_backend/internal/store/postgres"
	"paychat_backend/internal/sweeper"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/config"
	"paychat_backend/platform/db"
	"paychat_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env, "queue", cfg.GetAsynqQueueName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	st := postgres.New(pool)
	clk := clock.Real()
	eventBus := events.NewInMemoryBus(log)
	defer eventBus.Wait()

	pub, err := eventsink.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize event sink", "error", err, "sink", cfg.GetEventSink())
		panic("failed to initialize event sink: " + err.Error())
	}
	if pub != nil {
		defer func() { _ = pub.Close() }()
		eventsink.NewForwarder(pub, log).Attach(eventBus)
	}

	// Worker-side engine wiring (no HTTP handlers required).
	notifier := notification.NewService(st, eventBus, clk, log)
	policy := lifecycle.PolicyFromConfig(cfg)
	queueManager := queue.NewManager(st, queue.DefaultWeights(), clk, log)
	coordinator := assignment.NewCoordinator(st, queueManager, notifier, eventBus, policy, clk, log)
	sweeps := sweeper.New(st, coordinator, notifier, policy, sweeper.OptionsFromConfig(cfg), clk, log)

	sched, err := scheduler.NewScheduler(cfg, log)
	if err != nil {
		log.Error("failed to initialize scheduler", "error", err)
		panic("failed to initialize scheduler: " + err.Error())
	}

	worker, err := scheduler.NewWorker(cfg, sweeps, queueManager, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("scheduler stopped with error", "error", err)
		panic("scheduler error: " + err.Error())
	}
	log.Info("scheduler stopped")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
