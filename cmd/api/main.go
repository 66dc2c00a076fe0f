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

	"paychat_backend/internal/assignment"
	"paychat_backend/internal/chats"
	"paychat_backend/internal/credits"
	"paychat_backend/internal/events"
	"paychat_backend/internal/eventsink"
	apphttp "paychat_backend/internal/http"
	"paychat_backend/internal/http/router"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/notification"
	"paychat_backend/internal/operators"
	"paychat_backend/internal/payments"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/store/postgres"
	"paychat_backend/internal/sweeper"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/config"
	"paychat_backend/platform/db"
	"paychat_backend/platform/logger"
	"paychat_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

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
	log.Info("database connection established")

	if cfg.MigrationsOff {
		log.Warn("database migrations disabled")
	} else {
		if err := db.RunMigrations(ctx, pool); err != nil {
			log.Error("failed to run database migrations", "error", err)
			panic("failed to run database migrations: " + err.Error())
		}
		log.Info("database migrations complete")
	}

	st := postgres.New(pool)
	clk := clock.Real()
	val := validator.New()

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	pub, err := eventsink.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize event sink", "error", err, "sink", cfg.GetEventSink())
		panic("failed to initialize event sink: " + err.Error())
	}
	if pub != nil {
		defer func() { _ = pub.Close() }()
		eventsink.NewForwarder(pub, log).Attach(eventBus)
		log.Info("event sink attached", "sink", cfg.GetEventSink())
	}

	pricing, err := credits.LoadPricing(cfg)
	if err != nil {
		log.Error("failed to load pricing", "error", err)
		panic("failed to load pricing: " + err.Error())
	}

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	notificationModule := notification.NewModule(st, eventBus, clk, log)
	notifier := notificationModule.Service()

	failures := initFailureTracker(cfg, notifier, log)

	policy := lifecycle.PolicyFromConfig(cfg)
	queueManager := queue.NewManager(st, queue.DefaultWeights(), clk, log)
	coordinator := assignment.NewCoordinator(st, queueManager, notifier, eventBus, policy, clk, log)
	meter := credits.NewMeter(st, pricing, clk, log)

	chatsModule := chats.NewModule(st, meter, queueManager, coordinator, val, clk, log)
	operatorsModule := operators.NewModule(st, queueManager, coordinator, val, log)
	paymentsModule := payments.NewModule(st, payments.NewHTTPGateway(cfg), notifier, failures, eventBus, cfg, val, clk, log)
	sweeperModule := sweeper.NewModule(st, coordinator, queueManager, notifier, policy, sweeper.OptionsFromConfig(cfg), clk, log)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   db.NewPoolChecker(pool),
		EventBus: eventBus,
		Modules: []apphttp.Module{
			chatsModule,
			operatorsModule,
			paymentsModule,
			sweeperModule,
			notificationModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		eventBus.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		panic("server error: " + err.Error())
	}
	log.Info("server stopped")
}

// initFailureTracker returns nil when Redis is not configured; the payment
// service then skips failure counting.
func initFailureTracker(cfg *config.Config, notifier notification.Raiser, log *logger.Logger) payments.FailureRecorder {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; webhook failure alerts disabled")
		return nil
	}
	rdb, err := notification.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to initialize redis client", "error", err)
		return nil
	}
	return notification.NewFailureTracker(rdb, notifier, cfg, log)
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
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
