package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/platform/config"
	"paychat_backend/platform/logger"

	"github.com/redis/go-redis/v9"
)

const failureKeyPrefix = "paychat:webhook_failures:"

// Raiser is the subset of Service the tracker needs.
type Raiser interface {
	Raise(ctx context.Context, d Draft) (domain.AdminNotification, error)
}

// FailureTracker counts webhook verification failures per source in a
// fixed Redis window and raises one notification when the threshold is hit.
type FailureTracker struct {
	rdb       redis.UniversalClient
	notifier  Raiser
	threshold int
	window    time.Duration
	log       *logger.Logger
}

// NewRedisClient builds a client from REDIS_URL.
func NewRedisClient(cfg config.SchedulerConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.GetRedisTLSInsecure() && opts.TLSConfig != nil {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed dev Redis
	}
	return redis.NewClient(opts), nil
}

// NewFailureTracker creates a tracker.
func NewFailureTracker(rdb redis.UniversalClient, notifier Raiser, cfg config.PaymentConfig, log *logger.Logger) *FailureTracker {
	return &FailureTracker{
		rdb:       rdb,
		notifier:  notifier,
		threshold: cfg.GetWebhookFailureThreshold(),
		window:    cfg.GetWebhookFailureWindow(),
		log:       log,
	}
}

// RecordFailure counts one failure and returns the count in the current
// window. A nil tracker records nothing.
func (f *FailureTracker) RecordFailure(ctx context.Context, source, clientIP string) (int64, error) {
	if f == nil || f.rdb == nil {
		return 0, nil
	}
	key := failureKeyPrefix + source
	count, err := f.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count webhook failure: %w", err)
	}
	if count == 1 {
		if err := f.rdb.Expire(ctx, key, f.window).Err(); err != nil {
			return count, fmt.Errorf("expire webhook failure window: %w", err)
		}
	}

	if count == int64(f.threshold) {
		f.log.Warn("webhook failure threshold reached",
			slog.String("source", source),
			slog.Int64("failures", count),
		)
		_, err := f.notifier.Raise(ctx, Draft{
			Kind:     domain.NotifyWebhookVerification,
			Severity: domain.SeverityHigh,
			Title:    "Repeated webhook verification failures",
			Body:     fmt.Sprintf("%d %s webhooks failed signature verification within %s", count, source, f.window),
			Details: domain.WebhookFailureDetails{
				Failures: int(count),
				Window:   f.window.String(),
				ClientIP: clientIP,
			},
		})
		if err != nil {
			return count, err
		}
	}
	return count, nil
}
