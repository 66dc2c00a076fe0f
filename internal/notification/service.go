// Package notification persists admin notifications for system anomalies and
// tracks repeated webhook verification failures in Redis.
package notification

import (
	"context"
	"log/slog"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/events"
	"paychat_backend/internal/store"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

// Draft is the caller-supplied part of a notification.
type Draft struct {
	Kind     domain.NotificationKind
	Severity domain.Severity
	Title    string
	Body     string
	Details  domain.NotificationDetails
}

// Service records admin notifications.
type Service struct {
	store store.Store
	bus   events.Bus
	clock clock.Clock
	log   *logger.Logger
}

// NewService creates the notification service.
func NewService(st store.Store, bus events.Bus, clk clock.Clock, log *logger.Logger) *Service {
	return &Service{store: st, bus: bus, clock: clk, log: log}
}

// Raise persists d in its own transaction and announces it.
func (s *Service) Raise(ctx context.Context, d Draft) (domain.AdminNotification, error) {
	var n domain.AdminNotification
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = s.RaiseTx(ctx, tx, d)
		return err
	})
	if err != nil {
		s.log.Error("failed to persist admin notification",
			slog.String("kind", string(d.Kind)),
			slog.String("error", err.Error()),
		)
		return domain.AdminNotification{}, err
	}
	s.Announce(ctx, n)
	return n, nil
}

// RaiseTx persists d inside the caller's transaction. The caller announces
// it with Announce after commit.
func (s *Service) RaiseTx(ctx context.Context, tx store.Tx, d Draft) (domain.AdminNotification, error) {
	n := domain.AdminNotification{
		ID:        uuid.New(),
		Kind:      d.Kind,
		Severity:  d.Severity,
		Title:     d.Title,
		Body:      d.Body,
		Details:   d.Details,
		CreatedAt: clock.UTCNow(s.clock),
	}
	if err := tx.InsertAdminNotification(ctx, n); err != nil {
		return domain.AdminNotification{}, err
	}
	return n, nil
}

// Announce logs the notification and publishes it on the bus.
func (s *Service) Announce(ctx context.Context, n domain.AdminNotification) {
	level := slog.LevelInfo
	switch n.Severity {
	case domain.SeverityWarning:
		level = slog.LevelWarn
	case domain.SeverityHigh, domain.SeverityCritical:
		level = slog.LevelError
	}
	s.log.Log(ctx, level, "admin_notification",
		slog.String("id", n.ID.String()),
		slog.String("kind", string(n.Kind)),
		slog.String("severity", string(n.Severity)),
		slog.String("title", n.Title),
	)
	if s.bus != nil {
		s.bus.Publish(ctx, events.AdminNotificationRaised{
			BaseEvent:      events.NewBaseEventAt(n.CreatedAt),
			NotificationID: n.ID,
			Kind:           n.Kind,
			Severity:       n.Severity,
			Title:          n.Title,
		})
	}
}

// List returns the most recent notifications, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]domain.AdminNotification, error) {
	return s.store.ListAdminNotifications(ctx, limit)
}

// SweepSeverity grades a sweep run by affected rows: high at
// highThreshold, critical at criticalThreshold or when rows failed while the
// run was already past the high threshold.
func SweepSeverity(affected, failed, highThreshold, criticalThreshold int) domain.Severity {
	switch {
	case affected >= criticalThreshold:
		return domain.SeverityCritical
	case affected >= highThreshold && failed > 0:
		return domain.SeverityCritical
	case affected >= highThreshold:
		return domain.SeverityHigh
	case affected > 0 || failed > 0:
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}
