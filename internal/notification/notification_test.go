package notification

import (
	"context"
	"testing"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/events"
	"paychat_backend/internal/store/memory"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stubPaymentConfig struct {
	threshold int
	window    time.Duration
}

func (s stubPaymentConfig) GetPaymentWebhookSecret() string        { return "secret" }
func (s stubPaymentConfig) GetPaymentGatewayURL() string           { return "" }
func (s stubPaymentConfig) GetPaymentGatewayAPIKey() string        { return "" }
func (s stubPaymentConfig) GetWebhookFailureThreshold() int        { return s.threshold }
func (s stubPaymentConfig) GetWebhookFailureWindow() time.Duration { return s.window }

func newTestService(t *testing.T) (*Service, *memory.Store, *events.InMemoryBus) {
	t.Helper()
	st := memory.New()
	bus := events.NewInMemoryBus(logger.Discard())
	clk := clock.NewFake(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	return NewService(st, bus, clk, logger.Discard()), st, bus
}

func TestRaisePersistsAndPublishes(t *testing.T) {
	svc, _, bus := newTestService(t)

	published := make(chan events.Event, 1)
	bus.Subscribe(events.AdminNotificationRaised{}.EventName(), events.HandlerFunc(func(_ context.Context, e events.Event) error {
		published <- e
		return nil
	}))

	n, err := svc.Raise(context.Background(), Draft{
		Kind:     domain.NotifySweepSummary,
		Severity: domain.SeverityWarning,
		Title:    "sweep",
		Details:  domain.SweepDetails{Sweep: "inactive_chats", Affected: 2},
	})
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	bus.Wait()

	select {
	case e := <-published:
		raised, ok := e.(events.AdminNotificationRaised)
		if !ok || raised.NotificationID != n.ID {
			t.Fatalf("unexpected event %#v", e)
		}
	default:
		t.Fatal("expected notification event")
	}

	items, err := svc.List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != n.ID {
		t.Fatalf("expected persisted notification, got %+v", items)
	}
}

func TestSweepSeverity(t *testing.T) {
	tests := []struct {
		name             string
		affected, failed int
		want             domain.Severity
	}{
		{"quiet", 0, 0, domain.SeverityInfo},
		{"some work", 3, 0, domain.SeverityWarning},
		{"failures below threshold", 3, 1, domain.SeverityWarning},
		{"high", 10, 0, domain.SeverityHigh},
		{"high with failures", 12, 1, domain.SeverityCritical},
		{"critical", 50, 0, domain.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SweepSeverity(tt.affected, tt.failed, 10, 50); got != tt.want {
				t.Errorf("SweepSeverity(%d, %d) = %s, want %s", tt.affected, tt.failed, got, tt.want)
			}
		})
	}
}

func TestFailureTrackerRaisesOncePerWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc, _, _ := newTestService(t)
	tracker := NewFailureTracker(rdb, svc, stubPaymentConfig{threshold: 5, window: 10 * time.Minute}, logger.Discard())
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		count, err := tracker.RecordFailure(ctx, "payments", "10.0.0.1")
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
		if count != int64(i) {
			t.Fatalf("expected count %d, got %d", i, count)
		}
	}

	items, _ := svc.List(ctx, 10)
	if len(items) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(items))
	}
	if items[0].Kind != domain.NotifyWebhookVerification {
		t.Fatalf("unexpected kind %s", items[0].Kind)
	}

	mr.FastForward(11 * time.Minute)
	count, err := tracker.RecordFailure(ctx, "payments", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected window reset, got %d", count)
	}
}

func TestNilFailureTrackerIsNoop(t *testing.T) {
	var tracker *FailureTracker
	count, err := tracker.RecordFailure(context.Background(), "payments", "")
	if err != nil || count != 0 {
		t.Fatalf("expected no-op, got %d %v", count, err)
	}
}
