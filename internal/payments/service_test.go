package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/events"
	"paychat_backend/internal/notification"
	"paychat_backend/internal/store/memory"
	"paychat_backend/platform/apperr"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

const testSecret = "whsec_test"

type fakeGateway struct {
	mu       sync.Mutex
	payments map[string]GatewayPayment
	err      error
	lookups  int
	created  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: make(map[string]GatewayPayment)}
}

func (g *fakeGateway) set(ref string, status GatewayStatus, amount domain.Credits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[ref] = GatewayPayment{Reference: ref, Status: status, Amount: amount}
}

func (g *fakeGateway) CreatePayment(_ context.Context, _ uuid.UUID, amount domain.Credits) (GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return GatewayPayment{}, g.err
	}
	g.created++
	p := GatewayPayment{
		Reference:   fmt.Sprintf("pay_%d", g.created),
		Status:      GatewayPending,
		Amount:      amount,
		CheckoutURL: "https://pay.example/checkout",
	}
	g.payments[p.Reference] = p
	return p, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, ref string) (GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++
	if g.err != nil {
		return GatewayPayment{}, g.err
	}
	p, ok := g.payments[ref]
	if !ok {
		return GatewayPayment{}, ErrGatewayUnavailable
	}
	return p, nil
}

type countingRecorder struct {
	calls int
}

func (r *countingRecorder) RecordFailure(context.Context, string, string) (int64, error) {
	r.calls++
	return int64(r.calls), nil
}

type fixture struct {
	st       *memory.Store
	gw       *fakeGateway
	failures *countingRecorder
	svc      *Service
	user     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	log := logger.Discard()
	clk := clock.NewFake(time.Date(2025, 4, 10, 8, 0, 0, 0, time.UTC))
	bus := events.NewInMemoryBus(log)
	gw := newFakeGateway()
	rec := &countingRecorder{}
	notify := notification.NewService(st, bus, clk, log)

	user := uuid.New()
	st.PutUser(domain.User{ID: user, Tier: domain.TierStandard})
	return &fixture{
		st:       st,
		gw:       gw,
		failures: rec,
		svc:      NewService(st, gw, notify, rec, bus, testSecret, clk, log),
		user:     user,
	}
}

func (f *fixture) pending(ref string, amount domain.Credits) domain.PaymentTransaction {
	txn := domain.PaymentTransaction{
		ID:                uuid.New(),
		UserID:            f.user,
		ProviderReference: ref,
		Status:            domain.TransactionPending,
		CreditsAmount:     amount,
	}
	f.st.PutTransaction(txn)
	return txn
}

func signed(ref string) ([]byte, string) {
	body := []byte(fmt.Sprintf(`{"reference":%q,"status":"succeeded"}`, ref))
	return body, Sign([]byte(testSecret), body)
}

func (f *fixture) notificationsOf(t *testing.T, kind domain.NotificationKind) int {
	t.Helper()
	list, err := f.st.ListAdminNotifications(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, item := range list {
		if item.Kind == kind {
			n++
		}
	}
	return n
}

func TestWebhookDeliveredManyTimesCreditsOnce(t *testing.T) {
	f := newFixture(t)
	txn := f.pending("ref-1", 5000)
	f.gw.set("ref-1", GatewaySucceeded, 5000)
	body, sig := signed("ref-1")

	for i := 1; i <= 4; i++ {
		ack, err := f.svc.HandleWebhook(context.Background(), body, sig, "203.0.113.7")
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if ack.Status != domain.TransactionSuccess {
			t.Fatalf("delivery %d: expected success, got %s", i, ack.Status)
		}
		if ack.Duplicate != (i > 1) {
			t.Fatalf("delivery %d: duplicate = %v", i, ack.Duplicate)
		}
	}

	u, _ := f.st.GetUser(context.Background(), f.user)
	if u.CreditBalance != 5000 || u.LifetimeValue != 5000 {
		t.Fatalf("expected one credit of 5000, got balance=%d ltv=%d", u.CreditBalance, u.LifetimeValue)
	}
	got, _ := f.st.GetTransaction(context.Background(), txn.ID)
	if got.WebhookReceivedCount != 4 {
		t.Fatalf("expected webhook count 4, got %d", got.WebhookReceivedCount)
	}
	if got.ResolvedBy == nil || *got.ResolvedBy != domain.ResolvedByWebhook {
		t.Fatalf("expected resolved by webhook, got %v", got.ResolvedBy)
	}
	if f.gw.lookups != 1 {
		t.Fatalf("duplicates must not query the gateway, got %d lookups", f.gw.lookups)
	}
}

func TestWebhookBadSignatureChangesNothing(t *testing.T) {
	f := newFixture(t)
	txn := f.pending("ref-2", 1000)
	f.gw.set("ref-2", GatewaySucceeded, 1000)
	body, _ := signed("ref-2")

	tests := []struct {
		name string
		sig  string
	}{
		{"missing", ""},
		{"garbage", "not-hex"},
		{"wrong secret", Sign([]byte("other"), body)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.HandleWebhook(context.Background(), body, tt.sig, "198.51.100.1")
			if !apperr.Is(err, apperr.KindUnauthorized) {
				t.Fatalf("expected unauthorized, got %v", err)
			}
		})
	}

	got, _ := f.st.GetTransaction(context.Background(), txn.ID)
	if got.WebhookReceivedCount != 0 || got.Status != domain.TransactionPending {
		t.Fatalf("state changed: %+v", got)
	}
	if f.gw.lookups != 0 {
		t.Fatal("gateway queried before verification")
	}
	if f.failures.calls != len(tests) {
		t.Fatalf("expected %d recorded failures, got %d", len(tests), f.failures.calls)
	}
}

func TestWebhookUnknownReference(t *testing.T) {
	f := newFixture(t)
	body, sig := signed("missing")
	_, err := f.svc.HandleWebhook(context.Background(), body, sig, "")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWebhookCreditFailureFlagsManualReview(t *testing.T) {
	f := newFixture(t)
	orphan := domain.PaymentTransaction{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		ProviderReference: "ref-orphan",
		Status:            domain.TransactionPending,
		CreditsAmount:     1000,
	}
	f.st.PutTransaction(orphan)
	f.gw.set("ref-orphan", GatewaySucceeded, 1000)
	body, sig := signed("ref-orphan")

	ack, err := f.svc.HandleWebhook(context.Background(), body, sig, "")
	if err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if !ack.ManualReview || ack.Status != domain.TransactionPending {
		t.Fatalf("unexpected ack %+v", ack)
	}
	got, _ := f.st.GetTransaction(context.Background(), orphan.ID)
	if !got.NeedsManualReview || got.Status != domain.TransactionPending {
		t.Fatalf("expected pending transaction flagged for review, got %+v", got)
	}
	if f.notificationsOf(t, domain.NotifyManualReview) != 1 {
		t.Fatal("expected one manual review notification")
	}
}

func TestWebhookAmountMismatchFlagsManualReview(t *testing.T) {
	f := newFixture(t)
	txn := f.pending("ref-3", 1000)
	f.gw.set("ref-3", GatewaySucceeded, 999)
	body, sig := signed("ref-3")

	ack, err := f.svc.HandleWebhook(context.Background(), body, sig, "")
	if err != nil {
		t.Fatal(err)
	}
	if !ack.ManualReview {
		t.Fatal("expected manual review")
	}
	u, _ := f.st.GetUser(context.Background(), f.user)
	if u.CreditBalance != 0 {
		t.Fatalf("balance must not change, got %d", u.CreditBalance)
	}
	got, _ := f.st.GetTransaction(context.Background(), txn.ID)
	if got.Status != domain.TransactionPending || !got.NeedsManualReview {
		t.Fatalf("unexpected transaction %+v", got)
	}
}

func TestWebhookGatewayDownLeavesPending(t *testing.T) {
	f := newFixture(t)
	txn := f.pending("ref-4", 1000)
	f.gw.err = ErrGatewayUnavailable
	body, sig := signed("ref-4")

	_, err := f.svc.HandleWebhook(context.Background(), body, sig, "")
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	got, _ := f.st.GetTransaction(context.Background(), txn.ID)
	if got.Status != domain.TransactionPending || got.WebhookReceivedCount != 1 {
		t.Fatalf("unexpected transaction %+v", got)
	}
}

func TestReconcileResolvesPending(t *testing.T) {
	tests := []struct {
		name     string
		gateway  GatewayStatus
		want     domain.TransactionStatus
		balance  domain.Credits
		credited bool
	}{
		{"success", GatewaySucceeded, domain.TransactionSuccess, 2000, true},
		{"failed", GatewayFailed, domain.TransactionFailed, 0, false},
		{"still pending", GatewayPending, domain.TransactionPending, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			txn := f.pending("ref-r", 2000)
			f.gw.set("ref-r", tt.gateway, 2000)

			res, err := f.svc.Reconcile(context.Background(), txn.ID, "admin:ops")
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != tt.want || res.Credited != tt.credited || res.PreviousStatus != domain.TransactionPending {
				t.Fatalf("unexpected result %+v", res)
			}
			u, _ := f.st.GetUser(context.Background(), f.user)
			if u.CreditBalance != tt.balance {
				t.Fatalf("expected balance %d, got %d", tt.balance, u.CreditBalance)
			}
			got, _ := f.st.GetTransaction(context.Background(), txn.ID)
			if tt.want.Terminal() && (got.ResolvedBy == nil || *got.ResolvedBy != domain.ResolvedByReconciliation) {
				t.Fatalf("expected resolved by reconciliation, got %v", got.ResolvedBy)
			}
		})
	}
}

func TestWebhookAfterReconcileIsDuplicate(t *testing.T) {
	f := newFixture(t)
	txn := f.pending("ref-5", 3000)
	f.gw.set("ref-5", GatewaySucceeded, 3000)

	if _, err := f.svc.Reconcile(context.Background(), txn.ID, "admin:ops"); err != nil {
		t.Fatal(err)
	}
	body, sig := signed("ref-5")
	ack, err := f.svc.HandleWebhook(context.Background(), body, sig, "")
	if err != nil {
		t.Fatal(err)
	}
	if !ack.Duplicate || ack.WebhookCount != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}
	u, _ := f.st.GetUser(context.Background(), f.user)
	if u.CreditBalance != 3000 {
		t.Fatalf("expected single credit, got %d", u.CreditBalance)
	}
}

func TestReconcileMismatchRaisesNotification(t *testing.T) {
	f := newFixture(t)
	txn := f.pending("ref-6", 1000)
	f.gw.set("ref-6", GatewaySucceeded, 1000)
	body, sig := signed("ref-6")
	if _, err := f.svc.HandleWebhook(context.Background(), body, sig, ""); err != nil {
		t.Fatal(err)
	}

	f.gw.set("ref-6", GatewayFailed, 1000)
	res, err := f.svc.Reconcile(context.Background(), txn.ID, "admin:ops")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Mismatch || res.Status != domain.TransactionSuccess {
		t.Fatalf("unexpected result %+v", res)
	}
	if f.notificationsOf(t, domain.NotifyReconcileMismatch) != 1 {
		t.Fatal("expected mismatch notification")
	}
	u, _ := f.st.GetUser(context.Background(), f.user)
	if u.CreditBalance != 1000 {
		t.Fatalf("terminal transaction must not be reversed, balance %d", u.CreditBalance)
	}
}

func TestReconcileUnknownGatewayStatusIsNotMismatch(t *testing.T) {
	f := newFixture(t)
	txn := f.pending("ref-7", 1000)
	f.gw.set("ref-7", GatewaySucceeded, 1000)
	body, sig := signed("ref-7")
	if _, err := f.svc.HandleWebhook(context.Background(), body, sig, ""); err != nil {
		t.Fatal(err)
	}

	f.gw.set("ref-7", GatewayStatus("under_review"), 1000)
	res, err := f.svc.Reconcile(context.Background(), txn.ID, "admin:ops")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mismatch || res.Status != domain.TransactionSuccess {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := f.notificationsOf(t, domain.NotifyReconcileMismatch); n != 0 {
		t.Fatalf("expected no mismatch notification, got %d", n)
	}
}

func TestReconcileClearsManualReview(t *testing.T) {
	f := newFixture(t)
	txn := f.pending("ref-8", 1000)
	f.gw.set("ref-8", GatewaySucceeded, 999)
	body, sig := signed("ref-8")
	ack, err := f.svc.HandleWebhook(context.Background(), body, sig, "")
	if err != nil {
		t.Fatal(err)
	}
	if !ack.ManualReview {
		t.Fatalf("expected manual review, got %+v", ack)
	}

	f.gw.set("ref-8", GatewaySucceeded, 1000)
	res, err := f.svc.Reconcile(context.Background(), txn.ID, "admin:ops")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.TransactionSuccess || !res.Credited || !res.ReviewCleared {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := f.st.GetTransaction(context.Background(), txn.ID)
	if got.NeedsManualReview {
		t.Fatal("resolved transaction still flagged for review")
	}
	if got.ResolvedBy == nil || *got.ResolvedBy != domain.ResolvedByReconciliation {
		t.Fatalf("expected resolved by reconciliation, got %v", got.ResolvedBy)
	}
	u, _ := f.st.GetUser(context.Background(), f.user)
	if u.CreditBalance != 1000 {
		t.Fatalf("expected balance 1000, got %d", u.CreditBalance)
	}
}

func TestInitiateCreatesPendingTransaction(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Initiate(context.Background(), f.user, "medium")
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Status != domain.TransactionPending || res.Transaction.CreditsAmount != 5000 {
		t.Fatalf("unexpected transaction %+v", res.Transaction)
	}
	if res.CheckoutURL == "" {
		t.Fatal("expected checkout url")
	}
	got, err := f.st.GetTransaction(context.Background(), res.Transaction.ID)
	if err != nil || got.ProviderReference != res.Transaction.ProviderReference {
		t.Fatalf("transaction not persisted: %v", err)
	}

	if _, err := f.svc.Initiate(context.Background(), f.user, "huge"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.Initiate(context.Background(), uuid.New(), "small"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
