package credits

import (
	"context"
	"sync"
	"testing"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/store/memory"
	"paychat_backend/platform/apperr"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

func newTestMeter(t *testing.T) (*Meter, *memory.Store) {
	t.Helper()
	p, err := LoadPricing(defaultStub())
	if err != nil {
		t.Fatal(err)
	}
	st := memory.New()
	clk := clock.NewFake(time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC))
	return NewMeter(st, p, clk, logger.Discard()), st
}

func TestDebitInsufficientLeavesBalance(t *testing.T) {
	m, st := newTestMeter(t)
	userID := uuid.New()
	st.PutUser(domain.User{ID: userID, Tier: domain.TierGold, CreditBalance: 168})

	_, err := m.Debit(context.Background(), userID, 169)
	ic, ok := domain.IsInsufficientCredits(err)
	if !ok {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if ic.Required != 169 || ic.Available != 168 {
		t.Fatalf("unexpected payload %+v", ic)
	}
	u, _ := st.GetUser(context.Background(), userID)
	if u.CreditBalance != 168 {
		t.Fatalf("balance changed to %d", u.CreditBalance)
	}

	u, err = m.Debit(context.Background(), userID, 168)
	if err != nil {
		t.Fatalf("exact-balance debit failed: %v", err)
	}
	if u.CreditBalance != 0 {
		t.Fatalf("expected zero balance, got %d", u.CreditBalance)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	m, st := newTestMeter(t)
	userID := uuid.New()
	st.PutUser(domain.User{ID: userID, CreditBalance: 1000})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Debit(context.Background(), userID, 100); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	u, _ := st.GetUser(context.Background(), userID)
	if succeeded != 10 {
		t.Fatalf("expected 10 successful debits, got %d", succeeded)
	}
	if u.CreditBalance != 0 {
		t.Fatalf("expected zero balance, got %d", u.CreditBalance)
	}
}

func TestRefundIsOneTime(t *testing.T) {
	m, st := newTestMeter(t)
	userID := uuid.New()
	chatID := uuid.New()
	msgID := uuid.New()
	st.PutUser(domain.User{ID: userID, CreditBalance: 50})
	st.PutChat(domain.Chat{ID: chatID, UserID: userID, Status: domain.ChatStatusClosed, TotalCreditsSpent: 300})
	st.PutMessage(domain.Message{ID: msgID, ChatID: chatID, SenderType: domain.SenderUser, CreditsCharged: 125})

	if _, err := m.Refund(context.Background(), msgID, domain.RefundTechnicalIssue, "admin:1"); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	_, err := m.Refund(context.Background(), msgID, domain.RefundGoodwill, "admin:1")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict on second refund, got %v", err)
	}

	u, _ := st.GetUser(context.Background(), userID)
	if u.CreditBalance != 175 {
		t.Fatalf("expected balance 175 after one refund, got %d", u.CreditBalance)
	}
	if n := len(st.Refunds()); n != 1 {
		t.Fatalf("expected one refund row, got %d", n)
	}
	chat, _ := st.GetChat(context.Background(), chatID)
	if chat.Status != domain.ChatStatusClosed {
		t.Fatalf("refund must not reopen the closed chat, got %s", chat.Status)
	}
	if chat.TotalCreditsSpent != 175 {
		t.Fatalf("expected chat spend 175 after one refund, got %d", chat.TotalCreditsSpent)
	}
}

func TestRefundNeverDrivesSpendNegative(t *testing.T) {
	m, st := newTestMeter(t)
	userID := uuid.New()
	chatID := uuid.New()
	msgID := uuid.New()
	st.PutUser(domain.User{ID: userID})
	st.PutChat(domain.Chat{ID: chatID, UserID: userID, Status: domain.ChatStatusActive, TotalCreditsSpent: 40})
	st.PutMessage(domain.Message{ID: msgID, ChatID: chatID, SenderType: domain.SenderUser, CreditsCharged: 125})

	if _, err := m.Refund(context.Background(), msgID, domain.RefundDuplicateCharge, "admin:1"); err != nil {
		t.Fatal(err)
	}
	chat, _ := st.GetChat(context.Background(), chatID)
	if chat.TotalCreditsSpent != 0 {
		t.Fatalf("expected spend floored at 0, got %d", chat.TotalCreditsSpent)
	}
	u, _ := st.GetUser(context.Background(), userID)
	if u.CreditBalance != 125 {
		t.Fatalf("expected full charge returned, got %d", u.CreditBalance)
	}
}

func TestRefundRejectsFreeMessage(t *testing.T) {
	m, st := newTestMeter(t)
	chatID := uuid.New()
	msgID := uuid.New()
	st.PutChat(domain.Chat{ID: chatID, UserID: uuid.New(), Status: domain.ChatStatusActive})
	st.PutMessage(domain.Message{ID: msgID, ChatID: chatID, SenderType: domain.SenderUser, IsFreeMessage: true})

	_, err := m.Refund(context.Background(), msgID, domain.RefundGoodwill, "admin:1")
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
