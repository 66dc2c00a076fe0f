package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"paychat_backend/internal/assignment"
	"paychat_backend/internal/chats/transport"
	"paychat_backend/internal/credits"
	"paychat_backend/internal/domain"
	"paychat_backend/internal/events"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/notification"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/store/memory"
	"paychat_backend/platform/apperr"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

var noon = time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st      *memory.Store
	svc     *Service
	user    uuid.UUID
	profile uuid.UUID
}

func testPricing() credits.Pricing {
	return credits.Pricing{
		FreeMessages:       3,
		BaseCost:           100,
		FeaturedMultiplier: 1.5,
		PeakMultiplier:     1.25,
		OffPeakMultiplier:  0.8,
		Peak:               credits.Window{Start: 18, End: 23},
		OffPeak:            credits.Window{Start: 2, End: 7},
		Location:           time.UTC,
		TierDiscounts:      credits.DefaultTierDiscounts(),
	}
}

func newFixture(t *testing.T, balance domain.Credits) *fixture {
	t.Helper()
	st := memory.New()
	log := logger.Discard()
	clk := clock.NewFake(noon)
	bus := events.NewInMemoryBus(log)
	notify := notification.NewService(st, bus, clk, log)
	q := queue.NewManager(st, queue.DefaultWeights(), clk, log)
	coord := assignment.NewCoordinator(st, q, notify, bus, lifecycle.DefaultPolicy(), clk, log)
	meter := credits.NewMeter(st, testPricing(), clk, log)

	user, profile := uuid.New(), uuid.New()
	st.PutUser(domain.User{ID: user, Tier: domain.TierStandard, CreditBalance: balance})
	st.PutProfile(domain.Profile{ID: profile})
	return &fixture{st: st, svc: New(st, meter, q, coord, clk, log), user: user, profile: profile}
}

func (f *fixture) userCaller() Caller {
	return Caller{ID: f.user, Sender: domain.SenderUser, Actor: "user:" + f.user.String()}
}

func (f *fixture) start(t *testing.T) uuid.UUID {
	t.Helper()
	resp, err := f.svc.StartChat(context.Background(), f.userCaller(), transport.StartChatRequest{
		ProfileID: f.profile.String(),
		Content:   "hi",
	})
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	return uuid.MustParse(resp.Chat.ID)
}

func TestStartChatQueuesAndDispatches(t *testing.T) {
	f := newFixture(t, 0)
	op := uuid.New()
	f.st.PutOperator(domain.Operator{ID: op, IsAvailable: true, MaxConcurrentChats: 2})

	resp, err := f.svc.StartChat(context.Background(), f.userCaller(), transport.StartChatRequest{
		ProfileID: f.profile.String(),
		Content:   "hello",
	})
	if err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	if !resp.Message.IsFreeMessage || resp.Message.CreditsCharged != 0 {
		t.Fatalf("first message must be free, got %+v", resp.Message)
	}
	if resp.Queued || resp.Chat.AssignedOperatorID == nil || *resp.Chat.AssignedOperatorID != op.String() {
		t.Fatalf("expected immediate assignment, got %+v", resp.Chat)
	}
	if resp.Chat.AssignmentCount != 0 {
		t.Fatalf("first assignment must not count")
	}
}

func TestSendMessageChargesAfterFreeAllowance(t *testing.T) {
	f := newFixture(t, 250)
	chatID := f.start(t)
	ctx := context.Background()

	for i := 2; i <= 3; i++ {
		resp, err := f.svc.SendMessage(ctx, f.userCaller(), chatID, transport.SendMessageRequest{Content: "free"})
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if resp.Message.CreditsCharged != 0 {
			t.Fatalf("message %d should be free", i)
		}
	}

	resp, err := f.svc.SendMessage(ctx, f.userCaller(), chatID, transport.SendMessageRequest{Content: "paid"})
	if err != nil {
		t.Fatalf("paid message: %v", err)
	}
	if resp.Message.CreditsCharged != 100 || resp.Message.IsFreeMessage {
		t.Fatalf("expected 100 charge, got %+v", resp.Message)
	}
	if resp.Balance == nil || *resp.Balance != 150 {
		t.Fatalf("expected balance 150, got %v", resp.Balance)
	}
	if resp.Chat.TotalCreditsSpent != 100 || resp.Chat.MessageCount != 4 {
		t.Fatalf("unexpected chat counters %+v", resp.Chat)
	}
}

func TestSendMessageInsufficientCredits(t *testing.T) {
	f := newFixture(t, 99)
	chatID := f.start(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.svc.SendMessage(ctx, f.userCaller(), chatID, transport.SendMessageRequest{Content: "free"}); err != nil {
			t.Fatal(err)
		}
	}

	_, err := f.svc.SendMessage(ctx, f.userCaller(), chatID, transport.SendMessageRequest{Content: "paid"})
	if !apperr.Is(err, apperr.KindPaymentRequired) {
		t.Fatalf("expected payment required, got %v", err)
	}
	var typed *apperr.Error
	if !errors.As(err, &typed) {
		t.Fatal("expected typed error")
	}
	details, ok := typed.Details.(map[string]domain.Credits)
	if !ok || details["required"] != 100 || details["available"] != 99 {
		t.Fatalf("unexpected details %#v", typed.Details)
	}

	if n := len(f.st.Messages(chatID)); n != 3 {
		t.Fatalf("rejected message must not be stored, have %d", n)
	}
	u, _ := f.st.GetUser(ctx, f.user)
	if u.CreditBalance != 99 {
		t.Fatalf("balance changed to %d", u.CreditBalance)
	}
}

func TestOperatorMustHoldChat(t *testing.T) {
	f := newFixture(t, 0)
	chatID := f.start(t)

	other := Caller{ID: uuid.New(), Sender: domain.SenderOperator}
	_, err := f.svc.SendMessage(context.Background(), other, chatID, transport.SendMessageRequest{Content: "hey"})
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestClosedChatRejectsMessages(t *testing.T) {
	f := newFixture(t, 500)
	chatID := f.start(t)
	admin := Caller{ID: uuid.New(), Admin: true, Actor: "admin:1"}

	if _, err := f.svc.CloseChat(context.Background(), admin, chatID, transport.CloseChatRequest{}); err != nil {
		t.Fatalf("CloseChat: %v", err)
	}
	entries, _ := f.st.ListQueueEntries(context.Background())
	if len(entries) != 0 {
		t.Fatal("closing must drop the queue entry")
	}
	_, err := f.svc.SendMessage(context.Background(), f.userCaller(), chatID, transport.SendMessageRequest{Content: "late"})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict on closed chat, got %v", err)
	}
}

func TestRefundMessageOnce(t *testing.T) {
	f := newFixture(t, 100)
	chatID := f.start(t)
	ctx := context.Background()
	var paid transport.MessageResponse
	for i := 0; i < 3; i++ {
		resp, err := f.svc.SendMessage(ctx, f.userCaller(), chatID, transport.SendMessageRequest{Content: "m"})
		if err != nil {
			t.Fatal(err)
		}
		paid = resp.Message
	}
	admin := Caller{ID: uuid.New(), Admin: true, Actor: "admin:1"}
	msgID := uuid.MustParse(paid.ID)

	if _, err := f.svc.RefundMessage(ctx, admin, msgID, transport.RefundRequest{Reason: "technical_issue"}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	_, err := f.svc.RefundMessage(ctx, admin, msgID, transport.RefundRequest{Reason: "goodwill"})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	u, _ := f.st.GetUser(ctx, f.user)
	if u.CreditBalance != 100 {
		t.Fatalf("expected balance restored to 100, got %d", u.CreditBalance)
	}
}

func TestGetChatHidesOtherUsers(t *testing.T) {
	f := newFixture(t, 0)
	chatID := f.start(t)
	stranger := Caller{ID: uuid.New(), Sender: domain.SenderUser}
	if _, err := f.svc.GetChat(context.Background(), stranger, chatID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSendMessageRejectsMarkupOnlyContent(t *testing.T) {
	f := newFixture(t, 250)
	chatID := f.start(t)

	_, err := f.svc.SendMessage(context.Background(), f.userCaller(), chatID, transport.SendMessageRequest{Content: "<p> </p>"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	chat, err := f.st.GetChat(context.Background(), chatID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.MessageCount != 1 {
		t.Fatalf("rejected message must not be stored, count %d", chat.MessageCount)
	}
}
