package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/store"

	"github.com/google/uuid"
)

func TestWithTxRollsBackOnError(t *testing.T) {
	s := New()
	userID := uuid.New()
	s.PutUser(domain.User{ID: userID, Tier: domain.TierStandard, CreditBalance: 500})

	boom := errors.New("boom")
	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.AdjustBalance(ctx, userID, -200); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	u, _ := s.GetUser(context.Background(), userID)
	if u.CreditBalance != 500 {
		t.Fatalf("expected balance restored to 500, got %d", u.CreditBalance)
	}
}

func TestAdjustBalanceNeverNegative(t *testing.T) {
	s := New()
	userID := uuid.New()
	s.PutUser(domain.User{ID: userID, CreditBalance: 100})

	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdjustBalance(ctx, userID, -150)
		return err
	})
	ic, ok := domain.IsInsufficientCredits(err)
	if !ok {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if ic.Required != 150 || ic.Available != 100 {
		t.Fatalf("unexpected error payload %+v", ic)
	}
}

func TestAdjustOperatorLoadBounds(t *testing.T) {
	s := New()
	opID := uuid.New()
	s.PutOperator(domain.Operator{ID: opID, IsAvailable: true, MaxConcurrentChats: 1, CurrentChatCount: 1})

	err := s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdjustOperatorLoad(ctx, opID, 1)
		return err
	})
	if !errors.Is(err, domain.ErrAssignmentConflict) {
		t.Fatalf("expected conflict at capacity, got %v", err)
	}

	err = s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.AdjustOperatorLoad(ctx, opID, -1); err != nil {
			return err
		}
		_, err := tx.AdjustOperatorLoad(ctx, opID, -1)
		return err
	})
	if !errors.Is(err, domain.ErrInvariant) {
		t.Fatalf("expected invariant failure below zero, got %v", err)
	}
	o, _ := s.GetOperator(context.Background(), opID)
	if o.CurrentChatCount != 1 {
		t.Fatalf("expected load unchanged after rollback, got %d", o.CurrentChatCount)
	}
}

func TestClaimQueueEntryOnlyOnce(t *testing.T) {
	s := New()
	chatID := uuid.New()
	s.PutQueueEntry(domain.QueueEntry{ChatID: chatID, EnteredQueueAt: time.Now()})

	claims := 0
	for i := 0; i < 2; i++ {
		_ = s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			_, ok, err := tx.ClaimQueueEntry(ctx, chatID)
			if ok {
				claims++
			}
			return err
		})
	}
	if claims != 1 {
		t.Fatalf("expected exactly one claim, got %d", claims)
	}
}

func TestUpdateChatIsConditional(t *testing.T) {
	s := New()
	chat := domain.Chat{ID: uuid.New(), Status: domain.ChatStatusClosed}
	s.PutChat(chat)

	var updated bool
	_ = s.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		next := chat.Clone()
		next.Status = domain.ChatStatusEscalated
		var err error
		updated, err = tx.UpdateChat(ctx, next, domain.ChatStatusActive)
		return err
	})
	if updated {
		t.Fatal("expected conditional update to skip a row whose status moved on")
	}
	got, _ := s.GetChat(context.Background(), chat.ID)
	if got.Status != domain.ChatStatusClosed {
		t.Fatalf("expected closed to stay closed, got %s", got.Status)
	}
}

func TestOperatorIdleCandidates(t *testing.T) {
	s := New()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	op := uuid.New()
	userMsg := now.Add(-5 * time.Minute)
	opAct := now.Add(-11 * time.Minute)
	idle := domain.Chat{ID: uuid.New(), Status: domain.ChatStatusActive, AssignedOperatorID: &op,
		LastMessageAt: userMsg, LastUserMessageAt: &userMsg, LastOperatorActivityAt: &opAct}
	recentOp := now.Add(-2 * time.Minute)
	fine := domain.Chat{ID: uuid.New(), Status: domain.ChatStatusActive, AssignedOperatorID: &op,
		LastMessageAt: recentOp, LastUserMessageAt: &userMsg, LastOperatorActivityAt: &recentOp}
	s.PutChat(idle)
	s.PutChat(fine)

	got, err := s.ListOperatorIdleCandidates(context.Background(), now.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != idle.ID {
		t.Fatalf("expected only the idle chat, got %+v", got)
	}
}
