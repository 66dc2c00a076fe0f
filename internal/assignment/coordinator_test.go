package assignment

import (
	"context"
	"errors"
	"testing"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/events"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/notification"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/store/memory"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

var t0 = time.Date(2025, 4, 7, 14, 0, 0, 0, time.UTC)

type fixture struct {
	st      *memory.Store
	coord   *Coordinator
	queue   *queue.Manager
	notify  *notification.Service
	bus     *events.InMemoryBus
	profile uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	log := logger.Discard()
	clk := clock.NewFake(t0)
	bus := events.NewInMemoryBus(log)
	notify := notification.NewService(st, bus, clk, log)
	q := queue.NewManager(st, queue.DefaultWeights(), clk, log)
	coord := NewCoordinator(st, q, notify, bus, lifecycle.DefaultPolicy(), clk, log)

	profile := uuid.New()
	st.PutProfile(domain.Profile{ID: profile})
	return &fixture{st: st, coord: coord, queue: q, notify: notify, bus: bus, profile: profile}
}

func (f *fixture) operator() uuid.UUID {
	id := uuid.New()
	f.st.PutOperator(domain.Operator{ID: id, IsAvailable: true, MaxConcurrentChats: 5, QualityScore: 4})
	return id
}

func (f *fixture) chat() domain.Chat {
	user := uuid.New()
	f.st.PutUser(domain.User{ID: user, Tier: domain.TierStandard})
	chat := lifecycle.NewChat(user, f.profile, t0)
	f.st.PutChat(chat)
	return chat
}

func (f *fixture) load(t *testing.T, id uuid.UUID) int {
	t.Helper()
	op, err := f.st.GetOperator(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return op.CurrentChatCount
}

func TestFirstAssignmentIsNotCounted(t *testing.T) {
	f := newFixture(t)
	chat := f.chat()
	op := f.operator()

	out, err := f.coord.Assign(context.Background(), domain.AssignRequest{
		ChatID: chat.ID, OperatorID: op, Reason: domain.ReasonQueueMatch, Actor: domain.SystemActor,
	})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if out.Chat.AssignmentCount != 0 || out.Record.Counted {
		t.Fatalf("first assignment must not count, got %d", out.Chat.AssignmentCount)
	}
	if f.load(t, op) != 1 {
		t.Fatalf("expected operator load 1")
	}
	if recs := f.st.AssignmentRecords(chat.ID); len(recs) != 1 || recs[0].FromOperatorID != nil {
		t.Fatalf("unexpected audit trail %+v", recs)
	}
}

func TestReassignmentLimitEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat()
	ops := []uuid.UUID{f.operator(), f.operator(), f.operator(), f.operator(), f.operator()}

	if _, err := f.coord.Assign(ctx, domain.AssignRequest{ChatID: chat.ID, OperatorID: ops[0], Reason: domain.ReasonQueueMatch}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		from := ops[i-1]
		out, err := f.coord.Reassign(ctx, ReassignRequest{ChatID: chat.ID, From: &from, To: ops[i], Actor: "admin:x"})
		if err != nil {
			t.Fatalf("reassign %d: %v", i, err)
		}
		if out.Chat.AssignmentCount != i {
			t.Fatalf("expected count %d, got %d", i, out.Chat.AssignmentCount)
		}
		if f.load(t, from) != 0 || f.load(t, ops[i]) != 1 {
			t.Fatalf("load not moved on reassign %d", i)
		}
	}

	from := ops[3]
	out, err := f.coord.Reassign(ctx, ReassignRequest{ChatID: chat.ID, From: &from, To: ops[4], Actor: "admin:x"})
	if !errors.Is(err, domain.ErrReassignmentLimit) {
		t.Fatalf("expected ErrReassignmentLimit, got %v", err)
	}
	if !out.Escalated {
		t.Fatal("expected escalated outcome")
	}
	f.bus.Wait()

	stored, _ := f.st.GetChat(ctx, chat.ID)
	if stored.Status != domain.ChatStatusEscalated || !stored.Flags.Has(domain.FlagMaxReassignmentsReached) {
		t.Fatalf("expected committed escalation, got %s %v", stored.Status, stored.Flags.Strings())
	}
	if stored.AssignmentCount != 3 {
		t.Fatalf("count must stay at the limit, got %d", stored.AssignmentCount)
	}
	if stored.AssignedOperatorID != nil {
		t.Fatal("escalated chat must be detached")
	}
	if f.load(t, ops[3]) != 0 || f.load(t, ops[4]) != 0 {
		t.Fatal("escalation must release the holder and not load the target")
	}
	items, _ := f.notify.List(ctx, 10)
	if len(items) != 1 || items[0].Kind != domain.NotifyReassignmentEscalate {
		t.Fatalf("expected one escalation notification, got %+v", items)
	}
}

func TestResolveEscalationKeepsCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat()
	chat.Status = domain.ChatStatusEscalated
	chat.AssignmentCount = 3
	chat.Flags.Add(domain.FlagMaxReassignmentsReached)
	escalated := t0.Add(-time.Hour)
	chat.EscalatedAt = &escalated
	f.st.PutChat(chat)
	op := f.operator()

	out, err := f.coord.Reassign(ctx, ReassignRequest{ChatID: chat.ID, To: op, Actor: "admin:x"})
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	if out.Chat.Status != domain.ChatStatusActive || out.Chat.AssignmentCount != 3 {
		t.Fatalf("unexpected chat %s count=%d", out.Chat.Status, out.Chat.AssignmentCount)
	}
	if out.Record.Reason != domain.ReasonEscalationResolve || out.Record.Counted {
		t.Fatalf("unexpected record %+v", out.Record)
	}
	if f.load(t, op) != 1 {
		t.Fatal("resolver operator must carry the chat")
	}
}

func TestReassignRejectsRecentOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat()
	a, b := f.operator(), f.operator()

	if _, err := f.coord.Assign(ctx, domain.AssignRequest{ChatID: chat.ID, OperatorID: a, Reason: domain.ReasonQueueMatch}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Reassign(ctx, ReassignRequest{ChatID: chat.ID, From: &a, To: b}); err != nil {
		t.Fatal(err)
	}
	_, err := f.coord.Reassign(ctx, ReassignRequest{ChatID: chat.ID, From: &b, To: a})
	if !errors.Is(err, domain.ErrAssignmentConflict) {
		t.Fatalf("expected conflict bouncing back to a, got %v", err)
	}
	stored, _ := f.st.GetChat(ctx, chat.ID)
	if stored.AssignmentCount != 1 || !stored.IsAssignedTo(b) {
		t.Fatal("rejected reassign must not change the chat")
	}
}

func TestReassignRejectsStaleFrom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat()
	a, b, c := f.operator(), f.operator(), f.operator()
	if _, err := f.coord.Assign(ctx, domain.AssignRequest{ChatID: chat.ID, OperatorID: a}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Reassign(ctx, ReassignRequest{ChatID: chat.ID, From: &b, To: c}); !errors.Is(err, domain.ErrAssignmentConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAssignRejectsSuspendedOperator(t *testing.T) {
	f := newFixture(t)
	chat := f.chat()
	op := uuid.New()
	f.st.PutOperator(domain.Operator{ID: op, IsAvailable: true, IsSuspended: true, MaxConcurrentChats: 3})

	_, err := f.coord.Assign(context.Background(), domain.AssignRequest{ChatID: chat.ID, OperatorID: op})
	if !errors.Is(err, domain.ErrAssignmentConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if f.load(t, op) != 0 {
		t.Fatal("load must be untouched")
	}
}

func TestReleaseRequeuesWithExclusions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat()
	a := f.operator()
	if _, err := f.coord.Assign(ctx, domain.AssignRequest{ChatID: chat.ID, OperatorID: a}); err != nil {
		t.Fatal(err)
	}

	entry, err := f.coord.Release(ctx, chat.ID, a)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !entry.Excludes(a) {
		t.Fatal("releasing operator must be excluded")
	}
	stored, _ := f.st.GetChat(ctx, chat.ID)
	if stored.AssignedOperatorID != nil || stored.AssignmentCount != 0 {
		t.Fatalf("release must detach without counting, got %+v", stored)
	}
	if f.load(t, a) != 0 {
		t.Fatal("release must free the slot")
	}

	// The next operator picked from the queue is a counted handoff.
	b := f.operator()
	m, err := f.queue.DequeueBestMatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.Operator.ID != b || m.Outcome.Chat.AssignmentCount != 1 {
		t.Fatalf("expected counted handoff to b, got %+v", m.Outcome.Chat)
	}
}

func TestReleaseByNonHolderFails(t *testing.T) {
	f := newFixture(t)
	chat := f.chat()
	a := f.operator()
	if _, err := f.coord.Assign(context.Background(), domain.AssignRequest{ChatID: chat.ID, OperatorID: a}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Release(context.Background(), chat.ID, uuid.New()); !errors.Is(err, domain.ErrAssignmentConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestQueueMatchAtLimitEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.chat()
	prev := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	chat.PreviousOperatorIDs = prev
	chat.AssignmentCount = 3
	f.st.PutChat(chat)
	if _, err := f.queue.Enqueue(ctx, chat, nil); err != nil {
		t.Fatal(err)
	}
	f.operator()

	res, err := f.queue.Dispatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Escalated != 1 || res.Assigned != 0 {
		t.Fatalf("unexpected dispatch %+v", res)
	}
	entries, _ := f.st.ListQueueEntries(ctx)
	if len(entries) != 0 {
		t.Fatal("escalated chat must leave the queue")
	}
}
