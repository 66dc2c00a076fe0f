package assignment

import (
	"context"
	"sync"
	"testing"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/events"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/notification"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/store"
	"paychat_backend/internal/store/memory"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

// Row locks in the order every transaction must take them.
const (
	lockQueue = iota
	lockChat
	lockOperator
)

var lockNames = [...]string{"queue", "chat", "operator"}

// lockRecorder records the row locks each transaction takes.
type lockRecorder struct {
	*memory.Store

	mu  sync.Mutex
	txs [][]int
}

func (r *lockRecorder) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	r.mu.Lock()
	r.txs = append(r.txs, nil)
	idx := len(r.txs) - 1
	r.mu.Unlock()
	return r.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &recordingTx{Tx: tx, record: func(lock int) {
			r.mu.Lock()
			r.txs[idx] = append(r.txs[idx], lock)
			r.mu.Unlock()
		}})
	})
}

func (r *lockRecorder) reset() {
	r.mu.Lock()
	r.txs = nil
	r.mu.Unlock()
}

// inversion returns the first out-of-order lock pair seen, if any.
func (r *lockRecorder) inversion() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, locks := range r.txs {
		for i := 1; i < len(locks); i++ {
			if locks[i] < locks[i-1] {
				return lockNames[locks[i-1]] + " before " + lockNames[locks[i]], true
			}
		}
	}
	return "", false
}

type recordingTx struct {
	store.Tx
	record func(lock int)
}

func (t *recordingTx) ClaimQueueEntry(ctx context.Context, chatID uuid.UUID) (domain.QueueEntry, bool, error) {
	t.record(lockQueue)
	return t.Tx.ClaimQueueEntry(ctx, chatID)
}

func (t *recordingTx) GetChatForUpdate(ctx context.Context, id uuid.UUID) (domain.Chat, error) {
	t.record(lockChat)
	return t.Tx.GetChatForUpdate(ctx, id)
}

func (t *recordingTx) GetOperatorForUpdate(ctx context.Context, id uuid.UUID) (domain.Operator, error) {
	t.record(lockOperator)
	return t.Tx.GetOperatorForUpdate(ctx, id)
}

func (t *recordingTx) AdjustOperatorLoad(ctx context.Context, id uuid.UUID, delta int) (domain.Operator, error) {
	t.record(lockOperator)
	return t.Tx.AdjustOperatorLoad(ctx, id, delta)
}

func newRecordingFixture(t *testing.T) (*fixture, *lockRecorder) {
	t.Helper()
	rec := &lockRecorder{Store: memory.New()}
	log := logger.Discard()
	clk := clock.NewFake(t0)
	bus := events.NewInMemoryBus(log)
	notify := notification.NewService(rec, bus, clk, log)
	q := queue.NewManager(rec, queue.DefaultWeights(), clk, log)
	coord := NewCoordinator(rec, q, notify, bus, lifecycle.DefaultPolicy(), clk, log)

	profile := uuid.New()
	rec.PutProfile(domain.Profile{ID: profile})
	return &fixture{st: rec.Store, coord: coord, queue: q, notify: notify, bus: bus, profile: profile}, rec
}

func TestLockOrderQueueChatOperator(t *testing.T) {
	tests := []struct {
		name string
		run  func(ctx context.Context, f *fixture, st store.Store, chat domain.Chat, op uuid.UUID) error
	}{
		{"operator accepts next chat", func(ctx context.Context, f *fixture, _ store.Store, _ domain.Chat, op uuid.UUID) error {
			_, err := f.queue.DequeueFor(ctx, op)
			return err
		}},
		{"queue dispatch", func(ctx context.Context, f *fixture, _ store.Store, _ domain.Chat, _ uuid.UUID) error {
			_, err := f.queue.DequeueBestMatch(ctx)
			return err
		}},
		{"admin reassigns queued chat", func(ctx context.Context, f *fixture, _ store.Store, chat domain.Chat, op uuid.UUID) error {
			_, err := f.coord.Reassign(ctx, ReassignRequest{ChatID: chat.ID, To: op, Actor: "admin:x"})
			return err
		}},
		{"queued chat closed", func(ctx context.Context, f *fixture, st store.Store, chat domain.Chat, _ uuid.UUID) error {
			return st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				locked, err := f.coord.LockChatTx(ctx, tx, chat.ID)
				if err != nil {
					return err
				}
				_, err = f.coord.CloseTx(ctx, tx, locked, domain.CloseReasonAdmin, t0)
				return err
			})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, rec := newRecordingFixture(t)
			ctx := context.Background()
			chat := f.chat()
			op := f.operator()
			if _, err := f.queue.Enqueue(ctx, chat, nil); err != nil {
				t.Fatal(err)
			}
			rec.reset()

			if err := tt.run(ctx, f, rec, chat, op); err != nil {
				t.Fatal(err)
			}
			if pair, ok := rec.inversion(); ok {
				t.Fatalf("lock order inverted: %s", pair)
			}
		})
	}
}
