package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/store"
	"paychat_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// testDatabaseEnv names a disposable database. The tests truncate it.
const testDatabaseEnv = "PAYCHAT_TEST_DATABASE_URL"

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadlock", &pgconn.PgError{Code: pgDeadlockDetected}, true},
		{"serialization", &pgconn.PgError{Code: pgSerializationFailure}, true},
		{"wrapped deadlock", fmt.Errorf("commit tx: %w", &pgconn.PgError{Code: pgDeadlockDetected}), true},
		{"unique violation", &pgconn.PgError{Code: pgUniqueViolation}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Fatalf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type pgFixture struct {
	pool *pgxpool.Pool
	st   *Store
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	url := os.Getenv(testDatabaseEnv)
	if url == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	if err := db.RunMigrations(ctx, pool); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE users, profiles, operators, payment_transactions, admin_notifications CASCADE`); err != nil {
		t.Fatal(err)
	}
	return &pgFixture{pool: pool, st: New(pool)}
}

func (f *pgFixture) exec(t *testing.T, sql string, args ...any) {
	t.Helper()
	if _, err := f.pool.Exec(context.Background(), sql, args...); err != nil {
		t.Fatal(err)
	}
}

func (f *pgFixture) user(t *testing.T, balance domain.Credits) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.exec(t, `INSERT INTO users (id, credit_balance) VALUES ($1, $2)`, id, balance)
	return id
}

func (f *pgFixture) operator(t *testing.T, load, capacity int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.exec(t, `INSERT INTO operators (id, is_available, current_chat_count, max_concurrent_chats) VALUES ($1, true, $2, $3)`,
		id, load, capacity)
	return id
}

func (f *pgFixture) chat(t *testing.T, mutate func(*domain.Chat)) domain.Chat {
	t.Helper()
	profile := uuid.New()
	f.exec(t, `INSERT INTO profiles (id) VALUES ($1)`, profile)
	chat := lifecycle.NewChat(f.user(t, 0), profile, time.Now().UTC().Truncate(time.Microsecond))
	if mutate != nil {
		mutate(&chat)
	}
	f.tx(t, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertChat(ctx, chat)
	})
	return chat
}

func (f *pgFixture) tx(t *testing.T, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	if err := f.st.WithTx(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
}

func TestAdjustBalanceNeverNegative(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	userID := f.user(t, 100)

	err := f.st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.AdjustBalance(ctx, userID, -150)
		return err
	})
	ic, ok := domain.IsInsufficientCredits(err)
	if !ok {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if ic.Required != 150 || ic.Available != 100 {
		t.Fatalf("unexpected payload %+v", ic)
	}

	var u domain.User
	f.tx(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		u, err = tx.AdjustBalance(ctx, userID, -100)
		return err
	})
	if u.CreditBalance != 0 {
		t.Fatalf("expected zero balance, got %d", u.CreditBalance)
	}
}

func TestAdjustOperatorLoadBounds(t *testing.T) {
	f := newPGFixture(t)
	opID := f.operator(t, 0, 1)

	steps := []struct {
		delta int
		want  error
		load  int
	}{
		{1, nil, 1},
		{1, domain.ErrAssignmentConflict, 1},
		{-1, nil, 0},
		{-1, domain.ErrInvariant, 0},
	}
	for i, step := range steps {
		err := f.st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			_, err := tx.AdjustOperatorLoad(ctx, opID, step.delta)
			return err
		})
		if step.want == nil && err != nil {
			t.Fatalf("step %d: unexpected error %v", i, err)
		}
		if step.want != nil && !errors.Is(err, step.want) {
			t.Fatalf("step %d: expected %v, got %v", i, step.want, err)
		}
		op, err := f.st.GetOperator(context.Background(), opID)
		if err != nil {
			t.Fatal(err)
		}
		if op.CurrentChatCount != step.load {
			t.Fatalf("step %d: expected load %d, got %d", i, step.load, op.CurrentChatCount)
		}
	}
}

func TestClaimQueueEntryOnce(t *testing.T) {
	f := newPGFixture(t)
	chat := f.chat(t, nil)
	f.tx(t, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertQueueEntry(ctx, domain.QueueEntry{
			ChatID:         chat.ID,
			PriorityScore:  12.5,
			UserTier:       domain.TierGold,
			EnteredQueueAt: chat.CreatedAt,
		})
	})

	claims := 0
	for i := 0; i < 2; i++ {
		f.tx(t, func(ctx context.Context, tx store.Tx) error {
			entry, ok, err := tx.ClaimQueueEntry(ctx, chat.ID)
			if err != nil {
				return err
			}
			if ok {
				claims++
				if entry.PriorityScore != 12.5 || entry.UserTier != domain.TierGold {
					return fmt.Errorf("unexpected entry %+v", entry)
				}
			}
			return nil
		})
	}
	if claims != 1 {
		t.Fatalf("expected one claim, got %d", claims)
	}
}

func TestUpdateChatIsConditional(t *testing.T) {
	f := newPGFixture(t)
	opID := f.operator(t, 1, 5)
	chat := f.chat(t, nil)

	assigned := chat.CreatedAt.Add(time.Minute)
	chat.AssignedOperatorID = &opID
	chat.AssignedAt = &assigned
	chat.TotalCreditsSpent = 42

	tests := []struct {
		name     string
		expected domain.ChatStatus
		want     bool
	}{
		{"stale status", domain.ChatStatusIdle, false},
		{"current status", domain.ChatStatusActive, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ok bool
			f.tx(t, func(ctx context.Context, tx store.Tx) error {
				var err error
				ok, err = tx.UpdateChat(ctx, chat, tt.expected)
				return err
			})
			if ok != tt.want {
				t.Fatalf("UpdateChat = %v, want %v", ok, tt.want)
			}
		})
	}

	got, err := f.st.GetChat(context.Background(), chat.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsAssignedTo(opID) || got.TotalCreditsSpent != 42 {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.AssignedAt == nil || !got.AssignedAt.Equal(assigned) {
		t.Fatalf("expected assigned_at %v, got %v", assigned, got.AssignedAt)
	}
}

func TestOperatorIdleCandidatesCountFromAssignment(t *testing.T) {
	f := newPGFixture(t)
	now := time.Now().UTC().Truncate(time.Microsecond)
	threshold := now.Add(-10 * time.Minute)
	opID := f.operator(t, 3, 5)
	at := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	assign := func(user, operator, assignedAt *time.Time) func(*domain.Chat) {
		return func(c *domain.Chat) {
			c.AssignedOperatorID = &opID
			c.LastUserMessageAt = user
			c.LastOperatorActivityAt = operator
			c.AssignedAt = assignedAt
		}
	}
	ignored := f.chat(t, assign(at(11*time.Minute), nil, at(11*time.Minute)))
	fresh := f.chat(t, assign(at(40*time.Minute), nil, at(3*time.Minute)))
	answered := f.chat(t, assign(at(20*time.Minute), at(15*time.Minute), at(30*time.Minute)))

	list, err := f.st.ListOperatorIdleCandidates(context.Background(), threshold, 100)
	if err != nil {
		t.Fatal(err)
	}
	found := make(map[uuid.UUID]bool, len(list))
	for _, c := range list {
		found[c.ID] = true
	}
	if !found[ignored.ID] {
		t.Fatal("expected ignored chat listed")
	}
	if found[fresh.ID] || found[answered.ID] {
		t.Fatalf("unexpected candidates %v", found)
	}
}
