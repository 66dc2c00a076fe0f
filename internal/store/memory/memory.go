// Package memory is an in-process Store used by tests and local runs. A
// single mutex serializes transactions, and a failed transaction restores
// the snapshot taken when it began.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/store"

	"github.com/google/uuid"
)

// Store implements store.Store in memory. Reader methods must not be called
// from inside a WithTx callback.
type Store struct {
	mu   sync.Mutex
	data *data
}

var _ store.Store = (*Store)(nil)

type data struct {
	users         map[uuid.UUID]domain.User
	profiles      map[uuid.UUID]domain.Profile
	operators     map[uuid.UUID]domain.Operator
	chats         map[uuid.UUID]domain.Chat
	queue         map[uuid.UUID]domain.QueueEntry
	messages      map[uuid.UUID]domain.Message
	records       []domain.AssignmentRecord
	transactions  map[uuid.UUID]domain.PaymentTransaction
	refunds       map[uuid.UUID]domain.Refund
	notifications []domain.AdminNotification
}

// New returns an empty store.
func New() *Store {
	return &Store{data: &data{
		users:        make(map[uuid.UUID]domain.User),
		profiles:     make(map[uuid.UUID]domain.Profile),
		operators:    make(map[uuid.UUID]domain.Operator),
		chats:        make(map[uuid.UUID]domain.Chat),
		queue:        make(map[uuid.UUID]domain.QueueEntry),
		messages:     make(map[uuid.UUID]domain.Message),
		transactions: make(map[uuid.UUID]domain.PaymentTransaction),
		refunds:      make(map[uuid.UUID]domain.Refund),
	}}
}

func (d *data) clone() *data {
	out := &data{
		users:         make(map[uuid.UUID]domain.User, len(d.users)),
		profiles:      make(map[uuid.UUID]domain.Profile, len(d.profiles)),
		operators:     make(map[uuid.UUID]domain.Operator, len(d.operators)),
		chats:         make(map[uuid.UUID]domain.Chat, len(d.chats)),
		queue:         make(map[uuid.UUID]domain.QueueEntry, len(d.queue)),
		messages:      make(map[uuid.UUID]domain.Message, len(d.messages)),
		records:       append([]domain.AssignmentRecord(nil), d.records...),
		transactions:  make(map[uuid.UUID]domain.PaymentTransaction, len(d.transactions)),
		refunds:       make(map[uuid.UUID]domain.Refund, len(d.refunds)),
		notifications: append([]domain.AdminNotification(nil), d.notifications...),
	}
	for k, v := range d.users {
		out.users[k] = v
	}
	for k, v := range d.profiles {
		out.profiles[k] = v
	}
	for k, v := range d.operators {
		out.operators[k] = cloneOperator(v)
	}
	for k, v := range d.chats {
		out.chats[k] = v.Clone()
	}
	for k, v := range d.queue {
		out.queue[k] = cloneEntry(v)
	}
	for k, v := range d.messages {
		out.messages[k] = v
	}
	for k, v := range d.transactions {
		out.transactions[k] = v
	}
	for k, v := range d.refunds {
		out.refunds[k] = v
	}
	return out
}

// WithTx runs fn with exclusive access and rolls back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.data.clone()
	defer func() {
		if r := recover(); r != nil {
			s.data = backup
			panic(r)
		}
		if err != nil {
			s.data = backup
		}
	}()
	return fn(ctx, &tx{d: s.data})
}

// Seeding and inspection helpers for tests.

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.users[u.ID] = u
}

// PutProfile inserts or replaces a profile.
func (s *Store) PutProfile(p domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.profiles[p.ID] = p
}

// PutOperator inserts or replaces an operator.
func (s *Store) PutOperator(o domain.Operator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.operators[o.ID] = cloneOperator(o)
}

// PutChat inserts or replaces a chat.
func (s *Store) PutChat(c domain.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.chats[c.ID] = c.Clone()
}

// PutQueueEntry inserts or replaces a queue entry.
func (s *Store) PutQueueEntry(e domain.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.queue[e.ChatID] = cloneEntry(e)
}

// PutTransaction inserts or replaces a payment transaction.
func (s *Store) PutTransaction(t domain.PaymentTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.transactions[t.ID] = t
}

// PutMessage inserts or replaces a message.
func (s *Store) PutMessage(m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.messages[m.ID] = m
}

// Messages returns the messages of chatID ordered by creation.
func (s *Store) Messages(chatID uuid.UUID) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.data.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AssignmentRecords returns the audit trail of chatID in insertion order.
func (s *Store) AssignmentRecords(chatID uuid.UUID) []domain.AssignmentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AssignmentRecord
	for _, r := range s.data.records {
		if r.ChatID == chatID {
			out = append(out, r)
		}
	}
	return out
}

// Refunds returns every stored refund.
func (s *Store) Refunds() []domain.Refund {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Refund, 0, len(s.data.refunds))
	for _, r := range s.data.refunds {
		out = append(out, r)
	}
	return out
}

// Reader.

func (s *Store) GetChat(_ context.Context, id uuid.UUID) (domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.chats[id]
	if !ok {
		return domain.Chat{}, notFound("chat", id)
	}
	return c.Clone(), nil
}

func (s *Store) GetOperator(_ context.Context, id uuid.UUID) (domain.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.data.operators[id]
	if !ok {
		return domain.Operator{}, notFound("operator", id)
	}
	return cloneOperator(o), nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data.users[id]
	if !ok {
		return domain.User{}, notFound("user", id)
	}
	return u, nil
}

func (s *Store) GetTransaction(_ context.Context, id uuid.UUID) (domain.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.transactions[id]
	if !ok {
		return domain.PaymentTransaction{}, notFound("transaction", id)
	}
	return t, nil
}

func (s *Store) ListQueueEntries(_ context.Context) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.queueEntries(), nil
}

func (s *Store) ListAvailableOperators(_ context.Context) ([]domain.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.availableOperators(), nil
}

func (s *Store) ListAdminNotifications(_ context.Context, limit int) ([]domain.AdminNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.data.notifications
	out := make([]domain.AdminNotification, 0, len(n))
	for i := len(n) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, n[i])
	}
	return out, nil
}

func (s *Store) ListInactiveChats(_ context.Context, before time.Time, limit int) ([]domain.Chat, error) {
	return s.filterChats(limit, func(c domain.Chat) bool {
		return c.Status.CountsTowardLoad() && c.LastMessageAt.Before(before)
	}), nil
}

func (s *Store) ListIdleCandidates(_ context.Context, since time.Time, limit int) ([]domain.Chat, error) {
	return s.filterChats(limit, func(c domain.Chat) bool {
		if c.Status != domain.ChatStatusActive || c.AssignedOperatorID == nil {
			return false
		}
		if c.LastUserMessageAt == nil || c.LastOperatorActivityAt == nil {
			return false
		}
		return c.LastUserMessageAt.Before(since) && !c.LastOperatorActivityAt.Before(*c.LastUserMessageAt)
	}), nil
}

func (s *Store) ListOperatorIdleCandidates(_ context.Context, threshold time.Time, limit int) ([]domain.Chat, error) {
	return s.filterChats(limit, func(c domain.Chat) bool {
		if !c.Status.CountsTowardLoad() || c.AssignedOperatorID == nil || c.LastUserMessageAt == nil {
			return false
		}
		if c.LastOperatorActivityAt != nil && !c.LastOperatorActivityAt.Before(*c.LastUserMessageAt) {
			return false
		}
		return lifecycle.OperatorSilentSince(c).Before(threshold)
	}), nil
}

func (s *Store) ListStuckQueueEntries(_ context.Context, before time.Time, minAttempts, limit int) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.QueueEntry
	for _, e := range s.data.queueEntries() {
		if limit > 0 && len(out) == limit {
			break
		}
		if e.EnteredQueueAt.Before(before) && e.Attempts >= minAttempts {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListStaleEscalations(_ context.Context, before time.Time, limit int) ([]domain.Chat, error) {
	return s.filterChats(limit, func(c domain.Chat) bool {
		return c.Status == domain.ChatStatusEscalated && c.EscalatedAt != nil && c.EscalatedAt.Before(before)
	}), nil
}

func (s *Store) filterChats(limit int, keep func(domain.Chat) bool) []domain.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Chat
	for _, c := range s.data.chats {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.Before(out[j].LastMessageAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (d *data) queueEntries() []domain.QueueEntry {
	out := make([]domain.QueueEntry, 0, len(d.queue))
	for _, e := range d.queue {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnteredQueueAt.Equal(out[j].EnteredQueueAt) {
			return out[i].EnteredQueueAt.Before(out[j].EnteredQueueAt)
		}
		return out[i].ChatID.String() < out[j].ChatID.String()
	})
	return out
}

func (d *data) availableOperators() []domain.Operator {
	var out []domain.Operator
	for _, o := range d.operators {
		if o.IsAvailable && !o.IsSuspended && o.HasCapacity() {
			out = append(out, cloneOperator(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func cloneOperator(o domain.Operator) domain.Operator {
	o.Specializations = append([]string(nil), o.Specializations...)
	return o
}

func cloneEntry(e domain.QueueEntry) domain.QueueEntry {
	e.RequiredSpecializations = append([]string(nil), e.RequiredSpecializations...)
	e.ExcludedOperatorIDs = append([]uuid.UUID(nil), e.ExcludedOperatorIDs...)
	return e
}

func notFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, domain.ErrNotFound)
}
