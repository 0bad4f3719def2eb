// Package memory is an in-memory implementation of store.Store with the same
// lease semantics as the Postgres backend. It backs tests and single-node
// runs where durability is not needed.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shwetabhartimsft/durabletask/internal/store"
)

var _ store.Store = (*MemoryStore)(nil)

type message struct {
	store.Message
}

type queueState struct {
	messages map[int64]*message
}

type MemoryStore struct {
	mu     sync.Mutex
	queues map[string]*queueState
	nextID int64

	// now is swappable for tests.
	now func() time.Time
}

func New() *MemoryStore {
	return &MemoryStore{
		queues: make(map[string]*queueState),
		now:    time.Now,
	}
}

func (s *MemoryStore) CreateQueue(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; ok {
		return false, nil
	}
	s.queues[name] = &queueState{messages: make(map[int64]*message)}
	return true, nil
}

func (s *MemoryStore) DeleteQueue(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; !ok {
		return false, nil
	}
	delete(s.queues, name)
	return true, nil
}

func (s *MemoryStore) QueueExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[name]
	return ok, nil
}

func (s *MemoryStore) Stats(_ context.Context, name string) (store.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return store.QueueStats{}, store.ErrQueueNotFound
	}
	return store.QueueStats{Name: name, ApproximateCount: int64(len(q.messages))}, nil
}

func (s *MemoryStore) Enqueue(_ context.Context, queue string, body []byte, delay time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		return 0, store.ErrQueueNotFound
	}
	s.nextID++
	now := s.now()
	m := &message{Message: store.Message{
		ID:         s.nextID,
		Queue:      queue,
		Body:       append([]byte(nil), body...),
		EnqueuedAt: now,
		NotBefore:  now.Add(delay),
	}}
	q.messages[m.ID] = m
	return m.ID, nil
}

// visible reports whether m can be leased at time now.
func (m *message) visible(now time.Time) bool {
	if m.NotBefore.After(now) {
		return false
	}
	return m.LeaseUntil == nil || m.LeaseUntil.Before(now)
}

// visibleLocked returns up to limit visible messages in ID order.
func (s *MemoryStore) visibleLocked(q *queueState, limit int) []*message {
	now := s.now()
	var out []*message
	for _, m := range q.messages {
		if m.visible(now) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) Lease(_ context.Context, opts store.LeaseOptions) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[opts.Queue]
	if !ok {
		return nil, store.ErrQueueNotFound
	}
	picked := s.visibleLocked(q, opts.Limit)
	until := s.now().Add(opts.Visibility)
	out := make([]store.Message, 0, len(picked))
	for _, m := range picked {
		receipt := uuid.NewString()
		leaseUntil := until
		m.Receipt = &receipt
		m.LeaseUntil = &leaseUntil
		m.DequeueCount++
		out = append(out, m.Message)
	}
	return out, nil
}

func (s *MemoryStore) Peek(_ context.Context, queue string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		return nil, store.ErrQueueNotFound
	}
	picked := s.visibleLocked(q, limit)
	out := make([]store.Message, 0, len(picked))
	for _, m := range picked {
		snap := m.Message
		snap.Receipt = nil
		snap.LeaseUntil = nil
		out = append(out, snap)
	}
	return out, nil
}

func (s *MemoryStore) Renew(_ context.Context, queue string, id int64, receipt string, visibility time.Duration) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.leasedLocked(queue, id, receipt)
	if err != nil {
		return "", time.Time{}, err
	}
	newReceipt := uuid.NewString()
	leaseUntil := s.now().Add(visibility)
	m.Receipt = &newReceipt
	m.LeaseUntil = &leaseUntil
	return newReceipt, leaseUntil, nil
}

func (s *MemoryStore) Delete(_ context.Context, queue string, id int64, receipt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.leasedLocked(queue, id, receipt)
	if err != nil {
		return err
	}
	delete(s.queues[queue].messages, m.ID)
	return nil
}

// leasedLocked resolves a receipt-guarded write target. A present message
// with a mismatched or expired lease means the caller's receipt is stale.
func (s *MemoryStore) leasedLocked(queue string, id int64, receipt string) (*message, error) {
	q, ok := s.queues[queue]
	if !ok {
		return nil, store.ErrQueueNotFound
	}
	m, ok := q.messages[id]
	if !ok {
		return nil, store.ErrMessageNotFound
	}
	if m.Receipt == nil || *m.Receipt != receipt || m.LeaseUntil == nil || !m.LeaseUntil.After(s.now()) {
		return nil, store.ErrStaleReceipt
	}
	return m, nil
}

func (s *MemoryStore) ReleaseExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	released := 0
	for _, q := range s.queues {
		for _, m := range q.messages {
			if m.LeaseUntil != nil && m.LeaseUntil.Before(now) {
				m.LeaseUntil = nil
				m.Receipt = nil
				released++
			}
		}
	}
	return released, nil
}
