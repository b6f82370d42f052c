package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"event_delivery/internal/broker"
	"event_delivery/internal/models"
	"event_delivery/internal/repository"
)

// memStore mirrors the outbox table's claim/transition semantics in memory:
// claim takes ready rows in created_at order and skips rows another claimant
// holds in processing, exactly like the skip-locked query.
type memStore struct {
	mu       sync.Mutex
	rows     map[int64]*models.OutboxEvent
	byEvent  map[string]int64
	nextID   int64
	retryCap int
	leaseTTL time.Duration
	replays  map[string]struct{}
}

func newMemStore(retryCap int) *memStore {
	return &memStore{
		rows:     make(map[int64]*models.OutboxEvent),
		byEvent:  make(map[string]int64),
		retryCap: retryCap,
		leaseTTL: time.Minute,
		replays:  make(map[string]struct{}),
	}
}

func (s *memStore) Insert(ev *models.OutboxEvent) *models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEvent[ev.EventID]; ok {
		return s.rows[id]
	}

	s.nextID++
	cp := *ev
	cp.ID = s.nextID
	cp.Status = repository.StatusPending
	if cp.MaxAttempts <= 0 {
		cp.MaxAttempts = 10
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.NextRetryAt = cp.CreatedAt
	s.rows[cp.ID] = &cp
	s.byEvent[cp.EventID] = cp.ID
	return &cp
}

func (s *memStore) ClaimBatch(_ context.Context, claimant string, limit int) ([]*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var ready []*models.OutboxEvent
	for _, r := range s.rows {
		cap := r.MaxAttempts
		if s.retryCap < cap {
			cap = s.retryCap
		}
		if r.Attempts >= cap {
			continue
		}
		switch {
		case (r.Status == repository.StatusPending || r.Status == repository.StatusFailed) &&
			!r.NextRetryAt.After(now):
			ready = append(ready, r)
		case r.Status == repository.StatusProcessing && r.LockedAt != nil &&
			now.Sub(*r.LockedAt) > s.leaseTTL:
			// expired lease: the claimant died before marking the row
			ready = append(ready, r)
		}
	}
	// created_at then id order, as the claim query does
	for i := 1; i < len(ready); i++ {
		for j := i; j > 0; j-- {
			a, b := ready[j-1], ready[j]
			if a.CreatedAt.After(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID > b.ID) {
				ready[j-1], ready[j] = b, a
			}
		}
	}
	if len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*models.OutboxEvent, 0, len(ready))
	for _, r := range ready {
		r.Status = repository.StatusProcessing
		c := claimant
		r.LockedBy = &c
		now := time.Now()
		r.LockedAt = &now
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) MarkDelivered(_ context.Context, id int64, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if r.Status != repository.StatusConsumed {
		r.Status = repository.StatusDelivered
	}
	r.Attempts = attempts
	r.LastError = nil
	r.LockedBy = nil
	r.LockedAt = nil
	now := time.Now()
	r.DeliveredAt = &now
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id int64, errMsg string, attempts int, nextRetryAt time.Time, deadLetter bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if deadLetter {
		r.Status = repository.StatusDeadLetter
	} else {
		r.Status = repository.StatusFailed
	}
	r.Attempts = attempts
	r.LastError = &errMsg
	r.NextRetryAt = nextRetryAt
	r.LockedBy = nil
	r.LockedAt = nil
	return nil
}

func (s *memStore) MarkConsumed(_ context.Context, eventID, consumer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEvent[eventID]
	if !ok {
		return false, nil
	}
	r := s.rows[id]
	if r.Status == repository.StatusDeadLetter {
		return false, nil
	}
	r.Status = repository.StatusConsumed
	c := consumer
	r.ConsumedBy = &c
	now := time.Now()
	r.ConsumedAt = &now
	return true, nil
}

func (s *memStore) Replay(eventID, token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventID + "/" + token
	if _, used := s.replays[key]; used {
		return 0
	}
	s.replays[key] = struct{}{}

	id, ok := s.byEvent[eventID]
	if !ok {
		return 0
	}
	r := s.rows[id]
	if r.Status != repository.StatusDeadLetter {
		return 0
	}
	r.Status = repository.StatusPending
	r.Attempts = 0
	r.LastError = nil
	r.NextRetryAt = time.Now()
	return 1
}

func (s *memStore) CleanupOld(_ context.Context, _ int) (int64, error) { return 0, nil }

func (s *memStore) get(eventID string) *models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEvent[eventID]
	if !ok {
		return nil
	}
	cp := *s.rows[id]
	return &cp
}

// expireLease ages a processing claim past the lease TTL.
func (s *memStore) expireLease(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byEvent[eventID]; ok {
		stale := time.Now().Add(-2 * s.leaseTTL)
		s.rows[id].LockedAt = &stale
	}
}

// rewind makes a failed row immediately claimable again.
func (s *memStore) rewind(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byEvent[eventID]; ok {
		s.rows[id].NextRetryAt = time.Now().Add(-time.Second)
	}
}

// memBroker is a scriptable in-memory stream broker.
type memBroker struct {
	mu       sync.Mutex
	streams  map[string][]broker.Entry
	groups   map[string]int // group key -> next unread index
	failNext int            // next N appends fail
	nextID   int
}

var errAppend = errors.New("broker append refused")

func newMemBroker() *memBroker {
	return &memBroker{
		streams: make(map[string][]broker.Entry),
		groups:  make(map[string]int),
	}
}

func (b *memBroker) Append(_ context.Context, stream string, e broker.Entry) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failNext > 0 {
		b.failNext--
		return "", errAppend
	}
	b.nextID++
	e.ID = "0-" + itoa(b.nextID)
	b.streams[stream] = append(b.streams[stream], e)
	return e.ID, nil
}

func (b *memBroker) entries(stream string) []broker.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Entry(nil), b.streams[stream]...)
}

func (b *memBroker) failAppends(n int) {
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
