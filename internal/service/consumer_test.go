package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"event_delivery/internal/broker"
	"event_delivery/internal/models"
	"event_delivery/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// groupBroker fakes the global stream with consumer-group semantics: one
// shared read position, a pending list of read-but-unacked entries, acked
// ids recorded, group destroyable mid-run.
type groupBroker struct {
	mu          sync.Mutex
	entries     []broker.Entry
	pos         int
	pending     map[string]pendingEntry
	acked       []string
	groupExists bool
	ensured     int
	nextID      int
}

type pendingEntry struct {
	e  broker.Entry
	at time.Time
}

func newGroupBroker() *groupBroker {
	return &groupBroker{pending: make(map[string]pendingEntry)}
}

func (b *groupBroker) add(eventID, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.entries = append(b.entries, broker.Entry{
		ID:        "0-" + itoa(b.nextID),
		EventID:   eventID,
		SessionID: sessionID,
		Seq:       int64(b.nextID),
		Payload:   []byte(`{}`),
	})
}

func (b *groupBroker) destroyGroup() {
	b.mu.Lock()
	b.groupExists = false
	b.mu.Unlock()
}

func (b *groupBroker) EnsureGroup(_ context.Context, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensured++
	b.groupExists = true
	return nil
}

func (b *groupBroker) ReadGroup(_ context.Context, _, _, _ string, count int64, _ time.Duration) ([]broker.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.groupExists {
		return nil, errors.New("NOGROUP No such consumer group")
	}
	if b.pos >= len(b.entries) {
		return nil, nil
	}
	end := b.pos + int(count)
	if end > len(b.entries) {
		end = len(b.entries)
	}
	out := append([]broker.Entry(nil), b.entries[b.pos:end]...)
	b.pos = end
	now := time.Now()
	for _, e := range out {
		b.pending[e.ID] = pendingEntry{e: e, at: now}
	}
	return out, nil
}

func (b *groupBroker) Claim(_ context.Context, _, _, _ string, minIdle time.Duration, count int64) ([]broker.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.groupExists {
		return nil, errors.New("NOGROUP No such consumer group")
	}
	now := time.Now()
	var out []broker.Entry
	for id, p := range b.pending {
		if now.Sub(p.at) >= minIdle && int64(len(out)) < count {
			out = append(out, p.e)
			b.pending[id] = pendingEntry{e: p.e, at: now} // claiming resets idle time
		}
	}
	return out, nil
}

func (b *groupBroker) Ack(_ context.Context, _, _, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
	b.acked = append(b.acked, id)
	return nil
}

func (b *groupBroker) ackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

func testConsumer(b ConsumerStream, store ConsumerStore) *Consumer {
	return NewConsumer(b, store, ConsumerConfig{
		GlobalStream: "events:global",
		Group:        "delivery-consumers",
		BatchSize:    10,
		Block:        10 * time.Millisecond,
	}, nil)
}

func TestConsumerHappyPath(t *testing.T) {
	store := newMemStore(25)
	b := newGroupBroker()
	c := testConsumer(b, store)

	ev := store.Insert(&models.OutboxEvent{EventID: "E1", SessionID: "S1", Payload: json.RawMessage(`{}`)})
	require.NoError(t, store.MarkDelivered(context.Background(), ev.ID, 1))
	b.add("E1", "S1")

	require.NoError(t, c.ReadOnce(context.Background()))

	row := store.get("E1")
	assert.Equal(t, repository.StatusConsumed, row.Status)
	require.NotNil(t, row.ConsumedBy)
	assert.Len(t, b.ackedIDs(), 1)
}

func TestConsumerGroupRecreation(t *testing.T) {
	store := newMemStore(25)
	b := newGroupBroker()
	c := testConsumer(b, store)
	ctx := context.Background()

	require.NoError(t, c.ReadOnce(ctx)) // creates the group
	assert.Equal(t, 1, b.ensured)

	// Operational incident: group destroyed out-of-band.
	b.destroyGroup()
	ev := store.Insert(&models.OutboxEvent{EventID: "E4", SessionID: "S1", Payload: json.RawMessage(`{}`)})
	require.NoError(t, store.MarkDelivered(ctx, ev.ID, 1))
	b.add("E4", "S1")

	// First pass hits NOGROUP and resets; second recreates and consumes.
	require.NoError(t, c.ReadOnce(ctx))
	require.NoError(t, c.ReadOnce(ctx))

	assert.Equal(t, 2, b.ensured, "group must be recreated")
	assert.Equal(t, repository.StatusConsumed, store.get("E4").Status)
}

func TestConsumerDeadLetterIsNoOp(t *testing.T) {
	store := newMemStore(25)
	b := newGroupBroker()
	c := testConsumer(b, store)
	ctx := context.Background()

	ev := store.Insert(&models.OutboxEvent{EventID: "E5", SessionID: "S1", Payload: json.RawMessage(`{}`)})
	require.NoError(t, store.MarkFailed(ctx, ev.ID, "boom", 10, time.Now(), true))
	b.add("E5", "S1")

	require.NoError(t, c.ReadOnce(ctx))

	// Operator owns the row; consumption must not resurrect it, but the
	// entry is still acked.
	assert.Equal(t, repository.StatusDeadLetter, store.get("E5").Status)
	assert.Len(t, b.ackedIDs(), 1)
}

func TestConsumerMissingRowStillAcks(t *testing.T) {
	store := newMemStore(25)
	b := newGroupBroker()
	c := testConsumer(b, store)

	b.add("ghost", "S1")

	require.NoError(t, c.ReadOnce(context.Background()))

	assert.Len(t, b.ackedIDs(), 1, "missing row must not block acknowledgment")
}

type failingStore struct{}

func (failingStore) MarkConsumed(context.Context, string, string) (bool, error) {
	return false, errors.New("store down")
}

// recoveringStore fails its first N MarkConsumed calls, then delegates.
type recoveringStore struct {
	inner    *memStore
	failures int
}

func (s *recoveringStore) MarkConsumed(ctx context.Context, eventID, consumer string) (bool, error) {
	if s.failures > 0 {
		s.failures--
		return false, errors.New("store down")
	}
	return s.inner.MarkConsumed(ctx, eventID, consumer)
}

func TestConsumerStoreErrorLeavesEntryUnacked(t *testing.T) {
	b := newGroupBroker()
	c := testConsumer(b, failingStore{})

	b.add("E6", "S1")

	require.NoError(t, c.ReadOnce(context.Background()))

	assert.Empty(t, b.ackedIDs(), "unacked entry will be redelivered once the store is back")
}

func TestConsumerSweepReclaimsUnackedEntry(t *testing.T) {
	mem := newMemStore(25)
	b := newGroupBroker()
	c := NewConsumer(b, &recoveringStore{inner: mem, failures: 1}, ConsumerConfig{
		GlobalStream:      "events:global",
		Group:             "delivery-consumers",
		BatchSize:         10,
		Block:             10 * time.Millisecond,
		PendingMinIdle:    time.Nanosecond,
		PendingSweepEvery: time.Nanosecond,
	}, nil)
	ctx := context.Background()

	ev := mem.Insert(&models.OutboxEvent{EventID: "E7", SessionID: "S1", Payload: json.RawMessage(`{}`)})
	require.NoError(t, mem.MarkDelivered(ctx, ev.ID, 1))
	b.add("E7", "S1")

	// Store down on first contact: the entry is read but stays pending.
	require.NoError(t, c.ReadOnce(ctx))
	require.Empty(t, b.ackedIDs())

	// Next pass sweeps the stale pending entry and finishes it.
	require.NoError(t, c.ReadOnce(ctx))

	assert.Equal(t, repository.StatusConsumed, mem.get("E7").Status)
	assert.Len(t, b.ackedIDs(), 1)
}

func TestIsNoGroupClassification(t *testing.T) {
	assert.True(t, broker.IsNoGroup(errors.New("NOGROUP No such consumer group 'g' for key 'k'")))
	assert.False(t, broker.IsNoGroup(errors.New("connection refused")))
	assert.False(t, broker.IsNoGroup(nil))
}
