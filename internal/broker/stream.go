package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one stream record. ID is the broker-assigned entry id; Seq is the
// outbox row id stamped by the dispatcher.
type Entry struct {
	ID        string
	EventID   string
	SessionID string
	Seq       int64
	Payload   []byte
}

// Stream wraps the Redis Streams operations the pipeline uses.
type Stream struct {
	c *redis.Client
}

func NewStream(addr, password string, db int) *Stream {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Stream{c: rdb}
}

// NewStreamWithClient is used by wiring that shares one client.
func NewStreamWithClient(c *redis.Client) *Stream {
	return &Stream{c: c}
}

func (s *Stream) Close() error { return s.c.Close() }

func (s *Stream) Ping(ctx context.Context) error {
	return s.c.Ping(ctx).Err()
}

func (s *Stream) Client() *redis.Client { return s.c }

// Append adds the entry to the stream and returns the broker entry id.
func (s *Stream) Append(ctx context.Context, stream string, e Entry) (string, error) {
	id, err := s.c.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"event_id":   e.EventID,
			"session_id": e.SessionID,
			"seq":        e.Seq,
			"payload":    e.Payload,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group at the oldest offset. An already
// existing group is success.
func (s *Stream) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.c.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// ReadGroup blocks up to block and returns new entries for the consumer.
// A timeout with no entries returns (nil, nil).
func (s *Stream) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.c.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var entries []Entry
	for _, sr := range res {
		for _, m := range sr.Messages {
			entries = append(entries, parseEntry(m))
		}
	}
	return entries, nil
}

// Claim transfers group entries idle for at least minIdle to the consumer
// and returns them. This is how entries stranded in the pending list by a
// consumer that died between read and ack get back into circulation.
func (s *Stream) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := s.c.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, parseEntry(m))
	}
	return entries, nil
}

// Ack acknowledges one entry for the group.
func (s *Stream) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.c.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s %s: %w", stream, group, id, err)
	}
	return nil
}

// DestroyGroup removes the consumer group. Operator/incident use only.
func (s *Stream) DestroyGroup(ctx context.Context, stream, group string) error {
	if err := s.c.XGroupDestroy(ctx, stream, group).Err(); err != nil {
		return fmt.Errorf("xgroup destroy %s/%s: %w", stream, group, err)
	}
	return nil
}

// ReadRange returns entries strictly after afterID ("" means from the
// oldest). Used by the push surface to replay and tail a session stream.
func (s *Stream) ReadRange(ctx context.Context, stream, afterID string, count int64) ([]Entry, error) {
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}
	msgs, err := s.c.XRangeN(ctx, stream, start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, parseEntry(m))
	}
	return entries, nil
}

// Len returns the stream depth (for the metrics collector).
func (s *Stream) Len(ctx context.Context, stream string) (int64, error) {
	n, err := s.c.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

// IsNoGroup reports whether err is the "no such consumer group" failure
// class (group or whole stream destroyed out-of-band). The reader self-heals
// on it by recreating the group.
func IsNoGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "NOGROUP")
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func parseEntry(m redis.XMessage) Entry {
	e := Entry{ID: m.ID}
	if v, ok := m.Values["event_id"].(string); ok {
		e.EventID = v
	}
	if v, ok := m.Values["session_id"].(string); ok {
		e.SessionID = v
	}
	if v, ok := m.Values["seq"].(string); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.Seq = n
		}
	}
	if v, ok := m.Values["payload"].(string); ok {
		e.Payload = []byte(v)
	}
	return e
}
