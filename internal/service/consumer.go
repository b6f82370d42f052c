package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"event_delivery/internal/broker"
	"event_delivery/internal/metrics"

	"github.com/google/uuid"
)

// ConsumerStream is the slice of the broker the reader uses.
type ConsumerStream interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]broker.Entry, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]broker.Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
}

// ConsumerStore marks outbox rows consumed.
type ConsumerStore interface {
	MarkConsumed(ctx context.Context, eventID, consumer string) (bool, error)
}

type ConsumerConfig struct {
	GlobalStream string
	Group        string
	BatchSize    int
	Block        time.Duration

	// Pending sweep: how stale an unacked entry must be before any consumer
	// may steal it, and how often each consumer looks.
	PendingMinIdle    time.Duration
	PendingSweepEvery time.Duration
}

// Consumer reads the global stream under a consumer group and acknowledges
// each entry back into the outbox. Reads are at-least-once; MarkConsumed is
// idempotent, so redelivery is harmless.
type Consumer struct {
	stream ConsumerStream
	store  ConsumerStore
	cfg    ConsumerConfig
	name   string
	logger *log.Logger

	// groupReady is instance-owned so several consumers can run (and be
	// tested) in one process. Reset whenever a NOGROUP-class error shows
	// the group was destroyed out-of-band.
	groupReady bool
	lastSweep  time.Time
}

func NewConsumer(stream ConsumerStream, store ConsumerStore, cfg ConsumerConfig, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.GlobalStream == "" {
		cfg.GlobalStream = "events:global"
	}
	if cfg.Group == "" {
		cfg.Group = "delivery-consumers"
	}
	if cfg.PendingMinIdle <= 0 {
		cfg.PendingMinIdle = 30 * time.Second
	}
	if cfg.PendingSweepEvery <= 0 {
		cfg.PendingSweepEvery = 30 * time.Second
	}

	host, _ := os.Hostname()
	return &Consumer{
		stream: stream,
		store:  store,
		cfg:    cfg,
		name:   fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8]),
		logger: logger,
	}
}

// Start runs the read loop until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	go func() {
		c.logger.Println("consumer started as", c.name)
		defer c.logger.Println("consumer stopped")

		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.ReadOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Printf("consumer read error: %v", err)
				metrics.IncConsumerError("read")
				time.Sleep(1 * time.Second)
			}
		}
	}()
}

// ReadOnce performs one group read and processes whatever came back. A
// NOGROUP-class failure resets the group flag so the next pass recreates
// the group and resumes; it is not reported as an error.
func (c *Consumer) ReadOnce(ctx context.Context) error {
	if !c.groupReady {
		if err := c.stream.EnsureGroup(ctx, c.cfg.GlobalStream, c.cfg.Group); err != nil {
			return fmt.Errorf("ensure group: %w", err)
		}
		c.groupReady = true
	}

	if time.Since(c.lastSweep) >= c.cfg.PendingSweepEvery {
		c.lastSweep = time.Now()
		if err := c.sweepPending(ctx); err != nil {
			if broker.IsNoGroup(err) {
				c.groupReady = false
				return nil
			}
			c.logger.Printf("pending sweep failed: %v", err)
		}
	}

	entries, err := c.stream.ReadGroup(ctx, c.cfg.GlobalStream, c.cfg.Group, c.name, int64(c.cfg.BatchSize), c.cfg.Block)
	if err != nil {
		if broker.IsNoGroup(err) {
			c.logger.Println("consumer group missing, recreating")
			c.groupReady = false
			return nil
		}
		return err
	}

	for _, e := range entries {
		c.handleEntry(ctx, e)
	}
	return nil
}

// sweepPending steals entries another consumer read but never acked (it
// crashed, or its store write failed) once they are idle long enough, and
// runs them through the normal path.
func (c *Consumer) sweepPending(ctx context.Context) error {
	entries, err := c.stream.Claim(ctx, c.cfg.GlobalStream, c.cfg.Group, c.name, c.cfg.PendingMinIdle, int64(c.cfg.BatchSize))
	if err != nil {
		return err
	}
	for _, e := range entries {
		c.handleEntry(ctx, e)
	}
	return nil
}

func (c *Consumer) handleEntry(ctx context.Context, e broker.Entry) {
	if e.EventID == "" {
		c.logger.Printf("consumer entry %s has no event_id, acking", e.ID)
	} else {
		updated, err := c.store.MarkConsumed(ctx, e.EventID, c.name)
		if err != nil {
			// Store unavailable: leave the entry unacked; the pending
			// sweep will pick it up once it has gone idle.
			c.logger.Printf("mark consumed %s failed: %v", e.EventID, err)
			metrics.IncConsumerError("mark")
			return
		}
		if updated {
			metrics.IncConsumed()
		}
		// A missing or dead-lettered row is a no-op, not an error; the
		// entry still gets acked so it cannot wedge the group.
	}

	if err := c.stream.Ack(ctx, c.cfg.GlobalStream, c.cfg.Group, e.ID); err != nil {
		c.logger.Printf("ack %s failed: %v", e.ID, err)
		metrics.IncConsumerError("ack")
	}
}
