package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"event_delivery/internal/broker"
	"event_delivery/internal/metrics"
	"event_delivery/internal/models"
)

// OutboxStore is the slice of the repository the dispatcher mutates.
type OutboxStore interface {
	ClaimBatch(ctx context.Context, claimant string, limit int) ([]*models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id int64, attempts int) error
	MarkFailed(ctx context.Context, id int64, errMsg string, attempts int, nextRetryAt time.Time, deadLetter bool) error
	CleanupOld(ctx context.Context, retentionDays int) (int64, error)
}

// Publisher appends entries to a stream.
type Publisher interface {
	Append(ctx context.Context, stream string, e broker.Entry) (string, error)
}

type DispatcherConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	StreamPrefix  string
	GlobalStream  string
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	RetryCap      int
	RetentionDays int
}

// Dispatcher claims ready outbox rows and publishes each to its session
// stream and the global stream. Instances are independent: concurrent
// dispatchers share a backlog safely through the store's skip-locked claim.
type Dispatcher struct {
	store    OutboxStore
	pub      Publisher
	cfg      DispatcherConfig
	claimant string
	logger   *log.Logger

	cleanupEvery time.Duration
}

func NewDispatcher(store OutboxStore, pub Publisher, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 1 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 25
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "session:"
	}
	if cfg.GlobalStream == "" {
		cfg.GlobalStream = "events:global"
	}

	host, _ := os.Hostname()
	return &Dispatcher{
		store:        store,
		pub:          pub,
		cfg:          cfg,
		claimant:     fmt.Sprintf("%s:%d", host, os.Getpid()),
		logger:       logger,
		cleanupEvery: 1 * time.Hour,
	}
}

// Start runs the dispatch loop until ctx is cancelled. The in-flight batch
// finishes before the goroutine exits.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		d.logger.Println("dispatcher started")
		defer d.logger.Println("dispatcher stopped")

		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()

		cleanupTicker := time.NewTicker(d.cleanupEvery)
		defer cleanupTicker.Stop()

		d.FlushOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.FlushOnce(ctx)
			case <-cleanupTicker.C:
				d.cleanupOnce(ctx)
			}
		}
	}()
}

// FlushOnce claims one batch and dispatches it. One row's failure never
// aborts the rest of the batch.
func (d *Dispatcher) FlushOnce(ctx context.Context) {
	events, err := d.store.ClaimBatch(ctx, d.claimant, d.cfg.BatchSize)
	if err != nil {
		d.logger.Printf("dispatcher claim failed: %v", err)
		return
	}

	for _, ev := range events {
		if err := d.dispatchOne(ctx, ev); err != nil {
			d.logger.Printf("dispatch event %s failed: %v", ev.EventID, err)
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, ev *models.OutboxEvent) error {
	metrics.ObserveOutboxLagSeconds(time.Since(ev.CreatedAt).Seconds())
	start := time.Now()

	attempts := ev.Attempts + 1

	sessionStream, globalStream := d.resolveStreams(ev)
	entry := broker.Entry{
		EventID:   ev.EventID,
		SessionID: ev.SessionID,
		Seq:       ev.ID,
		Payload:   ev.Payload,
	}

	// Either append failing is total publish failure; re-appending an
	// already-written entry on retry is harmless to at-least-once consumers.
	err := d.publish(ctx, sessionStream, globalStream, entry)
	if err != nil {
		cap := ev.MaxAttempts
		if d.cfg.RetryCap < cap {
			cap = d.cfg.RetryCap
		}
		deadLetter := attempts >= cap

		next := time.Now().Add(d.Backoff(attempts))
		if markErr := d.store.MarkFailed(ctx, ev.ID, err.Error(), attempts, next, deadLetter); markErr != nil {
			d.logger.Printf("outbox mark failed error: %v", markErr)
		}

		if deadLetter {
			metrics.IncDispatchDeadLetter()
		} else {
			metrics.IncDispatchRetry()
		}
		metrics.ObserveDispatchDuration(time.Since(start))
		return fmt.Errorf("publish: %w", err)
	}

	if markErr := d.store.MarkDelivered(ctx, ev.ID, attempts); markErr != nil {
		d.logger.Printf("outbox mark delivered failed: %v", markErr)
	}

	metrics.IncDispatchPublished()
	metrics.ObserveDispatchDuration(time.Since(start))
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, sessionStream, globalStream string, entry broker.Entry) error {
	if _, err := d.pub.Append(ctx, sessionStream, entry); err != nil {
		return fmt.Errorf("session stream: %w", err)
	}
	if _, err := d.pub.Append(ctx, globalStream, entry); err != nil {
		return fmt.Errorf("global stream: %w", err)
	}
	return nil
}

// resolveStreams returns the session and global stream keys, honoring
// per-payload overrides embedded in the envelope.
func (d *Dispatcher) resolveStreams(ev *models.OutboxEvent) (string, string) {
	sessionStream := d.cfg.StreamPrefix + ev.SessionID
	globalStream := d.cfg.GlobalStream

	var env models.EventEnvelope
	if err := json.Unmarshal(ev.Payload, &env); err == nil {
		if env.SessionStream != "" {
			sessionStream = env.SessionStream
		}
		if env.GlobalStream != "" {
			globalStream = env.GlobalStream
		}
	}
	return sessionStream, globalStream
}

// Backoff is min(backoffMax, backoffBase * 2^(n-1)) for attempt n >= 1.
func (d *Dispatcher) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^62 already exceeds any sane cap; avoid shifting past the width.
	if attempt > 32 {
		return d.cfg.BackoffMax
	}
	b := d.cfg.BackoffBase << uint(attempt-1)
	if b <= 0 || b > d.cfg.BackoffMax {
		return d.cfg.BackoffMax
	}
	return b
}

func (d *Dispatcher) cleanupOnce(ctx context.Context) {
	if d.cfg.RetentionDays <= 0 {
		return
	}
	n, err := d.store.CleanupOld(ctx, d.cfg.RetentionDays)
	if err != nil {
		d.logger.Printf("outbox cleanup failed: %v", err)
		return
	}
	if n > 0 {
		d.logger.Printf("outbox cleanup: deleted %d rows", n)
	}
}
