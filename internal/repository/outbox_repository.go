package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"event_delivery/internal/models"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
	StatusConsumed   = "consumed"
)

const maxErrorLen = 512

type OutboxRepository struct {
	db          *pgxpool.Pool
	sb          sq.StatementBuilderType
	maxAttempts int
	retryCap    int
	leaseTTL    time.Duration
}

// NewOutboxRepository wires the outbox table. maxAttempts is the default
// per-row budget when the producer does not set one; retryCap is the global
// ceiling over per-row max_attempts: a row is claimable only while
// attempts < LEAST(max_attempts, retryCap). leaseTTL bounds how long a
// processing claim stays exclusive: past it the row is claimable again, so
// a claimant that dies mid-batch cannot strand its rows.
func NewOutboxRepository(db *pgxpool.Pool, maxAttempts, retryCap int, leaseTTL time.Duration) *OutboxRepository {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if retryCap <= 0 {
		retryCap = 25
	}
	if leaseTTL <= 0 {
		leaseTTL = 60 * time.Second
	}
	return &OutboxRepository{
		db:          db,
		sb:          sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		maxAttempts: maxAttempts,
		retryCap:    retryCap,
		leaseTTL:    leaseTTL,
	}
}

// Insert saves a new delivery row. Re-inserting an event_id that already
// exists is a silent no-op, so producer retries are idempotent.
func (r *OutboxRepository) Insert(ctx context.Context, ev *models.OutboxEvent) error {
	if ev == nil {
		return fmt.Errorf("outbox event is nil")
	}
	if ev.EventID == "" {
		return fmt.Errorf("event_id is empty")
	}
	if ev.SessionID == "" {
		return fmt.Errorf("session_id is empty")
	}
	if len(ev.Payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	if !json.Valid(ev.Payload) {
		return fmt.Errorf("payload is not valid json")
	}
	if ev.Channel == "" {
		ev.Channel = models.DefaultChannel
	}
	if ev.MaxAttempts <= 0 {
		ev.MaxAttempts = r.maxAttempts
	}

	q := r.sb.
		Insert("outbox_events").
		Columns("event_id", "session_id", "channel", "payload", "status", "max_attempts").
		Values(ev.EventID, ev.SessionID, ev.Channel, ev.Payload, StatusPending, ev.MaxAttempts).
		Suffix("ON CONFLICT (event_id) DO NOTHING RETURNING id, created_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}

	err = r.db.QueryRow(ctx, sqlStr, args...).Scan(&ev.ID, &ev.CreatedAt)
	if err == pgx.ErrNoRows {
		// Conflict: the event_id is already stored, nothing to do.
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	ev.Status = StatusPending
	ev.Attempts = 0
	return nil
}

// ClaimBatch atomically claims up to limit ready rows for the given claimant
// and moves them to processing. Rows locked by a concurrent claimant are
// skipped (FOR UPDATE SKIP LOCKED), so N dispatchers never double-process.
// A processing row whose lease expired (locked_at older than leaseTTL) is
// treated as abandoned and claimed again: the previous claimant crashed or
// was cancelled before it could mark the row.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, claimant string, limit int) ([]*models.OutboxEvent, error) {
	if claimant == "" {
		return nil, fmt.Errorf("claimant is empty")
	}
	if limit <= 0 {
		limit = 100
	}

	const sqlStr = `
UPDATE outbox_events SET
    status = $1,
    locked_by = $2,
    locked_at = NOW(),
    updated_at = NOW()
WHERE id IN (
    SELECT id FROM outbox_events
    WHERE (
        (status IN ($3, $4) AND next_retry_at <= NOW())
        OR (status = $5 AND locked_at < NOW() - make_interval(secs => $6))
    )
      AND attempts < LEAST(max_attempts, $7)
    ORDER BY created_at ASC, id ASC
    LIMIT $8
    FOR UPDATE SKIP LOCKED
)
RETURNING id, event_id, session_id, channel, payload, status, attempts,
          max_attempts, last_error, next_retry_at, created_at`

	rows, err := r.db.Query(ctx, sqlStr,
		StatusProcessing, claimant, StatusPending, StatusFailed,
		StatusProcessing, r.leaseTTL.Seconds(), r.retryCap, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	res := make([]*models.OutboxEvent, 0, limit)
	for rows.Next() {
		var (
			ev        models.OutboxEvent
			payload   []byte
			lastError pgtype.Text
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.EventID,
			&ev.SessionID,
			&ev.Channel,
			&payload,
			&ev.Status,
			&ev.Attempts,
			&ev.MaxAttempts,
			&lastError,
			&ev.NextRetryAt,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		ev.Payload = payload
		if lastError.Valid {
			s := lastError.String
			ev.LastError = &s
		}
		res = append(res, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	return res, nil
}

// MarkDelivered records a successful publish. A row already marked consumed
// by the consumer side stays consumed; delivered never downgrades it.
func (r *OutboxRepository) MarkDelivered(ctx context.Context, id int64, attempts int) error {
	if id <= 0 {
		return fmt.Errorf("invalid id")
	}

	q := r.sb.
		Update("outbox_events").
		Set("status", sq.Expr(
			"CASE WHEN status = ? THEN ? ELSE ? END",
			StatusConsumed, StatusConsumed, StatusDelivered,
		)).
		Set("attempts", attempts).
		Set("last_error", nil).
		Set("locked_by", nil).
		Set("locked_at", nil).
		Set("delivered_at", sq.Expr("NOW()")).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build outbox mark delivered: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark outbox delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failed publish. When deadLetter is true the row goes
// terminal; otherwise it is scheduled for re-claim at nextRetryAt.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, errMsg string, attempts int, nextRetryAt time.Time, deadLetter bool) error {
	if id <= 0 {
		return fmt.Errorf("invalid id")
	}
	if errMsg == "" {
		errMsg = "unknown error"
	}
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}

	status := StatusFailed
	if deadLetter {
		status = StatusDeadLetter
	}

	q := r.sb.
		Update("outbox_events").
		Set("status", status).
		Set("attempts", attempts).
		Set("last_error", errMsg).
		Set("next_retry_at", nextRetryAt).
		Set("locked_by", nil).
		Set("locked_at", nil).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build outbox mark failed: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConsumed finalizes a row after the consumer group has seen it on the
// global stream. A dead-lettered row is left alone (the operator owns it),
// and a missing row is not an error: the caller must ack the stream entry
// either way. Returns whether a row was actually updated.
func (r *OutboxRepository) MarkConsumed(ctx context.Context, eventID, consumer string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("eventID is empty")
	}

	q := r.sb.
		Update("outbox_events").
		Set("status", StatusConsumed).
		Set("consumed_at", sq.Expr("NOW()")).
		Set("consumed_by", consumer).
		Set("locked_by", nil).
		Set("locked_at", nil).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"event_id": eventID}).
		Where(sq.NotEq{"status": StatusDeadLetter})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build outbox mark consumed: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("mark outbox consumed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Replay resets one dead-lettered row back to pending, at most once per
// (eventID, token) pair. The marker insert hits a unique constraint on the
// second call, so repeating a replay reports zero rows updated.
func (r *OutboxRepository) Replay(ctx context.Context, eventID, token string) (int64, error) {
	if eventID == "" {
		return 0, fmt.Errorf("eventID is empty")
	}
	if token == "" {
		return 0, fmt.Errorf("replay token is empty")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin replay tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	marker := r.sb.
		Insert("outbox_replays").
		Columns("event_id", "replay_token").
		Values(eventID, token).
		Suffix("ON CONFLICT (event_id, replay_token) DO NOTHING")

	sqlStr, args, err := marker.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build replay marker insert: %w", err)
	}
	tag, err := tx.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert replay marker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Token already used; idempotent repeat.
		return 0, nil
	}

	reset := r.sb.
		Update("outbox_events").
		Set("status", StatusPending).
		Set("attempts", 0).
		Set("last_error", nil).
		Set("next_retry_at", sq.Expr("NOW()")).
		Set("locked_by", nil).
		Set("locked_at", nil).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"event_id": eventID}).
		Where(sq.Eq{"status": StatusDeadLetter})

	sqlStr, args, err = reset.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build replay reset: %w", err)
	}
	tag, err = tx.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("reset dead letter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit replay tx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountBacklog returns the number of rows still waiting for a successful
// publish (pending + failed). Surfaced as a gauge.
func (r *OutboxRepository) CountBacklog(ctx context.Context) (int64, error) {
	q := r.sb.
		Select("COUNT(*)").
		From("outbox_events").
		Where(sq.Eq{"status": []string{StatusPending, StatusFailed}})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build backlog count: %w", err)
	}

	var n int64
	if err := r.db.QueryRow(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}
	return n, nil
}

// CleanupOld deletes fully consumed/delivered rows older than retentionDays.
func (r *OutboxRepository) CleanupOld(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	q := r.sb.
		Delete("outbox_events").
		Where(sq.Eq{"status": []string{StatusDelivered, StatusConsumed}}).
		Where(sq.Expr("created_at < NOW() - (? * INTERVAL '1 day')", retentionDays))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox cleanup: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
