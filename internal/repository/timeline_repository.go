package repository

import (
	"context"
	"fmt"

	"event_delivery/internal/models"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TimelineRepository serves the poll surface: cursor reads over the durable
// outbox rather than the broker, so polling keeps working through a broker
// outage (which is exactly when clients fall back to it).
type TimelineRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewTimelineRepository(db *pgxpool.Pool) *TimelineRepository {
	return &TimelineRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// EventsSince returns session events with seq (outbox id) strictly greater
// than cursor, oldest first, plus the next cursor. Only rows that reached
// the broker at least once (delivered/consumed) are visible.
func (r *TimelineRepository) EventsSince(ctx context.Context, sessionID string, cursor int64, limit int) ([]models.TimelineEvent, int64, error) {
	if sessionID == "" {
		return nil, cursor, fmt.Errorf("sessionID is empty")
	}
	if limit <= 0 {
		limit = 100
	}
	if cursor < 0 {
		cursor = 0
	}

	q := r.sb.
		Select("id", "event_id", "session_id", "channel", "payload", "created_at").
		From("outbox_events").
		Where(sq.Eq{"session_id": sessionID}).
		Where(sq.Gt{"id": cursor}).
		Where(sq.Eq{"status": []string{StatusDelivered, StatusConsumed}}).
		OrderBy("id ASC").
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, cursor, fmt.Errorf("build timeline select: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, cursor, fmt.Errorf("query timeline events: %w", err)
	}
	defer rows.Close()

	res := make([]models.TimelineEvent, 0, limit)
	next := cursor
	for rows.Next() {
		var (
			ev      models.TimelineEvent
			payload []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.SessionID, &ev.Channel, &payload, &ev.CreatedAt); err != nil {
			return nil, cursor, fmt.Errorf("scan timeline row: %w", err)
		}
		ev.Payload = payload
		if ev.Seq > next {
			next = ev.Seq
		}
		res = append(res, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("iterate timeline rows: %w", err)
	}

	return res, next, nil
}
