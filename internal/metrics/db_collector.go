package metrics

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StartDBCollector periodically refreshes the outbox gauges: row counts by
// status and the backlog (pending+failed). A growing backlog is the signal
// the pipeline surfaces instead of queuing unboundedly in-process.
func StartDBCollector(ctx context.Context, db *pgxpool.Pool, interval time.Duration, logger *log.Logger) {
	if db == nil {
		return
	}
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		updateOutboxGauges(ctx, db, logger)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				updateOutboxGauges(ctx, db, logger)
			}
		}
	}()
}

func updateOutboxGauges(ctx context.Context, db *pgxpool.Pool, logger *log.Logger) {
	rows, err := db.Query(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		// Table not created yet: skip this round.
		return
	}
	defer rows.Close()

	var backlog int64
	for rows.Next() {
		var status string
		var cnt int64
		if err := rows.Scan(&status, &cnt); err != nil {
			logger.Printf("metrics db scan outbox: %v", err)
			continue
		}
		SetOutboxStatusCount(status, cnt)
		if status == "pending" || status == "failed" {
			backlog += cnt
		}
	}
	SetOutboxBacklog(backlog)
}
