package metrics

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// StartStreamDepthCollector samples XLEN of the given streams.
func StartStreamDepthCollector(ctx context.Context, client *redis.Client, streams []string, interval time.Duration, logger *log.Logger) {
	if client == nil || len(streams) == 0 {
		return
	}
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		update := func() {
			for _, s := range streams {
				n, err := client.XLen(ctx, s).Result()
				if err != nil {
					continue
				}
				SetStreamDepth(s, n)
			}
		}

		update()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				update()
			}
		}
	}()
}
