package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"event_delivery/internal/config"
	"event_delivery/internal/repository"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Operator tool: re-dispatch one dead-lettered event. Safe to re-run,
// since the same (event-id, token) pair updates zero rows the second time.
func main() {
	eventID := flag.String("event-id", "", "event_id of the dead-lettered row to replay")
	token := flag.String("token", "", "replay token (default: random; pass the same token to make retries idempotent)")
	flag.Parse()

	if *eventID == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -event-id <id> [-token <token>]")
		os.Exit(2)
	}
	if *token == "" {
		*token = uuid.NewString()
	}

	_ = godotenv.Load()
	cfg := config.Load()

	pool, err := repository.NewPool(cfg.DBDSN, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		log.Fatal("db:", err)
	}
	defer pool.Close()

	repo := repository.NewOutboxRepository(pool, cfg.MaxAttempts, cfg.RetryCapMax, cfg.ClaimLeaseTTL)

	n, err := repo.Replay(context.Background(), *eventID, *token)
	if err != nil {
		log.Fatal("replay:", err)
	}

	switch n {
	case 0:
		fmt.Printf("no rows updated (already replayed with this token, or %s is not dead-lettered)\n", *eventID)
	default:
		fmt.Printf("replayed %s (token %s), %d row(s) reset to pending\n", *eventID, *token, n)
	}
}
