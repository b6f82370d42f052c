package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"event_delivery/internal/broker"
	"event_delivery/internal/config"
	"event_delivery/internal/handlers"
	"event_delivery/internal/metrics"
	"event_delivery/internal/repository"
	"event_delivery/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = godotenv.Load()

	// ---------- config ----------
	cfg := config.Load()

	// ---------- metrics ----------
	metrics.Register()

	// ---------- db ----------
	pool, err := repository.NewPool(cfg.DBDSN, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		log.Fatal("db:", err)
	}
	defer pool.Close()

	// ---------- repositories ----------
	outboxRepo := repository.NewOutboxRepository(pool, cfg.MaxAttempts, cfg.RetryCapMax, cfg.ClaimLeaseTTL)
	timelineRepo := repository.NewTimelineRepository(pool)

	// ---------- broker ----------
	stream := broker.NewStream(cfg.RedisAddr, "", cfg.RedisDB)
	defer stream.Close()
	if err := stream.Ping(ctx); err != nil {
		log.Fatal("redis:", err)
	}

	// ---------- workers ----------
	dispatcher := service.NewDispatcher(outboxRepo, stream, service.DispatcherConfig{
		PollInterval:  cfg.DispatchInterval,
		BatchSize:     cfg.DispatchBatchSize,
		StreamPrefix:  cfg.StreamPrefix,
		GlobalStream:  cfg.GlobalStream,
		BackoffBase:   cfg.BackoffBase,
		BackoffMax:    cfg.BackoffMax,
		RetryCap:      cfg.RetryCapMax,
		RetentionDays: cfg.RetentionDays,
	}, nil)
	dispatcher.Start(ctx)

	consumer := service.NewConsumer(stream, outboxRepo, service.ConsumerConfig{
		GlobalStream: cfg.GlobalStream,
		Group:        cfg.ConsumerGroup,
		BatchSize:    cfg.ConsumeBatchSize,
		Block:        cfg.ConsumeBlock,
	}, nil)
	consumer.Start(ctx)

	// ---------- collectors ----------
	metrics.StartDBCollector(ctx, pool, 10*time.Second, nil)
	metrics.StartStreamDepthCollector(ctx, stream.Client(), []string{cfg.GlobalStream}, 30*time.Second, nil)

	// ---------- handlers ----------
	h := handlers.NewTimelineHandler(timelineRepo, stream, cfg.StreamPrefix)

	// ---------- router ----------
	r := chi.NewRouter()
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	handlers.RegisterTimelineRoutes(r, h)

	// ---------- start server ----------
	addr := ":" + cfg.HTTPPort
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Println("server starting on", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// ---------- shutdown ----------
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("shutting down")
	cancel() // workers finish their in-flight batch and exit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Println("server shutdown:", err)
	}
}
