package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/payflow/internal/api"
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/lock"
	"github.com/punchamoorthee/payflow/internal/middleware"
	"github.com/punchamoorthee/payflow/internal/ratelimit"
	"github.com/punchamoorthee/payflow/internal/service"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/webhook"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	paymentStore, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer paymentStore.Close()

	// The coordination client is constructed here and injected; its lifecycle
	// belongs to the process entry point.
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Unable to connect to redis: %v", err)
	}

	// Initialize Layers
	locker := service.NewRedisLocker(lock.NewCoordinator(redisClient))
	payments := service.NewPaymentService(paymentStore, locker, cfg.LockTTL, cfg.LockAcquireTimeout, logger)
	processor := webhook.NewProcessor(payments, cfg.WebhookSecret, cfg.RetryMaxAttempts, cfg.RetryBaseDelay, logger)
	limiter := ratelimit.NewLimiter(redisClient, logger)
	handler := api.NewHandler(payments, paymentStore, processor, limiter, api.Limits{
		Client:  cfg.RateLimitClient,
		Webhook: cfg.RateLimitWebhook,
		Window:  cfg.RateWindow,
	})

	// Stuck-attempt sweep: flags, never retries.
	reconciler := service.NewReconciler(paymentStore, cfg.StuckThreshold, cfg.StuckThreshold/2, logger)
	reconCtx, stopRecon := context.WithCancel(context.Background())
	defer stopRecon()
	go reconciler.Run(reconCtx)

	// Router
	r := mux.NewRouter()
	r.Use(middleware.NewStructuredLogger(logger))
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	handler.Routes(r)

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
