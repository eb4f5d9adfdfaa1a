package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shawnpdoherty/beaker/internal/access"
	"github.com/shawnpdoherty/beaker/internal/api"
	"github.com/shawnpdoherty/beaker/internal/config"
	"github.com/shawnpdoherty/beaker/internal/jobs"
	"github.com/shawnpdoherty/beaker/internal/logging"
	"github.com/shawnpdoherty/beaker/internal/logstore"
	"github.com/shawnpdoherty/beaker/internal/queue"
	"github.com/shawnpdoherty/beaker/internal/ratelimit"
	"github.com/shawnpdoherty/beaker/internal/requires"
	"github.com/shawnpdoherty/beaker/internal/reservation"
	"github.com/shawnpdoherty/beaker/internal/store"
)

func main() {
	cfg := config.Load()
	log, flush, err := logging.New(cfg.Env, "api")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flush()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Error(err, "open store", "backend", cfg.StoreBackend)
		os.Exit(1)
	}
	defer st.Close()

	client := queue.NewClient(cfg)
	defer client.Close()
	q := queue.NewRecipeSetQueue(client, cfg.QueuePrefix, cfg.QueueVisibility)
	limiter := ratelimit.New(client, ratelimit.Options{
		Prefix:          cfg.QueuePrefix,
		Capacity:        cfg.RateLimitCapacity,
		RefillPerSecond: cfg.RateLimitRefill,
		IdleTTL:         time.Hour,
	})

	logs, err := logstore.New(ctx, cfg)
	if err != nil {
		log.Error(err, "init log store")
		os.Exit(1)
	}
	eval, err := requires.NewEvaluator()
	if err != nil {
		log.Error(err, "init requirement evaluator")
		os.Exit(1)
	}

	server := api.New(st,
		jobs.NewService(st, eval, q, logs, log.WithName("jobs")),
		access.NewService(st, log.WithName("systems")),
		reservation.NewTracker(st, log.WithName("reservations")),
		limiter,
		log,
	)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "listen")
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "shutdown")
	}
}
