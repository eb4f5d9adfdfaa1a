package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shawnpdoherty/beaker/internal/config"
	"github.com/shawnpdoherty/beaker/internal/logging"
	"github.com/shawnpdoherty/beaker/internal/logstore"
	"github.com/shawnpdoherty/beaker/internal/purge"
	"github.com/shawnpdoherty/beaker/internal/queue"
	"github.com/shawnpdoherty/beaker/internal/store"
	"github.com/shawnpdoherty/beaker/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log, flush, err := logging.New(cfg.Env, "purge")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Error(err, "open store", "backend", cfg.StoreBackend)
		os.Exit(1)
	}
	defer st.Close()

	logs, err := logstore.New(ctx, cfg)
	if err != nil {
		log.Error(err, "init log store")
		os.Exit(1)
	}

	client := queue.NewClient(cfg)
	defer client.Close()
	q := queue.NewRecipeSetQueue(client, cfg.QueuePrefix, cfg.QueueVisibility)

	workerID := cfg.WorkerID
	if workerID == "" {
		if host, _ := os.Hostname(); host != "" {
			workerID = host
		} else {
			workerID = fmt.Sprintf("purge-%d", os.Getpid())
		}
	}
	log = log.WithValues("worker", workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error(err, "metrics server stopped")
		}
	}()

	log.Info("purge worker started", "interval", cfg.PurgePollInterval, "batch", cfg.PurgeBatchSize, "backoff_initial", cfg.BackoffInitial)
	if err := purge.NewWorker(cfg, st, logs, q, log).Run(ctx); err != nil && ctx.Err() == nil {
		log.Error(err, "purge worker stopped")
	}
}
