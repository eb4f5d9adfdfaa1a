// Package purge removes the archived artifacts of jobs marked for deletion
// and stamps them deleted.
package purge

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/shawnpdoherty/beaker/internal/config"
	"github.com/shawnpdoherty/beaker/internal/logstore"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/store"
	"github.com/shawnpdoherty/beaker/internal/telemetry"
)

// LeaseReclaimer is the part of the recipe-set queue the worker maintains
// between purge passes.
type LeaseReclaimer interface {
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]int64, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Worker drives the purge loop.
type Worker struct {
	cfg   config.Config
	store store.Store
	logs  logstore.Store
	queue LeaseReclaimer
	log   logr.Logger
	now   func() time.Time

	mu       sync.Mutex
	attempts map[int64]int
	nextTry  map[int64]time.Time
}

// NewWorker builds a purge worker. q may be nil when no queue is attached.
func NewWorker(cfg config.Config, st store.Store, logs logstore.Store, q LeaseReclaimer, log logr.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		store:    st,
		logs:     logs,
		queue:    q,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		attempts: make(map[int64]int),
		nextTry:  make(map[int64]time.Time),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.cfg.PurgePollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.maintainQueue(ctx)
		if n, err := w.RunOnce(ctx); err != nil {
			w.log.Error(err, "purge pass failed")
		} else if n > 0 {
			w.log.Info("purged jobs", "count", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) maintainQueue(ctx context.Context) {
	if w.queue == nil {
		return
	}
	if reclaimed, err := w.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
		w.log.Error(err, "reclaim expired recipe set leases")
	} else if len(reclaimed) > 0 {
		w.log.Info("requeued expired recipe sets", "count", len(reclaimed))
	}
	if depth, err := w.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// RunOnce purges one batch and returns how many jobs were stamped deleted.
// Jobs whose artifacts could not be removed are retried on a later pass,
// after a jittered backoff.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.candidates(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, job := range jobs {
		if err := w.logs.DeletePrefix(ctx, logstore.JobPrefix(job.ID)); err != nil {
			w.fail(job.ID, err)
			continue
		}
		if err := w.markPurged(ctx, job.ID); err != nil {
			w.fail(job.ID, err)
			continue
		}
		w.forget(job.ID)
		telemetry.JobsPurged.Inc()
		purged++
	}
	return purged, nil
}

func (w *Worker) candidates(ctx context.Context) ([]models.Job, error) {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	return tx.JobsToPurge(ctx, w.cfg.PurgeBatchSize, w.backingOff())
}

func (w *Worker) markPurged(ctx context.Context, id int64) error {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.MarkJobPurged(ctx, id, w.now()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// backingOff lists the jobs whose retry time has not come yet, so they do
// not take up room in the next batch.
func (w *Worker) backingOff() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	var ids []int64
	for id, next := range w.nextTry {
		if now.Before(next) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (w *Worker) fail(id int64, err error) {
	w.mu.Lock()
	w.attempts[id]++
	attempts := w.attempts[id]
	backoff := backoffWithJitter(w.cfg.BackoffInitial, w.cfg.BackoffMax, attempts)
	w.nextTry[id] = w.now().Add(backoff)
	w.mu.Unlock()

	telemetry.PurgeFailures.Inc()
	w.log.Error(err, "purge failed", "job", models.FormatTaskID(models.KindJob, id), "attempts", attempts, "retry_in", backoff)
}

func (w *Worker) forget(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, id)
	delete(w.nextTry, id)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	if max <= 0 {
		max = time.Hour
	}
	wait := max
	if attempt <= 30 {
		if exp := float64(base) * math.Pow(2, float64(attempt-1)); exp < float64(max) {
			wait = time.Duration(exp)
		}
	}
	if wait <= 0 {
		wait = base
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
