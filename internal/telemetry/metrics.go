package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "beaker_jobs_submitted_total", Help: "Jobs accepted by the submission pipeline"})
	RecipesSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "beaker_recipes_submitted_total", Help: "Recipes, guests included, in accepted jobs"})
	SubmitFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "beaker_submit_failures_total", Help: "Job submissions rejected"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "beaker_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "beaker_jobs_cancelled_total", Help: "Jobs stopped by cancel or abort"})
	JobsPurged       = prometheus.NewCounter(prometheus.CounterOpts{Name: "beaker_jobs_purged_total", Help: "Deleted jobs whose artifacts were purged"})
	PurgeFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "beaker_purge_failures_total", Help: "Purge attempts that failed and will retry"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "beaker_recipeset_queue_depth", Help: "Recipe sets waiting for the scheduler across priorities"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RecipesSubmitted,
			SubmitFailures,
			RateLimitRejects,
			JobsCancelled,
			JobsPurged,
			PurgeFailures,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
