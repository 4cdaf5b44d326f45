// Package metrics exposes the archiver's Prometheus counters and the
// optional /metrics listener.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ritual-archive/ritual/shared/logger"
)

var (
	LoopsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ritual_loops_total",
			Help: "Completed scrape loops",
		},
	)

	LoopDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ritual_loop_duration_seconds",
			Help:    "Wall time of one full scrape loop",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	BoardDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ritual_board_duration_seconds",
			Help:    "Wall time spent on one board within a loop",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"board"},
	)

	ThreadsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ritual_threads_queued_total",
			Help: "Threads selected by the catalog filter",
		},
		[]string{"board"},
	)

	CatalogUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ritual_catalog_updates_total",
			Help: "Threads updated from last_replies without a thread fetch",
		},
		[]string{"board"},
	)

	FullFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ritual_full_fetches_total",
			Help: "Threads fetched in full",
		},
		[]string{"board"},
	)

	ThreadsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ritual_threads_classified_total",
			Help: "Missing threads by classifier verdict",
		},
		[]string{"board", "verdict"},
	)

	MediaDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ritual_media_downloads_total",
			Help: "Media download attempts by outcome",
		},
		[]string{"board", "outcome"},
	)

	FatalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ritual_fatal_errors_total",
			Help: "Loop iterations aborted by an error",
		},
	)
)

// Serve starts the metrics listener. An empty addr disables it.
func Serve(addr string) {
	if addr == "" {
		return
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("metrics listener failed", "error", err)
		}
	}()
}
