// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: metrics.go — Prometheus collectors for producers and queries
//
// Purpose:
//   - Counts records pushed per buffer and PTU decode progress.
//   - Times every query engine operation.
//   - Serves /metrics for long-running producers (cli ingest).
// ─────────────────────────────────────────────────────────────────────────────

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ==============================================================================
// Collectors
// ==============================================================================

var (
	// RecordsPushed counts records appended to each buffer by this process.
	RecordsPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagring",
		Name:      "records_pushed_total",
		Help:      "Records pushed into a buffer by this process",
	}, []string{"buffer"})

	// PTUWords counts raw 32-bit words consumed from PTU files.
	PTUWords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagring",
		Subsystem: "ptu",
		Name:      "words_total",
		Help:      "Raw PTU record words consumed",
	})

	// PTUOverflows counts wraparound markers seen while decoding.
	PTUOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagring",
		Subsystem: "ptu",
		Name:      "overflows_total",
		Help:      "Wraparound overflow markers decoded",
	})

	// QueryDuration tracks query engine latency by operation.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tagring",
		Name:      "query_duration_seconds",
		Help:      "Query engine operation duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 0.1ms to ~26s
	}, []string{"query"})

	// Coincidences counts coincidence groups found by pattern size.
	Coincidences = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagring",
		Name:      "coincidences_total",
		Help:      "Coincidence groups found by the query engine",
	}, []string{"pattern_size"})
)

// ObserveSince records the time elapsed since start for query.
//
//	defer metrics.ObserveSince("singles", time.Now())
func ObserveSince(query string, start time.Time) {
	QueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}

// ==============================================================================
// Exposition
// ==============================================================================

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
