// Package metrics exposes Prometheus counters for stream cycles, dispatch
// outcomes, guard trips and ranking runs.
//
// All methods are safe on a nil *Metrics so components can be built
// without instrumentation in tests and one-shot CLI commands.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	dispatched    *prometheus.CounterVec
	guardTrips    *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	watermark     *prometheus.GaugeVec
	rankingPages  prometheus.Counter
	rankingRuns   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationbot_cycles_total",
			Help: "Stream poll cycles by result (noop, baseline, dispatched, guard, error).",
		}, []string{"stream", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stationbot_cycle_duration_seconds",
			Help:    "Wall time of one stream cycle including dispatch pacing.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"stream"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationbot_dispatched_total",
			Help: "Dispatched items by outcome (sent, failed).",
		}, []string{"stream", "outcome"}),
		guardTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationbot_guard_trips_total",
			Help: "Deltas discarded by the safety guard.",
		}, []string{"stream"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationbot_triggers_skipped_total",
			Help: "Triggers dropped because the job was still in flight.",
		}, []string{"job"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stationbot_watermark_advanced_timestamp_seconds",
			Help: "Unix time of the last watermark write per stream.",
		}, []string{"stream"}),
		rankingPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stationbot_ranking_pages_total",
			Help: "Timeline pages fetched by the ranking aggregator.",
		}),
		rankingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stationbot_ranking_runs_total",
			Help: "Ranking job invocations by result (posted, duplicate, error).",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.cycles, m.cycleDuration, m.dispatched, m.guardTrips, m.skipped,
		m.watermark, m.rankingPages, m.rankingRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Cycle records one completed cycle.
func (m *Metrics) Cycle(stream, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(stream, result).Inc()
	m.cycleDuration.WithLabelValues(stream).Observe(took.Seconds())
}

// Dispatched adds sent and failed item counts.
func (m *Metrics) Dispatched(stream string, sent, failed int) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(stream, "sent").Add(float64(sent))
	m.dispatched.WithLabelValues(stream, "failed").Add(float64(failed))
}

// GuardTripped counts one guard trip.
func (m *Metrics) GuardTripped(stream string) {
	if m == nil {
		return
	}
	m.guardTrips.WithLabelValues(stream).Inc()
}

// TriggerSkipped counts one single-flight skip.
func (m *Metrics) TriggerSkipped(job string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(job).Inc()
}

// WatermarkAdvanced stamps the time of a watermark write.
func (m *Metrics) WatermarkAdvanced(stream string, at time.Time) {
	if m == nil {
		return
	}
	m.watermark.WithLabelValues(stream).Set(float64(at.Unix()))
}

// RankingPage counts one fetched timeline page.
func (m *Metrics) RankingPage() {
	if m == nil {
		return
	}
	m.rankingPages.Inc()
}

// RankingRun records one ranking job invocation.
func (m *Metrics) RankingRun(result string) {
	if m == nil {
		return
	}
	m.rankingRuns.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve listens on addr and serves /metrics until ctx is done. An empty
// addr disables the endpoint.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *log.Logger) {
	if m == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Printf("serving /metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server: %v", err)
		}
	}()
}
