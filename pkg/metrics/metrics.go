// Package metrics counts what the orchestrator does with each request and
// exports the counters to Prometheus.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pario-ai/genrelay/pkg/models"
)

// Recorder holds the orchestration counters. The zero value is ready to use.
type Recorder struct {
	totalRequests   atomic.Int64
	cacheHits       atomic.Int64
	dedupedRequests atomic.Int64
	batchedRequests atomic.Int64
	apiCalls        atomic.Int64
	offlineQueued   atomic.Int64
	retries         atomic.Int64
	failures        atomic.Int64

	latency *prometheus.HistogramVec
}

// New returns a Recorder with an upstream latency histogram.
func New() *Recorder {
	return &Recorder{
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "genrelay",
				Name:      "upstream_call_duration_seconds",
				Help:      "Duration of outbound generation calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model", "outcome"},
		),
	}
}

func (r *Recorder) Request()        { r.totalRequests.Add(1) }
func (r *Recorder) CacheHit()       { r.cacheHits.Add(1) }
func (r *Recorder) Deduped()        { r.dedupedRequests.Add(1) }
func (r *Recorder) OfflineQueued()  { r.offlineQueued.Add(1) }
func (r *Recorder) Retry()          { r.retries.Add(1) }
func (r *Recorder) Failure()        { r.failures.Add(1) }
func (r *Recorder) Batched(n int64) { r.batchedRequests.Add(n) }

// APICall records one outbound attempt.
func (r *Recorder) APICall(model, outcome string, d time.Duration) {
	r.apiCalls.Add(1)
	if r.latency != nil {
		r.latency.WithLabelValues(model, outcome).Observe(d.Seconds())
	}
}

// Snapshot returns the counters with derived ratios.
func (r *Recorder) Snapshot() models.MetricsSnapshot {
	s := models.MetricsSnapshot{
		TotalRequests:   r.totalRequests.Load(),
		CacheHits:       r.cacheHits.Load(),
		DedupedRequests: r.dedupedRequests.Load(),
		BatchedRequests: r.batchedRequests.Load(),
		APICalls:        r.apiCalls.Load(),
		OfflineQueued:   r.offlineQueued.Load(),
		Retries:         r.retries.Load(),
		Failures:        r.failures.Load(),
	}
	if s.TotalRequests > 0 {
		total := float64(s.TotalRequests)
		s.CacheHitRatio = float64(s.CacheHits) / total
		s.DedupRatio = float64(s.DedupedRequests) / total
		s.Efficiency = 1 - float64(s.APICalls)/total
	}
	return s
}

var (
	descRequests = prometheus.NewDesc("genrelay_requests_total", "Generate calls received", nil, nil)
	descEvents   = prometheus.NewDesc("genrelay_request_events_total",
		"Requests by how they were served", []string{"event"}, nil)
	descAPICalls   = prometheus.NewDesc("genrelay_api_calls_total", "Outbound generation attempts", nil, nil)
	descEfficiency = prometheus.NewDesc("genrelay_efficiency_ratio",
		"Share of requests answered without an outbound call", nil, nil)
)

// Describe implements prometheus.Collector.
func (r *Recorder) Describe(ch chan<- *prometheus.Desc) {
	ch <- descRequests
	ch <- descEvents
	ch <- descAPICalls
	ch <- descEfficiency
	if r.latency != nil {
		r.latency.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (r *Recorder) Collect(ch chan<- prometheus.Metric) {
	s := r.Snapshot()
	ch <- prometheus.MustNewConstMetric(descRequests, prometheus.CounterValue, float64(s.TotalRequests))
	for event, v := range map[string]int64{
		"cache_hit":      s.CacheHits,
		"deduped":        s.DedupedRequests,
		"batched":        s.BatchedRequests,
		"offline_queued": s.OfflineQueued,
		"retry":          s.Retries,
		"failure":        s.Failures,
	} {
		ch <- prometheus.MustNewConstMetric(descEvents, prometheus.CounterValue, float64(v), event)
	}
	ch <- prometheus.MustNewConstMetric(descAPICalls, prometheus.CounterValue, float64(s.APICalls))
	ch <- prometheus.MustNewConstMetric(descEfficiency, prometheus.GaugeValue, s.Efficiency)
	if r.latency != nil {
		r.latency.Collect(ch)
	}
}

var _ prometheus.Collector = (*Recorder)(nil)
