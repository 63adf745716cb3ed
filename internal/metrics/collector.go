package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes disk recovery metrics
type Collector struct {
	registry        *prometheus.Registry
	recordsTotal    *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	inflightWorkers prometheus.Gauge
	downloadSeconds prometheus.Histogram
}

// Record outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeMissing = "missing"
	OutcomeSkipped = "skipped"
)

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recovery_records_total",
				Help: "Total number of binlog records replayed",
			},
			[]string{"outcome"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recovery_bytes_total",
				Help: "Total bytes downloaded from source peers",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recovery_inflight_workers",
				Help: "Number of recovery workers currently alive",
			},
		),
		downloadSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recovery_download_duration_seconds",
				Help:    "Time taken to download one file from the source peer",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	c.registry.MustRegister(c.recordsTotal)
	c.registry.MustRegister(c.bytesTotal)
	c.registry.MustRegister(c.inflightWorkers)
	c.registry.MustRegister(c.downloadSeconds)

	return c
}

// IncRecord counts one replayed record by outcome
func (c *Collector) IncRecord(outcome string) {
	c.recordsTotal.WithLabelValues(outcome).Inc()
}

// AddBytes adds to total bytes downloaded
func (c *Collector) AddBytes(bytes int64) {
	c.bytesTotal.Add(float64(bytes))
}

// WorkerStarted increments the inflight worker gauge
func (c *Collector) WorkerStarted() {
	c.inflightWorkers.Inc()
}

// WorkerExited decrements the inflight worker gauge
func (c *Collector) WorkerExited() {
	c.inflightWorkers.Dec()
}

// ObserveDownload observes one file download duration
func (c *Collector) ObserveDownload(duration time.Duration) {
	c.downloadSeconds.Observe(duration.Seconds())
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
