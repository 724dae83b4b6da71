// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/stats"
)

// Collector collects pipeline metrics
type Collector struct {
	records   *prometheus.CounterVec
	pages     *prometheus.CounterVec
	routed    *prometheus.CounterVec
	retries   *prometheus.CounterVec
	hardStops *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	status    *prometheus.GaugeVec
	depth     *prometheus.GaugeVec
	conns     *prometheus.GaugeVec
}

// New creates a collector and registers it with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataflows_records_total",
				Help: "Records handled by the page and retry stages",
			},
			[]string{"pipeline", "outcome"}, // success, failed, duplicate
		),
		pages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataflows_pages_total",
				Help: "Partitions processed",
			},
			[]string{"pipeline"},
		),
		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataflows_dlq_routed_total",
				Help: "Failures routed through the dead-letter stage",
			},
			[]string{"pipeline", "stage"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataflows_retries_total",
				Help: "Retry attempts",
			},
			[]string{"pipeline", "outcome"},
		),
		hardStops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataflows_hard_stops_total",
				Help: "Entities moved to the hard-stop channel",
			},
			[]string{"pipeline"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dataflows_stage_duration_seconds",
				Help:    "Time taken to handle one message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline", "stage"},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataflows_run_status",
				Help: "1 for the current status of each run, 0 otherwise",
			},
			[]string{"pipeline", "status"},
		),
		depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataflows_channel_depth",
				Help: "Messages waiting per channel",
			},
			[]string{"channel"},
		),
		conns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataflows_db_connections",
				Help: "Database pool connections by state",
			},
			[]string{"pool", "state"}, // active, idle, max
		),
	}

	reg.MustRegister(c.records, c.pages, c.routed, c.retries, c.hardStops, c.duration, c.status, c.depth, c.conns)
	return c
}

// RecordsProcessed counts records by outcome.
func (c *Collector) RecordsProcessed(pipeline, outcome string, n int) {
	if n > 0 {
		c.records.WithLabelValues(pipeline, outcome).Add(float64(n))
	}
}

// PageProcessed counts one committed partition.
func (c *Collector) PageProcessed(pipeline string) {
	c.pages.WithLabelValues(pipeline).Inc()
}

// Routed counts a failure passing the dead-letter stage.
func (c *Collector) Routed(pipeline, stage string) {
	c.routed.WithLabelValues(pipeline, stage).Inc()
}

// RetryAttempted counts one retry by outcome (success or failed).
func (c *Collector) RetryAttempted(pipeline, outcome string) {
	c.retries.WithLabelValues(pipeline, outcome).Inc()
}

// HardStopped counts one entity sent to hard-stop.
func (c *Collector) HardStopped(pipeline string) {
	c.hardStops.WithLabelValues(pipeline).Inc()
}

// ObserveStage records how long a stage spent on one message.
func (c *Collector) ObserveStage(pipeline, stage string, d time.Duration) {
	c.duration.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}

var statuses = []string{"NOT_STARTED", "IN_PROGRESS", "COMPLETED", "FAILED"}

// SetStatus flags the current status of a run.
func (c *Collector) SetStatus(pipeline, status string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.status.WithLabelValues(pipeline, s).Set(v)
	}
}

// SetDepth records the number of waiting messages on a channel.
func (c *Collector) SetDepth(channel string, n int64) {
	c.depth.WithLabelValues(channel).Set(float64(n))
}

// SetPool records a connection pool snapshot.
func (c *Collector) SetPool(s stats.PoolStats) {
	c.conns.WithLabelValues(s.Name, "active").Set(float64(s.ActiveConns))
	c.conns.WithLabelValues(s.Name, "idle").Set(float64(s.IdleConns))
	c.conns.WithLabelValues(s.Name, "max").Set(float64(s.MaxConns))
}
