package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the promoter
type Metrics struct {
	// Episode metrics
	EpisodesTotal   *prometheus.CounterVec
	EpisodeDuration prometheus.Histogram

	// Repair log collection metrics
	RepairLogResponses *prometheus.CounterVec
	UnionRecords       prometheus.Gauge
	HandleRegressions  prometheus.Counter

	// Repair dispatch metrics
	RepairCommands        prometheus.Counter
	ReplicaRepairsApplied *prometheus.CounterVec
}

// NewMetrics creates Prometheus metrics and registers them with reg.
// A nil registerer registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EpisodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promoter_episodes_total",
				Help: "Total number of promotion episodes by outcome",
			},
			[]string{"outcome"},
		),

		EpisodeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "promoter_episode_duration_seconds",
				Help:    "Duration of promotion episodes",
				Buckets: prometheus.DefBuckets,
			},
		),

		RepairLogResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promoter_repair_log_responses_total",
				Help: "Total number of repair log responses by result",
			},
			[]string{"result"},
		),

		UnionRecords: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "promoter_union_records",
				Help: "Number of records in the repair log union of the latest episode",
			},
		),

		HandleRegressions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "promoter_handle_regressions_total",
				Help: "Total number of responses reporting a max handle below the recorded one",
			},
		),

		RepairCommands: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "promoter_repair_commands_total",
				Help: "Total number of repair commands dispatched",
			},
		),

		ReplicaRepairsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promoter_replica_repairs_applied_total",
				Help: "Total number of repair commands acknowledged by replicas",
			},
			[]string{"applied"},
		),
	}
}

// Every recorder tolerates a nil *Metrics so callers can run without metrics.

// RecordEpisode records a finished promotion episode
func (m *Metrics) RecordEpisode(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EpisodesTotal.WithLabelValues(outcome).Inc()
	m.EpisodeDuration.Observe(duration.Seconds())
}

// RecordRepairLogResponse records one inbound repair log response
func (m *Metrics) RecordRepairLogResponse(result string) {
	if m == nil {
		return
	}
	m.RepairLogResponses.WithLabelValues(result).Inc()
}

// UpdateUnionRecords sets the current union size
func (m *Metrics) UpdateUnionRecords(size int) {
	if m == nil {
		return
	}
	m.UnionRecords.Set(float64(size))
}

// RecordHandleRegression records a handle regression
func (m *Metrics) RecordHandleRegression() {
	if m == nil {
		return
	}
	m.HandleRegressions.Inc()
}

// RecordRepairCommands adds n dispatched repair commands
func (m *Metrics) RecordRepairCommands(n int) {
	if m == nil {
		return
	}
	m.RepairCommands.Add(float64(n))
}

// RecordReplicaRepair records a repair acknowledgement
func (m *Metrics) RecordReplicaRepair(applied bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	m.ReplicaRepairsApplied.WithLabelValues(label).Inc()
}
