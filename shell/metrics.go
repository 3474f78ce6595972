package shell

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every counter and gauge a replica process exports,
// spec.md §7's instrumentation surface. One Metrics lives per replica,
// registered against its own registry so multiple replicas can run
// in-process (tests, local clusters) without collector collisions.
type Metrics struct {
	Registry *prometheus.Registry

	ByzantineRejected *prometheus.CounterVec
	ProtocolDrops     *prometheus.CounterVec
	RepairRequests    prometheus.Counter
	ViewChanges       prometheus.Counter
	ScrubCorruptions  prometheus.Counter

	CommitNumber  prometheus.Gauge
	View          prometheus.Gauge
	RepairInflight prometheus.Gauge
}

// NewMetrics constructs and registers a fresh metrics set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ByzantineRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "byzantine_dvc_rejected",
			Help: "DoViewChange and other protocol messages rejected as Byzantine-indicated, by reason.",
		}, []string{"reason"}),
		ProtocolDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "protocol_drops_total",
			Help: "Messages dropped as transient protocol noise, by message kind.",
		}, []string{"kind"}),
		RepairRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repair_requests_total",
			Help: "Repair requests issued for missing or corrupted log entries.",
		}),
		ViewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "view_changes_total",
			Help: "View changes completed by this replica.",
		}),
		ScrubCorruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrub_corruptions_total",
			Help: "Blocks flagged for repair by the background scrub tour.",
		}),
		CommitNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "commit_number",
			Help: "This replica's current commit_number.",
		}),
		View: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "view",
			Help: "This replica's current view.",
		}),
		RepairInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repair_inflight",
			Help: "Repair requests currently in flight.",
		}),
	}

	reg.MustRegister(
		m.ByzantineRejected, m.ProtocolDrops, m.RepairRequests,
		m.ViewChanges, m.ScrubCorruptions, m.CommitNumber, m.View, m.RepairInflight,
	)
	return m
}
