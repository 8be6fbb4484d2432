// Package metrics exposes Prometheus instrumentation for the bridge.
//
// Read and write faults never surface as errors to the guest. The
// transfers_degraded counter is the side channel that makes them visible.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hostfs_bridge"

// Result labels for host calls.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds all bridge metrics.
type Metrics struct {
	HostCalls         *prometheus.CounterVec
	BytesTransferred  *prometheus.CounterVec
	TransfersDegraded *prometheus.CounterVec
	OpenStreams       prometheus.Gauge
	Nodes             prometheus.Gauge
}

// New registers the bridge metrics with reg. A nil reg yields unregistered
// collectors, which is what tests and embedders without an exporter want.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HostCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_calls_total",
				Help:      "Total number of calls into the host volume provider",
			},
			[]string{"op", "result"},
		),
		BytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Bytes moved between guest buffers and host descriptors",
			},
			[]string{"op"},
		),
		TransfersDegraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_degraded_total",
				Help:      "Reads and writes that reported zero bytes because of a host fault",
			},
			[]string{"op"},
		),
		OpenStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_streams",
				Help:      "Streams currently holding a host descriptor",
			},
		),
		Nodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes",
				Help:      "Nodes materialized in the guest tree",
			},
		),
	}
}

// HostCall records one provider call.
func (m *Metrics) HostCall(op string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.HostCalls.WithLabelValues(op, result).Inc()
}

// Transferred records n bytes moved by op ("read" or "write").
func (m *Metrics) Transferred(op string, n int) {
	if n > 0 {
		m.BytesTransferred.WithLabelValues(op).Add(float64(n))
	}
}

// Degraded records a transfer that was reported as zero bytes.
func (m *Metrics) Degraded(op string) {
	m.TransfersDegraded.WithLabelValues(op).Inc()
}
