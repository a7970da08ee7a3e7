// Package metrics holds the relay's prometheus collectors. Each relay owns a
// private registry so several can run in one process (as the tests do).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "btprelay"

type T struct {
	Registry *prometheus.Registry
	// Packets counts decoded inbound packets by message type.
	Packets *prometheus.CounterVec
	// FramingErrors counts frames that failed to decode, by error kind.
	FramingErrors *prometheus.CounterVec
	// Duplicates counts events dropped because they were already seen.
	Duplicates prometheus.Counter
	// Forwards counts events sent on to other peers.
	Forwards prometheus.Counter
	// Rejections counts rejected prepares by code.
	Rejections *prometheus.CounterVec
	// Settlements counts settlement attempts by scheme and result.
	Settlements *prometheus.CounterVec
	// Peers is the number of peers in each state.
	Peers *prometheus.GaugeVec
	// StoreQueue is the number of writes waiting for the store.
	StoreQueue prometheus.Gauge
}

// New registers a fresh set of collectors along with the go runtime and
// process collectors.
func New() (m *T) {
	r := prometheus.NewRegistry()
	m = &T{
		Registry: r,
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_total",
			Help: "Inbound BTP packets by message type.",
		}, []string{"type"}),
		FramingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "framing_errors_total",
			Help: "Frames that failed to decode, by kind.",
		}, []string{"kind"}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_events_total",
			Help: "Events dropped as already seen.",
		}),
		Forwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "forwarded_events_total",
			Help: "Events forwarded to peers.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejections_total",
			Help: "Rejected packets by code.",
		}, []string{"code"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlements_total",
			Help: "Settlement attempts by scheme and result.",
		}, []string{"scheme", "result"}),
		Peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers",
			Help: "Peers in each connection state.",
		}, []string{"state"}),
		StoreQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_queue",
			Help: "Writes waiting for the backing store.",
		}),
	}
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Packets, m.FramingErrors, m.Duplicates, m.Forwards, m.Rejections,
		m.Settlements, m.Peers, m.StoreQueue,
	)
	return
}

// SetPeers replaces the per-state peer gauge with counts. States missing
// from counts are set to zero.
func (m *T) SetPeers(states []string, counts map[string]int) {
	for _, s := range states {
		m.Peers.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// Handler serves the registry in the prometheus text format.
func (m *T) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		Registry: m.Registry,
	})
}
