// Package metrics registers the server's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"feedbactory/server/internal/netbuf"
)

// Server bundles the request-path collectors on a private registry.
type Server struct {
	registry *prometheus.Registry

	RequestsLegitimate prometheus.Counter
	RequestsErroneous  prometheus.Counter
	RequestsDenied     prometheus.Counter
	ReadOverflows      prometheus.Counter
	ReadTimeouts       prometheus.Counter
	ReadFailures       prometheus.Counter
	WriteFailures      prometheus.Counter
	InternalFaults     prometheus.Counter
	ActiveConnections  prometheus.Gauge
}

// New creates the registry and the request counters.
func New() *Server {
	s := &Server{
		registry:           prometheus.NewRegistry(),
		RequestsLegitimate: newCounter("feedbactory_requests_legitimate_total", "Requests processed to completion."),
		RequestsErroneous:  newCounter("feedbactory_requests_erroneous_total", "Requests rejected as malformed or unauthorized."),
		RequestsDenied:     newCounter("feedbactory_requests_denied_total", "Requests denied by IP standing."),
		ReadOverflows:      newCounter("feedbactory_request_read_overflows_total", "Requests exceeding the size limit."),
		ReadTimeouts:       newCounter("feedbactory_request_read_timeouts_total", "Requests that timed out during read."),
		ReadFailures:       newCounter("feedbactory_request_read_failures_total", "Requests whose read failed."),
		WriteFailures:      newCounter("feedbactory_response_write_failures_total", "Responses whose write failed."),
		InternalFaults:     newCounter("feedbactory_internal_faults_total", "Requests aborted by an internal fault."),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedbactory_active_connections",
			Help: "Currently open client connections.",
		}),
	}
	s.registry.MustRegister(
		s.RequestsLegitimate, s.RequestsErroneous, s.RequestsDenied,
		s.ReadOverflows, s.ReadTimeouts, s.ReadFailures,
		s.WriteFailures, s.InternalFaults, s.ActiveConnections,
	)
	return s
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

// RegisterPool exposes a buffer pool's occupancy and lifetime counters
// under the given pool label.
func (s *Server) RegisterPool(name string, pool *netbuf.Pool) {
	labels := prometheus.Labels{"pool": name}
	s.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "feedbactory_buffer_pool_available",
			Help:        "Buffers currently pooled.",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Available()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "feedbactory_buffer_pool_pooled_takes_total",
			Help:        "Takes served from the pool.",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Metrics().PooledTakes) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "feedbactory_buffer_pool_allocated_takes_total",
			Help:        "Takes served by fresh allocation.",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Metrics().AllocatedTakes) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "feedbactory_buffer_pool_reclamations_accepted_total",
			Help:        "Reclamations accepted back into the pool.",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Metrics().AcceptedReclamations) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "feedbactory_buffer_pool_reclamations_rejected_total",
			Help:        "Reclamations rejected by profile or capacity.",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Metrics().RejectedReclamations) }),
	)
}

// RegisterAcceptDenied exposes the accept limiter's denial count.
func (s *Server) RegisterAcceptDenied(denied func() uint64) {
	s.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "feedbactory_accept_denied_total",
		Help: "Connections denied by the per-address accept limiter.",
	}, func() float64 { return float64(denied()) }))
}

// Registry returns the private registry for scrape wiring.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}
