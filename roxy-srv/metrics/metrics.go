// Package metrics exposes proxy activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roxy"

// Directions for BytesForwarded.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"CONNECT": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
}

// Metrics owns a private registry, so several proxies in one process (as in
// tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	workersBusy         prometheus.Gauge
	requests            *prometheus.CounterVec
	responses           *prometheus.CounterVec
	authFailures        prometheus.Counter
	blockedHosts        prometheus.Counter
	connectFailures     prometheus.Counter
	cyclesAborted       *prometheus.CounterVec
	bytesForwarded      *prometheus.CounterVec
}

// New creates and registers all proxy metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted and queued",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Client connections currently owned by a worker",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Workers currently running a connection pipeline",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Request headers received from clients",
		}, []string{"method"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Response headers received from upstreams, by status class",
		}, []string{"class"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests rejected with 407 Proxy Authentication Required",
		}),
		blockedHosts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_hosts_total",
			Help:      "Requests rejected by the host blocklist",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_failures_total",
			Help:      "Failed upstream resolutions or dials",
		}),
		cyclesAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_aborted_total",
			Help:      "Request/response cycles that ended in Close before completion",
		}, []string{"reason"}),
		bytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Message bytes relayed between client and upstream",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		m.connectionsAccepted,
		m.connectionsActive,
		m.workersBusy,
		m.requests,
		m.responses,
		m.authFailures,
		m.blockedHosts,
		m.connectFailures,
		m.cyclesAborted,
		m.bytesForwarded,
	)
	return m
}

// RegisterQueueDepth exposes the pending connection count, sampled on scrape.
func (m *Metrics) RegisterQueueDepth(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Accepted connections waiting for a worker",
	}, func() float64 { return float64(depth()) }))
}

func (m *Metrics) ConnectionAccepted() { m.connectionsAccepted.Inc() }

// WorkerStarted marks a worker as busy with one client connection.
func (m *Metrics) WorkerStarted() {
	m.workersBusy.Inc()
	m.connectionsActive.Inc()
}

// WorkerFinished undoes WorkerStarted.
func (m *Metrics) WorkerFinished() {
	m.workersBusy.Dec()
	m.connectionsActive.Dec()
}

func (m *Metrics) Request(method string) {
	if !knownMethods[method] {
		method = "OTHER"
	}
	m.requests.WithLabelValues(method).Inc()
}

func (m *Metrics) Response(status int) {
	m.responses.WithLabelValues(StatusClass(status)).Inc()
}

func (m *Metrics) AuthFailure()    { m.authFailures.Inc() }
func (m *Metrics) BlockedHost()    { m.blockedHosts.Inc() }
func (m *Metrics) ConnectFailure() { m.connectFailures.Inc() }

func (m *Metrics) CycleAborted(reason string) {
	m.cyclesAborted.WithLabelValues(reason).Inc()
}

func (m *Metrics) BytesForwarded(direction string, n int) {
	if n > 0 {
		m.bytesForwarded.WithLabelValues(direction).Add(float64(n))
	}
}

// Registry returns the registry backing the handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// StatusClass maps 404 to "4xx".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
