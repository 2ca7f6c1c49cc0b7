package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pltester"

// Metrics holds the node's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsTotal     *prometheus.CounterVec
	datagrams         *prometheus.CounterVec
	datagramBytes     *prometheus.CounterVec
	speedtestBytes    *prometheus.CounterVec
	speedtestRequests *prometheus.CounterVec
	statusClients     prometheus.Gauge
	rateLimited       prometheus.Counter
}

func NewMetrics(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "echo_sessions_active",
			Help:      "Echo sessions with an allocated UDP socket.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_sessions_total",
			Help:      "Signaling attempts by outcome.",
		}, []string{"result"}),
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_datagrams_total",
			Help:      "Probe datagrams handled by echo sockets.",
		}, []string{"direction"}),
		datagramBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_bytes_total",
			Help:      "Probe payload bytes handled by echo sockets.",
		}, []string{"direction"}),
		speedtestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speedtest_bytes_total",
			Help:      "Bytes moved by the speed test endpoints.",
		}, []string{"direction"}),
		speedtestRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speedtest_requests_total",
			Help:      "Speed test requests by endpoint and status code.",
		}, []string{"endpoint", "code"}),
		statusClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_clients",
			Help:      "Connected status websocket clients.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client limiter.",
		}),
	}
	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
	buildInfo.Set(1)

	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.datagrams,
		m.datagramBytes,
		m.speedtestBytes,
		m.speedtestRequests,
		m.statusClients,
		m.rateLimited,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler renders the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncSessionsActive() {
	m.sessionsActive.Inc()
	m.sessionsTotal.WithLabelValues("opened").Inc()
}

func (m *Metrics) DecSessionsActive() {
	m.sessionsActive.Dec()
}

// SessionRejected counts a signaling attempt that did not get a socket.
func (m *Metrics) SessionRejected(reason string) {
	m.sessionsTotal.WithLabelValues(reason).Inc()
}

// AddEcho records one datagram received and, when echoed is set, sent back.
func (m *Metrics) AddEcho(bytes int, echoed bool) {
	m.datagrams.WithLabelValues("in").Inc()
	m.datagramBytes.WithLabelValues("in").Add(float64(bytes))
	if echoed {
		m.datagrams.WithLabelValues("out").Inc()
		m.datagramBytes.WithLabelValues("out").Add(float64(bytes))
	}
}

func (m *Metrics) AddSpeedtestBytes(direction string, bytes int64) {
	if bytes > 0 {
		m.speedtestBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

func (m *Metrics) ObserveSpeedtestRequest(endpoint string, code int) {
	m.speedtestRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

func (m *Metrics) SetStatusClients(n int) {
	m.statusClients.Set(float64(n))
}

func (m *Metrics) IncRateLimited() {
	m.rateLimited.Inc()
}
