package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "settlement"

// Metrics groups the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Bids             *prometheus.CounterVec
	Reservations     *prometheus.CounterVec
	OrderTransitions *prometheus.CounterVec
	GatewayCalls     *prometheus.CounterVec
	GatewayLatencyMS *prometheus.HistogramVec
	EventsDropped    *prometheus.CounterVec
	Requests         *prometheus.CounterVec
	LatencyMS        *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bids_total",
			Help: "Bids by outcome.",
		}, []string{"outcome"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stock_reservations_total",
			Help: "Stock ledger operations by op.",
		}, []string{"op"}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_transitions_total",
			Help: "Order state transitions by target status.",
		}, []string{"status"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_calls_total",
			Help: "Payment gateway calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		GatewayLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "gateway_call_duration_ms",
			Help:    "Payment gateway latency in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"op"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Domain events dropped by the dispatcher.",
		}, []string{"type"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_ms",
			Help:    "HTTP request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(m.Bids, m.Reservations, m.OrderTransitions, m.GatewayCalls,
			m.GatewayLatencyMS, m.EventsDropped, m.Requests, m.LatencyMS)
	}
	return m
}

func (m *Metrics) Bid(outcome string) {
	if m != nil {
		m.Bids.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Reservation(op string) {
	if m != nil {
		m.Reservations.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Transition(status string) {
	if m != nil {
		m.OrderTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Gateway(op, outcome string, ms float64) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(op, outcome).Inc()
	m.GatewayLatencyMS.WithLabelValues(op).Observe(ms)
}

func (m *Metrics) Dropped(eventType string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Request(route, status string, ms float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, status).Inc()
	m.LatencyMS.WithLabelValues(route).Observe(ms)
}

// Handler serves the given gatherer, or the default registry when nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
