package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kasirinaja/posledger/internal/domain"
)

// Metrics owns a private Prometheus registry with HTTP and POS collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	ordersTotal      *prometheus.CounterVec
	orderAmount      *prometheus.CounterVec
	paymentSessions  *prometheus.CounterVec
	shiftTransitions *prometheus.CounterVec
	checkoutConflict prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	orders := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_orders_total",
		Help: "Completed POS orders by payment method.",
	}, []string{"method"})
	amount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_order_amount_total",
		Help: "Sum of completed order totals by payment method.",
	}, []string{"method"})
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_payment_sessions_total",
		Help: "Payment session transitions by resulting status.",
	}, []string{"status"})
	shifts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_shift_transitions_total",
		Help: "Shift lifecycle transitions by resulting status.",
	}, []string{"status"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pos_checkout_conflicts_total",
		Help: "Checkouts rolled back because stock was taken concurrently.",
	})
	registry.MustRegister(
		requests, duration, orders, amount, sessions, shifts, conflicts,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		ordersTotal:      orders,
		orderAmount:      amount,
		paymentSessions:  sessions,
		shiftTransitions: shifts,
		checkoutConflict: conflicts,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

func (m *Metrics) OrderCompleted(order domain.POSOrder) {
	if m == nil {
		return
	}
	method := string(order.PaymentMethod)
	m.ordersTotal.WithLabelValues(method).Inc()
	m.orderAmount.WithLabelValues(method).Add(float64(order.TotalAmount))
}

func (m *Metrics) PaymentTransition(status domain.PaymentStatus) {
	if m == nil {
		return
	}
	m.paymentSessions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ShiftTransition(status domain.ShiftStatus) {
	if m == nil {
		return
	}
	m.shiftTransitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) CheckoutConflict() {
	if m == nil {
		return
	}
	m.checkoutConflict.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
