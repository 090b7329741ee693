// Package metrics exposes the prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database statements in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"statement"},
	)

	appointmentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appointment_transitions_total",
			Help: "Appointment status transitions by target status",
		},
		[]string{"operation", "status"},
	)

	paymentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_outcomes_total",
			Help: "Resolved payment attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_provider_duration_seconds",
			Help:    "Round trip of payment provider submissions",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0, 30.0},
		},
		[]string{"provider"},
	)

	smsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_messages_total",
			Help: "SMS messages by type and delivery status",
		},
		[]string{"message_type", "status"},
	)

	redisCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_command_duration_seconds",
			Help:    "Duration of Redis commands in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"command", "outcome"},
	)

	slotLockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slot_lock_contention_total",
			Help: "Booking attempts rejected because another request held the slot lock",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		dbQueryDuration,
		appointmentTransitions,
		paymentOutcomes,
		providerDuration,
		smsTotal,
		redisCommandDuration,
		slotLockContention,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func ObserveQuery(statement string, elapsed time.Duration) {
	dbQueryDuration.WithLabelValues(statement).Observe(elapsed.Seconds())
}

func AppointmentTransition(operation, status string) {
	appointmentTransitions.WithLabelValues(operation, status).Inc()
}

func PaymentOutcome(provider, outcome string, elapsed time.Duration) {
	paymentOutcomes.WithLabelValues(provider, outcome).Inc()
	providerDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func SMS(messageType, status string) {
	smsTotal.WithLabelValues(messageType, status).Inc()
}

func SlotLockContention() {
	slotLockContention.Inc()
}

// ObserveRedis records one Redis command; outcome is "ok", "nil" or "error".
func ObserveRedis(command, outcome string, elapsed time.Duration) {
	redisCommandDuration.WithLabelValues(command, outcome).Observe(elapsed.Seconds())
}
