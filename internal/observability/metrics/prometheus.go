// Package metrics provides Prometheus metrics for the billing pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	PrescriptionsCreated   prometheus.Counter
	PrescriptionsCancelled prometheus.Counter
	PaymentsInitiated      *prometheus.CounterVec
	PaymentsSettled        *prometheus.CounterVec
	PaymentAmount          prometheus.Counter
	CallbacksRejected      prometheus.Counter
	DispensingsReleased    prometheus.Counter
	DispensingsCompleted   prometheus.Counter
	RequestDuration        prometheus.Histogram
	OutboxPending          prometheus.Gauge
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Prescriptions created",
		}),
		PrescriptionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_cancelled_total",
			Help: "Prescriptions cancelled",
		}),
		PaymentsInitiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_initiated_total",
			Help: "Payments initiated by method",
		}, []string{"method"}),
		PaymentsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_settled_total",
			Help: "Payments reaching a final status",
		}, []string{"status"}),
		PaymentAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payment_amount_vnd_total",
			Help: "Total VND collected",
		}),
		CallbacksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_callbacks_rejected_total",
			Help: "Gateway callbacks rejected for bad signature or amount",
		}),
		DispensingsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispensings_released_total",
			Help: "Dispensing records released by payment",
		}),
		DispensingsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispensings_completed_total",
			Help: "Dispensing records delivered",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Unshipped outbox entries",
		}),
	}

	prometheus.MustRegister(
		m.PrescriptionsCreated,
		m.PrescriptionsCancelled,
		m.PaymentsInitiated,
		m.PaymentsSettled,
		m.PaymentAmount,
		m.CallbacksRejected,
		m.DispensingsReleased,
		m.DispensingsCompleted,
		m.RequestDuration,
		m.OutboxPending,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
