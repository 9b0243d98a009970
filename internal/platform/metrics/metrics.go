// Package metrics holds all Prometheus metrics for the application.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is built once at startup and shared by reference.
type Metrics struct {
	Operations        *prometheus.CounterVec
	Mints             prometheus.Counter
	Resolutions       *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	QueuePermanent    *prometheus.GaugeVec
	RegistrarAttempts *prometheus.CounterVec
	LinkChecks        *prometheus.CounterVec
}

// New creates and registers all metrics with the given registerer. Tests pass
// a private registry so parallel packages do not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pidserv",
			Name:      "operations_total",
			Help:      "Identifier operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		Mints: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pidserv",
			Name:      "mints_total",
			Help:      "Total suffixes minted.",
		}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pidserv",
			Name:      "resolutions_total",
			Help:      "Resolution requests by outcome.",
		}, []string{"outcome"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pidserv",
			Name:      "queue_depth",
			Help:      "Pending rows per registrar queue.",
		}, []string{"registrar"}),
		QueuePermanent: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pidserv",
			Name:      "queue_permanent_errors",
			Help:      "Permanently failed rows per registrar queue.",
		}, []string{"registrar"}),
		RegistrarAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pidserv",
			Name:      "registrar_attempts_total",
			Help:      "Registrar operations by registrar and result.",
		}, []string{"registrar", "result"}),
		LinkChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pidserv",
			Name:      "link_checks_total",
			Help:      "Link checker probes by result.",
		}, []string{"result"}),
	}
}
