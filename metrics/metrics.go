// Package metrics exposes Prometheus collectors for the custody operations
// and a small HTTP server serving them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconstructions counts reconstruction attempts by outcome
	// ("success" or an error class).
	Reconstructions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_reconstructions_total",
		Help: "Secret key reconstructions by outcome",
	}, []string{"outcome"})

	// ReconstructionFallbacks counts share combinations tried after the first one.
	ReconstructionFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "custody_reconstruction_fallbacks_total",
		Help: "Fallback share combinations tried during reconstruction",
	})

	// ProviderFailures counts share decryption failures per provider.
	ProviderFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_provider_failures_total",
		Help: "Share decryption failures by provider and class",
	}, []string{"provider", "class"})

	// Operations counts sign/rotate/create operations by outcome.
	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_operations_total",
		Help: "Custody operations by type and outcome",
	}, []string{"operation", "outcome"})

	// OperationDuration tracks how long custody operations take.
	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "custody_operation_duration_seconds",
		Help:    "Custody operation latency",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	// Reconciliations counts actions taken on orphaned pending rotations.
	Reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_reconciliations_total",
		Help: "Pending rotation reconciliation actions",
	}, []string{"action"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "custody_build_info",
		Help: "Always 1, labelled with the service name",
	}, []string{"service"})
)

// Registry holds every custody collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		Reconstructions,
		ReconstructionFallbacks,
		ProviderFailures,
		Operations,
		OperationDuration,
		Reconciliations,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveOperation records the outcome and latency of an operation started at start.
func ObserveOperation(operation, outcome string, start time.Time) {
	Operations.WithLabelValues(operation, outcome).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// MetricsServer serves the metrics registry over HTTP.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr. The namespace is reported
// through the custody_build_info gauge.
func New(namespace, addr string) (*MetricsServer, error) {
	buildInfo.WithLabelValues(namespace).Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving metrics until Shutdown.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
