// Package telemetry wires the indexer's process-wide metrics registry and
// (optional) tracer. Per spec.md §9 "Global state", none of this is part
// of the core pipeline contract — it is initialized once at startup and
// torn down once at shutdown by the outer control loop only.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the Prometheus instruments the indexer core increments on
// its error and tick paths (spec.md §9, SPEC_FULL.md §7:
// indexer_errors_total{kind=...}).
type Metrics struct {
	ErrorsTotal  *prometheus.CounterVec
	TicksTotal   prometheus.Counter
	StashesTotal prometheus.Counter
}

// NewMetrics registers the indexer's instruments with the default
// Prometheus registry (the one promhttp.Handler serves), so it can be
// called only once per process; a second call panics on duplicate
// registration. Mirrors the dependency surface of Ezkerrox-bsc /
// coredao-org-core-chain / ethereum-go-ethereum (all of which wire
// prometheus/client_golang at their daemon's outer loop).
func NewMetrics() *Metrics {
	return &Metrics{
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_errors_total",
			Help: "Count of recoverable and fatal errors observed by the indexer core, by kind.",
		}, []string{"kind"}),
		TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "indexer_ticks_total",
			Help: "Count of successful Ticks produced by the worker.",
		}),
		StashesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "indexer_stashes_total",
			Help: "Count of stashes dispatched to sinks.",
		}),
	}
}

// IncError satisfies internal/indexer.Metrics so a *Metrics can be
// passed directly to indexer.Config without an adapter.
func (m *Metrics) IncError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// IncTick satisfies internal/indexer.Metrics.
func (m *Metrics) IncTick() {
	m.TicksTotal.Inc()
}

// AddStashes satisfies internal/indexer.Metrics.
func (m *Metrics) AddStashes(n int) {
	m.StashesTotal.Add(float64(n))
}

// Server exposes Metrics on METRICS_PORT via promhttp.Handler. It is not
// part of the core contract; Serve runs until ctx is cancelled.
type Server struct {
	addr string
	log  *logging.Logger
}

// NewServer constructs a metrics HTTP server bound to port.
func NewServer(port int, log *logging.Logger) *Server {
	return &Server{addr: fmt.Sprintf(":%d", port), log: log}
}

// Serve blocks until ctx is cancelled, then shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if s.log != nil {
			s.log.Infof("telemetry: metrics server listening on %s", s.addr)
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// InitTracer configures an OTLP gRPC trace exporter when collectorEndpoint
// is non-empty, or returns a no-op tracer provider's Tracer otherwise
// (spec.md §9: tracing is global state, not part of the core contract).
func InitTracer(ctx context.Context, serviceName, collectorEndpoint string) (trace.Tracer, func(context.Context) error, error) {
	if collectorEndpoint == "" {
		return otel.Tracer(serviceName), func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(collectorEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Tracer(serviceName), provider.Shutdown, nil
}
