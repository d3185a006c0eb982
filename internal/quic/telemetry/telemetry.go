// Package telemetry wires structured logging, Prometheus metrics, and
// OpenTelemetry tracing for one endpoint: a logger that defaults to a
// no-op so tests never wire one explicitly, a Metrics struct of
// promauto-constructed vectors built once per process, and a Tracer
// that no-ops when tracing is disabled in config.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/zipkin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/quicproto/qcore/internal/quic/config"
)

// NewLogger builds the process logger. Unit tests should prefer
// zap.NewNop() directly rather than call this.
func NewLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// Metrics exposes the counters and gauges the reliability core updates
// as it runs: bytes in flight, packet lifecycle counts, outstanding
// control frames, AEAD failures, the AdaptiveTime reordering shift,
// and FEC recoveries.
type Metrics struct {
	BytesInFlight            prometheus.Gauge
	PacketsSent              prometheus.Counter
	PacketsAcked             prometheus.Counter
	PacketsLost              prometheus.Counter
	ControlFramesOutstanding prometheus.Gauge
	AEADDecryptFailures      *prometheus.CounterVec
	ReorderingShift          prometheus.Gauge
	FECPacketsRecovered      prometheus.Counter
}

// NewMetrics constructs and registers the metric vectors against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		BytesInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "quic",
			Subsystem: "reliability",
			Name:      "bytes_in_flight",
			Help:      "Bytes currently outstanding and unacknowledged.",
		}),
		PacketsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "quic",
			Subsystem: "reliability",
			Name:      "packets_sent_total",
			Help:      "Total packets handed to the transport writer.",
		}),
		PacketsAcked: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "quic",
			Subsystem: "reliability",
			Name:      "packets_acked_total",
			Help:      "Total packets acknowledged by the peer.",
		}),
		PacketsLost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "quic",
			Subsystem: "reliability",
			Name:      "packets_lost_total",
			Help:      "Total packets declared lost by the loss detector.",
		}),
		ControlFramesOutstanding: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "quic",
			Subsystem: "controlframe",
			Name:      "outstanding",
			Help:      "Control frames sent but not yet acked.",
		}),
		AEADDecryptFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quic",
			Subsystem: "aead",
			Name:      "decrypt_failures_total",
			Help:      "Failed AEAD opens, labeled by encryption level.",
		}, []string{"encryption_level"}),
		ReorderingShift: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "quic",
			Subsystem: "loss",
			Name:      "reordering_shift",
			Help:      "Current AdaptiveTime reordering shift.",
		}),
		FECPacketsRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "quic",
			Subsystem: "fec",
			Name:      "packets_recovered_total",
			Help:      "Initial packets reconstructed via Reed-Solomon redundancy.",
		}),
	}
}

// Tracer wraps an otel.Tracer; when disabled every Start call returns
// a no-op span so call sites never need to branch on whether tracing
// is on.
type Tracer struct {
	tracer  trace.Tracer
	enabled bool
}

// NewTracer builds a Tracer from telemetry config, selecting a Jaeger
// or Zipkin exporter. Disabled configs return a no-op tracer.
func NewTracer(cfg config.TelemetryConfig) (*Tracer, func(context.Context) error, error) {
	if !cfg.TracingEnabled {
		return &Tracer{enabled: false}, func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "zipkin":
		exporter, err = zipkin.New(cfg.ExporterAddr)
	case "jaeger", "":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.ExporterAddr)))
	default:
		return nil, nil, fmt.Errorf("telemetry: unknown exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: building %s exporter: %w", cfg.Exporter, err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)

	return &Tracer{tracer: provider.Tracer("internal/quic"), enabled: true}, provider.Shutdown, nil
}

// Start begins a span named name; a no-op Tracer returns a context
// unchanged and a span whose End is a no-op.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name)
}
