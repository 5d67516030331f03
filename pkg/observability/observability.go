// Package observability provides the OpenTelemetry trace and metric
// providers for keel, with counters for the four hot paths: ledger appends,
// capability denials, lease grants, and guardian decisions.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keel",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages trace and metric providers plus keel's counters. A
// disabled provider is safe to call; every recording method no-ops.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	appendCounter   metric.Int64Counter
	denialCounter   metric.Int64Counter
	leaseCounter    metric.Int64Counter
	decisionCounter metric.Int64Counter
}

// New creates the provider and registers it globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer("keel", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("keel", metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initCounters(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName, "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initCounters() error {
	var err error
	p.appendCounter, err = p.meter.Int64Counter("keel.ledger.appends",
		metric.WithDescription("Ledger entries appended"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return err
	}
	p.denialCounter, err = p.meter.Int64Counter("keel.capability.denials",
		metric.WithDescription("Capability requests denied"),
		metric.WithUnit("{denial}"))
	if err != nil {
		return err
	}
	p.leaseCounter, err = p.meter.Int64Counter("keel.hostctl.leases",
		metric.WithDescription("Environment leases granted"),
		metric.WithUnit("{lease}"))
	if err != nil {
		return err
	}
	p.decisionCounter, err = p.meter.Int64Counter("keel.guardian.decisions",
		metric.WithDescription("Budget guardian decisions recorded"),
		metric.WithUnit("{decision}"))
	return err
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("keel")
	}
	return p.tracer
}

// RecordAppend counts one ledger append.
func (p *Provider) RecordAppend(ctx context.Context, kind string) {
	if p.appendCounter != nil {
		p.appendCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordDenial counts one capability denial by reason code.
func (p *Provider) RecordDenial(ctx context.Context, code string) {
	if p.denialCounter != nil {
		p.denialCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason_code", code)))
	}
}

// RecordLease counts one lease grant.
func (p *Provider) RecordLease(ctx context.Context, environmentID string) {
	if p.leaseCounter != nil {
		p.leaseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("environment_id", environmentID)))
	}
}

// RecordDecision counts one guardian decision by action.
func (p *Provider) RecordDecision(ctx context.Context, action string) {
	if p.decisionCounter != nil {
		p.decisionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}
