// Package telemetry wires OpenTelemetry tracing and metrics for a running
// node and carries the plain log.Printf-based logging idiom the rest of
// this codebase already uses (internal/cluster/member, internal/healthcheck,
// internal/cluster/clientpool, internal/cluster/distro all log this way) rather than
// introducing a structured logging library the teacher never reached for.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config selects how traces/metrics are exported. An empty OTLPEndpoint
// means metrics are written to stdout instead of shipped to a collector —
// the right default for the single-process smoke-test deployment this
// module's cmd/batata-server targets out of the box.
type Config struct {
	ServiceName  string
	NodeID       string
	OTLPEndpoint string
}

// Provider owns the process-wide tracer and meter providers and their
// exporters' lifecycle.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	Metrics        *Metrics
}

// Setup builds and globally registers a Provider. Call Shutdown on process
// exit to flush any buffered spans/metrics.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("build trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(2*time.Second)),
	)
	otel.SetTracerProvider(tp)

	var metricReader sdkmetric.Reader
	if cfg.OTLPEndpoint != "" {
		metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("build otlp metric exporter: %w", err)
		}
		metricReader = sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))
	} else {
		metricExporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
		if err != nil {
			return nil, fmt.Errorf("build stdout metric exporter: %w", err)
		}
		metricReader = sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(60*time.Second))
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricReader))
	otel.SetMeterProvider(mp)

	meter := mp.Meter(cfg.ServiceName)
	metrics, err := newMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("build metric instruments: %w", err)
	}

	log.Printf("telemetry: started for node %s (otlp endpoint=%q)", cfg.NodeID, cfg.OTLPEndpoint)

	return &Provider{tracerProvider: tp, meterProvider: mp, Metrics: metrics}, nil
}

// Tracer returns a named tracer from the process-wide TracerProvider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tracerProvider.Tracer(name)
}

// Shutdown flushes and stops both providers. Logs (does not return) any
// exporter shutdown error, since by this point there is nothing meaningful
// left to do with it beyond telling the operator.
func (p *Provider) Shutdown(ctx context.Context) {
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		log.Printf("telemetry: tracer provider shutdown: %v", err)
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		log.Printf("telemetry: meter provider shutdown: %v", err)
	}
}

// Metrics holds the instruments every component increments. Grouping them
// here (instead of scattering otel.Meter().Int64Counter calls across
// connregistry/configstore/healthcheck/member) keeps instrument creation
// errors in one place and gives every component the same counters to reach
// for.
type Metrics struct {
	ConnectionsActive   metric.Int64UpDownCounter
	ConfigPublishes      metric.Int64Counter
	HealthCheckFailures metric.Int64Counter
	MemberStateChanges  metric.Int64Counter
	DistroTasksRetried  metric.Int64Counter
	RaftApplyLatency     metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	connsActive, err := meter.Int64UpDownCounter("batata.connections.active",
		metric.WithDescription("number of currently registered client connections"))
	if err != nil {
		return nil, err
	}
	publishes, err := meter.Int64Counter("batata.config.publishes",
		metric.WithDescription("number of config publish operations"))
	if err != nil {
		return nil, err
	}
	healthFailures, err := meter.Int64Counter("batata.healthcheck.failures",
		metric.WithDescription("number of health check failures observed"))
	if err != nil {
		return nil, err
	}
	memberChanges, err := meter.Int64Counter("batata.member.state_changes",
		metric.WithDescription("number of peer member state transitions"))
	if err != nil {
		return nil, err
	}
	distroRetries, err := meter.Int64Counter("batata.distro.task_retries",
		metric.WithDescription("number of distro sync task retries"))
	if err != nil {
		return nil, err
	}
	raftLatency, err := meter.Float64Histogram("batata.raft.apply_latency_seconds",
		metric.WithDescription("latency of raft Apply calls"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ConnectionsActive:   connsActive,
		ConfigPublishes:     publishes,
		HealthCheckFailures: healthFailures,
		MemberStateChanges:  memberChanges,
		DistroTasksRetried:  distroRetries,
		RaftApplyLatency:    raftLatency,
	}, nil
}

// Logf writes a plain, leveled log line to stderr, matching the rest of the
// codebase's log.Printf convention. level is advisory only (no filtering is
// applied here); it exists so call sites read naturally. LogLevel from
// internal/config is not consulted.
func Logf(level, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "["+level+"] "+format+"\n", args...)
}
