// Package tracing configures the OpenTelemetry tracer provider used for
// orchestrator spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options selects the exporter and sampling.
type Options struct {
	// Exporter is "none" (default) or "stdout".
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"serviceName"`
	Environment string  `yaml:"environment"`
	SampleRatio float64 `yaml:"sampleRatio"` // 0 or >=1 samples everything
	PrettyPrint bool    `yaml:"prettyPrint"`

	// Writer receives stdout exporter output; defaults to os.Stdout.
	Writer io.Writer `yaml:"-"`
}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

// Init builds a tracer provider, installs it globally and returns a tracer
// for the service together with its shutdown function.
func Init(ctx context.Context, opts Options) (trace.Tracer, ShutdownFunc, error) {
	service := opts.ServiceName
	if service == "" {
		service = "orchestrator"
	}

	exporterName := strings.ToLower(strings.TrimSpace(opts.Exporter))
	if exporterName == "" || exporterName == "none" {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp.Tracer(service), func(context.Context) error { return nil }, nil
	}

	exp, err := buildExporter(exporterName, opts)
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			attribute.String("orchestrator.environment", opts.Environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(buildSampler(opts.SampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Tracer(service), tp.Shutdown, nil
}

func buildExporter(name string, opts Options) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		stdoutOpts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
		if opts.PrettyPrint {
			stdoutOpts = append(stdoutOpts, stdouttrace.WithPrettyPrint())
		}
		return stdouttrace.New(stdoutOpts...)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", name)
	}
}

func buildSampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
