package traceutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/prometheus/common/version"
	"go.opentelemetry.io/contrib/samplers/jaegerremote"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
)

// DefaultSamplerURL is the Jaeger agent sampling endpoint used when neither
// Config.SamplerURL nor JAEGER_SAMPLER_MANAGER_HOST_PORT is set.
const DefaultSamplerURL = "http://localhost:5778/sampling"

// Config selects how spans leave the process. The OTLP exporter itself is
// configured through the standard OTEL_EXPORTER_OTLP_* variables.
type Config struct {
	ServiceName string
	// Role distinguishes the gateway from the credential authority when both
	// report under one service name.
	Role string

	SamplerURL      string
	SamplingRefresh time.Duration
}

func (c Config) samplerURL() string {
	if c.SamplerURL != "" {
		return c.SamplerURL
	}

	if v := os.Getenv("JAEGER_SAMPLER_MANAGER_HOST_PORT"); v != "" {
		return v
	}

	return DefaultSamplerURL
}

// Propagator is the propagator installed by Init. Trace context crosses the
// message broker in AMQP headers, see AMQPTableCarrier.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Init installs a global OTLP tracer provider. The returned function flushes
// pending spans and must be called before exit.
//
// OTEL_SDK_DISABLED=true turns tracing off; the propagator is still
// installed so that incoming trace context is forwarded.
func Init(ctx context.Context, cfg Config, batchOptions ...sdktrace.BatchSpanProcessorOption) (closer func(context.Context) error, err error) {
	// the last batch of spans must outlive cancellation of ctx
	ctx = context.WithoutCancel(ctx)

	logger := slog.With(slog.String("component", "trace"))

	otel.SetTextMapPropagator(Propagator())

	if disabled, _ := strconv.ParseBool(os.Getenv("OTEL_SDK_DISABLED")); disabled {
		logger.Debug("Tracing disabled by environment variable")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init OTLP exporter: %w", err)
	}

	res, err := traceResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	refresh := cfg.SamplingRefresh
	if refresh <= 0 {
		refresh = 10 * time.Second
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOptions...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(jaegerremote.New(
			cfg.ServiceName,
			jaegerremote.WithSamplingServerURL(cfg.samplerURL()),
			jaegerremote.WithSamplingRefreshInterval(refresh),
			jaegerremote.WithInitialSampler(sdktrace.AlwaysSample()),
		)),
	)

	otel.SetTracerProvider(tp)

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.ErrorContext(ctx, "OTel error", slog.Any("error", err))
	}))

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		logger.DebugContext(ctx, "trace provider shutting down")

		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown trace provider: %w", err)
		}

		return nil
	}

	return shutdown, nil
}

func traceResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	module := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok {
		module = bi.Main.Path
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(version.Version),
		attribute.String("service.revision", version.Revision),
		attribute.String("module.path", module),
	}

	if cfg.Role != "" {
		attrs = append(attrs, attribute.String("service.role", cfg.Role))
	}

	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcessPID(),
		resource.WithProcessExecutableName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
		resource.WithContainer(),
		resource.WithAttributes(attrs...),
	)
}
