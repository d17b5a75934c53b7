// Package otel wires OpenTelemetry tracing for broker processes.
package otel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/authbroker/internal/platform/config"
	"github.com/louisbranch/authbroker/internal/platform/id"
	"github.com/louisbranch/authbroker/internal/platform/logging"
)

// Config controls trace export. Nothing is exported until Endpoint is set.
type Config struct {
	Enabled     bool    `env:"AUTH_BROKER_OTEL_ENABLED" envDefault:"true"`
	Endpoint    string  `env:"AUTH_BROKER_OTEL_ENDPOINT"`
	SampleRatio float64 `env:"AUTH_BROKER_OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("otel config: %w", err)
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	return cfg, nil
}

func (c Config) validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("otel sample ratio %v must be between 0 and 1", c.SampleRatio)
	}
	return nil
}

type options struct {
	config   *Config
	version  string
	exporter sdktrace.SpanExporter
	logger   hclog.Logger
}

// Option customizes Setup.
type Option func(*options)

// WithConfig uses cfg instead of reading the environment.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = &cfg }
}

// WithVersion records the service.version resource attribute. The module
// version from the build info is used otherwise.
func WithVersion(version string) Option {
	return func(o *options) { o.version = strings.TrimSpace(version) }
}

// WithExporter sends spans to exporter instead of OTLP/HTTP. The endpoint is
// not required in that case.
func WithExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exporter }
}

// WithLogger reports export failures on logger.
func WithLogger(logger hclog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Setup installs a global tracer provider for service and returns the
// function that flushes it.
//
// When tracing is disabled or no endpoint is configured the returned shutdown
// is a no-op and the global provider stays the no-op default.
func Setup(ctx context.Context, service string, opts ...Option) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	cfg := Config{}
	if o.config != nil {
		cfg = *o.config
	} else if cfg, err = LoadConfig(); err != nil {
		return noop, err
	}
	if err := cfg.validate(); err != nil {
		return noop, err
	}
	if !cfg.Enabled {
		return noop, nil
	}

	exporter := o.exporter
	if exporter == nil {
		if cfg.Endpoint == "" {
			return noop, nil
		}
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		if err != nil {
			return noop, fmt.Errorf("create otlp exporter: %w", err)
		}
	}

	res, err := newResource(ctx, service, o.version)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	logger := logging.OrDiscard(o.logger).Named("otel")
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("telemetry error", "error", err)
	}))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Debug("tracing enabled", "service", service, "sample_ratio", cfg.SampleRatio)

	return tp.Shutdown, nil
}

func newResource(ctx context.Context, service, version string) (*resource.Resource, error) {
	if strings.TrimSpace(service) == "" {
		return nil, errors.New("otel service name is required")
	}
	if version == "" {
		version = buildVersion()
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	if instance, err := id.NewID(); err == nil {
		attrs = append(attrs, semconv.ServiceInstanceID(instance))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	return res, nil
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return ""
	}
	return info.Main.Version
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
