// Package cmd holds the startup plumbing shared by broker commands.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/louisbranch/authbroker/internal/platform/config"
	"github.com/louisbranch/authbroker/internal/platform/logging"
	"github.com/louisbranch/authbroker/internal/platform/otel"
	"github.com/louisbranch/authbroker/internal/platform/timeouts"
)

// ServiceAuthBroker names the broker process for telemetry and logs.
const ServiceAuthBroker = "authbroker"

// RunOptions controls shared entrypoint behavior for service commands.
type RunOptions struct {
	// ShutdownTimeout bounds the trace flush; zero uses timeouts.Shutdown.
	ShutdownTimeout time.Duration
	// Logger receives telemetry export and shutdown failures. Nil discards them.
	Logger hclog.Logger
	// Version is reported as service.version; empty uses the build info.
	Version string
}

// ParseConfig loads environment defaults into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetry sets up tracing for service, runs the service loop and
// flushes traces once it returns.
func RunWithTelemetry(ctx context.Context, service string, options RunOptions, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.OrDiscard(options.Logger)
	shutdown, err := otel.Setup(ctx, service, otel.WithLogger(logger), otel.WithVersion(options.Version))
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownTimeout := options.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = timeouts.Shutdown
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "service", service, "error", err)
		}
	}()
	return run(ctx)
}
