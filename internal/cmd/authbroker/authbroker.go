// Package authbroker parses broker flags and environment and launches the
// service.
package authbroker

import (
	"context"
	"flag"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	entrypoint "github.com/louisbranch/authbroker/internal/platform/cmd"
	"github.com/louisbranch/authbroker/internal/platform/config"
	platformgrpc "github.com/louisbranch/authbroker/internal/platform/grpc"
	"github.com/louisbranch/authbroker/internal/platform/logging"
	"github.com/louisbranch/authbroker/internal/platform/timeouts"
	"github.com/louisbranch/authbroker/internal/services/auth/app"
)

// EnvFileKey names the optional dotenv file loaded before parsing.
const EnvFileKey = "AUTH_BROKER_ENV_FILE"

// Config holds broker command configuration.
type Config struct {
	App app.Config
	// HealthCheck checks a running broker's gRPC health instead of serving.
	HealthCheck bool
}

// ParseConfig loads the dotenv file, environment and flags into Config and
// validates the result.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	envFile := strings.TrimSpace(os.Getenv(EnvFileKey))
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.App.HTTPAddr, "http-addr", cfg.App.HTTPAddr, "The broker HTTP listen address")
	fs.IntVar(&cfg.App.GRPCPort, "grpc-port", cfg.App.GRPCPort, "The gRPC health server port")
	fs.StringVar(&cfg.App.DBPath, "db-path", cfg.App.DBPath, "Path to the identity SQLite database")
	fs.StringVar(&cfg.App.LogLevel, "log-level", cfg.App.LogLevel, "Log level (trace, debug, info, warn, error, off)")
	fs.BoolVar(&cfg.HealthCheck, "healthcheck", false, "Check the local broker's gRPC health and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}

	cfg.App.Normalize()
	if err := cfg.App.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the broker.
func Run(ctx context.Context, cfg Config) error {
	logger := logging.New(logging.Options{
		Name:  entrypoint.ServiceAuthBroker,
		Level: cfg.App.LogLevel,
		JSON:  cfg.App.LogJSON,
	})
	if cfg.HealthCheck {
		return CheckHealth(ctx, cfg, logger)
	}
	options := entrypoint.RunOptions{Logger: logger}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAuthBroker, options, func(ctx context.Context) error {
		return app.Run(ctx, cfg.App, app.WithLogger(logger))
	})
}

// CheckHealth waits for the local broker's gRPC health service to report SERVING.
func CheckHealth(ctx context.Context, cfg Config, logger hclog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.HealthCheck)
	defer cancel()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.App.GRPCPort))
	return platformgrpc.CheckHealth(ctx, addr, "", logger)
}
