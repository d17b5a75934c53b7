// Package grpc holds client-side helpers for probing broker gRPC endpoints.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/authbroker/internal/platform/logging"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = time.Second
	checkTimeout   = time.Second
)

// CheckHealth dials addr and waits until its health service reports SERVING for
// service, or ctx ends.
func CheckHealth(ctx context.Context, addr, service string, logger hclog.Logger) error {
	if addr == "" {
		return errors.New("health check address is required")
	}
	conn, err := gogrpc.NewClient(
		addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	return WaitForHealth(ctx, conn, service, logger)
}

// WaitForHealth polls the health service on conn with capped backoff.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logger hclog.Logger) error {
	if conn == nil {
		return errors.New("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger = logging.OrDiscard(logger)

	client := grpc_health_v1.NewHealthClient(conn)
	backoff := initialBackoff
	for {
		callCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		resp, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			logger.Debug("health check serving", "target", conn.Target())
			return nil
		}
		if err != nil {
			logger.Debug("waiting for health", "target", conn.Target(), "error", err)
		} else {
			logger.Debug("waiting for health", "target", conn.Target(), "status", resp.GetStatus().String())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
