package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/authbroker/internal/platform/logging"
	"github.com/louisbranch/authbroker/internal/platform/timeouts"
	"github.com/louisbranch/authbroker/internal/services/auth/broker"
	"github.com/louisbranch/authbroker/internal/services/auth/correlation"
	"github.com/louisbranch/authbroker/internal/services/auth/credential"
	"github.com/louisbranch/authbroker/internal/services/auth/httpapi"
	"github.com/louisbranch/authbroker/internal/services/auth/idp"
	authsqlite "github.com/louisbranch/authbroker/internal/services/auth/storage/sqlite"
)

// Option customizes server construction.
type Option func(*options)

type options struct {
	logger        hclog.Logger
	idpHTTPClient *http.Client
}

// WithLogger sets the root logger.
func WithLogger(logger hclog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithIDPHTTPClient sets the client used to reach the identity provider.
func WithIDPHTTPClient(client *http.Client) Option {
	return func(o *options) { o.idpHTTPClient = client }
}

// Server hosts the broker.
type Server struct {
	logger       hclog.Logger
	store        *authsqlite.Store
	httpListener net.Listener
	httpServer   *http.Server
	grpcListener net.Listener
	grpcServer   *grpc.Server
	health       *health.Server

	closeOnce sync.Once
	closeErr  error
}

// New builds a server from cfg and binds its listeners.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.New(logging.Options{Name: "authbroker", Level: cfg.LogLevel, JSON: cfg.LogJSON})
	}

	s := &Server{logger: logger}
	if err := s.build(ctx, cfg, o); err != nil {
		if closeErr := s.Close(); closeErr != nil {
			logger.Warn("release partially built server", "error", closeErr)
		}
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, cfg Config, o options) error {
	store, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	s.store = store

	codec, err := correlation.NewCodec(correlation.Config{
		Secret: []byte(cfg.CorrelationSecret),
		TTL:    cfg.CorrelationTTL,
	})
	if err != nil {
		return fmt.Errorf("correlation codec: %w", err)
	}
	issuer, err := credential.NewIssuer(credential.Config{
		AccessSecret:  []byte(cfg.AccessTokenSecret),
		RefreshSecret: []byte(cfg.RefreshTokenSecret),
		Issuer:        cfg.PublicURL,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("credential issuer: %w", err)
	}

	discoveryCtx, cancel := context.WithTimeout(ctx, timeouts.IdPDiscovery)
	defer cancel()
	gateway, err := idp.NewOIDCGateway(discoveryCtx, idp.Config{
		Name:              cfg.IDP.Name,
		Issuer:            cfg.IDP.Issuer,
		ClientID:          cfg.IDP.ClientID,
		ClientSecret:      cfg.IDP.ClientSecret,
		RedirectURL:       cfg.IDP.RedirectURL,
		Scopes:            cfg.IDP.Scopes,
		Audiences:         cfg.IDP.Audiences,
		AuthParams:        cfg.IDP.AuthParams,
		AuthURL:           cfg.IDP.AuthURL,
		TokenURL:          cfg.IDP.TokenURL,
		JWKSURL:           cfg.IDP.JWKSURL,
		LogoutURL:         cfg.IDP.LogoutURL,
		LogoutReturnParam: cfg.IDP.LogoutReturnParam,
		HTTPClient:        o.idpHTTPClient,
		Logger:            s.logger,
	})
	if err != nil {
		return fmt.Errorf("identity provider: %w", err)
	}

	service, err := broker.NewService(broker.Config{
		Correlation:           codec,
		Credentials:           issuer,
		Gateway:               gateway,
		Store:                 store,
		LogoutReturnURL:       cfg.LogoutReturnURL(),
		PostLogoutRedirectURL: cfg.PostLogoutRedirectURL,
		Logger:                s.logger,
	})
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	api, err := httpapi.NewServer(httpapi.Config{
		Broker:       service,
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
		Logger:       s.logger,
	})
	if err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	s.httpListener, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on http addr %s: %w", cfg.HTTPAddr, err)
	}
	s.httpServer = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
		ErrorLog: s.logger.Named("http").StandardLogger(&hclog.StandardLoggerOptions{
			InferLevels: true,
		}),
	}

	s.grpcListener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on grpc port %d: %w", cfg.GRPCPort, err)
	}
	s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return nil
}

// HTTPAddr returns the bound HTTP listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC listener address.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates and serves a broker until ctx ends.
func Run(ctx context.Context, cfg Config, opts ...Option) error {
	s, err := New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve blocks until ctx ends or a listener fails, then shuts both servers
// down and releases the store.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g, gctx := errgroup.WithContext(ctx)

	s.logger.Info("http server listening", "addr", s.HTTPAddr())
	g.Go(func() error {
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})

	s.logger.Info("grpc health server listening", "addr", s.GRPCAddr())
	g.Go(func() error {
		if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP: %w", err)
	}
	return nil
}

// Close releases listeners and the store. It is safe to call more than once.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		var result *multierror.Error
		for _, l := range []net.Listener{s.httpListener, s.grpcListener} {
			if l == nil {
				continue
			}
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close identity store: %w", err))
			}
		}
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}

func openStore(path string) (*authsqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "authbroker.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := authsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	return store, nil
}
