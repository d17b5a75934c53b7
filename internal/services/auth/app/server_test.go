package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	platformgrpc "github.com/louisbranch/authbroker/internal/platform/grpc"
	"github.com/louisbranch/authbroker/internal/platform/logging"
	"github.com/louisbranch/authbroker/internal/services/auth/idp/idptest"
)

func testConfig(t *testing.T, provider *idptest.Provider) Config {
	t.Helper()
	cfg := Config{
		HTTPAddr:              "127.0.0.1:0",
		GRPCPort:              0,
		DBPath:                filepath.Join(t.TempDir(), "nested", "authbroker.db"),
		LogLevel:              "off",
		PublicURL:             "http://broker.example.com",
		PostLogoutRedirectURL: "/",
		AccessTokenSecret:     strings.Repeat("a", 32),
		RefreshTokenSecret:    strings.Repeat("r", 32),
		CorrelationSecret:     strings.Repeat("c", 32),
		AccessTokenTTL:        15 * time.Minute,
		RefreshTokenTTL:       time.Hour,
		CorrelationTTL:        10 * time.Minute,
		IDP: IDPConfig{
			Name:         "google",
			Issuer:       provider.Issuer(),
			ClientID:     idptest.ClientID,
			ClientSecret: idptest.ClientSecret,
		},
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	return cfg
}

func TestServerServesHTTPAndHealth(t *testing.T) {
	provider := idptest.Start(t)
	cfg := testConfig(t, provider)

	srv, err := New(context.Background(), cfg, WithLogger(logging.Discard()), WithIDPHTTPClient(provider.Client()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.HTTPAddr() + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/up status = %d", resp.StatusCode)
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err = client.Get("http://" + srv.HTTPAddr() + "/auth/login")
	if err != nil {
		t.Fatalf("get /auth/login: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Location"), provider.Issuer()+"/authorize?") {
		t.Fatalf("login location = %q", resp.Header.Get("Location"))
	}

	_, port, err := net.SplitHostPort(srv.GRPCAddr())
	if err != nil {
		t.Fatalf("split grpc addr: %v", err)
	}
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	if err := platformgrpc.CheckHealth(checkCtx, net.JoinHostPort("127.0.0.1", port), "", nil); err != nil {
		t.Fatalf("check health: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNewFailsWhenProviderUnreachable(t *testing.T) {
	provider := idptest.Start(t)
	cfg := testConfig(t, provider)
	cfg.IDP.Issuer = "http://127.0.0.1:1"

	if _, err := New(context.Background(), cfg, WithLogger(logging.Discard())); err == nil {
		t.Fatal("expected discovery error")
	}
}

func TestNewReleasesStoreOnListenError(t *testing.T) {
	provider := idptest.Start(t)
	cfg := testConfig(t, provider)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	cfg.HTTPAddr = busy.Addr().String()

	if _, err := New(context.Background(), cfg, WithLogger(logging.Discard()), WithIDPHTTPClient(provider.Client())); err == nil {
		t.Fatal("expected listen error")
	}

	// The store was closed, so the file can be reopened.
	store, err := openStore(cfg.DBPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	_ = store.Close()
}

func TestOpenStoreInvalidDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("data"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if _, err := openStore(filepath.Join(file, "authbroker.db")); err == nil {
		t.Fatal("expected error for invalid storage dir")
	}
}

func TestCloseNilServer(t *testing.T) {
	var srv *Server
	if err := srv.Close(); err != nil {
		t.Fatalf("close nil server: %v", err)
	}
	if srv.HTTPAddr() != "" || srv.GRPCAddr() != "" {
		t.Fatal("expected empty addresses")
	}
}
