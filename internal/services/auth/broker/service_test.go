package broker_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"

	apperrors "github.com/louisbranch/authbroker/internal/platform/errors"
	"github.com/louisbranch/authbroker/internal/services/auth/broker"
	"github.com/louisbranch/authbroker/internal/services/auth/correlation"
	"github.com/louisbranch/authbroker/internal/services/auth/credential"
	"github.com/louisbranch/authbroker/internal/services/auth/idp"
	"github.com/louisbranch/authbroker/internal/services/auth/idp/idptest"
	"github.com/louisbranch/authbroker/internal/services/auth/storage"
	"github.com/louisbranch/authbroker/internal/services/auth/storage/sqlite"
	"github.com/louisbranch/authbroker/internal/services/auth/user"
)

const callbackURL = "https://broker.example.com/auth/callback"

type harness struct {
	service  *broker.Service
	provider *idptest.Provider
	store    storage.IdentityStore
	issuer   *credential.Issuer
	logs     *bytes.Buffer
}

type harnessOption func(*broker.Config)

func withStore(store storage.IdentityStore) harnessOption {
	return func(cfg *broker.Config) { cfg.Store = store }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	provider := idptest.Start(t)
	gateway, err := idp.NewOIDCGateway(context.Background(), idp.Config{
		Name:         "google",
		Issuer:       provider.Issuer(),
		ClientID:     idptest.ClientID,
		ClientSecret: idptest.ClientSecret,
		RedirectURL:  callbackURL,
		HTTPClient:   provider.Client(),
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	codec, err := correlation.NewCodec(correlation.Config{Secret: bytes.Repeat([]byte("c"), 32)})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	issuer, err := credential.NewIssuer(credential.Config{
		AccessSecret:  bytes.Repeat([]byte("a"), 32),
		RefreshSecret: bytes.Repeat([]byte("r"), 32),
		Issuer:        "https://broker.example.com",
	})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logs := &bytes.Buffer{}
	cfg := broker.Config{
		Correlation:           codec,
		Credentials:           issuer,
		Gateway:               gateway,
		Store:                 store,
		LogoutReturnURL:       "https://broker.example.com/auth/logout/callback",
		PostLogoutRedirectURL: "https://app.example.com/",
		Logger:                hclog.New(&hclog.LoggerOptions{Output: logs, Level: hclog.Debug}),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	service, err := broker.NewService(cfg)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &harness{service: service, provider: provider, store: cfg.Store, issuer: issuer, logs: logs}
}

// login runs Login and the provider round trip, returning the callback input.
func (h *harness) login(t *testing.T) broker.CallbackInput {
	t.Helper()
	result, err := h.service.Login(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	code, state := h.provider.Authorize(result.RedirectURL)
	return broker.CallbackInput{Code: code, State: state, Correlation: result.Correlation}
}

func assertCode(t *testing.T, err error, want apperrors.Code) {
	t.Helper()
	if got := apperrors.CodeOf(err); got != want {
		t.Fatalf("code = %q, want %q (err=%v)", got, want, err)
	}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := broker.NewService(broker.Config{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoginBuildsRedirect(t *testing.T) {
	h := newHarness(t)
	result, err := h.service.Login(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.HasPrefix(result.RedirectURL, h.provider.Issuer()+"/authorize?") {
		t.Fatalf("redirect = %q", result.RedirectURL)
	}
	if !strings.Contains(result.RedirectURL, "code_challenge_method=S256") {
		t.Fatalf("redirect lacks pkce challenge: %q", result.RedirectURL)
	}
	if result.Correlation == "" || result.ExpiresAt.IsZero() {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCallbackIssuesCredentials(t *testing.T) {
	h := newHarness(t)

	pair, err := h.service.Callback(context.Background(), h.login(t))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	userID, err := h.issuer.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}

	u, err := h.service.GetAuthenticatedUser(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.ID != userID || u.DisplayName != "Ada Lovelace" || u.Email != "ada@example.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
	accounts, err := h.service.LinkedAccounts(context.Background(), userID)
	if err != nil {
		t.Fatalf("linked accounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Provider != "google" || accounts[0].Subject != "google-oauth2|1001" {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}
}

func TestCallbackRebindsReturningUser(t *testing.T) {
	h := newHarness(t)
	first, err := h.service.Callback(context.Background(), h.login(t))
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}
	h.provider.SetIdentity(idptest.Identity{Subject: "google-oauth2|1001", Email: "ada@example.com", Name: "Countess Ada"})
	second, err := h.service.Callback(context.Background(), h.login(t))
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}

	a, _ := h.issuer.VerifyAccess(first.AccessToken)
	b, _ := h.issuer.VerifyAccess(second.AccessToken)
	if a == "" || a != b {
		t.Fatalf("expected same user, got %q and %q", a, b)
	}
	u, err := h.store.GetUser(context.Background(), a)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.DisplayName != "Countess Ada" {
		t.Fatalf("display name = %q", u.DisplayName)
	}
}

func TestCallbackFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness, in *broker.CallbackInput)
		want  apperrors.Code
	}{
		{
			name:  "state mismatch",
			setup: func(h *harness, in *broker.CallbackInput) { in.State = "forged" },
			want:  apperrors.CodeCorrelationInvalid,
		},
		{
			name:  "missing correlation cookie",
			setup: func(h *harness, in *broker.CallbackInput) { in.Correlation = "" },
			want:  apperrors.CodeCorrelationInvalid,
		},
		{
			name: "provider error",
			setup: func(h *harness, in *broker.CallbackInput) {
				in.ProviderError = "access_denied"
				in.ProviderErrorDescription = "user cancelled"
			},
			want: apperrors.CodeAssertionInvalid,
		},
		{
			name:  "token endpoint down",
			setup: func(h *harness, in *broker.CallbackInput) { h.provider.FailTokenRequests(http.StatusBadGateway) },
			want:  apperrors.CodeExchangeFailed,
		},
		{
			name:  "nonce mismatch",
			setup: func(h *harness, in *broker.CallbackInput) { h.provider.SetNonce("replayed-nonce") },
			want:  apperrors.CodeAssertionInvalid,
		},
		{
			name:  "missing code",
			setup: func(h *harness, in *broker.CallbackInput) { in.Code = "" },
			want:  apperrors.CodeExchangeFailed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			in := h.login(t)
			tc.setup(h, &in)

			_, err := h.service.Callback(context.Background(), in)
			assertCode(t, err, tc.want)
			if !strings.Contains(h.logs.String(), "stage=") {
				t.Fatalf("expected failure log with stage, got %q", h.logs.String())
			}
		})
	}
}

func TestCallbackRejectsReplayedCode(t *testing.T) {
	h := newHarness(t)
	in := h.login(t)
	if _, err := h.service.Callback(context.Background(), in); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	_, err := h.service.Callback(context.Background(), in)
	assertCode(t, err, apperrors.CodeExchangeFailed)
}

func TestCallbackRejectsCorrelationFromAnotherAttempt(t *testing.T) {
	h := newHarness(t)
	victim := h.login(t)
	attacker := h.login(t)

	// The attacker's code and state with the victim's cookie.
	_, err := h.service.Callback(context.Background(), broker.CallbackInput{
		Code:        attacker.Code,
		State:       attacker.State,
		Correlation: victim.Correlation,
	})
	assertCode(t, err, apperrors.CodeCorrelationInvalid)
}

func TestCallbackRejectsCodeFromAnotherAttempt(t *testing.T) {
	h := newHarness(t)
	victim := h.login(t)
	attacker := h.login(t)

	// The victim's intercepted code replayed inside the attacker's own attempt.
	_, err := h.service.Callback(context.Background(), broker.CallbackInput{
		Code:        victim.Code,
		State:       attacker.State,
		Correlation: attacker.Correlation,
	})
	assertCode(t, err, apperrors.CodeExchangeFailed)
}

type failingStore struct {
	err error
}

func (s failingStore) UpsertIdentity(context.Context, storage.IdentityInput) (string, error) {
	return "", s.err
}

func (s failingStore) GetUser(context.Context, string) (user.User, error) {
	return user.User{}, s.err
}

func (s failingStore) ListLinkedAccounts(context.Context, string) ([]user.LinkedAccount, error) {
	return nil, s.err
}

func TestCallbackSurfacesPersistenceFailure(t *testing.T) {
	h := newHarness(t, withStore(failingStore{err: errors.New("database is locked")}))

	_, err := h.service.Callback(context.Background(), h.login(t))
	assertCode(t, err, apperrors.CodePersistenceUnavailable)
	status, body := apperrors.Public(err)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", status)
	}
	if strings.Contains(body.Message, "locked") {
		t.Fatalf("public message leaks detail: %q", body.Message)
	}
	if !strings.Contains(h.logs.String(), "database is locked") {
		t.Fatal("expected internal detail in server log")
	}
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)
	pair, err := h.service.Callback(context.Background(), h.login(t))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}

	rotated, err := h.service.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.AccessToken == pair.AccessToken {
		t.Fatal("expected new access token")
	}
	if _, err := h.service.Authenticate(context.Background(), rotated.AccessToken); err != nil {
		t.Fatalf("authenticate rotated token: %v", err)
	}

	_, err = h.service.Refresh(context.Background(), "")
	assertCode(t, err, apperrors.CodeUnauthenticated)
	_, err = h.service.Refresh(context.Background(), pair.AccessToken)
	assertCode(t, err, apperrors.CodeTokenWrongKind)
}

func TestGetAuthenticatedUserFailures(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.GetAuthenticatedUser(context.Background(), "")
	assertCode(t, err, apperrors.CodeUnauthenticated)

	_, err = h.service.GetAuthenticatedUser(context.Background(), "garbage")
	assertCode(t, err, apperrors.CodeTokenMalformed)

	orphan, err := h.issuer.IssuePair("deleted-user")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	_, err = h.service.GetAuthenticatedUser(context.Background(), orphan.AccessToken)
	assertCode(t, err, apperrors.CodeNotFound)
	_, err = h.service.GetAuthenticatedUser(context.Background(), orphan.RefreshToken)
	assertCode(t, err, apperrors.CodeTokenWrongKind)
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	logoutURL, err := h.service.Logout(context.Background())
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !strings.HasPrefix(logoutURL, h.provider.Issuer()+"/logout?") {
		t.Fatalf("logout url = %q", logoutURL)
	}
	if !strings.Contains(logoutURL, "post_logout_redirect_uri=https%3A%2F%2Fbroker.example.com%2Fauth%2Flogout%2Fcallback") {
		t.Fatalf("logout url missing return: %q", logoutURL)
	}
	if got := h.service.LogoutCallback(); got != "https://app.example.com/" {
		t.Fatalf("logout callback = %q", got)
	}
}

func TestStageString(t *testing.T) {
	stages := map[broker.Stage]string{
		broker.StageInitiated:         "initiated",
		broker.StageRedirected:        "redirected",
		broker.StageCallbackReceived:  "callback_received",
		broker.StageVerified:          "verified",
		broker.StageBound:             "bound",
		broker.StageIssuedCredentials: "issued_credentials",
		broker.StageFailed:            "failed",
		broker.Stage(99):              "unknown",
	}
	for stage, want := range stages {
		if got := stage.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", stage, got, want)
		}
	}
}

