// Package broker orchestrates delegated authentication: it drives the login
// state machine across the correlation codec, the IdP gateway, the identity
// store and the credential issuer, and serves stateless refresh and logout.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/authbroker/internal/platform/errors"
	"github.com/louisbranch/authbroker/internal/platform/logging"
	platformotel "github.com/louisbranch/authbroker/internal/platform/otel"
	"github.com/louisbranch/authbroker/internal/services/auth/correlation"
	"github.com/louisbranch/authbroker/internal/services/auth/credential"
	"github.com/louisbranch/authbroker/internal/services/auth/idp"
	"github.com/louisbranch/authbroker/internal/services/auth/storage"
	"github.com/louisbranch/authbroker/internal/services/auth/user"
)

const tracerName = "github.com/louisbranch/authbroker/internal/services/auth/broker"

// CorrelationCodec issues and verifies login correlation tokens.
type CorrelationCodec interface {
	Issue() (correlation.Token, string, error)
	Verify(value, returnedState string) (correlation.Token, error)
}

// CredentialIssuer mints and verifies the broker's own tokens.
type CredentialIssuer interface {
	IssuePair(userID string) (credential.Pair, error)
	VerifyAccess(token string) (string, error)
	Rotate(refreshToken string) (credential.Pair, error)
}

// Config wires a Service.
type Config struct {
	Correlation CorrelationCodec
	Credentials CredentialIssuer
	Gateway     idp.Gateway
	Store       storage.IdentityStore

	// LogoutReturnURL is where the IdP sends the browser after logout,
	// normally the broker's own logout callback.
	LogoutReturnURL string
	// PostLogoutRedirectURL is the final destination after the logout
	// callback clears local cookies.
	PostLogoutRedirectURL string

	Logger hclog.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

// Service is the authentication orchestrator. It holds no per-user state.
type Service struct {
	correlation     CorrelationCodec
	credentials     CredentialIssuer
	gateway         idp.Gateway
	store           storage.IdentityStore
	logoutReturnURL string
	postLogoutURL   string
	logger          hclog.Logger
	tracer          trace.Tracer
	now             func() time.Time
}

// LoginResult carries the redirect and the one-shot correlation cookie.
type LoginResult struct {
	RedirectURL string
	Correlation string
	ExpiresAt   time.Time
}

// CallbackInput is what the browser brings back from the IdP.
type CallbackInput struct {
	Code                     string
	State                    string
	Correlation              string
	ProviderError            string
	ProviderErrorDescription string
}

// NewService validates cfg and returns a Service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Correlation == nil:
		return nil, errors.New("correlation codec is required")
	case cfg.Credentials == nil:
		return nil, errors.New("credential issuer is required")
	case cfg.Gateway == nil:
		return nil, errors.New("idp gateway is required")
	case cfg.Store == nil:
		return nil, errors.New("identity store is required")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = platformotel.Tracer(tracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		correlation:     cfg.Correlation,
		credentials:     cfg.Credentials,
		gateway:         cfg.Gateway,
		store:           cfg.Store,
		logoutReturnURL: strings.TrimSpace(cfg.LogoutReturnURL),
		postLogoutURL:   strings.TrimSpace(cfg.PostLogoutRedirectURL),
		logger:          logging.OrDiscard(cfg.Logger).Named("broker"),
		tracer:          tracer,
		now:             now,
	}, nil
}

// attempt tracks one pass through the login state machine.
type attempt struct {
	op    string
	stage Stage
	span  trace.Span
}

func (s *Service) begin(ctx context.Context, op string, stage Stage) (context.Context, *attempt) {
	ctx, span := s.tracer.Start(ctx, "broker."+op)
	a := &attempt{op: op, span: span}
	a.advance(stage)
	return ctx, a
}

func (a *attempt) advance(stage Stage) {
	a.stage = stage
	a.span.AddEvent(stage.String())
	a.span.SetAttributes(attribute.String("auth.stage", stage.String()))
}

// end closes the span and logs a failure with its internal detail. The
// returned error is what callers see.
func (s *Service) end(a *attempt, err error, fields ...any) error {
	defer a.span.End()
	if err == nil {
		a.span.SetStatus(otelcodes.Ok, "")
		return nil
	}
	failedAt := a.stage
	a.advance(StageFailed)
	code := apperrors.CodeOf(err)
	a.span.RecordError(err)
	a.span.SetStatus(otelcodes.Error, code.Category())
	a.span.SetAttributes(attribute.String("auth.error_code", string(code)))

	args := append([]any{"op", a.op, "stage", failedAt.String(), "code", string(code), "error", err}, fields...)
	if code == apperrors.CodeInternal || code == apperrors.CodePersistenceUnavailable {
		s.logger.Error("authentication step failed", args...)
	} else {
		s.logger.Warn("authentication step failed", args...)
	}
	return err
}

// Login starts an attempt: it issues a correlation token and builds the IdP
// redirect from its state, nonce and PKCE verifier.
func (s *Service) Login(ctx context.Context) (result LoginResult, err error) {
	_, a := s.begin(ctx, "Login", StageInitiated)
	defer func() { err = s.end(a, err) }()

	token, value, err := s.correlation.Issue()
	if err != nil {
		return LoginResult{}, apperrors.Wrap(apperrors.CodeInternal, "issue correlation token", err)
	}
	redirect := s.gateway.AuthorizationURL(token.State, token.Nonce, token.Verifier)
	a.advance(StageRedirected)
	return LoginResult{
		RedirectURL: redirect,
		Correlation: value,
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

// Callback completes an attempt. Every failure carries a categorized code;
// callers must clear the correlation cookie whatever the outcome.
func (s *Service) Callback(ctx context.Context, in CallbackInput) (pair credential.Pair, err error) {
	ctx, a := s.begin(ctx, "Callback", StageCallbackReceived)
	var userID string
	defer func() { err = s.end(a, err, "provider", s.gateway.Name(), "user_id", userID) }()

	if providerErr := strings.TrimSpace(in.ProviderError); providerErr != "" {
		return credential.Pair{}, apperrors.WithMetadata(
			apperrors.CodeAssertionInvalid,
			"provider returned an error",
			map[string]string{"Error": providerErr, "Description": in.ProviderErrorDescription},
		)
	}

	attempt, err := s.correlation.Verify(in.Correlation, in.State)
	if err != nil {
		return credential.Pair{}, ensureCode(err, apperrors.CodeCorrelationInvalid, "verify correlation token")
	}

	assertion, err := s.gateway.Exchange(ctx, in.Code, attempt.Verifier)
	if err != nil {
		return credential.Pair{}, ensureCode(err, apperrors.CodeExchangeFailed, "exchange authorization code")
	}
	identity, err := s.gateway.VerifyAssertion(ctx, assertion, attempt.Nonce)
	if err != nil {
		return credential.Pair{}, ensureCode(err, apperrors.CodeAssertionInvalid, "verify identity assertion")
	}
	a.advance(StageVerified)

	userID, err = s.store.UpsertIdentity(ctx, storage.IdentityInput{
		Profile: user.Profile{
			Provider:    s.gateway.Name(),
			Subject:     identity.Subject,
			Email:       identity.Email,
			DisplayName: identity.Name,
			Picture:     identity.Picture,
		},
		SeenAt: s.now(),
	})
	if err != nil {
		return credential.Pair{}, ensureCode(err, apperrors.CodePersistenceUnavailable, "bind identity")
	}
	a.advance(StageBound)

	pair, err = s.credentials.IssuePair(userID)
	if err != nil {
		return credential.Pair{}, apperrors.Wrap(apperrors.CodeInternal, "issue credentials", err)
	}
	a.advance(StageIssuedCredentials)
	s.logger.Info("login completed", "provider", s.gateway.Name(), "user_id", userID)
	return pair, nil
}

// Refresh rotates a refresh token into a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair credential.Pair, err error) {
	_, a := s.begin(ctx, "Refresh", StageInitiated)
	defer func() { err = s.end(a, err) }()

	if strings.TrimSpace(refreshToken) == "" {
		return credential.Pair{}, apperrors.New(apperrors.CodeUnauthenticated, "refresh token is missing")
	}
	pair, err = s.credentials.Rotate(refreshToken)
	if err != nil {
		return credential.Pair{}, ensureCode(err, apperrors.CodeUnauthenticated, "rotate refresh token")
	}
	a.advance(StageIssuedCredentials)
	return pair, nil
}

// Authenticate returns the user id carried by a valid access token.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (string, error) {
	if strings.TrimSpace(accessToken) == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "access token is missing")
	}
	userID, err := s.credentials.VerifyAccess(accessToken)
	if err != nil {
		return "", ensureCode(err, apperrors.CodeUnauthenticated, "verify access token")
	}
	return userID, nil
}

// GetAuthenticatedUser resolves an access token to its user record.
func (s *Service) GetAuthenticatedUser(ctx context.Context, accessToken string) (u user.User, err error) {
	ctx, a := s.begin(ctx, "GetAuthenticatedUser", StageInitiated)
	defer func() { err = s.end(a, err) }()

	userID, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return user.User{}, err
	}
	u, err = s.store.GetUser(ctx, userID)
	if err != nil {
		return user.User{}, ensureCode(err, apperrors.CodePersistenceUnavailable, "load user")
	}
	return u, nil
}

// LinkedAccounts lists the IdP accounts bound to userID.
func (s *Service) LinkedAccounts(ctx context.Context, userID string) ([]user.LinkedAccount, error) {
	accounts, err := s.store.ListLinkedAccounts(ctx, userID)
	if err != nil {
		return nil, ensureCode(err, apperrors.CodePersistenceUnavailable, "list linked accounts")
	}
	return accounts, nil
}

// Logout returns the IdP logout URL. No local state changes.
func (s *Service) Logout(ctx context.Context) (logoutURL string, err error) {
	_, a := s.begin(ctx, "Logout", StageInitiated)
	defer func() { err = s.end(a, err) }()

	logoutURL, err = s.gateway.LogoutURL(s.logoutReturnURL)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "build logout url", err)
	}
	return logoutURL, nil
}

// LogoutCallback returns the post-logout destination. The caller clears the
// refresh cookie.
func (s *Service) LogoutCallback() string {
	if s.postLogoutURL == "" {
		return "/"
	}
	return s.postLogoutURL
}

// ensureCode keeps an existing domain code and otherwise wraps err in code.
func ensureCode(err error, code apperrors.Code, message string) error {
	if apperrors.CodeOf(err) != apperrors.CodeInternal {
		return err
	}
	return apperrors.Wrap(code, message, err)
}
