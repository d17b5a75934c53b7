package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"

	apperrors "github.com/louisbranch/authbroker/internal/platform/errors"
	"github.com/louisbranch/authbroker/internal/platform/logging"
	"github.com/louisbranch/authbroker/internal/platform/timeouts"
)

// DefaultLogoutReturnParam is the OIDC RP-initiated logout parameter.
const DefaultLogoutReturnParam = "post_logout_redirect_uri"

// Config describes one OIDC provider registration.
type Config struct {
	Name         string
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Audiences, when set, requires the ID token to carry at least one of them
	// in addition to the client id check.
	Audiences []string
	// AuthParams are appended to every authorization URL, for example an
	// Auth0 connection name.
	AuthParams map[string]string

	// AuthURL, TokenURL and JWKSURL skip discovery when all three are set.
	AuthURL  string
	TokenURL string
	JWKSURL  string

	// LogoutURL overrides the discovered end_session_endpoint.
	LogoutURL         string
	LogoutReturnParam string

	HTTPClient      *http.Client
	ExchangeTimeout time.Duration
	Now             func() time.Time
	Logger          hclog.Logger
}

// OIDCGateway implements Gateway for OpenID Connect providers.
type OIDCGateway struct {
	name              string
	clientID          string
	audiences         []string
	authParams        []oauth2.AuthCodeOption
	oauth             oauth2.Config
	verifier          *oidc.IDTokenVerifier
	client            *http.Client
	exchangeTimeout   time.Duration
	logoutURL         string
	logoutReturnParam string
	logger            hclog.Logger
}

type providerMetadata struct {
	EndSessionEndpoint string `json:"end_session_endpoint"`
}

// NewOIDCGateway resolves the provider endpoints, by discovery unless static
// endpoints are configured, and returns a ready gateway.
func NewOIDCGateway(ctx context.Context, cfg Config) (*OIDCGateway, error) {
	name := strings.TrimSpace(cfg.Name)
	issuer := strings.TrimSpace(cfg.Issuer)
	clientID := strings.TrimSpace(cfg.ClientID)
	switch {
	case name == "":
		return nil, errors.New("idp name is required")
	case issuer == "":
		return nil, errors.New("idp issuer is required")
	case clientID == "":
		return nil, errors.New("idp client id is required")
	case strings.TrimSpace(cfg.RedirectURL) == "":
		return nil, errors.New("idp redirect url is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
		client.Timeout = timeouts.IdPExchange
	}
	exchangeTimeout := cfg.ExchangeTimeout
	if exchangeTimeout <= 0 {
		exchangeTimeout = timeouts.IdPExchange
	}
	logger := logging.OrDiscard(cfg.Logger).Named("idp").With("provider", name)

	discoverCtx, cancel := context.WithTimeout(oidc.ClientContext(ctx, client), timeouts.IdPDiscovery)
	defer cancel()

	provider, logoutURL, err := resolveProvider(discoverCtx, cfg, issuer)
	if err != nil {
		return nil, err
	}
	if override := strings.TrimSpace(cfg.LogoutURL); override != "" {
		logoutURL = override
	}
	if logoutURL == "" {
		logger.Warn("no logout endpoint discovered or configured, provider logout is disabled", "issuer", issuer)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:             clientID,
		SupportedSigningAlgs: []string{oidc.RS256, oidc.ES256},
		Now:                  cfg.Now,
	})

	returnParam := strings.TrimSpace(cfg.LogoutReturnParam)
	if returnParam == "" {
		returnParam = DefaultLogoutReturnParam
	}

	gateway := &OIDCGateway{
		name:      name,
		clientID:  clientID,
		audiences: trimAll(cfg.Audiences),
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  strings.TrimSpace(cfg.RedirectURL),
			Endpoint:     provider.Endpoint(),
			Scopes:       withOpenID(cfg.Scopes),
		},
		authParams:        authParams(cfg.AuthParams),
		verifier:          verifier,
		client:            client,
		exchangeTimeout:   exchangeTimeout,
		logoutURL:         logoutURL,
		logoutReturnParam: returnParam,
		logger:            logger,
	}
	logger.Debug("provider resolved", "auth_url", gateway.oauth.Endpoint.AuthURL, "logout", logoutURL != "")
	return gateway, nil
}

func resolveProvider(ctx context.Context, cfg Config, issuer string) (*oidc.Provider, string, error) {
	authURL := strings.TrimSpace(cfg.AuthURL)
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if authURL != "" && tokenURL != "" && jwksURL != "" {
		static := &oidc.ProviderConfig{
			IssuerURL:  issuer,
			AuthURL:    authURL,
			TokenURL:   tokenURL,
			JWKSURL:    jwksURL,
			Algorithms: []string{oidc.RS256, oidc.ES256},
		}
		return static.NewProvider(ctx), "", nil
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, "", fmt.Errorf("discover provider %s: %w", issuer, err)
	}
	var meta providerMetadata
	if err := provider.Claims(&meta); err != nil {
		return nil, "", fmt.Errorf("decode provider metadata: %w", err)
	}
	return provider, meta.EndSessionEndpoint, nil
}

// Name returns the provider label.
func (g *OIDCGateway) Name() string {
	return g.name
}

// AuthorizationURL builds the provider authorization redirect.
func (g *OIDCGateway) AuthorizationURL(state, nonce, verifier string) string {
	opts := make([]oauth2.AuthCodeOption, 0, len(g.authParams)+2)
	opts = append(opts, oidc.Nonce(nonce), oauth2.S256ChallengeOption(verifier))
	opts = append(opts, g.authParams...)
	return g.oauth.AuthCodeURL(state, opts...)
}

// Exchange trades code for tokens at the provider's token endpoint.
func (g *OIDCGateway) Exchange(ctx context.Context, code, verifier string) (Assertion, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Assertion{}, apperrors.New(apperrors.CodeExchangeFailed, "authorization code is required")
	}
	if verifier == "" {
		return Assertion{}, apperrors.New(apperrors.CodeExchangeFailed, "code verifier is required")
	}
	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, g.client), g.exchangeTimeout)
	defer cancel()

	token, err := g.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Assertion{}, exchangeError(err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || strings.TrimSpace(rawIDToken) == "" {
		return Assertion{}, apperrors.New(apperrors.CodeExchangeFailed, "id_token is missing from code exchange")
	}
	return Assertion{IDToken: rawIDToken, AccessToken: token.AccessToken}, nil
}

// VerifyAssertion verifies the ID token and extracts the identity.
func (g *OIDCGateway) VerifyAssertion(ctx context.Context, a Assertion, expectedNonce string) (Identity, error) {
	if strings.TrimSpace(a.IDToken) == "" {
		return Identity{}, apperrors.New(apperrors.CodeAssertionInvalid, "id_token is empty")
	}
	if expectedNonce == "" {
		return Identity{}, apperrors.New(apperrors.CodeAssertionInvalid, "expected nonce is empty")
	}
	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, g.client), g.exchangeTimeout)
	defer cancel()

	idToken, err := g.verifier.Verify(ctx, a.IDToken)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return Identity{}, apperrors.Wrap(apperrors.CodeAssertionInvalid, "id_token is expired", err)
		}
		return Identity{}, apperrors.Wrap(apperrors.CodeAssertionInvalid, "id_token verification failed", err)
	}
	if idToken.Nonce != expectedNonce {
		return Identity{}, apperrors.New(apperrors.CodeAssertionInvalid, "id_token nonce mismatch")
	}
	if len(g.audiences) > 0 && !containsAny(idToken.Audience, g.audiences) {
		return Identity{}, apperrors.WithMetadata(
			apperrors.CodeAssertionInvalid,
			"id_token audience mismatch",
			map[string]string{"Audience": strings.Join(idToken.Audience, ",")},
		)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
		Name          string `json:"name"`
		Nickname      string `json:"nickname"`
		Picture       string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, apperrors.Wrap(apperrors.CodeAssertionInvalid, "decode id_token claims", err)
	}
	subject := strings.TrimSpace(idToken.Subject)
	if subject == "" {
		return Identity{}, apperrors.New(apperrors.CodeAssertionInvalid, "id_token subject is empty")
	}
	email := strings.TrimSpace(claims.Email)
	return Identity{
		Subject:       subject,
		Email:         email,
		EmailVerified: claims.EmailVerified != nil && *claims.EmailVerified,
		Name:          firstNonEmpty(claims.Name, claims.Nickname, email, subject),
		Picture:       strings.TrimSpace(claims.Picture),
	}, nil
}

// LogoutURL composes the provider logout URL.
func (g *OIDCGateway) LogoutURL(returnTo string) (string, error) {
	if g.logoutURL == "" {
		return "", errors.New("provider has no logout endpoint")
	}
	u, err := url.Parse(g.logoutURL)
	if err != nil {
		return "", fmt.Errorf("parse logout url: %w", err)
	}
	q := u.Query()
	q.Set("client_id", g.clientID)
	if returnTo = strings.TrimSpace(returnTo); returnTo != "" {
		q.Set(g.logoutReturnParam, returnTo)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func exchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		metadata := map[string]string{}
		if retrieveErr.Response != nil {
			metadata["Status"] = retrieveErr.Response.Status
		}
		if retrieveErr.ErrorCode != "" {
			metadata["ErrorCode"] = retrieveErr.ErrorCode
		}
		return apperrors.WrapWithMetadata(apperrors.CodeExchangeFailed, "token endpoint rejected code", metadata, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeExchangeFailed, "token endpoint timed out", err)
	}
	return apperrors.Wrap(apperrors.CodeExchangeFailed, "exchange authorization code", err)
}

func withOpenID(scopes []string) []string {
	out := []string{oidc.ScopeOpenID}
	for _, s := range trimAll(scopes) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func authParams(params map[string]string) []oauth2.AuthCodeOption {
	keys := make([]string, 0, len(params))
	for k := range params {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	opts := make([]oauth2.AuthCodeOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(strings.TrimSpace(k), params[k]))
	}
	return opts
}

func containsAny(values, wanted []string) bool {
	for _, w := range wanted {
		if slices.Contains(values, w) {
			return true
		}
	}
	return false
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
