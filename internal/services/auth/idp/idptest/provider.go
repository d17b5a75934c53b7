// Package idptest runs an in-process OpenID Connect provider for tests.
//
// The provider serves discovery, JWKS, authorize, token and logout endpoints.
// Authorization codes are single use and remember the nonce and S256 PKCE
// challenge they were issued for, which lets tests drive complete login flows
// and replay attempts.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	// ClientID is the client registered with every test provider.
	ClientID = "broker-client"
	// ClientSecret is the secret registered for ClientID.
	ClientSecret = "broker-secret"

	keyID = "test-key"
)

// Identity is the user the provider authenticates.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

type grant struct {
	nonce       string
	redirectURI string
	challenge   string
	identity    Identity
}

// Provider is a running fake IdP.
type Provider struct {
	t      testing.TB
	server *httptest.Server
	key    *rsa.PrivateKey

	mu            sync.Mutex
	identity      Identity
	codes         map[string]grant
	tokenStatus   int
	tokenDelay    time.Duration
	malformed     bool
	omitIDToken   bool
	audience      string
	nonceOverride string
	tokenTTL      time.Duration
	tokenRequests int
}

// Start launches a provider and stops it when the test ends.
func Start(t testing.TB) *Provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	p := &Provider{
		t:        t,
		key:      key,
		codes:    map[string]grant{},
		tokenTTL: 5 * time.Minute,
		identity: Identity{
			Subject: "google-oauth2|1001",
			Email:   "ada@example.com",
			Name:    "Ada Lovelace",
			Picture: "https://example.com/ada.png",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /jwks", p.handleJWKS)
	mux.HandleFunc("GET /authorize", p.handleAuthorize)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("GET /logout", p.handleLogout)
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

// Issuer returns the provider issuer URL.
func (p *Provider) Issuer() string { return p.server.URL }

// Client returns an HTTP client that trusts the provider.
func (p *Provider) Client() *http.Client { return p.server.Client() }

// SetIdentity changes the user returned by later authorizations.
func (p *Provider) SetIdentity(identity Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = identity
}

// FailTokenRequests makes the token endpoint answer with status.
func (p *Provider) FailTokenRequests(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
}

// DelayTokenResponse makes the token endpoint wait d before answering, or
// until the client gives up.
func (p *Provider) DelayTokenResponse(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenDelay = d
}

// MalformedTokenResponse makes the token endpoint answer 200 with a body that
// is not valid JSON.
func (p *Provider) MalformedTokenResponse() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.malformed = true
}

// OmitIDToken drops id_token from token responses.
func (p *Provider) OmitIDToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// SetAudience overrides the ID token audience.
func (p *Provider) SetAudience(aud string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audience = aud
}

// SetNonce forces every ID token to carry nonce instead of the requested one.
func (p *Provider) SetNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceOverride = nonce
}

// SetTokenTTL changes the ID token lifetime; negative values mint expired tokens.
func (p *Provider) SetTokenTTL(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenTTL = ttl
}

// TokenRequests reports how many token requests the provider served.
func (p *Provider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// IssueCode registers a single-use code as if the user had signed in with
// the given nonce. The token endpoint only redeems it with verifier.
func (p *Provider) IssueCode(nonce, redirectURI, verifier string) string {
	return p.issueCode(nonce, redirectURI, oauth2.S256ChallengeFromVerifier(verifier))
}

func (p *Provider) issueCode(nonce, redirectURI, challenge string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := randomString(p.t)
	p.codes[code] = grant{nonce: nonce, redirectURI: redirectURI, challenge: challenge, identity: p.identity}
	return code
}

// SignIDToken signs arbitrary claims with the provider key.
func (p *Provider) SignIDToken(claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(p.key)
	if err != nil {
		p.t.Fatalf("sign id token: %v", err)
	}
	return signed
}

// Authorize follows authURL like a browser that signs in immediately and
// returns the code and state delivered to the redirect URI.
func (p *Provider) Authorize(authURL string) (code, state string) {
	p.t.Helper()
	client := *p.server.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := client.Get(authURL)
	if err != nil {
		p.t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		p.t.Fatalf("authorize status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		p.t.Fatalf("parse authorize redirect: %v", err)
	}
	return loc.Query().Get("code"), loc.Query().Get("state")
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.Issuer() + "/authorize",
		"token_endpoint":                        p.Issuer() + "/token",
		"jwks_uri":                              p.Issuer() + "/jwks",
		"end_session_endpoint":                  p.Issuer() + "/logout",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	switch {
	case q.Get("response_type") != "code":
		http.Error(w, "unsupported_response_type", http.StatusBadRequest)
		return
	case q.Get("client_id") != ClientID:
		http.Error(w, "unauthorized_client", http.StatusBadRequest)
		return
	case !slices.Contains(strings.Fields(q.Get("scope")), "openid"):
		http.Error(w, "invalid_scope", http.StatusBadRequest)
		return
	case q.Get("state") == "" || redirectURI == "":
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	case q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "":
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	code := p.issueCode(q.Get("nonce"), redirectURI, q.Get("code_challenge"))
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	values := target.Query()
	values.Set("code", code)
	values.Set("state", q.Get("state"))
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.tokenRequests++
	delay := p.tokenDelay
	p.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.malformed {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "truncated`))
		return
	}
	if p.tokenStatus != 0 {
		writeJSON(w, p.tokenStatus, map[string]string{"error": "server_error"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != ClientID || clientSecret != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	code := r.PostForm.Get("code")
	g, found := p.codes[code]
	delete(p.codes, code)
	if !found || g.redirectURI != r.PostForm.Get("redirect_uri") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	verifier := r.PostForm.Get("code_verifier")
	if verifier == "" || oauth2.S256ChallengeFromVerifier(verifier) != g.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce verification failed"})
		return
	}

	nonce := g.nonce
	if p.nonceOverride != "" {
		nonce = p.nonceOverride
	}
	audience := ClientID
	if p.audience != "" {
		audience = p.audience
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   p.Issuer(),
		"sub":   g.identity.Subject,
		"aud":   audience,
		"iat":   now.Unix(),
		"exp":   now.Add(p.tokenTTL).Unix(),
		"nonce": nonce,
	}
	if g.identity.Email != "" {
		claims["email"] = g.identity.Email
		claims["email_verified"] = true
	}
	if g.identity.Name != "" {
		claims["name"] = g.identity.Name
	}
	if g.identity.Picture != "" {
		claims["picture"] = g.identity.Picture
	}

	reply := map[string]any{
		"access_token": randomString(p.t),
		"token_type":   "Bearer",
		"expires_in":   int(p.tokenTTL / time.Second),
	}
	if !p.omitIDToken {
		reply["id_token"] = p.SignIDToken(claims)
	}
	writeJSON(w, http.StatusOK, reply)
}

func (p *Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("post_logout_redirect_uri")
	if target == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func randomString(t testing.TB) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("random: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
