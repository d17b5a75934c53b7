// Package idp talks to external identity providers over the OAuth2
// authorization-code flow and verifies the identity assertions they return.
//
// Gateway is the capability every provider implements; additional providers
// are added as new implementations rather than branches in the broker.
package idp

import "context"

// Gateway performs the provider-facing half of a login.
type Gateway interface {
	// Name is the provider label stored on linked accounts.
	Name() string
	// AuthorizationURL builds the provider redirect for one login attempt,
	// including the S256 challenge derived from verifier. It performs no
	// network calls.
	AuthorizationURL(state, nonce, verifier string) string
	// Exchange trades a one-time authorization code and its PKCE verifier
	// for an assertion. Failures are never retried since codes are single use.
	Exchange(ctx context.Context, code, verifier string) (Assertion, error)
	// VerifyAssertion checks the assertion's signature, issuer, audience,
	// expiry and nonce, and extracts the identity it asserts.
	VerifyAssertion(ctx context.Context, a Assertion, expectedNonce string) (Identity, error)
	// LogoutURL returns the provider logout endpoint that sends the browser
	// back to returnTo.
	LogoutURL(returnTo string) (string, error)
}

// Assertion is the raw output of a code exchange.
type Assertion struct {
	IDToken     string
	AccessToken string
}

// Identity is the verified subject extracted from an assertion.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}
