// Package auth is the identity broker boundary.
//
// It signs users in through an upstream OpenID Connect provider, binds the
// provider identity to a local user, and issues the broker's own access and
// refresh tokens so downstream services only ever verify broker credentials.
//
// Subpackages:
//   - app: process wiring and lifecycle
//   - broker: login orchestration across the other subpackages
//   - correlation: encrypted state/nonce cookie for the login round trip
//   - credential: access and refresh token issuance and verification
//   - httpapi: HTTP endpoints and bearer middleware
//   - idp: identity provider gateway (OIDC) and its test double
//   - storage: identity binding persistence and its SQLite implementation
//   - user: user and linked account model
package auth
