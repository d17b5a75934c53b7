// Package credential mints and verifies the broker's own access and refresh
// tokens. The tokens are HS256 JWTs independent of any IdP format; each kind
// is signed with its own key so one kind can never stand in for the other.
package credential

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/authbroker/internal/platform/errors"
)

// Kind distinguishes access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

const (
	// DefaultAccessTTL is the access token lifetime when none is configured.
	DefaultAccessTTL = 15 * time.Minute
	// DefaultRefreshTTL is the refresh token lifetime when none is configured.
	DefaultRefreshTTL = 7 * 24 * time.Hour
	// MinSecretLength is the minimum accepted signing secret size in bytes.
	MinSecretLength = 32

	// TokenType is the OAuth token type reported with every pair.
	TokenType = "Bearer"

	signingMethod = "HS256"
)

// Config holds the immutable key material and expiry policy for an Issuer.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Now           func() time.Time
}

// Pair is a freshly minted access and refresh token.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

type claims struct {
	jwt.RegisteredClaims
	Kind Kind `json:"kind"`
}

// Issuer mints and verifies credential pairs.
type Issuer struct {
	accessKey  []byte
	refreshKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer validates cfg and returns an Issuer. The two secrets must each be
// at least MinSecretLength bytes and must differ.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.AccessSecret) < MinSecretLength {
		return nil, fmt.Errorf("access token secret must be at least %d bytes", MinSecretLength)
	}
	if len(cfg.RefreshSecret) < MinSecretLength {
		return nil, fmt.Errorf("refresh token secret must be at least %d bytes", MinSecretLength)
	}
	if bytes.Equal(cfg.AccessSecret, cfg.RefreshSecret) {
		return nil, errors.New("access and refresh token secrets must differ")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if refreshTTL <= accessTTL {
		return nil, errors.New("refresh token ttl must exceed access token ttl")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		accessKey:  slices.Clone(cfg.AccessSecret),
		refreshKey: slices.Clone(cfg.RefreshSecret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssuePair mints a new access and refresh token for userID.
func (i *Issuer) IssuePair(userID string) (Pair, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Pair{}, errors.New("user id is required")
	}
	now := i.now().UTC().Truncate(time.Second)

	access, accessExp, err := i.sign(userID, KindAccess, now)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshExp, err := i.sign(userID, KindRefresh, now)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        TokenType,
		ExpiresIn:        int64(i.accessTTL / time.Second),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccess returns the user id carried by a valid access token.
func (i *Issuer) VerifyAccess(token string) (string, error) {
	return i.verify(token, KindAccess)
}

// VerifyRefresh returns the user id carried by a valid refresh token.
func (i *Issuer) VerifyRefresh(token string) (string, error) {
	return i.verify(token, KindRefresh)
}

// Rotate verifies a refresh token and mints a brand-new pair for its user.
// The presented refresh token stays valid until its own expiry.
func (i *Issuer) Rotate(refreshToken string) (Pair, error) {
	userID, err := i.VerifyRefresh(refreshToken)
	if err != nil {
		return Pair{}, err
	}
	return i.IssuePair(userID)
}

func (i *Issuer) sign(userID string, kind Kind, now time.Time) (string, time.Time, error) {
	jti, err := newTokenID()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token id: %w", err)
	}
	expiresAt := now.Add(i.ttlFor(kind))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{i.issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		Kind: kind,
	})
	signed, err := token.SignedString(i.keyFor(kind))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, expiresAt, nil
}

func (i *Issuer) verify(token string, expected Kind) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeTokenMalformed, "token is required")
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*claims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		key := i.keyFor(c.Kind)
		if key == nil {
			return nil, fmt.Errorf("unknown token kind %q", c.Kind)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{signingMethod}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", mapJWTError(err)
	}

	if parsed.Kind != expected {
		return "", apperrors.WithMetadata(
			apperrors.CodeTokenWrongKind,
			"token kind mismatch",
			map[string]string{"Expected": string(expected), "Actual": string(parsed.Kind)},
		)
	}
	if parsed.Issuer != i.issuer || !slices.Contains(parsed.Audience, i.issuer) {
		return "", apperrors.New(apperrors.CodeTokenMalformed, "token issuer or audience mismatch")
	}
	if parsed.Subject == "" {
		return "", apperrors.New(apperrors.CodeTokenMalformed, "token subject is required")
	}
	if parsed.ExpiresAt == nil {
		return "", apperrors.New(apperrors.CodeTokenMalformed, "token exp is required")
	}
	if !parsed.ExpiresAt.Time.After(i.now()) {
		return "", apperrors.New(apperrors.CodeTokenExpired, "token is expired")
	}
	return parsed.Subject, nil
}

func (i *Issuer) keyFor(kind Kind) []byte {
	switch kind {
	case KindAccess:
		return i.accessKey
	case KindRefresh:
		return i.refreshKey
	default:
		return nil
	}
}

func (i *Issuer) ttlFor(kind Kind) time.Duration {
	if kind == KindRefresh {
		return i.refreshTTL
	}
	return i.accessTTL
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeTokenExpired, "token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeTokenMalformed, "token signature is invalid", err)
	default:
		return apperrors.Wrap(apperrors.CodeTokenMalformed, "token is malformed", err)
	}
}

func newTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
