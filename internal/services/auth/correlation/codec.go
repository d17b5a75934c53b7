// Package correlation issues and verifies the short-lived token that ties a
// login redirect to its callback.
//
// The token carries a CSRF state, a replay nonce and the PKCE code verifier
// sent back to the provider at exchange. It lives only in an
// HttpOnly cookie as a compact JWE (dir + A256GCM) whose key never leaves the
// server, so the browser can hold it but not read or forge it. Callers clear
// the cookie on every callback, which makes each token single use.
package correlation

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/oauth2"

	apperrors "github.com/louisbranch/authbroker/internal/platform/errors"
)

const (
	// DefaultTTL bounds how long a user may take at the IdP.
	DefaultTTL = 10 * time.Minute

	// MinSecretLength is the minimum accepted secret size in bytes.
	MinSecretLength = 32

	randomBytes = 32
	hkdfInfo    = "authbroker correlation v1"
)

// Reasons recorded in CorrelationError metadata.
const (
	ReasonMalformed     = "malformed"
	ReasonExpired       = "expired"
	ReasonStateMismatch = "state_mismatch"
)

// ErrInvalid matches every correlation failure through errors.Is.
var ErrInvalid = apperrors.New(apperrors.CodeCorrelationInvalid, "correlation token invalid")

// Config holds the immutable key material and policy for a Codec.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// Token is the decoded content of a correlation cookie.
type Token struct {
	State     string
	Nonce     string
	Verifier  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type payload struct {
	State    string `json:"state"`
	Nonce    string `json:"nonce"`
	Verifier string `json:"pkce"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// Codec issues and verifies correlation tokens.
type Codec struct {
	key       []byte
	ttl       time.Duration
	now       func() time.Time
	encrypter jose.Encrypter
}

// NewCodec derives the content-encryption key from cfg.Secret with
// HKDF-SHA256 and returns a ready Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("correlation secret must be at least %d bytes", MinSecretLength)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	key, err := hkdf.Key(sha256.New, cfg.Secret, nil, hkdfInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("derive correlation key: %w", err)
	}
	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		(&jose.EncrypterOptions{}).WithContentType("correlation"),
	)
	if err != nil {
		return nil, fmt.Errorf("create encrypter: %w", err)
	}
	return &Codec{key: key, ttl: ttl, now: now, encrypter: encrypter}, nil
}

// TTL returns the lifetime applied to issued tokens.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue generates a fresh state, nonce and PKCE verifier and returns them with the opaque
// cookie value that carries them.
func (c *Codec) Issue() (Token, string, error) {
	state, err := randomValue()
	if err != nil {
		return Token{}, "", fmt.Errorf("generate state: %w", err)
	}
	nonce, err := randomValue()
	if err != nil {
		return Token{}, "", fmt.Errorf("generate nonce: %w", err)
	}

	issuedAt := c.now().UTC().Truncate(time.Second)
	token := Token{
		State:     state,
		Nonce:     nonce,
		Verifier:  oauth2.GenerateVerifier(),
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(c.ttl),
	}
	plaintext, err := json.Marshal(payload{
		State:    token.State,
		Nonce:    token.Nonce,
		Verifier: token.Verifier,
		IssuedAt: token.IssuedAt.Unix(),
		Expires:  token.ExpiresAt.Unix(),
	})
	if err != nil {
		return Token{}, "", fmt.Errorf("encode correlation payload: %w", err)
	}
	obj, err := c.encrypter.Encrypt(plaintext)
	if err != nil {
		return Token{}, "", fmt.Errorf("encrypt correlation payload: %w", err)
	}
	value, err := obj.CompactSerialize()
	if err != nil {
		return Token{}, "", fmt.Errorf("serialize correlation token: %w", err)
	}
	return token, value, nil
}

// Verify decrypts value, checks expiry, and compares the embedded state with
// returnedState. It returns the decoded token on success.
func (c *Codec) Verify(value, returnedState string) (Token, error) {
	token, err := c.decode(value)
	if err != nil {
		return Token{}, err
	}
	if !c.now().Before(token.ExpiresAt) {
		return Token{}, invalid(ReasonExpired, nil)
	}
	if returnedState == "" || subtle.ConstantTimeCompare([]byte(token.State), []byte(returnedState)) != 1 {
		return Token{}, invalid(ReasonStateMismatch, nil)
	}
	return token, nil
}

func (c *Codec) decode(value string) (Token, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Token{}, invalid(ReasonMalformed, errors.New("empty token"))
	}
	obj, err := jose.ParseEncrypted(value,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return Token{}, invalid(ReasonMalformed, err)
	}
	plaintext, err := obj.Decrypt(c.key)
	if err != nil {
		return Token{}, invalid(ReasonMalformed, err)
	}
	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Token{}, invalid(ReasonMalformed, err)
	}
	if p.State == "" || p.Nonce == "" || p.Verifier == "" || p.Expires == 0 {
		return Token{}, invalid(ReasonMalformed, errors.New("incomplete payload"))
	}
	return Token{
		State:     p.State,
		Nonce:     p.Nonce,
		Verifier:  p.Verifier,
		IssuedAt:  time.Unix(p.IssuedAt, 0).UTC(),
		ExpiresAt: time.Unix(p.Expires, 0).UTC(),
	}, nil
}

func invalid(reason string, cause error) error {
	return apperrors.WrapWithMetadata(
		apperrors.CodeCorrelationInvalid,
		"correlation token "+reason,
		map[string]string{"reason": reason},
		cause,
	)
}

// ReasonOf returns the failure reason recorded on a correlation error.
func ReasonOf(err error) string {
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) || domainErr.Code != apperrors.CodeCorrelationInvalid {
		return ""
	}
	return domainErr.Metadata["reason"]
}

func randomValue() (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
