package credential

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/authbroker/internal/platform/errors"
)

var (
	accessSecret  = bytes.Repeat([]byte("a"), 32)
	refreshSecret = bytes.Repeat([]byte("r"), 32)
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestIssuer(t *testing.T, c *clock) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(Config{
		AccessSecret:  accessSecret,
		RefreshSecret: refreshSecret,
		Issuer:        "https://broker.example.com",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Now:           c.Now,
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuer
}

func TestNewIssuerValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"short access secret", Config{AccessSecret: []byte("short"), RefreshSecret: refreshSecret, Issuer: "x"}},
		{"short refresh secret", Config{AccessSecret: accessSecret, RefreshSecret: []byte("short"), Issuer: "x"}},
		{"equal secrets", Config{AccessSecret: accessSecret, RefreshSecret: accessSecret, Issuer: "x"}},
		{"missing issuer", Config{AccessSecret: accessSecret, RefreshSecret: refreshSecret}},
		{"refresh not longer than access", Config{AccessSecret: accessSecret, RefreshSecret: refreshSecret, Issuer: "x", AccessTTL: time.Hour, RefreshTTL: time.Hour}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewIssuer(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewIssuerDefaults(t *testing.T) {
	issuer, err := NewIssuer(Config{AccessSecret: accessSecret, RefreshSecret: refreshSecret, Issuer: "x"})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	if issuer.AccessTTL() != DefaultAccessTTL || issuer.RefreshTTL() != DefaultRefreshTTL {
		t.Fatalf("unexpected ttls: %v %v", issuer.AccessTTL(), issuer.RefreshTTL())
	}
}

func TestIssuePairRoundTrip(t *testing.T) {
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	issuer := newTestIssuer(t, c)

	pair, err := issuer.IssuePair("user-1")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if pair.TokenType != "Bearer" || pair.ExpiresIn != 900 {
		t.Fatalf("unexpected pair metadata: %+v", pair)
	}
	if !pair.RefreshExpiresAt.Equal(c.now.Add(7 * 24 * time.Hour)) {
		t.Fatalf("refresh expiry = %v", pair.RefreshExpiresAt)
	}

	userID, err := issuer.VerifyAccess(pair.AccessToken)
	if err != nil || userID != "user-1" {
		t.Fatalf("verify access = %q, %v", userID, err)
	}
	userID, err = issuer.VerifyRefresh(pair.RefreshToken)
	if err != nil || userID != "user-1" {
		t.Fatalf("verify refresh = %q, %v", userID, err)
	}
}

func TestIssuePairRequiresUserID(t *testing.T) {
	issuer := newTestIssuer(t, &clock{now: time.Now()})
	if _, err := issuer.IssuePair("  "); err == nil {
		t.Fatal("expected error")
	}
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	issuer := newTestIssuer(t, &clock{now: time.Now()})
	pair, err := issuer.IssuePair("user-1")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	if _, err := issuer.VerifyAccess(pair.RefreshToken); apperrors.CodeOf(err) != apperrors.CodeTokenWrongKind {
		t.Fatalf("refresh as access: expected wrong kind, got %v", err)
	}
	if _, err := issuer.VerifyRefresh(pair.AccessToken); apperrors.CodeOf(err) != apperrors.CodeTokenWrongKind {
		t.Fatalf("access as refresh: expected wrong kind, got %v", err)
	}
}

func TestVerifyRejectsForgedKind(t *testing.T) {
	now := time.Now()
	issuer := newTestIssuer(t, &clock{now: now})

	// Claims say refresh, but the signature uses the access key.
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://broker.example.com",
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{"https://broker.example.com"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Kind: KindRefresh,
	})
	signed, err := forged.SignedString(accessSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := issuer.VerifyRefresh(signed); apperrors.CodeOf(err) != apperrors.CodeTokenMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	now := time.Now()
	issuer := newTestIssuer(t, &clock{now: now})
	pair, err := issuer.IssuePair("user-1")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	foreign, err := NewIssuer(Config{
		AccessSecret:  bytes.Repeat([]byte("x"), 32),
		RefreshSecret: bytes.Repeat([]byte("y"), 32),
		Issuer:        "https://broker.example.com",
	})
	if err != nil {
		t.Fatalf("foreign issuer: %v", err)
	}
	foreignPair, err := foreign.IssuePair("user-1")
	if err != nil {
		t.Fatalf("foreign pair: %v", err)
	}

	otherIssuer, err := NewIssuer(Config{AccessSecret: accessSecret, RefreshSecret: refreshSecret, Issuer: "https://other.example.com"})
	if err != nil {
		t.Fatalf("other issuer: %v", err)
	}
	otherPair, err := otherIssuer.IssuePair("user-1")
	if err != nil {
		t.Fatalf("other pair: %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		Kind:             KindAccess,
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"truncated signature", pair.AccessToken[:len(pair.AccessToken)-4]},
		{"foreign key", foreignPair.AccessToken},
		{"foreign issuer", otherPair.AccessToken},
		{"alg none", unsigned},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := issuer.VerifyAccess(tc.token)
			if apperrors.CodeOf(err) != apperrors.CodeTokenMalformed {
				t.Fatalf("expected malformed, got %v", err)
			}
			if !apperrors.CodeOf(err).IsTokenError() {
				t.Fatal("expected token error family")
			}
		})
	}
}

func TestVerifyAccessExpired(t *testing.T) {
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	issuer := newTestIssuer(t, c)
	pair, err := issuer.IssuePair("user-1")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	c.now = c.now.Add(15 * time.Minute)
	_, err = issuer.VerifyAccess(pair.AccessToken)
	if !errors.Is(err, apperrors.New(apperrors.CodeTokenExpired, "")) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestRotate(t *testing.T) {
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	issuer := newTestIssuer(t, c)
	pair, err := issuer.IssuePair("user-1")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	rotated, err := issuer.Rotate(pair.RefreshToken)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.AccessToken == pair.AccessToken || rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("expected brand-new tokens")
	}
	if userID, err := issuer.VerifyAccess(rotated.AccessToken); err != nil || userID != "user-1" {
		t.Fatalf("verify rotated access = %q, %v", userID, err)
	}
	// No revocation list: the old refresh token keeps working until expiry.
	if _, err := issuer.VerifyRefresh(pair.RefreshToken); err != nil {
		t.Fatalf("old refresh token: %v", err)
	}
}

func TestRotateExpiredRefresh(t *testing.T) {
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	issuer := newTestIssuer(t, c)
	pair, err := issuer.IssuePair("user-1")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	c.now = c.now.Add(8 * 24 * time.Hour)
	if _, err := issuer.Rotate(pair.RefreshToken); apperrors.CodeOf(err) != apperrors.CodeTokenExpired {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestRotateRejectsAccessToken(t *testing.T) {
	issuer := newTestIssuer(t, &clock{now: time.Now()})
	pair, err := issuer.IssuePair("user-1")
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if _, err := issuer.Rotate(pair.AccessToken); apperrors.CodeOf(err) != apperrors.CodeTokenWrongKind {
		t.Fatalf("expected wrong kind, got %v", err)
	}
}
