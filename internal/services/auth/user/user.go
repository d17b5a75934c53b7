package user

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/authbroker/internal/platform/errors"
	"github.com/louisbranch/authbroker/internal/platform/id"
)

var (
	// ErrEmptyProvider indicates a profile without a provider label.
	ErrEmptyProvider = apperrors.New(apperrors.CodeAssertionInvalid, "provider is required")
	// ErrEmptySubject indicates a profile without an IdP subject identifier.
	ErrEmptySubject = apperrors.New(apperrors.CodeAssertionInvalid, "subject is required")
)

// User represents a person known to the broker.
type User struct {
	ID          string
	DisplayName string
	Email       string
	Picture     string
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// LinkedAccount binds one IdP-side identity to a User.
type LinkedAccount struct {
	ID         string
	UserID     string
	Provider   string
	Subject    string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Profile is the verified identity reported by an IdP for one callback.
type Profile struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
	Picture     string
}

// NormalizeProfile trims profile fields, lowercases the email, and fills an
// empty display name from the email, then the subject.
func NormalizeProfile(p Profile) (Profile, error) {
	p.Provider = strings.TrimSpace(p.Provider)
	p.Subject = strings.TrimSpace(p.Subject)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	p.Picture = strings.TrimSpace(p.Picture)
	if p.Provider == "" {
		return Profile{}, ErrEmptyProvider
	}
	if p.Subject == "" {
		return Profile{}, ErrEmptySubject
	}
	if p.DisplayName == "" {
		p.DisplayName = firstNonEmpty(p.Email, p.Subject)
	}
	return p, nil
}

// NewBinding creates the User and LinkedAccount for a first-time profile.
// Both records share the same creation timestamp.
func NewBinding(p Profile, now func() time.Time, idGenerator func() (string, error)) (User, LinkedAccount, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	normalized, err := NormalizeProfile(p)
	if err != nil {
		return User{}, LinkedAccount{}, err
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, LinkedAccount{}, fmt.Errorf("generate user id: %w", err)
	}
	accountID, err := idGenerator()
	if err != nil {
		return User{}, LinkedAccount{}, fmt.Errorf("generate linked account id: %w", err)
	}

	createdAt := now().UTC()
	u := User{
		ID:          userID,
		DisplayName: normalized.DisplayName,
		Email:       normalized.Email,
		Picture:     normalized.Picture,
		CreatedAt:   createdAt,
		LastSeenAt:  createdAt,
	}
	account := LinkedAccount{
		ID:         accountID,
		UserID:     userID,
		Provider:   normalized.Provider,
		Subject:    normalized.Subject,
		CreatedAt:  createdAt,
		LastUsedAt: createdAt,
	}
	return u, account, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
