package storage

import (
	"context"
	"time"

	"github.com/louisbranch/authbroker/internal/platform/errors"
	"github.com/louisbranch/authbroker/internal/services/auth/user"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// IdentityInput is one verified callback to bind.
type IdentityInput struct {
	Profile user.Profile
	// SeenAt stamps the user's last-seen and the account's last-used time.
	// Zero means now.
	SeenAt time.Time
}

// IdentityStore owns User and LinkedAccount records.
type IdentityStore interface {
	// UpsertIdentity binds the profile's (provider, subject) to exactly one
	// user, creating both records on first sight and refreshing the profile
	// afterwards. It returns the bound user id.
	UpsertIdentity(ctx context.Context, in IdentityInput) (string, error)
	GetUser(ctx context.Context, userID string) (user.User, error)
	ListLinkedAccounts(ctx context.Context, userID string) ([]user.LinkedAccount, error)
}
