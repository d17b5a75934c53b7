// Package requestctx carries the authenticated caller through request
// contexts.
package requestctx

import (
	"context"
	"strings"
)

type userIDContextKey struct{}

// WithUserID returns ctx carrying userID. Blank ids leave ctx unchanged.
func WithUserID(ctx context.Context, userID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	userID, ok := ctx.Value(userIDContextKey{}).(string)
	return userID, ok && userID != ""
}
