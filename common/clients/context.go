package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// UserIDKey carries the acting user through outbound requests, so task
// assignment and completion are attributed server-side.
const UserIDKey contextKey = "user-id"

// WithUserID attaches a user id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID reads the user id from the context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}
