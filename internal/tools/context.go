package tools

import "context"

type contextKey string

const sessionIDKey contextKey = "session_id"

// DefaultSessionID is used when no session is attached.
const DefaultSessionID = "default"

// WithSessionID attaches the session a dispatch runs for. Session-scoped
// providers (memory) read it back with [SessionIDFromContext].
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext returns the session id, or [DefaultSessionID].
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		return id
	}
	return DefaultSessionID
}
