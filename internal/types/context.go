package types

import "context"

type contextKey string

// requestIDKey carries the inbound request id, or the trace id of a forward
// job, so CRM calls can echo it in X-Request-Id.
const requestIDKey contextKey = "request_id"

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID, or "" when none is set.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
