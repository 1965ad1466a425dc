package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

const RequestIDHeader = "X-Request-ID"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id stored by SetRequestID, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
func NewRequestID() string {
	return uuid.New().String()
}

// IncomingRequestID keeps a caller-supplied id when it is a UUID, so a
// request can be traced across a proxy; anything else is replaced.
func IncomingRequestID(header string) string {
	if u, err := uuid.Parse(header); err == nil {
		return u.String()
	}
	return NewRequestID()
}
