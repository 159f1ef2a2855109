// Package contextkeys provides centralized context key definitions.
//
// All context keys shared across packages are defined here. This prevents
// typos and makes key usage discoverable.
package contextkeys

import (
	"context"
	"time"

	"github.com/depotlab/commons/pkg/auth"
)

// Key is the type for context keys to prevent collisions.
type Key string

const (
	// IdentityKey contains the auth.Identity of the caller.
	// Set by: middleware.Identity (pkg/middleware/identity.go)
	// Used by: permission checks, audit trail
	IdentityKey Key = "identity"

	// RequestStartTimeKey contains the request start timestamp.
	// Set by: audit middleware
	// Used by: duration calculation for audit records
	RequestStartTimeKey Key = "request_start_time"

	// RequestIDKey contains the request correlation id.
	// Set by: middleware.RequestID
	// Used by: access logging
	RequestIDKey Key = "request_id"
)

// WithIdentity adds the caller identity to the context.
func WithIdentity(ctx context.Context, identity *auth.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetIdentity retrieves the caller identity from the context. Callers that
// never passed through the identity middleware resolve to Anonymous.
func GetIdentity(ctx context.Context) *auth.Identity {
	if identity, ok := ctx.Value(IdentityKey).(*auth.Identity); ok && identity != nil {
		return identity
	}
	return auth.Anonymous()
}

// WithRequestID adds the request correlation id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request correlation id, empty when unset.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithRequestStartTime adds the request start time to the context.
func WithRequestStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}

// GetRequestStartTime retrieves the request start time, zero when unset.
func GetRequestStartTime(ctx context.Context) time.Time {
	if startTime, ok := ctx.Value(RequestStartTimeKey).(time.Time); ok {
		return startTime
	}
	return time.Time{}
}
