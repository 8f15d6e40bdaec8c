package context

import (
	"context"
	"crypto/rand"
	"encoding/base64"
)

type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// CredentialIDKey is the context key for the credential reference
	CredentialIDKey contextKey = "credential_id"
	// CallerKey is the context key for the caller identity set by the boundary
	CallerKey contextKey = "caller"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithCredentialID adds a credential reference to the context. The engine
// only ever sees the reference, never the secret itself.
func WithCredentialID(ctx context.Context, credentialID string) context.Context {
	return context.WithValue(ctx, CredentialIDKey, credentialID)
}

// GetCredentialID retrieves the credential reference from context
func GetCredentialID(ctx context.Context) string {
	if id, ok := ctx.Value(CredentialIDKey).(string); ok {
		return id
	}
	return ""
}

// WithCaller adds the caller identity to the context
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// GetCaller retrieves the caller identity from context
func GetCaller(ctx context.Context) string {
	if c, ok := ctx.Value(CallerKey).(string); ok {
		return c
	}
	return ""
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
