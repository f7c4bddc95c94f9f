// Package middleware implements the fixed HTTP chain in front of the API:
// trusted hosts, CORS, security headers, throttling, request logging, SDK
// header validation, and panic recovery.
package middleware

import (
	"context"

	"github.com/bradax/broker/internal/auth"
	"github.com/bradax/broker/internal/core"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	principalKey contextKey = "principal"
	telemetryKey contextKey = "telemetry_headers"
)

// WithRequestID attaches the request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request id assigned at ingress.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithPrincipal attaches the authenticated principal to the context.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the authenticated principal, or nil on
// unauthenticated routes.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// WithTelemetryHeaders attaches the validated SDK headers to the context.
func WithTelemetryHeaders(ctx context.Context, th core.TelemetryHeaders) context.Context {
	return context.WithValue(ctx, telemetryKey, th)
}

// TelemetryHeadersFrom returns the SDK headers captured at ingress.
func TelemetryHeadersFrom(ctx context.Context) core.TelemetryHeaders {
	th, _ := ctx.Value(telemetryKey).(core.TelemetryHeaders)
	return th
}
