// Package kit holds the small transport-agnostic pieces shared by the HTTP
// and MCP surfaces: the Endpoint shape, request context keys, and the MCP
// tool registration helper.
package kit

import "context"

// Endpoint is a transport-agnostic request handler. The concrete request
// type is recovered by the endpoint itself (each registration site decodes
// into the type it expects).
type Endpoint func(ctx context.Context, req any) (any, error)

type contextKey string

const (
	// TransportKey records which surface a request arrived on: "http" or "mcp".
	TransportKey contextKey = "kit_transport"
	// RequestIDKey carries the per-request ID assigned at the edge.
	RequestIDKey contextKey = "kit_request_id"
)

// WithTransport tags ctx with the transport name.
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport returns the transport name, defaulting to "http".
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

// WithRequestID tags ctx with a request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID returns the request ID, or "" if none was set.
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}
