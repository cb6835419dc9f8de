// Package reqid carries the per-request correlation id through the
// context. The id flows into logs, error envelopes, and the x-request-id
// response header.
package reqid

import "context"

// Header is the wire name of the request id, both inbound and outbound.
const Header = "x-request-id"

type ctxKey struct{}

// WithRequestID attaches the id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request id, or "" when none was assigned.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
