// Package kit holds the transport-neutral endpoint abstraction shared by
// the CLI, HTTP status surface, and MCP tools: an Endpoint is a function
// from a typed request to a typed response, and middleware wraps endpoints
// without knowing which transport invoked them.
package kit

import "context"

// Endpoint is the fundamental unit of request handling.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with additional behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares left to right: the first middleware is the
// outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
