package kit

import "context"

type contextKey string

// Values every audit entry wants to carry. The engine sets project, run
// key and session ID as a run progresses; transports set their own name
// before handing the context to an endpoint.
const (
	ProjectKey   contextKey = "kit_project"
	RunKeyKey    contextKey = "kit_run_key"
	TransportKey contextKey = "kit_transport" // "cli", "http", "mcp"
	RequestIDKey contextKey = "kit_request_id"
	SessionIDKey contextKey = "kit_session_id"
)

func withString(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func getString(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func WithProject(ctx context.Context, p string) context.Context { return withString(ctx, ProjectKey, p) }
func GetProject(ctx context.Context) string                     { return getString(ctx, ProjectKey) }

func WithRunKey(ctx context.Context, k string) context.Context { return withString(ctx, RunKeyKey, k) }
func GetRunKey(ctx context.Context) string                     { return getString(ctx, RunKeyKey) }

func WithTransport(ctx context.Context, t string) context.Context {
	return withString(ctx, TransportKey, t)
}

// GetTransport defaults to "cli", the transport that needs no middleware
// to set it.
func GetTransport(ctx context.Context) string {
	if v := getString(ctx, TransportKey); v != "" {
		return v
	}
	return "cli"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string { return getString(ctx, RequestIDKey) }

func WithSessionID(ctx context.Context, id string) context.Context {
	return withString(ctx, SessionIDKey, id)
}
func GetSessionID(ctx context.Context) string { return getString(ctx, SessionIDKey) }
