package audit

import (
	"context"
	"encoding/json"

	"github.com/hazyhaar/chatmirror/kit"
)

// Middleware audits every invocation of the wrapped endpoint. Entries
// are queued asynchronously so auditing never blocks the request path.
func Middleware(l *Logger, operation string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := l.now()
			resp, err := next(ctx, req)

			e := &Entry{
				Operation:  operation,
				RunKey:     kit.GetRunKey(ctx),
				Transport:  kit.GetTransport(ctx),
				DurationMs: l.now().Sub(start).Milliseconds(),
			}
			if req != nil {
				if data, merr := json.Marshal(req); merr == nil {
					e.Details = string(data)
				}
			}
			if err != nil {
				e.Status = StatusFailed
				e.Error = err.Error()
			}
			l.LogAsync(e)

			return resp, err
		}
	}
}
