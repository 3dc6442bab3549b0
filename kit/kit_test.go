package kit

import (
	"context"
	"errors"
	"testing"
)

func TestChain_Order(t *testing.T) {
	var trace []string

	named := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				trace = append(trace, name+">")
				resp, err := next(ctx, req)
				trace = append(trace, "<"+name)
				return resp, err
			}
		}
	}

	ep := func(_ context.Context, _ any) (any, error) {
		trace = append(trace, "ep")
		return "done", nil
	}

	resp, err := Chain(named("audit"), named("limit"))(ep)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "done" {
		t.Fatalf("response: got %v", resp)
	}

	want := []string{"audit>", "limit>", "ep", "<limit", "<audit"}
	if len(trace) != len(want) {
		t.Fatalf("trace: got %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d]: got %q, want %q", i, trace[i], want[i])
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	ep := func(_ context.Context, _ any) (any, error) { return nil, errFail }
	noop := func(next Endpoint) Endpoint { return next }

	if _, err := Chain(noop)(ep)(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestContextAccessors(t *testing.T) {
	tests := []struct {
		name string
		set  func(context.Context, string) context.Context
		get  func(context.Context) string
	}{
		{"project", WithProject, GetProject},
		{"run_key", WithRunKey, GetRunKey},
		{"request_id", WithRequestID, GetRequestID},
		{"session_id", WithSessionID, GetSessionID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := tt.get(context.Background()); v != "" {
				t.Fatalf("empty context: got %q", v)
			}
			ctx := tt.set(context.Background(), "val-"+tt.name)
			if v := tt.get(ctx); v != "val-"+tt.name {
				t.Fatalf("after set: got %q", v)
			}
		})
	}
}

func TestTransportDefaultsToCLI(t *testing.T) {
	if v := GetTransport(context.Background()); v != "cli" {
		t.Fatalf("default transport: got %q, want cli", v)
	}
	if v := GetTransport(WithTransport(context.Background(), "mcp")); v != "mcp" {
		t.Fatalf("transport: got %q", v)
	}
}
