package mirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chatmirror/audit"
	"github.com/hazyhaar/chatmirror/kit"
	"github.com/hazyhaar/chatmirror/runkey"
)

// RegisterMCP registers the mirror tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerSyncTool(srv)
	e.registerSetTopicTool(srv)
	e.registerRunKeyTool(srv)
	e.registerAuditTailTool(srv)
}

// audited wraps a tool endpoint so every invocation leaves a trail
// entry, whatever transport context the call carries.
func (e *Engine) audited(name string, endpoint kit.Endpoint) kit.Endpoint {
	if e.auditor == nil {
		return endpoint
	}
	return audit.Middleware(e.auditor, name)(endpoint)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- sync ---

func (e *Engine) registerSyncTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mirror_sync",
		Description: "Run one chat-to-document sync for a configured project.",
		InputSchema: inputSchema(map[string]any{
			"project": map[string]any{"type": "string", "description": "Project name from the config"},
			"since":   map[string]any{"type": "string", "description": "Lower time bound (ts or ISO datetime)"},
			"query":   map[string]any{"type": "string", "description": "Free-text search instead of history"},
			"dry_run": map[string]any{"type": "boolean", "description": "Extract without writing"},
		}, []string{"project"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*RunRequest)
		return e.Run(ctx, *r)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r RunRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, e.audited("tool_sync", endpoint), decode)
}

// --- set topic ---

type setTopicReq struct {
	Channel string `json:"channel"`
	Topic   string `json:"topic"`
}

type setTopicResp struct {
	Channel string `json:"channel"`
	Updated bool   `json:"updated"`
}

func (e *Engine) registerSetTopicTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mirror_set_topic",
		Description: "Set a chat channel topic.",
		InputSchema: inputSchema(map[string]any{
			"channel": map[string]any{"type": "string", "description": "Channel ID"},
			"topic":   map[string]any{"type": "string", "description": "New topic text"},
		}, []string{"channel", "topic"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*setTopicReq)
		if err := e.SetTopic(ctx, r.Channel, r.Topic); err != nil {
			return nil, err
		}
		return setTopicResp{Channel: r.Channel, Updated: true}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r setTopicReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, e.audited("tool_set_topic", endpoint), decode)
}

// --- run key ---

type runKeyReq struct {
	Project string `json:"project"`
	Since   string `json:"since,omitempty"`
	Query   string `json:"query,omitempty"`
	Date    string `json:"date,omitempty"` // YYYY-MM-DD, default today
}

type runKeyResp struct {
	RunKey string `json:"run_key"`
}

func (e *Engine) registerRunKeyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mirror_run_key",
		Description: "Derive the deterministic run key for a project, selector and date.",
		InputSchema: inputSchema(map[string]any{
			"project": map[string]any{"type": "string", "description": "Project name"},
			"since":   map[string]any{"type": "string", "description": "Lower time bound of the selector"},
			"query":   map[string]any{"type": "string", "description": "Search query of the selector"},
			"date":    map[string]any{"type": "string", "description": "Run date YYYY-MM-DD, default today"},
		}, []string{"project"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*runKeyReq)
		asOf := e.now()
		if r.Date != "" {
			t, err := time.Parse("2006-01-02", r.Date)
			if err != nil {
				return nil, err
			}
			asOf = t
		}
		key := runkey.Derive(r.Project, runkey.Selector(r.Since, r.Query), asOf)
		return runKeyResp{RunKey: key.String()}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r runKeyReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, e.audited("tool_run_key", endpoint), decode)
}

// --- audit tail ---

type auditTailReq struct {
	Limit int `json:"limit,omitempty"`
}

func (e *Engine) registerAuditTailTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mirror_audit_tail",
		Description: "Return the most recent audit trail entries.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max entries, default 20"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*auditTailReq)
		if e.auditor == nil {
			return []audit.Entry{}, nil
		}
		return e.auditor.Tail(ctx, r.Limit)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r auditTailReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	// Tailing the trail is deliberately not audited: reading entries must
	// not generate new ones.
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
