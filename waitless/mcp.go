package waitless

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/waitless/kit"
)

// RegisterMCP registers the waitless tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	e := s.Endpoints()

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "waitless_open",
		Description: "Open an instrumented browser tab. Instrumentation is attached before the URL loads.",
		InputSchema: inputSchema(map[string]any{
			"url":        map[string]any{"type": "string", "description": "URL to load"},
			"on_timeout": map[string]any{"type": "string", "enum": []any{OnTimeoutProceed, OnTimeoutAbort}, "description": "Action policy when the page never settles"},
			"stability":  stabilitySchema(),
		}, nil),
	}, e.Open, kit.DecodeJSON[OpenRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "waitless_wait",
		Description: "Block until the page is stable (DOM, network and animations quiet) or the max wait elapses. Returns the stability report either way.",
		InputSchema: inputSchema(waitProperties(), []string{"session_id"}),
	}, e.Wait, kit.DecodeJSON[WaitRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "waitless_diagnostics",
		Description: "Read-only view of what currently blocks stability: pending requests, time since last mutation, active animations.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, []string{"session_id"}),
	}, e.Diagnostics, kit.DecodeJSON[SessionRequest]())

	props := waitProperties()
	props["kind"] = map[string]any{"type": "string", "enum": []any{ActionClick, ActionType, ActionNavigate}}
	props["selector"] = map[string]any{"type": "string", "description": "CSS selector for click and type"}
	props["text"] = map[string]any{"type": "string", "description": "Text to type"}
	props["url"] = map[string]any{"type": "string", "description": "URL to navigate to"}
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "waitless_action",
		Description: "Wait for stability, then click, type or navigate. The session policy decides what happens when the page never settles.",
		InputSchema: inputSchema(props, []string{"session_id", "kind"}),
	}, e.Action, kit.DecodeJSON[ActionRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "waitless_close",
		Description: "Close a session and its tab.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, []string{"session_id"}),
	}, e.Close, kit.DecodeJSON[SessionRequest]())
}

// inputSchema builds a JSON Schema object with type "object".
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

func waitProperties() map[string]any {
	ms := func(desc string) map[string]any {
		return map[string]any{"type": "integer", "minimum": 0, "description": desc}
	}
	return map[string]any{
		"session_id":          map[string]any{"type": "string"},
		"max_wait_ms":         ms("Hard timeout"),
		"poll_interval_ms":    ms("Polling granularity"),
		"mutation_settle_ms":  ms("Quiet period after the last DOM mutation"),
		"network_idle_ms":     ms("Quiet period with no request in flight"),
		"animation_settle_ms": ms("Quiet period after the last animation"),
		"ignore_signals": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string", "enum": []any{"mutation", "network", "animation"}},
		},
	}
}

func stabilitySchema() map[string]any {
	ms := func(desc string) map[string]any {
		return map[string]any{"type": "integer", "minimum": 0, "description": desc}
	}
	strs := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mutation_settle_time":       ms("Milliseconds"),
			"network_idle_time":          ms("Milliseconds"),
			"animation_settle_time":      ms("Milliseconds"),
			"max_wait_time":              ms("Milliseconds"),
			"poll_interval":              ms("Milliseconds"),
			"ignore_urls":                strs,
			"ignore_animation_selectors": strs,
			"ignore_signals":             strs,
		},
	}
}
