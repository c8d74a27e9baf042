package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/voxline/pkg/types"
)

// Builtin tool names. The pipeline matches on these to derive turn semantics
// (end_call marks the turn as the call's last).
const (
	// ToolEndCall politely ends the call after the current reply finishes
	// playing.
	ToolEndCall = "end_call"

	// ToolLeaveNote records a message from the caller for the operator.
	ToolLeaveNote = "leave_note"
)

// BuiltinTool represents a tool implemented as a Go function that runs
// in-process.
//
// Built-in tools bypass MCP protocol overhead: ExecuteTool calls the Handler
// directly without any network or subprocess round-trip. They are otherwise
// indistinguishable from external tools in the catalogue.
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the LLM.
	Definition types.ToolDefinition

	// Handler is the function invoked when ExecuteTool is called for this
	// tool. args is a JSON object string (e.g. "{}" or `{"key":"value"}`).
	// Returning a non-nil error marks the result as an error.
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin registers a built-in tool that is called in-process.
//
// If a tool with the same name is already registered it is replaced.
// RegisterBuiltin is safe for concurrent use.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tool host: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool host: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	entry := toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		builtinFn:  tool.Handler,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = entry
	return nil
}

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "__builtin__"

// EndCallTool returns the built-in tool the model invokes to hang up. The
// handler only confirms; the pipeline observes the tool name in the model's
// tool calls and ends the call after the reply has played out.
func EndCallTool() BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{
			Name: ToolEndCall,
			Description: "End the phone call politely. Use when the caller says goodbye, " +
				"asks to hang up, or the conversation has naturally concluded. " +
				"Say a short farewell in your reply before the call ends.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Handler: func(_ context.Context, _ string) (string, error) {
			return "The call will end after this reply.", nil
		},
	}
}

// LeaveNoteTool returns the built-in tool the model invokes to record a
// message from the caller. record is called with the note text and the
// execution context (carrying the call ID, see [CallIDFromContext]); it must
// not block.
func LeaveNoteTool(record func(ctx context.Context, note string)) BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{
			Name: ToolLeaveNote,
			Description: "Record a message from the caller for a human operator to read " +
				"later. Use when the caller asks to leave a message, report a problem, " +
				"or request a callback.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "The message to record, in the caller's own words.",
					},
				},
				"required": []any{"text"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var params struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(args), &params); err != nil {
				return "", fmt.Errorf("leave_note: invalid arguments: %w", err)
			}
			if strings.TrimSpace(params.Text) == "" {
				return "", fmt.Errorf("leave_note: text must not be empty")
			}
			if record != nil {
				record(ctx, params.Text)
			}
			return "Note recorded.", nil
		},
	}
}

// callIDKey is the context key for the call ID of the active tool execution.
type callIDKey struct{}

// WithCallID returns a context carrying the call ID, for tool handlers that
// need to know which call they run in. The pipeline attaches it before
// ExecuteTool.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallIDFromContext returns the call ID attached via [WithCallID], or ""
// when the context carries none.
func CallIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(callIDKey{}).(string); ok {
		return id
	}
	return ""
}
