// Package tools holds the shared plumbing of the MCP tool handlers: result
// builders, audit logging and the confirmation prompt.
package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jamesprial/apcwatch/internal/safety"
)

// JSONResult marshals v to indented JSON and returns it as a text result.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("marshaling result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// ErrorResult returns a result flagged as an error whose text is
// "error: <msg>".
func ErrorResult(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultError("error: " + msg)
}

// LogAudit logs a tool invocation to the audit logger. A nil logger is a
// no-op.
func LogAudit(audit *safety.AuditLogger, toolName string, params map[string]any, result string, start time.Time) {
	if audit == nil {
		return
	}
	_ = audit.Log(safety.AuditEntry{
		Timestamp: start,
		Tool:      toolName,
		Params:    params,
		Result:    result,
		Duration:  time.Since(start),
	})
}

// ConfirmPrompt issues a confirmation token for toolName and returns the
// prompt telling the caller how to proceed.
func ConfirmPrompt(confirm *safety.ConfirmationTracker, toolName, resource, description string) *mcp.CallToolResult {
	token := confirm.RequestConfirmation(toolName, resource, description)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Confirmation required for %s on %q.\n\n%s\n\nTo proceed, call %s again with the same arguments and confirmation_token=%q.",
		toolName, resource, description, toolName, token,
	))
}
