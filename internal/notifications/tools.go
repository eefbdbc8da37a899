package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/apcwatch/internal/safety"
	"github.com/jamesprial/apcwatch/internal/tools"
)

const (
	toolNameEventsList  = "events_list"
	toolNameEventsClear = "events_clear"
)

// DestructiveTools lists event tool names that require confirmation before
// execution.
var DestructiveTools = []string{toolNameEventsClear}

// EventTools returns the tool registrations for reading and clearing the
// event log.
func EventTools(src EventSource, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) []tools.Registration {
	return []tools.Registration{
		toolEventsList(src, audit),
		toolEventsClear(src, confirm, audit),
	}
}

// toolEventsList constructs the events_list Registration.
func toolEventsList(src EventSource, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameEventsList,
		mcp.WithDescription("List recent UPS events (status changes, battery cycles, voltage/frequency alerts, daemon events), newest last."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of events to return (default: 20, 0 for all)"),
		),
		mcp.WithBoolean("selftests_only",
			mcp.Description("Only return self-test related events"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()

		limit := req.GetInt("limit", 20)
		selfTests := req.GetBool("selftests_only", false)

		params := map[string]any{
			"limit":          limit,
			"selftests_only": selfTests,
		}

		if limit < 0 {
			msg := fmt.Sprintf("limit must be >= 0, got %d", limit)
			tools.LogAudit(audit, toolNameEventsList, params, "error: "+msg, start)
			return tools.ErrorResult(msg), nil
		}

		events := src.Events()
		if selfTests {
			events = SelfTests(events)
		}
		if limit > 0 && len(events) > limit {
			events = events[len(events)-limit:]
		}

		if len(events) == 0 {
			tools.LogAudit(audit, toolNameEventsList, params, "ok: empty", start)
			return mcp.NewToolResultText("No events recorded."), nil
		}

		tools.LogAudit(audit, toolNameEventsList, params, "ok", start)
		return mcp.NewToolResultText(strings.Join(events, "\n\n")), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// toolEventsClear constructs the events_clear Registration.
func toolEventsClear(src EventSource, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameEventsClear,
		mcp.WithDescription("Clear the event log and reset alert state. Requires a confirmation token."),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		token := req.GetString("confirmation_token", "")
		params := map[string]any{}

		if !confirm.Confirm(toolNameEventsClear, token) {
			n := len(src.Events())
			desc := fmt.Sprintf("This will discard %d event(s) and reset voltage/frequency alert state.", n)
			return tools.ConfirmPrompt(confirm, toolNameEventsClear, "event log", desc), nil
		}

		src.ClearEvents()

		tools.LogAudit(audit, toolNameEventsClear, params, "ok", start)
		return mcp.NewToolResultText("event log cleared"), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
