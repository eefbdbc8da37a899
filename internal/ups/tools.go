package ups

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/apcwatch/internal/history"
	"github.com/jamesprial/apcwatch/internal/safety"
	"github.com/jamesprial/apcwatch/internal/tools"
)

const (
	toolNameUPSStatus  = "ups_status"
	toolNameUPSMetrics = "ups_metrics"
	toolNameUPSBattery = "ups_battery"
	toolNameUPSManage  = "ups_manage"
)

// ups_manage actions.
const (
	actionBatteryReplaced  = "battery_replaced"
	actionSetThresholds    = "set_thresholds"
	actionTestNotification = "test_notification"
	actionSendSummary      = "send_summary"
)

// DestructiveTools lists UPS tool names that require confirmation. Only the
// battery_replaced action of ups_manage asks for a token.
var DestructiveTools = []string{toolNameUPSManage}

// Controller is the monitor surface the tools need. *Monitor satisfies it.
type Controller interface {
	Snapshot() Snapshot
	Metrics(since time.Time) []history.Sample
	Battery() BatteryInfo
	Thresholds() Thresholds
	SetThresholds(th Thresholds) error
	SetBatteryReplaced(at time.Time) (bool, error)
	SendTestNotification() bool
	SendSummary(ctx context.Context) error
}

var _ Controller = (*Monitor)(nil)

// UPSTools returns the tool registrations for reading and managing the
// monitor.
func UPSTools(ctl Controller, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) []tools.Registration {
	return []tools.Registration{
		upsStatus(ctl, audit),
		upsMetrics(ctl, audit),
		upsBattery(ctl, audit),
		upsManage(ctl, confirm, audit),
	}
}

// upsStatus constructs the ups_status Registration.
func upsStatus(ctl Controller, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameUPSStatus,
		mcp.WithDescription("Current UPS state from the last poll: classified state, raw NIS fields, battery and line readings, on-battery timer, cycles, capacity estimate and alert state."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		snap := ctl.Snapshot()
		tools.LogAudit(audit, toolNameUPSStatus, map[string]any{}, "ok", start)
		return tools.JSONResult(snap), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

type metricsResult struct {
	Minutes int              `json:"minutes"`
	Count   int              `json:"count"`
	Samples []history.Sample `json:"samples"`
}

// upsMetrics constructs the ups_metrics Registration.
func upsMetrics(ctl Controller, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameUPSMetrics,
		mcp.WithDescription("Historical samples of charge, load, line voltage, frequency and runtime."),
		mcp.WithNumber("minutes",
			mcp.Description("Window size in minutes, counted back from now (default: 60)"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		minutes := req.GetInt("minutes", 60)
		params := map[string]any{"minutes": minutes}

		if minutes <= 0 {
			msg := fmt.Sprintf("minutes must be > 0, got %d", minutes)
			tools.LogAudit(audit, toolNameUPSMetrics, params, "error: "+msg, start)
			return tools.ErrorResult(msg), nil
		}

		samples := ctl.Metrics(start.Add(-time.Duration(minutes) * time.Minute))
		tools.LogAudit(audit, toolNameUPSMetrics, params, "ok", start)
		return tools.JSONResult(metricsResult{Minutes: minutes, Count: len(samples), Samples: samples}), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// upsBattery constructs the ups_battery Registration.
func upsBattery(ctl Controller, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameUPSBattery,
		mcp.WithDescription("Battery wear: cycle count, estimated capacity, health relative to nameplate, and battery age."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		info := ctl.Battery()
		tools.LogAudit(audit, toolNameUPSBattery, map[string]any{}, "ok", start)
		return tools.JSONResult(info), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// upsManage constructs the ups_manage Registration.
func upsManage(ctl Controller, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameUPSManage,
		mcp.WithDescription("Manage the UPS monitor. battery_replaced resets cycles and capacity (requires confirmation). set_thresholds changes alert bounds; omitted bounds keep their current value. test_notification and send_summary push messages to the notification channels."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Action to perform"),
			mcp.Enum(actionBatteryReplaced, actionSetThresholds, actionTestNotification, actionSendSummary),
		),
		mcp.WithString("date",
			mcp.Description("Replacement date as YYYY-MM-DD (battery_replaced, default: today)"),
		),
		mcp.WithNumber("voltage_low", mcp.Description("Lower line voltage bound (set_thresholds)")),
		mcp.WithNumber("voltage_high", mcp.Description("Upper line voltage bound (set_thresholds)")),
		mcp.WithNumber("frequency_low", mcp.Description("Lower line frequency bound (set_thresholds)")),
		mcp.WithNumber("frequency_high", mcp.Description("Upper line frequency bound (set_thresholds)")),
		mcp.WithBoolean("alerts_enabled", mcp.Description("Enable or disable alerts (set_thresholds)")),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior battery_replaced call"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		action := req.GetString("action", "")
		params := map[string]any{"action": action}

		switch action {
		case actionBatteryReplaced:
			return batteryReplaced(ctl, confirm, audit, req, params, start), nil

		case actionSetThresholds:
			th := thresholdsFromRequest(req, ctl.Thresholds())
			params["thresholds"] = th
			if err := ctl.SetThresholds(th); err != nil {
				tools.LogAudit(audit, toolNameUPSManage, params, "error: "+err.Error(), start)
				return tools.ErrorResult(err.Error()), nil
			}
			tools.LogAudit(audit, toolNameUPSManage, params, "ok", start)
			return tools.JSONResult(th), nil

		case actionTestNotification:
			if !ctl.SendTestNotification() {
				tools.LogAudit(audit, toolNameUPSManage, params, "error: no notifier", start)
				return tools.ErrorResult("notifications are not configured"), nil
			}
			tools.LogAudit(audit, toolNameUPSManage, params, "ok", start)
			return mcp.NewToolResultText("test notification queued"), nil

		case actionSendSummary:
			if err := ctl.SendSummary(ctx); err != nil {
				tools.LogAudit(audit, toolNameUPSManage, params, "error: "+err.Error(), start)
				return tools.ErrorResult(err.Error()), nil
			}
			tools.LogAudit(audit, toolNameUPSManage, params, "ok", start)
			return mcp.NewToolResultText("status summary sent"), nil

		default:
			msg := fmt.Sprintf("unknown action %q", action)
			tools.LogAudit(audit, toolNameUPSManage, params, "error: "+msg, start)
			return tools.ErrorResult(msg), nil
		}
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func batteryReplaced(ctl Controller, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger, req mcp.CallToolRequest, params map[string]any, start time.Time) *mcp.CallToolResult {
	dateArg := req.GetString("date", "")
	at, err := parseReplacementDate(dateArg, start)
	if err != nil {
		tools.LogAudit(audit, toolNameUPSManage, params, "error: "+err.Error(), start)
		return tools.ErrorResult(err.Error())
	}
	params["date"] = at.Format(time.DateOnly)

	token := req.GetString("confirmation_token", "")
	if !confirm.Confirm(toolNameUPSManage, token) {
		desc := fmt.Sprintf("This will record a battery replacement on %s and reset the cycle count and capacity estimate.", at.Format(time.DateOnly))
		return tools.ConfirmPrompt(confirm, toolNameUPSManage, "battery", desc)
	}

	reset, err := ctl.SetBatteryReplaced(at)
	if err != nil {
		tools.LogAudit(audit, toolNameUPSManage, params, "error: "+err.Error(), start)
		return tools.ErrorResult(err.Error())
	}
	if !reset {
		tools.LogAudit(audit, toolNameUPSManage, params, "ok: unchanged", start)
		return mcp.NewToolResultText(fmt.Sprintf("battery replacement on %s is not newer than the recorded date; nothing reset", params["date"]))
	}
	tools.LogAudit(audit, toolNameUPSManage, params, "ok", start)
	return mcp.NewToolResultText(fmt.Sprintf("battery replacement recorded on %s; cycles and capacity reset", params["date"]))
}

var errBadDate = errors.New("date must be YYYY-MM-DD")

func parseReplacementDate(s string, now time.Time) (time.Time, error) {
	if s == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", errBadDate, s)
	}
	return t, nil
}

func thresholdsFromRequest(req mcp.CallToolRequest, cur Thresholds) Thresholds {
	return Thresholds{
		Enabled:       req.GetBool("alerts_enabled", cur.Enabled),
		VoltageLow:    req.GetFloat("voltage_low", cur.VoltageLow),
		VoltageHigh:   req.GetFloat("voltage_high", cur.VoltageHigh),
		FrequencyLow:  req.GetFloat("frequency_low", cur.FrequencyLow),
		FrequencyHigh: req.GetFloat("frequency_high", cur.FrequencyHigh),
	}
}
