package ups

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jamesprial/apcwatch/internal/history"
	"github.com/jamesprial/apcwatch/internal/safety"
	"github.com/jamesprial/apcwatch/internal/tools"
)

// ---------------------------------------------------------------------------
// Mocks and helpers
// ---------------------------------------------------------------------------

type mockController struct {
	snapshot     Snapshot
	samples      []history.Sample
	since        time.Time
	battery      BatteryInfo
	thresholds   Thresholds
	setErr       error
	replacedAt   []time.Time
	replaceFn    func(time.Time) (bool, error)
	notifyOK     bool
	tests        int
	summaryErr   error
	summaryCalls int
}

func (m *mockController) Snapshot() Snapshot { return m.snapshot }

func (m *mockController) Metrics(since time.Time) []history.Sample {
	m.since = since
	return m.samples
}

func (m *mockController) Battery() BatteryInfo { return m.battery }

func (m *mockController) Thresholds() Thresholds { return m.thresholds }

func (m *mockController) SetThresholds(th Thresholds) error {
	if m.setErr != nil {
		return m.setErr
	}
	if err := th.Validate(); err != nil {
		return err
	}
	m.thresholds = th
	return nil
}

func (m *mockController) SetBatteryReplaced(at time.Time) (bool, error) {
	m.replacedAt = append(m.replacedAt, at)
	if m.replaceFn != nil {
		return m.replaceFn(at)
	}
	return true, nil
}

func (m *mockController) SendTestNotification() bool {
	m.tests++
	return m.notifyOK
}

func (m *mockController) SendSummary(ctx context.Context) error {
	m.summaryCalls++
	return m.summaryErr
}

var _ Controller = (*mockController)(nil)

func newCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func extractResultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content[0] is %T, want mcp.TextContent", result.Content[0])
	}
	return tc.Text
}

var tokenPattern = regexp.MustCompile(`confirmation_token="?([a-f0-9]+)"?`)

func extractToken(t *testing.T, text string) string {
	t.Helper()
	matches := tokenPattern.FindStringSubmatch(text)
	if len(matches) < 2 {
		t.Fatalf("no confirmation_token found in text:\n%s", text)
	}
	return matches[1]
}

func findTool(t *testing.T, regs []tools.Registration, name string) tools.Registration {
	t.Helper()
	for _, r := range regs {
		if r.Tool.Name == name {
			return r
		}
	}
	t.Fatalf("tool %q not registered", name)
	return tools.Registration{}
}

func callTool(t *testing.T, ctl Controller, confirm *safety.ConfirmationTracker, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	if confirm == nil {
		confirm = safety.NewConfirmationTracker(DestructiveTools)
	}
	reg := findTool(t, UPSTools(ctl, confirm, nil), name)
	result, err := reg.Handler(context.Background(), newCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return result
}

func ptr[T any](v T) *T { return &v }

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func Test_UPSTools_Registration(t *testing.T) {
	regs := UPSTools(&mockController{}, safety.NewConfirmationTracker(DestructiveTools), nil)
	if len(regs) != 4 {
		t.Fatalf("got %d registrations, want 4", len(regs))
	}
	for _, name := range []string{toolNameUPSStatus, toolNameUPSMetrics, toolNameUPSBattery, toolNameUPSManage} {
		if r := findTool(t, regs, name); r.Handler == nil {
			t.Errorf("%s has nil handler", name)
		}
	}
	if len(DestructiveTools) != 1 || DestructiveTools[0] != toolNameUPSManage {
		t.Errorf("DestructiveTools = %v", DestructiveTools)
	}
}

// ---------------------------------------------------------------------------
// Read-only tools
// ---------------------------------------------------------------------------

func Test_UPSStatus_ReturnsSnapshot(t *testing.T) {
	ctl := &mockController{snapshot: Snapshot{
		State:   OnBattery,
		UPSName: "rack-ups",
		Charge:  ptr(87.5),
		Cycles:  3,
	}}

	text := extractResultText(t, callTool(t, ctl, nil, toolNameUPSStatus, map[string]any{}))

	var got map[string]any
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, text)
	}
	if got["state"] != "OnBattery" || got["upsName"] != "rack-ups" || got["charge"] != 87.5 || got["cycles"] != float64(3) {
		t.Errorf("snapshot JSON = %v", got)
	}
}

func Test_UPSMetrics_Cases(t *testing.T) {
	tests := []struct {
		name        string
		args        map[string]any
		wantErr     string
		wantMinutes int
	}{
		{name: "default window", args: map[string]any{}, wantMinutes: 60},
		{name: "explicit window", args: map[string]any{"minutes": float64(15)}, wantMinutes: 15},
		{name: "zero rejected", args: map[string]any{"minutes": float64(0)}, wantErr: "minutes must be > 0"},
		{name: "negative rejected", args: map[string]any{"minutes": float64(-5)}, wantErr: "minutes must be > 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := &mockController{samples: []history.Sample{{Time: t0, Charge: ptr(100.0)}}}
			before := time.Now()
			result := callTool(t, ctl, nil, toolNameUPSMetrics, tt.args)
			text := extractResultText(t, result)

			if tt.wantErr != "" {
				if !result.IsError || !strings.Contains(text, tt.wantErr) {
					t.Errorf("result = %q (IsError=%v), want error %q", text, result.IsError, tt.wantErr)
				}
				return
			}

			var got metricsResult
			if err := json.Unmarshal([]byte(text), &got); err != nil {
				t.Fatalf("result is not JSON: %v", err)
			}
			if got.Minutes != tt.wantMinutes || got.Count != 1 || len(got.Samples) != 1 {
				t.Errorf("result = %+v", got)
			}
			window := before.Sub(ctl.since)
			want := time.Duration(tt.wantMinutes) * time.Minute
			if window < want-time.Second || window > want+time.Second {
				t.Errorf("window = %v, want about %v", window, want)
			}
		})
	}
}

func Test_UPSBattery_ReturnsInfo(t *testing.T) {
	replaced := time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)
	ctl := &mockController{battery: BatteryInfo{
		Cycles:          12,
		CapacityAh:      6.3,
		CapacitySamples: 4,
		NominalAh:       7,
		HealthPercent:   ptr(90),
		BatteryReplaced: &replaced,
	}}

	text := extractResultText(t, callTool(t, ctl, nil, toolNameUPSBattery, map[string]any{}))

	var got BatteryInfo
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if got.Cycles != 12 || got.HealthPercent == nil || *got.HealthPercent != 90 || !got.BatteryReplaced.Equal(replaced) {
		t.Errorf("battery = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// ups_manage
// ---------------------------------------------------------------------------

func Test_UPSManage_BatteryReplaced_RequiresConfirmation(t *testing.T) {
	ctl := &mockController{}
	confirm := safety.NewConfirmationTracker(DestructiveTools)
	args := map[string]any{"action": actionBatteryReplaced, "date": "2024-03-15"}

	text := extractResultText(t, callTool(t, ctl, confirm, toolNameUPSManage, args))
	if !strings.Contains(text, "Confirmation required") || !strings.Contains(text, "2024-03-15") {
		t.Fatalf("first call = %q", text)
	}
	if len(ctl.replacedAt) != 0 {
		t.Fatal("replacement recorded without confirmation")
	}

	args["confirmation_token"] = extractToken(t, text)
	text = extractResultText(t, callTool(t, ctl, confirm, toolNameUPSManage, args))
	if !strings.Contains(text, "battery replacement recorded on 2024-03-15") {
		t.Errorf("confirmed call = %q", text)
	}
	if len(ctl.replacedAt) != 1 || ctl.replacedAt[0].Format(time.DateOnly) != "2024-03-15" {
		t.Errorf("replacedAt = %v", ctl.replacedAt)
	}

	text = extractResultText(t, callTool(t, ctl, confirm, toolNameUPSManage, args))
	if !strings.Contains(text, "Confirmation required") {
		t.Errorf("token reused: %q", text)
	}
}

func Test_UPSManage_BatteryReplaced_Cases(t *testing.T) {
	tests := []struct {
		name      string
		date      string
		replaceFn func(time.Time) (bool, error)
		want      string
		wantError bool
	}{
		{name: "not newer", date: "2020-01-01", replaceFn: func(time.Time) (bool, error) { return false, nil }, want: "is not newer than the recorded date"},
		{name: "settings save fails", date: "2024-03-15", replaceFn: func(time.Time) (bool, error) { return true, errors.New("disk full") }, want: "disk full", wantError: true},
		{name: "default date is today", want: "battery replacement recorded on " + time.Now().Format(time.DateOnly)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := &mockController{replaceFn: tt.replaceFn}
			confirm := safety.NewConfirmationTracker(DestructiveTools)
			args := map[string]any{"action": actionBatteryReplaced}
			if tt.date != "" {
				args["date"] = tt.date
			}
			args["confirmation_token"] = confirm.RequestConfirmation(toolNameUPSManage, "battery", "test")

			result := callTool(t, ctl, confirm, toolNameUPSManage, args)
			text := extractResultText(t, result)
			if !strings.Contains(text, tt.want) || result.IsError != tt.wantError {
				t.Errorf("result = %q (IsError=%v)", text, result.IsError)
			}
		})
	}
}

func Test_UPSManage_BatteryReplaced_BadDate(t *testing.T) {
	ctl := &mockController{}
	result := callTool(t, ctl, nil, toolNameUPSManage, map[string]any{"action": actionBatteryReplaced, "date": "15/03/2024"})
	text := extractResultText(t, result)
	if !result.IsError || !strings.Contains(text, "date must be YYYY-MM-DD") {
		t.Errorf("result = %q", text)
	}
	if len(ctl.replacedAt) != 0 {
		t.Error("bad date reached the controller")
	}
}

func Test_UPSManage_SetThresholds_Cases(t *testing.T) {
	tests := []struct {
		name      string
		args      map[string]any
		want      Thresholds
		wantError string
	}{
		{
			name: "partial update keeps other bounds",
			args: map[string]any{"voltage_low": float64(100)},
			want: Thresholds{Enabled: true, VoltageLow: 100, VoltageHigh: 140, FrequencyLow: 58, FrequencyHigh: 62},
		},
		{
			name: "disable alerts",
			args: map[string]any{"alerts_enabled": false},
			want: Thresholds{Enabled: false, VoltageLow: 105, VoltageHigh: 140, FrequencyLow: 58, FrequencyHigh: 62},
		},
		{
			name: "full update",
			args: map[string]any{"voltage_low": float64(200), "voltage_high": float64(250), "frequency_low": float64(48), "frequency_high": float64(52)},
			want: Thresholds{Enabled: true, VoltageLow: 200, VoltageHigh: 250, FrequencyLow: 48, FrequencyHigh: 52},
		},
		{
			name:      "inverted bounds rejected",
			args:      map[string]any{"frequency_low": float64(70)},
			want:      defaultThresholds(),
			wantError: "frequency thresholds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := &mockController{thresholds: defaultThresholds()}
			args := map[string]any{"action": actionSetThresholds}
			for k, v := range tt.args {
				args[k] = v
			}

			result := callTool(t, ctl, nil, toolNameUPSManage, args)
			text := extractResultText(t, result)

			if tt.wantError != "" {
				if !result.IsError || !strings.Contains(text, tt.wantError) {
					t.Errorf("result = %q, want error %q", text, tt.wantError)
				}
			} else {
				var got Thresholds
				if err := json.Unmarshal([]byte(text), &got); err != nil {
					t.Fatalf("result is not JSON: %v\n%s", err, text)
				}
				if got != tt.want {
					t.Errorf("result thresholds = %+v, want %+v", got, tt.want)
				}
			}
			if ctl.thresholds != tt.want {
				t.Errorf("controller thresholds = %+v, want %+v", ctl.thresholds, tt.want)
			}
		})
	}
}

func Test_UPSManage_Notifications_Cases(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		ctl        *mockController
		want       string
		wantError  bool
		wantTests  int
		wantSummar int
	}{
		{name: "test notification", action: actionTestNotification, ctl: &mockController{notifyOK: true}, want: "test notification queued", wantTests: 1},
		{name: "test notification without channels", action: actionTestNotification, ctl: &mockController{}, want: "notifications are not configured", wantError: true, wantTests: 1},
		{name: "summary", action: actionSendSummary, ctl: &mockController{}, want: "status summary sent", wantSummar: 1},
		{name: "summary disabled", action: actionSendSummary, ctl: &mockController{summaryErr: ErrReportsDisabled}, want: ErrReportsDisabled.Error(), wantError: true, wantSummar: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, tt.ctl, nil, toolNameUPSManage, map[string]any{"action": tt.action})
			text := extractResultText(t, result)
			if !strings.Contains(text, tt.want) || result.IsError != tt.wantError {
				t.Errorf("result = %q (IsError=%v)", text, result.IsError)
			}
			if tt.ctl.tests != tt.wantTests || tt.ctl.summaryCalls != tt.wantSummar {
				t.Errorf("tests = %d, summaries = %d", tt.ctl.tests, tt.ctl.summaryCalls)
			}
		})
	}
}

func Test_UPSManage_UnknownAction(t *testing.T) {
	for _, action := range []string{"", "reboot"} {
		result := callTool(t, &mockController{}, nil, toolNameUPSManage, map[string]any{"action": action})
		text := extractResultText(t, result)
		if !result.IsError || !strings.Contains(text, "unknown action") {
			t.Errorf("action %q: result = %q", action, text)
		}
	}
}

func Test_UPSTools_AuditLogged(t *testing.T) {
	var buf strings.Builder
	audit := safety.NewAuditLogger(&buf)
	ctl := &mockController{notifyOK: true}

	reg := findTool(t, UPSTools(ctl, safety.NewConfirmationTracker(DestructiveTools), audit), toolNameUPSManage)
	if _, err := reg.Handler(context.Background(), newCallToolRequest(toolNameUPSManage, map[string]any{"action": actionTestNotification})); err != nil {
		t.Fatal(err)
	}

	var entry safety.AuditEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("audit entry not valid JSON: %v (%q)", err, buf.String())
	}
	if entry.Tool != toolNameUPSManage || entry.Result != "ok" || entry.Params["action"] != actionTestNotification {
		t.Errorf("audit entry = %+v", entry)
	}
}
