package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jamesprial/apcwatch/internal/notifications"
	"github.com/jamesprial/apcwatch/internal/ups"
)

// Compile-time interface checks.
var (
	_ notifications.Channel = (*Channel)(nil)
	_ ups.ReportSender      = (*Channel)(nil)
)

// Channel sends notifications and reports to a Telegram chat.
type Channel struct {
	client *Client
}

// NewChannel wraps client. Panics if client is nil.
func NewChannel(client *Client) *Channel {
	if client == nil {
		panic("telegram: NewChannel called with nil client")
	}
	return &Channel{client: client}
}

// Name implements notifications.Channel.
func (c *Channel) Name() string { return "telegram" }

// Send implements notifications.Channel. The UPS name goes on the first
// line and the event, prefixed with its icon, below it.
func (c *Channel) Send(ctx context.Context, n notifications.Notification) error {
	return c.client.SendMessage(ctx, FormatNotification(n))
}

// SendDailyReport implements ups.ReportSender.
func (c *Channel) SendDailyReport(ctx context.Context, r ups.DailyReport) error {
	return c.client.SendMessage(ctx, FormatDailyReport(r))
}

// SendStatusReport implements ups.ReportSender.
func (c *Channel) SendStatusReport(ctx context.Context, r ups.StatusReport) error {
	return c.client.SendMessage(ctx, FormatStatusReport(r))
}

// FormatNotification renders n as message text.
func FormatNotification(n notifications.Notification) string {
	body := n.Body
	if !notifications.HasIcon(body) {
		body = notifications.Icon(body) + " " + body
	}
	return n.Title + "\n" + body
}

// FormatDailyReport renders the once-a-day log.
func FormatDailyReport(r ups.DailyReport) string {
	var b strings.Builder
	b.WriteString("[UPS daily log]")
	fmt.Fprintf(&b, "\nName: %s", r.Name)
	fmt.Fprintf(&b, "\nDate: %s", r.Date.Format("2006-01-02"))
	fmt.Fprintf(&b, "\nCycles: %d", r.Cycles)
	fmt.Fprintf(&b, "\nEstimated capacity: %s", capacityLine(r.CapacityAh, r.CapacitySamples))
	b.WriteString("\nEvents today:")
	if len(r.Events) == 0 {
		b.WriteString("\n(no events recorded today)")
	} else {
		b.WriteString("\n- " + strings.Join(r.Events, "\n- "))
	}
	return b.String()
}

// FormatStatusReport renders an on-demand status summary.
func FormatStatusReport(r ups.StatusReport) string {
	s := r.Snapshot

	var b strings.Builder
	b.WriteString("[UPS status]")
	fmt.Fprintf(&b, "\nName: %s", r.Name)
	fmt.Fprintf(&b, "\nTime: %s", r.Time.Format(notifications.TimestampLayout))
	fmt.Fprintf(&b, "\nState: %s", s.State)
	if s.Status != "" {
		fmt.Fprintf(&b, " (%s)", s.Status)
	}
	fmt.Fprintf(&b, "\nBattery: %s | Load: %s | Runtime: %s",
		reading(s.Charge, "%.0f%%"), reading(s.Load, "%.0f%%"), reading(s.TimeLeft, "%.1f min"))
	fmt.Fprintf(&b, "\nLine: %s / %s", reading(s.LineV, "%.1f V"), reading(s.Freq, "%.1f Hz"))
	fmt.Fprintf(&b, "\nCycles: %d | Capacity: %s", s.Cycles, capacityLine(s.CapacityAh, s.CapacitySamples))
	if s.HealthPercent != nil {
		fmt.Fprintf(&b, " | Health: %d%%", *s.HealthPercent)
	}
	if s.OnBattery {
		fmt.Fprintf(&b, "\nOn battery for %s", ups.FormatDuration(time.Duration(s.OnBatterySeconds)*time.Second))
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", s.Error)
	}
	if len(r.Events) > 0 {
		b.WriteString("\nRecent events:\n- " + strings.Join(r.Events, "\n- "))
	}
	return b.String()
}

func capacityLine(ah float64, samples int) string {
	if ah <= 0 {
		return "--"
	}
	return fmt.Sprintf("%.1f Ah (%d samples)", ah, samples)
}

func reading(v *float64, format string) string {
	if v == nil {
		return "--"
	}
	return fmt.Sprintf(format, *v)
}
