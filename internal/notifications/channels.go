package notifications

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/jamesprial/apcwatch/internal/safety"
)

// Compile-time interface checks.
var (
	_ Channel = (*LogChannel)(nil)
	_ Channel = (*FilteredChannel)(nil)
)

// LogChannel writes notifications to the process logger. It stands in for
// the desktop notification centre on a headless host.
type LogChannel struct {
	log logrus.FieldLogger
}

// NewLogChannel returns a LogChannel. A nil logger uses the standard logger.
func NewLogChannel(logger logrus.FieldLogger) *LogChannel {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogChannel{log: logger}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Send implements Channel.
func (c *LogChannel) Send(_ context.Context, n Notification) error {
	c.log.WithFields(logrus.Fields{
		"component": "notify",
		"id":        n.ID,
		"title":     n.Title,
		"category":  n.Category,
	}).Info(n.Body)
	return nil
}

// FilteredChannel forwards only notifications whose category passes filter.
type FilteredChannel struct {
	next   Channel
	filter *safety.Filter
}

// NewFilteredChannel wraps next with a category allow/deny filter.
// Panics if next or filter is nil.
func NewFilteredChannel(next Channel, filter *safety.Filter) *FilteredChannel {
	if next == nil || filter == nil {
		panic("notifications: NewFilteredChannel requires a channel and a filter")
	}
	return &FilteredChannel{next: next, filter: filter}
}

// Name implements Channel.
func (c *FilteredChannel) Name() string { return c.next.Name() }

// Send implements Channel. Filtered notifications are dropped silently.
func (c *FilteredChannel) Send(ctx context.Context, n Notification) error {
	if !c.filter.IsAllowed(string(n.Category)) {
		return nil
	}
	return c.next.Send(ctx, n)
}
