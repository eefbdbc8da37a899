package nis

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Client fetches status and events from the daemon, falling back to a local
// status command when the daemon does not deliver a status.
type Client struct {
	transport Transport
	fallback  StatusSource
	log       logrus.FieldLogger
}

// NewClient creates a Client. fallback may be nil to disable the local
// command. A nil logger uses the logrus standard logger.
// Panics if transport is nil.
func NewClient(transport Transport, fallback StatusSource, logger logrus.FieldLogger) *Client {
	if transport == nil {
		panic("nis: NewClient called with nil transport")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		transport: transport,
		fallback:  fallback,
		log:       logger.WithField("component", "nis"),
	}
}

// FetchStatus requests "status" and parses the response. If the daemon
// fails or its response has no STATUS field, the fallback command is tried.
//
// When the daemon errors and the fallback yields nothing, the returned map is
// empty and the error wraps both ErrFallbackExhausted and the daemon error
// (ErrTimeout or ErrConnection). A daemon response that lacks STATUS is
// returned as-is with a nil error when the fallback cannot improve on it.
func (c *Client) FetchStatus(ctx context.Context, timeout time.Duration) (StatusMap, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	text, err := c.transport.Exchange(tctx, "status")
	cancel()

	m := Parse(text)
	if err == nil {
		if _, ok := m.Get("STATUS"); ok {
			return m, nil
		}
	}

	if c.fallback == nil {
		return m, err
	}

	if fm := c.runFallback(ctx, timeout); len(fm) > 0 {
		return fm, nil
	}

	if err != nil {
		return StatusMap{}, fmt.Errorf("fetch status: %w: %w", ErrFallbackExhausted, err)
	}
	if len(m) == 0 {
		return m, fmt.Errorf("fetch status: %w: empty response", ErrFallbackExhausted)
	}
	return m, nil
}

// runFallback is best-effort: failures are logged at debug and produce an
// empty map.
func (c *Client) runFallback(ctx context.Context, timeout time.Duration) StatusMap {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.fallback.Status(fctx)
	if err != nil {
		c.log.WithError(err).Debug("local status fallback failed")
		return nil
	}
	return Parse(out)
}

// FetchEvents requests "events" and returns the non-blank lines.
func (c *Client) FetchEvents(ctx context.Context, timeout time.Duration) ([]string, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := c.transport.Exchange(tctx, "events")
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	return ParseLines(text), nil
}

// Ping succeeds when the daemon answers a status request with a non-empty
// response. The fallback command is not consulted.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := c.transport.Exchange(tctx, "status")
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if len(Parse(text)) == 0 {
		return fmt.Errorf("ping: %w: empty response", ErrConnection)
	}
	return nil
}
