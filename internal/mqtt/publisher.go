// Package mqtt publishes UPS status snapshots and event notifications to an
// MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/jamesprial/apcwatch/internal/notifications"
	"github.com/jamesprial/apcwatch/internal/ups"
)

const (
	connectTimeout  = 10 * time.Second
	disconnectQuiet = 250 // milliseconds
	availOnline     = "online"
	availOffline    = "offline"
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish before the context is done.
var ErrPublishTimeout = errors.New("mqtt: publish not acknowledged")

// Compile-time interface checks.
var (
	_ notifications.Channel = (*Publisher)(nil)
	_ ups.StatusPublisher   = (*Publisher)(nil)
	_ Client                = (paho.Client)(nil)
)

// Client is the subset of paho.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Options configures Connect.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Publisher writes to <prefix>/status (retained snapshot), <prefix>/events
// and <prefix>/availability.
type Publisher struct {
	client Client
	prefix string
	qos    byte
	log    logrus.FieldLogger
}

// Connect dials the broker and returns a Publisher. The broker marks the
// publisher offline through a last-will message if the connection drops.
func Connect(opts Options, logger logrus.FieldLogger) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}
	prefix := normalizePrefix(opts.TopicPrefix)

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(prefix+"/availability", availOffline, opts.QoS, true)

	client := paho.NewClient(co)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s: timed out", opts.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", opts.Broker, err)
	}

	p := New(client, prefix, opts.QoS, logger)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := p.publish(ctx, prefix+"/availability", true, []byte(availOnline)); err != nil {
		p.log.WithError(err).Warn("availability publish failed")
	}
	p.log.WithField("broker", opts.Broker).Info("connected to broker")
	return p, nil
}

// New wraps an already connected client. Panics if client is nil.
func New(client Client, prefix string, qos byte, logger logrus.FieldLogger) *Publisher {
	if client == nil {
		panic("mqtt: New called with nil client")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{
		client: client,
		prefix: normalizePrefix(prefix),
		qos:    qos,
		log:    logger.WithField("component", "mqtt"),
	}
}

// Name implements notifications.Channel.
func (p *Publisher) Name() string { return "mqtt" }

// Send implements notifications.Channel.
func (p *Publisher) Send(ctx context.Context, n notifications.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("mqtt: marshal notification: %w", err)
	}
	return p.publish(ctx, p.prefix+"/events", false, payload)
}

// PublishStatus implements ups.StatusPublisher. The snapshot is retained so
// new subscribers see the latest state at once.
func (p *Publisher) PublishStatus(ctx context.Context, s ups.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("mqtt: marshal status: %w", err)
	}
	return p.publish(ctx, p.prefix+"/status", true, payload)
}

// Close marks the publisher offline and disconnects.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.publish(ctx, p.prefix+"/availability", true, []byte(availOffline)); err != nil {
		p.log.WithError(err).Debug("offline publish failed")
	}
	p.client.Disconnect(disconnectQuiet)
	p.log.Info("disconnected from broker")
}

func (p *Publisher) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	tok := p.client.Publish(topic, p.qos, retained, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrPublishTimeout, topic, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "apcwatch"
	}
	return prefix
}
