package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultSendTimeout = 15 * time.Second

// DispatcherOptions configures a Dispatcher. Zero values select defaults.
type DispatcherOptions struct {
	// SendTimeout bounds each channel delivery.
	SendTimeout time.Duration
	Observer    DeliveryObserver
	Logger      logrus.FieldLogger
	// Clock overrides time.Now for notification timestamps.
	Clock func() time.Time
}

// Dispatcher turns new event lines into notifications and delivers each one
// to every channel in the background. A line identical to the last emitted
// one is suppressed. Delivery failures are logged and never returned.
type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	observer DeliveryObserver
	log      logrus.FieldLogger
	now      func() time.Time

	mu   sync.Mutex
	last string

	wg sync.WaitGroup
}

// NewDispatcher returns a Dispatcher delivering to channels. Nil channels
// are skipped.
func NewDispatcher(channels []Channel, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		timeout:  opts.SendTimeout,
		observer: opts.Observer,
		log:      opts.Logger,
		now:      opts.Clock,
	}
	for _, ch := range channels {
		if ch != nil {
			d.channels = append(d.channels, ch)
		}
	}
	if d.timeout <= 0 {
		d.timeout = defaultSendTimeout
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	d.log = d.log.WithField("component", "dispatcher")
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Publish emits one notification per line that differs from the last
// emitted line and returns how many were emitted.
func (d *Dispatcher) Publish(title string, lines []string) int {
	var fresh []string

	d.mu.Lock()
	for _, line := range lines {
		if line == "" || line == d.last {
			continue
		}
		d.last = line
		fresh = append(fresh, line)
	}
	d.mu.Unlock()

	for _, line := range fresh {
		d.Notify(d.newNotification(title, line))
	}
	return len(fresh)
}

// Notify delivers n to every channel without de-duplication.
func (d *Dispatcher) Notify(n Notification) {
	if n.ID == "" {
		n = d.newNotification(n.Title, n.Body)
	}
	for _, ch := range d.channels {
		d.wg.Add(1)
		go d.deliver(ch, n)
	}
}

func (d *Dispatcher) newNotification(title, body string) Notification {
	return Notification{
		ID:       uuid.NewString(),
		Title:    title,
		Body:     body,
		Category: Tag(body),
		Time:     d.now(),
	}
}

func (d *Dispatcher) deliver(ch Channel, n Notification) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := ch.Send(ctx, n)
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"channel": ch.Name(),
			"id":      n.ID,
		}).WithError(err).Warn("notification delivery failed")
	}
	if d.observer != nil {
		d.observer.NotificationDelivered(ch.Name(), err)
	}
}

// Reset forgets the last emitted line.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = ""
}

// LastEmitted returns the last line that produced a notification.
func (d *Dispatcher) LastEmitted() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Wait blocks until all in-flight deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
