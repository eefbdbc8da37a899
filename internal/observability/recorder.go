// Package observability exports poll results and derived UPS state as
// Prometheus metrics.
package observability

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jamesprial/apcwatch/internal/nis"
	"github.com/jamesprial/apcwatch/internal/notifications"
	"github.com/jamesprial/apcwatch/internal/ups"
)

const (
	metricPrefix = "apcwatch_"

	resultSuccess = "success"
	resultError   = "error"

	kindTimeout    = "timeout"
	kindConnection = "connection"
	kindFallback   = "fallback"
	kindOther      = "other"
)

// Compile-time interface checks.
var (
	_ ups.Recorder                   = (*Recorder)(nil)
	_ notifications.DeliveryObserver = (*Recorder)(nil)
)

// Recorder holds every apcwatch metric.
type Recorder struct {
	charge   prometheus.Gauge
	load     prometheus.Gauge
	lineV    prometheus.Gauge
	freq     prometheus.Gauge
	timeLeft prometheus.Gauge
	state    *prometheus.GaugeVec
	up       prometheus.Gauge

	onBattery  prometheus.Gauge
	cycles     prometheus.Gauge
	capacityAh prometheus.Gauge
	health     prometheus.Gauge

	pollDuration  prometheus.Histogram
	pollErrors    *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewRecorder creates the metrics and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: metricPrefix + name, Help: help})
	}

	r := &Recorder{
		charge:   gauge("battery_charge_percent", "Battery charge reported by the daemon (BCHARGE)"),
		load:     gauge("load_percent", "Load as a percentage of capacity (LOADPCT)"),
		lineV:    gauge("line_voltage_volts", "Input line voltage (LINEV)"),
		freq:     gauge("line_frequency_hertz", "Input line frequency (LINEFREQ)"),
		timeLeft: gauge("time_left_minutes", "Estimated runtime on battery (TIMELEFT)"),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "state",
				Help: "Classified UPS state, 1 for the current state",
			},
			[]string{"state"},
		),
		up: gauge("up", "1 if the last poll reached the daemon"),

		onBattery:  gauge("on_battery", "1 while a battery excursion is open"),
		cycles:     gauge("battery_cycles", "Battery cycles since the last replacement"),
		capacityAh: gauge("battery_capacity_amp_hours", "Smoothed battery capacity estimate"),
		health:     gauge("battery_health_percent", "Estimated capacity relative to nameplate"),

		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "poll_duration_seconds",
			Help:    "Poll latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		pollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_errors_total",
				Help: "Failed polls by kind",
			},
			[]string{"kind"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Notification deliveries by channel and result",
			},
			[]string{"channel", "result"},
		),
	}

	for _, c := range []prometheus.Collector{
		r.charge, r.load, r.lineV, r.freq, r.timeLeft, r.state, r.up,
		r.onBattery, r.cycles, r.capacityAh, r.health,
		r.pollDuration, r.pollErrors, r.notifications,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	// Pre-create label values so the series exist before the first event.
	for _, k := range []string{kindTimeout, kindConnection, kindFallback, kindOther} {
		r.pollErrors.WithLabelValues(k)
	}
	r.health.Set(math.NaN())
	return r, nil
}

// ObservePoll implements ups.Recorder. Readings missing from the snapshot
// are exported as NaN.
func (r *Recorder) ObservePoll(s ups.Snapshot, elapsed time.Duration, err error) {
	r.pollDuration.Observe(elapsed.Seconds())
	if err != nil {
		r.pollErrors.WithLabelValues(ErrorKind(err)).Inc()
		r.up.Set(0)
	} else {
		r.up.Set(1)
	}

	setReading(r.charge, s.Charge)
	setReading(r.load, s.Load)
	setReading(r.lineV, s.LineV)
	setReading(r.freq, s.Freq)
	setReading(r.timeLeft, s.TimeLeft)

	for _, st := range ups.AllStates {
		v := 0.0
		if st == s.State {
			v = 1
		}
		r.state.WithLabelValues(st.String()).Set(v)
	}

	r.onBattery.Set(boolValue(s.OnBattery))
	r.cycles.Set(float64(s.Cycles))
	r.capacityAh.Set(s.CapacityAh)
	if s.HealthPercent != nil {
		r.health.Set(float64(*s.HealthPercent))
	} else {
		r.health.Set(math.NaN())
	}
}

// NotificationDelivered implements notifications.DeliveryObserver.
func (r *Recorder) NotificationDelivered(channel string, err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	r.notifications.WithLabelValues(channel, result).Inc()
}

// ErrorKind maps a fetch error to the poll_errors_total kind label.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, nis.ErrFallbackExhausted):
		return kindFallback
	case errors.Is(err, nis.ErrTimeout):
		return kindTimeout
	case errors.Is(err, nis.ErrConnection):
		return kindConnection
	default:
		return kindOther
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func setReading(g prometheus.Gauge, v *float64) {
	if v == nil {
		g.Set(math.NaN())
		return
	}
	g.Set(*v)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
