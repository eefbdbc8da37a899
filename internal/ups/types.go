// Package ups derives UPS state from NIS status readings: operating state,
// on-battery cycles, a battery capacity estimate and line alerts. Monitor
// drives the poll loop that ties them together.
package ups

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jamesprial/apcwatch/internal/nis"
	"github.com/jamesprial/apcwatch/internal/notifications"
)

// State is the classified operating state of the UPS.
type State int

// Operating states. The zero value is CommLost.
const (
	CommLost State = iota
	OnBattery
	Charging
	Online
)

var stateNames = [...]string{
	CommLost:  "CommLost",
	OnBattery: "OnBattery",
	Charging:  "Charging",
	Online:    "Online",
}

// AllStates lists every State in declaration order.
var AllStates = []State{CommLost, OnBattery, Charging, Online}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown ups state %q", b)
}

// CycleState tracks on-battery excursions.
type CycleState struct {
	Count                int        `json:"count"`
	OnBatteryStart       *time.Time `json:"onBatteryStart,omitempty"`
	LastOnBatterySeconds int64      `json:"lastOnBatterySeconds"`
	StartCharge          *float64   `json:"startCharge,omitempty"`
	StartLoad            *float64   `json:"startLoad,omitempty"`
	StartBatteryVoltage  *float64   `json:"startBatteryVoltage,omitempty"`
}

// CapacityEstimate is the smoothed battery capacity in amp-hours and the
// number of discharges that contributed to it.
type CapacityEstimate struct {
	AmpHours float64 `json:"ampHours"`
	Samples  int     `json:"samples"`
}

// PersistedState is everything the tracker writes to disk.
type PersistedState struct {
	Cycle           CycleState       `json:"cycle"`
	Capacity        CapacityEstimate `json:"capacity"`
	BatteryReplaced time.Time        `json:"batteryReplaced,omitempty"`
}

// StateStore loads and saves PersistedState. Load returns an error matching
// fs.ErrNotExist when nothing has been saved yet.
type StateStore interface {
	Load() (PersistedState, error)
	Save(PersistedState) error
}

// AlertState records which quantities are currently out of bounds.
type AlertState struct {
	Voltage   bool `json:"voltage"`
	Frequency bool `json:"frequency"`
}

// Thresholds bound the line voltage and frequency.
type Thresholds struct {
	Enabled       bool    `json:"enabled"`
	VoltageLow    float64 `json:"voltageLow"`
	VoltageHigh   float64 `json:"voltageHigh"`
	FrequencyLow  float64 `json:"frequencyLow"`
	FrequencyHigh float64 `json:"frequencyHigh"`
}

// Validate rejects inverted or non-positive bounds.
func (t Thresholds) Validate() error {
	if t.VoltageLow <= 0 || t.VoltageLow >= t.VoltageHigh {
		return fmt.Errorf("voltage thresholds: low %.1f must be positive and below high %.1f", t.VoltageLow, t.VoltageHigh)
	}
	if t.FrequencyLow <= 0 || t.FrequencyLow >= t.FrequencyHigh {
		return fmt.Errorf("frequency thresholds: low %.1f must be positive and below high %.1f", t.FrequencyLow, t.FrequencyHigh)
	}
	return nil
}

// Snapshot is the derived view of the most recent poll.
type Snapshot struct {
	Time     time.Time     `json:"time"`
	State    State         `json:"state"`
	UPSName  string        `json:"upsName,omitempty"`
	Status   string        `json:"status,omitempty"`
	Fields   nis.StatusMap `json:"fields"`
	Charge   *float64      `json:"charge"`
	Load     *float64      `json:"load"`
	LineV    *float64      `json:"lineVoltage"`
	OutputV  *float64      `json:"outputVoltage"`
	Freq     *float64      `json:"frequency"`
	TimeLeft *float64      `json:"timeLeftMinutes"`
	ITemp    *float64      `json:"internalTemp"`

	Cycles               int   `json:"cycles"`
	OnBattery            bool  `json:"onBattery"`
	OnBatterySeconds     int64 `json:"onBatterySeconds"`
	LastOnBatterySeconds int64 `json:"lastOnBatterySeconds"`

	CapacityAh      float64 `json:"capacityAh"`
	CapacitySamples int     `json:"capacitySamples"`
	HealthPercent   *int    `json:"healthPercent,omitempty"`

	Alerts AlertState `json:"alerts"`
	Error  string     `json:"error,omitempty"`
}

// BatteryInfo summarises battery wear.
type BatteryInfo struct {
	Cycles               int        `json:"cycles"`
	CapacityAh           float64    `json:"capacityAh"`
	CapacitySamples      int        `json:"capacitySamples"`
	NominalAh            float64    `json:"nominalAh"`
	HealthPercent        *int       `json:"healthPercent,omitempty"`
	BatteryReplaced      *time.Time `json:"batteryReplaced,omitempty"`
	BatteryAgeDays       *int       `json:"batteryAgeDays,omitempty"`
	OnBattery            bool       `json:"onBattery"`
	LastOnBatterySeconds int64      `json:"lastOnBatterySeconds"`
}

// DailyReport is the once-a-day summary.
type DailyReport struct {
	Name            string
	Date            time.Time
	Cycles          int
	CapacityAh      float64
	CapacitySamples int
	Events          []string
}

// StatusReport is an on-demand status summary.
type StatusReport struct {
	Name     string
	Time     time.Time
	Snapshot Snapshot
	Events   []string
}

// ErrReportsDisabled is returned when a report is requested but no report
// sender is configured.
var ErrReportsDisabled = errors.New("reports are not configured")

// StatusFetcher reads the daemon. *nis.Client satisfies it.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, timeout time.Duration) (nis.StatusMap, error)
	FetchEvents(ctx context.Context, timeout time.Duration) ([]string, error)
}

// Notifier fans event lines out. *notifications.Dispatcher satisfies it.
type Notifier interface {
	Publish(title string, lines []string) int
	Notify(n notifications.Notification)
	Reset()
}

// ReportSender delivers daily and on-demand reports.
type ReportSender interface {
	SendDailyReport(ctx context.Context, r DailyReport) error
	SendStatusReport(ctx context.Context, r StatusReport) error
}

// Recorder observes every poll.
type Recorder interface {
	ObservePoll(s Snapshot, elapsed time.Duration, err error)
}

// StatusPublisher pushes each snapshot to an external consumer.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, s Snapshot) error
}

// SettingsSaver persists runtime changes to user settings.
type SettingsSaver interface {
	SaveThresholds(t Thresholds) error
	SaveBatteryReplaced(at time.Time) error
}
