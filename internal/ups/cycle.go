package ups

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jamesprial/apcwatch/internal/nis"
)

// Event texts produced by the tracker.
const (
	msgEnteredBattery = "Entered battery mode"
	msgLeftBattery    = "Left battery mode (duration %s)"
)

// CycleTracker counts on-battery excursions, times them and feeds completed
// discharges to the capacity estimator. Every mutation is saved before
// Observe returns. CycleTracker is not safe for concurrent use.
type CycleTracker struct {
	store  StateStore
	params CapacityParams
	log    logrus.FieldLogger

	state PersistedState
}

// NewCycleTracker loads the persisted state from store. A missing file
// starts from zero silently; any other load error is logged and also starts
// from zero. A nil logger uses the logrus standard logger.
// Panics if store is nil.
func NewCycleTracker(store StateStore, params CapacityParams, logger logrus.FieldLogger) *CycleTracker {
	if store == nil {
		panic("ups: NewCycleTracker called with nil store")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	t := &CycleTracker{
		store:  store,
		params: params.withDefaults(),
		log:    logger.WithField("component", "cycles"),
	}

	st, err := store.Load()
	switch {
	case err == nil:
		t.state = st
	case errors.Is(err, fs.ErrNotExist):
	default:
		t.log.WithError(err).Warn("state file unreadable, starting from defaults")
	}
	return t
}

// State returns a copy of the tracked state.
func (t *CycleTracker) State() PersistedState {
	return t.state
}

// Params returns the capacity model constants in use.
func (t *CycleTracker) Params() CapacityParams {
	return t.params
}

// InitialState is the state to assume before the first poll: OnBattery if a
// cycle was open when the state was last saved, so a restart mid-outage
// neither double counts nor loses the cycle; CommLost otherwise.
func (t *CycleTracker) InitialState() State {
	if t.state.Cycle.OnBatteryStart != nil {
		return OnBattery
	}
	return CommLost
}

// Observe applies one classified transition and returns the events it
// produced.
func (t *CycleTracker) Observe(prev, curr State, m nis.StatusMap, now time.Time) []string {
	switch {
	case curr == OnBattery && prev != OnBattery:
		return []string{t.enterBattery(m, now)}
	case prev == OnBattery && curr != OnBattery:
		return []string{t.leaveBattery(m, now)}
	}
	return nil
}

func (t *CycleTracker) enterBattery(m nis.StatusMap, now time.Time) string {
	c := &t.state.Cycle
	c.Count++
	start := now
	c.OnBatteryStart = &start
	c.StartCharge = m.FloatPtr("BCHARGE")
	c.StartLoad = m.FloatPtr("LOADPCT")
	c.StartBatteryVoltage = m.FloatPtr("BATTV")

	t.save()
	t.log.WithField("cycles", c.Count).Info("UPS on battery")
	return msgEnteredBattery
}

func (t *CycleTracker) leaveBattery(m nis.StatusMap, now time.Time) string {
	c := &t.state.Cycle

	var elapsed time.Duration
	if c.OnBatteryStart != nil {
		elapsed = max(0, now.Sub(*c.OnBatteryStart))
	}
	c.LastOnBatterySeconds = int64(elapsed / time.Second)

	if ah, ok := t.estimate(m, elapsed); ok {
		t.state.Capacity = t.state.Capacity.Smooth(ah, t.params.Alpha)
		t.log.WithFields(logrus.Fields{
			"sample_ah":   ah,
			"smoothed_ah": t.state.Capacity.AmpHours,
			"samples":     t.state.Capacity.Samples,
		}).Info("battery capacity estimate updated")
	}

	c.OnBatteryStart = nil
	c.StartCharge = nil
	c.StartLoad = nil
	c.StartBatteryVoltage = nil

	t.save()
	t.log.WithField("seconds", c.LastOnBatterySeconds).Info("UPS off battery")
	return fmt.Sprintf(msgLeftBattery, FormatDuration(elapsed))
}

// estimate builds a discharge sample from the values captured at cycle
// start and the current reading.
func (t *CycleTracker) estimate(m nis.StatusMap, elapsed time.Duration) (float64, bool) {
	c := t.state.Cycle
	if c.StartCharge == nil {
		return 0, false
	}
	end, ok := m.Float("BCHARGE")
	if !ok {
		return 0, false
	}

	s := DischargeSample{
		StartCharge:  *c.StartCharge,
		EndCharge:    end,
		DurationSecs: elapsed.Seconds(),
	}
	switch {
	case c.StartLoad != nil:
		s.LoadPct = *c.StartLoad
	default:
		s.LoadPct, _ = m.Float("LOADPCT")
	}
	if v, ok := m.Float("NOMBATTV"); ok && v > 0 {
		s.BatteryVoltage = v
	} else if c.StartBatteryVoltage != nil {
		s.BatteryVoltage = *c.StartBatteryVoltage
	}
	s.NominalWatts, _ = m.Float("NOMPOWER")
	s.NominalVA, _ = m.Float("NOMAPNT")

	return EstimateCapacity(s, t.params)
}

// ResetForNewBattery records a battery replacement. When at is later than
// the recorded date the cycle count and capacity estimate are zeroed and
// true is returned; an open cycle is kept.
func (t *CycleTracker) ResetForNewBattery(at time.Time) bool {
	if at.IsZero() || !at.After(t.state.BatteryReplaced) {
		return false
	}
	t.state.BatteryReplaced = at
	t.state.Cycle.Count = 0
	t.state.Cycle.LastOnBatterySeconds = 0
	t.state.Capacity = CapacityEstimate{}

	t.save()
	t.log.WithField("replaced_at", at.Format(time.DateOnly)).Info("battery replaced, cycle and capacity history reset")
	return true
}

func (t *CycleTracker) save() {
	if err := t.store.Save(t.state); err != nil {
		t.log.WithError(err).Warn("failed to save state")
	}
}

// FormatDuration renders d as MM:SS, or H:MM:SS from one hour up. Zero
// renders as "--:--".
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return "--:--"
	}
	h, m, s := secs/3600, secs/60%60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
