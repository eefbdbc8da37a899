package ups

import (
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/jamesprial/apcwatch/internal/nis"
	"github.com/jamesprial/apcwatch/internal/store"
)

// ---------------------------------------------------------------------------
// Mocks and helpers
// ---------------------------------------------------------------------------

type memStore struct {
	mu      sync.Mutex
	state   PersistedState
	has     bool
	loadErr error
	saveErr error
	saves   int
}

func (s *memStore) Load() (PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return PersistedState{}, s.loadErr
	}
	if !s.has {
		return PersistedState{}, fs.ErrNotExist
	}
	return s.state, nil
}

func (s *memStore) Save(st PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.state, s.has = st, true
	return nil
}

func (s *memStore) saved() PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

var _ StateStore = (*memStore)(nil)
var _ StateStore = (*store.JSONFile[PersistedState])(nil)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func onBattStatus(charge, load string) nis.StatusMap {
	return nis.Parse("STATUS : ONBATT\nBCHARGE : " + charge + " Percent\nLOADPCT : " + load + " Percent\nBATTV : 24.5 Volts\n")
}

func onlineStatus(charge string) nis.StatusMap {
	return nis.Parse("STATUS : ONLINE\nBCHARGE : " + charge + " Percent\nLOADPCT : 50.0 Percent\nNOMPOWER : 600 Watts\nNOMBATTV : 24.0 Volts\n")
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func Test_CycleTracker_CountsOneCyclePerExcursion(t *testing.T) {
	st := &memStore{}
	tr := NewCycleTracker(st, DefaultCapacityParams(), quietLogger())

	states := []State{Online, OnBattery, OnBattery, Online}
	maps := []nis.StatusMap{onlineStatus("100"), onBattStatus("100", "50"), onBattStatus("90", "50"), onlineStatus("80")}
	times := []time.Time{t0, t0.Add(time.Minute), t0.Add(2 * time.Minute), t0.Add(31 * time.Minute)}

	var events []string
	prev := Online
	for i, curr := range states {
		events = append(events, tr.Observe(prev, curr, maps[i], times[i])...)
		prev = curr
	}

	got := tr.State()
	if got.Cycle.Count != 1 {
		t.Errorf("Count = %d, want 1", got.Cycle.Count)
	}
	if got.Cycle.LastOnBatterySeconds != 1800 {
		t.Errorf("LastOnBatterySeconds = %d, want 1800", got.Cycle.LastOnBatterySeconds)
	}
	if got.Cycle.OnBatteryStart != nil || got.Cycle.StartCharge != nil {
		t.Errorf("cycle start not cleared: %+v", got.Cycle)
	}
	want := []string{"Entered battery mode", "Left battery mode (duration 30:00)"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %q, want %q", events, want)
	}
	if got.Capacity.Samples != 1 || got.Capacity.AmpHours <= 0 {
		t.Errorf("capacity = %+v, want one positive sample", got.Capacity)
	}
	if !reflect.DeepEqual(st.saved(), got) {
		t.Errorf("saved state %+v differs from tracker state %+v", st.saved(), got)
	}
}

func Test_CycleTracker_CapturesStartValues(t *testing.T) {
	st := &memStore{}
	tr := NewCycleTracker(st, DefaultCapacityParams(), quietLogger())

	tr.Observe(Online, OnBattery, onBattStatus("97,5", "42"), t0)

	c := st.saved().Cycle
	if c.Count != 1 || c.OnBatteryStart == nil || !c.OnBatteryStart.Equal(t0) {
		t.Fatalf("cycle = %+v", c)
	}
	if c.StartCharge == nil || *c.StartCharge != 97.5 {
		t.Errorf("StartCharge = %v", c.StartCharge)
	}
	if c.StartLoad == nil || *c.StartLoad != 42 {
		t.Errorf("StartLoad = %v", c.StartLoad)
	}
	if c.StartBatteryVoltage == nil || *c.StartBatteryVoltage != 24.5 {
		t.Errorf("StartBatteryVoltage = %v", c.StartBatteryVoltage)
	}
	if st.saves != 1 {
		t.Errorf("saves = %d, want 1", st.saves)
	}
}

func Test_CycleTracker_Observe_Cases(t *testing.T) {
	tests := []struct {
		name       string
		prev, curr State
		wantEvents int
		wantCount  int
	}{
		{name: "online to online", prev: Online, curr: Online},
		{name: "charging to online", prev: Charging, curr: Online},
		{name: "commlost to online", prev: CommLost, curr: Online},
		{name: "commlost to battery", prev: CommLost, curr: OnBattery, wantEvents: 1, wantCount: 1},
		{name: "charging to battery", prev: Charging, curr: OnBattery, wantEvents: 1, wantCount: 1},
		{name: "battery to battery", prev: OnBattery, curr: OnBattery},
		{name: "battery to commlost", prev: OnBattery, curr: CommLost, wantEvents: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewCycleTracker(&memStore{}, DefaultCapacityParams(), quietLogger())
			events := tr.Observe(tt.prev, tt.curr, nis.StatusMap{}, t0)
			if len(events) != tt.wantEvents {
				t.Errorf("events = %q, want %d", events, tt.wantEvents)
			}
			if tr.State().Cycle.Count != tt.wantCount {
				t.Errorf("Count = %d, want %d", tr.State().Cycle.Count, tt.wantCount)
			}
		})
	}
}

func Test_CycleTracker_NoEstimateWhenChargeRose(t *testing.T) {
	tr := NewCycleTracker(&memStore{}, DefaultCapacityParams(), quietLogger())
	tr.Observe(Online, OnBattery, onBattStatus("80", "50"), t0)
	tr.Observe(OnBattery, Online, onlineStatus("90"), t0.Add(10*time.Minute))

	if c := tr.State().Capacity; c.Samples != 0 || c.AmpHours != 0 {
		t.Errorf("capacity = %+v, want none", c)
	}
}

func Test_CycleTracker_LeaveWithoutStart(t *testing.T) {
	tr := NewCycleTracker(&memStore{}, DefaultCapacityParams(), quietLogger())
	events := tr.Observe(OnBattery, Online, onlineStatus("100"), t0)

	if len(events) != 1 || events[0] != "Left battery mode (duration --:--)" {
		t.Errorf("events = %q", events)
	}
	if tr.State().Cycle.LastOnBatterySeconds != 0 {
		t.Errorf("LastOnBatterySeconds = %d", tr.State().Cycle.LastOnBatterySeconds)
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func Test_CycleTracker_RestartMidCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	first := NewCycleTracker(store.NewJSONFile[PersistedState](path), DefaultCapacityParams(), quietLogger())
	if first.InitialState() != CommLost {
		t.Errorf("fresh InitialState = %v, want CommLost", first.InitialState())
	}
	first.Observe(Online, OnBattery, onBattStatus("100", "50"), t0)

	second := NewCycleTracker(store.NewJSONFile[PersistedState](path), DefaultCapacityParams(), quietLogger())
	if second.InitialState() != OnBattery {
		t.Fatalf("InitialState after restart = %v, want OnBattery", second.InitialState())
	}
	if events := second.Observe(second.InitialState(), OnBattery, onBattStatus("95", "50"), t0.Add(time.Minute)); len(events) != 0 {
		t.Errorf("restart re-entered battery: %q", events)
	}
	second.Observe(OnBattery, Online, onlineStatus("80"), t0.Add(time.Hour+5*time.Second))

	got := second.State()
	if got.Cycle.Count != 1 {
		t.Errorf("Count = %d, want 1", got.Cycle.Count)
	}
	if got.Cycle.LastOnBatterySeconds != 3605 {
		t.Errorf("LastOnBatterySeconds = %d, want 3605", got.Cycle.LastOnBatterySeconds)
	}
}

func Test_PersistedState_RoundTripIsExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	start := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)
	charge, load, volts := 97.25, 33.3, 27.1

	want := PersistedState{
		Cycle: CycleState{
			Count:                17,
			OnBatteryStart:       &start,
			LastOnBatterySeconds: 754,
			StartCharge:          &charge,
			StartLoad:            &load,
			StartBatteryVoltage:  &volts,
		},
		Capacity:        CapacityEstimate{AmpHours: 36.76470588235294, Samples: 4},
		BatteryReplaced: time.Date(2023, 11, 2, 0, 0, 0, 0, time.UTC),
	}

	f := store.NewJSONFile[PersistedState](path)
	if err := f.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.Cycle.Count != want.Cycle.Count || got.Cycle.LastOnBatterySeconds != want.Cycle.LastOnBatterySeconds {
		t.Errorf("cycle = %+v, want %+v", got.Cycle, want.Cycle)
	}
	if got.Cycle.OnBatteryStart == nil || !got.Cycle.OnBatteryStart.Equal(start) {
		t.Errorf("OnBatteryStart = %v, want %v", got.Cycle.OnBatteryStart, start)
	}
	for name, pair := range map[string][2]*float64{
		"StartCharge":         {got.Cycle.StartCharge, want.Cycle.StartCharge},
		"StartLoad":           {got.Cycle.StartLoad, want.Cycle.StartLoad},
		"StartBatteryVoltage": {got.Cycle.StartBatteryVoltage, want.Cycle.StartBatteryVoltage},
	} {
		if pair[0] == nil || *pair[0] != *pair[1] {
			t.Errorf("%s = %v, want %v", name, pair[0], *pair[1])
		}
	}
	if got.Capacity != want.Capacity {
		t.Errorf("Capacity = %+v, want %+v", got.Capacity, want.Capacity)
	}
	if !got.BatteryReplaced.Equal(want.BatteryReplaced) {
		t.Errorf("BatteryReplaced = %v, want %v", got.BatteryReplaced, want.BatteryReplaced)
	}
}

func Test_NewCycleTracker_LoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		loadErr  error
		wantWarn bool
	}{
		{name: "missing file is silent", loadErr: fs.ErrNotExist},
		{name: "corrupt file warns", loadErr: errors.New("decode state.json: unexpected EOF"), wantWarn: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := logtest.NewNullLogger()
			tr := NewCycleTracker(&memStore{loadErr: tt.loadErr}, DefaultCapacityParams(), logger)

			if !reflect.DeepEqual(tr.State(), PersistedState{}) {
				t.Errorf("State() = %+v, want zero", tr.State())
			}
			warned := false
			for _, e := range hook.AllEntries() {
				if e.Level == logrus.WarnLevel {
					warned = true
				}
			}
			if warned != tt.wantWarn {
				t.Errorf("warned = %v, want %v", warned, tt.wantWarn)
			}
		})
	}
}

func Test_CycleTracker_SaveFailureIsLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	st := &memStore{saveErr: errors.New("disk full")}
	tr := NewCycleTracker(st, DefaultCapacityParams(), logger)

	events := tr.Observe(Online, OnBattery, onBattStatus("100", "50"), t0)

	if len(events) != 1 || tr.State().Cycle.Count != 1 {
		t.Errorf("events = %q, count = %d", events, tr.State().Cycle.Count)
	}
	found := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "save") {
			found = true
		}
	}
	if !found {
		t.Error("save failure was not logged")
	}
}

// ---------------------------------------------------------------------------
// Battery replacement
// ---------------------------------------------------------------------------

func Test_CycleTracker_ResetForNewBattery_Cases(t *testing.T) {
	recorded := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		at        time.Time
		wantReset bool
	}{
		{name: "newer date resets", at: recorded.AddDate(1, 0, 0), wantReset: true},
		{name: "same date keeps", at: recorded},
		{name: "older date keeps", at: recorded.AddDate(-1, 0, 0)},
		{name: "zero date keeps", at: time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &memStore{has: true, state: PersistedState{
				Cycle:           CycleState{Count: 12, LastOnBatterySeconds: 90},
				Capacity:        CapacityEstimate{AmpHours: 5.5, Samples: 3},
				BatteryReplaced: recorded,
			}}
			tr := NewCycleTracker(st, DefaultCapacityParams(), quietLogger())

			if got := tr.ResetForNewBattery(tt.at); got != tt.wantReset {
				t.Fatalf("ResetForNewBattery = %v, want %v", got, tt.wantReset)
			}

			got := tr.State()
			if tt.wantReset {
				if got.Cycle.Count != 0 || got.Capacity != (CapacityEstimate{}) || !got.BatteryReplaced.Equal(tt.at) {
					t.Errorf("state after reset = %+v", got)
				}
				if !reflect.DeepEqual(st.saved(), got) {
					t.Error("reset was not persisted")
				}
				return
			}
			if got.Cycle.Count != 12 || got.Capacity.Samples != 3 || !got.BatteryReplaced.Equal(recorded) {
				t.Errorf("state changed without reset: %+v", got)
			}
		})
	}
}

func Test_FormatDuration_Cases(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "--:--"},
		{-time.Second, "--:--"},
		{500 * time.Millisecond, "--:--"},
		{5 * time.Second, "00:05"},
		{5*time.Minute + 7*time.Second, "05:07"},
		{59*time.Minute + 59*time.Second, "59:59"},
		{time.Hour, "1:00:00"},
		{26*time.Hour + 3*time.Minute + 4*time.Second, "26:03:04"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
