package ups

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jamesprial/apcwatch/internal/history"
	"github.com/jamesprial/apcwatch/internal/nis"
	"github.com/jamesprial/apcwatch/internal/notifications"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultTimeout      = 3 * time.Second
	reportTimeout       = 30 * time.Second
	reportWindow        = 5 * time.Minute
	summaryEvents       = 5
	dayLayout           = "2006-01-02"
)

// Event texts synthesized when the daemon has no event feed.
const (
	msgInitialized   = "Initialized - Status: "
	msgStatusChanged = "Status changed - Status: "
	msgTest          = "Test notification"
)

// MonitorDeps are the collaborators of a Monitor. Fetcher and Tracker are
// required; every other field may be nil.
type MonitorDeps struct {
	Fetcher   StatusFetcher
	Tracker   *CycleTracker
	Events    *notifications.EventLog
	History   *history.Store
	Notifier  Notifier
	Reports   ReportSender
	Recorder  Recorder
	Publisher StatusPublisher
	Settings  SettingsSaver
	Logger    logrus.FieldLogger
}

// MonitorOptions tunes a Monitor. Zero values select defaults.
type MonitorOptions struct {
	// Name titles notifications until the daemon reports UPSNAME.
	Name         string
	PollInterval time.Duration
	Timeout      time.Duration
	Thresholds   Thresholds
	// DailyReportHour is the local hour of the daily report; negative
	// disables it.
	DailyReportHour int
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Monitor polls the daemon and maintains every piece of derived state.
// Polls are serialized: Run never starts a poll before the previous one
// returned, and the exported methods share one mutex with the poll.
type Monitor struct {
	fetcher   StatusFetcher
	tracker   *CycleTracker
	events    *notifications.EventLog
	history   *history.Store
	notifier  Notifier
	reports   ReportSender
	recorder  Recorder
	publisher StatusPublisher
	settings  SettingsSaver
	log       logrus.FieldLogger
	now       func() time.Time

	name       string
	interval   time.Duration
	timeout    time.Duration
	reportHour int

	pollMu sync.Mutex

	mu             sync.Mutex
	state          State
	initialized    bool
	lastStatusText string
	thresholds     Thresholds
	alerts         AlertState
	snapshot       Snapshot
	lastReportDay  string

	wg sync.WaitGroup
}

// NewMonitor wires a Monitor. Panics if deps.Fetcher or deps.Tracker is nil.
func NewMonitor(deps MonitorDeps, opts MonitorOptions) *Monitor {
	if deps.Fetcher == nil {
		panic("ups: NewMonitor called with nil fetcher")
	}
	if deps.Tracker == nil {
		panic("ups: NewMonitor called with nil tracker")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Events == nil {
		deps.Events = notifications.NewEventLog(0)
	}
	if deps.History == nil {
		deps.History = history.NewStore(0, deps.Logger)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Name == "" {
		opts.Name = "UPS"
	}

	m := &Monitor{
		fetcher:    deps.Fetcher,
		tracker:    deps.Tracker,
		events:     deps.Events,
		history:    deps.History,
		notifier:   deps.Notifier,
		reports:    deps.Reports,
		recorder:   deps.Recorder,
		publisher:  deps.Publisher,
		settings:   deps.Settings,
		log:        deps.Logger.WithField("component", "monitor"),
		now:        opts.Clock,
		name:       opts.Name,
		interval:   opts.PollInterval,
		timeout:    opts.Timeout,
		reportHour: opts.DailyReportHour,
		thresholds: opts.Thresholds,
	}
	m.state = m.tracker.InitialState()
	m.snapshot = Snapshot{State: m.state, Fields: nis.StatusMap{}}
	return m
}

// Run polls immediately and then every poll interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.log.WithFields(logrus.Fields{
		"interval": m.interval,
		"timeout":  m.timeout,
	}).Info("monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs one fetch and updates every piece of derived state. It never
// fails: fetch errors degrade to CommLost and are logged.
func (m *Monitor) Poll(ctx context.Context) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	started := m.now()

	status, err := m.fetcher.FetchStatus(ctx, m.timeout)
	if status == nil {
		status = nis.StatusMap{}
	}
	if err != nil {
		m.log.WithError(err).Warn("status fetch failed")
	}

	var daemonEvents []string
	if err == nil {
		evs, evErr := m.fetcher.FetchEvents(ctx, m.timeout)
		if evErr != nil {
			m.log.WithError(evErr).Debug("event fetch failed")
		}
		daemonEvents = evs
	}

	snap, notify := m.apply(status, daemonEvents, err)

	if m.notifier != nil && len(notify) > 0 {
		m.notifier.Publish(m.title(status), notify)
	}
	if m.recorder != nil {
		m.recorder.ObservePoll(snap, m.now().Sub(started), err)
	}
	if m.publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		if perr := m.publisher.PublishStatus(pctx, snap); perr != nil {
			m.log.WithError(perr).Debug("status publish failed")
		}
		cancel()
	}
	m.maybeSendDailyReport(ctx, snap.Time)
}

// apply updates derived state under the lock and returns the new snapshot
// and the enriched lines to dispatch.
func (m *Monitor) apply(status nis.StatusMap, daemonEvents []string, fetchErr error) (Snapshot, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	curr := Classify(status)
	prev := m.state
	statusText := strings.TrimSpace(status.Value("STATUS"))
	hasStatus := statusText != ""
	if !hasStatus {
		statusText = strings.ToUpper(curr.String())
	}

	cycleEvents := m.tracker.Observe(prev, curr, status, now)

	var raw []string
	fresh, first := m.events.Mirror(daemonEvents)
	if len(daemonEvents) > 0 {
		raw = fresh
	} else {
		switch {
		case !m.initialized:
			// Nothing is announced until the daemon has reported a STATUS.
			if hasStatus {
				raw = append(raw, notifications.Stamp(now, msgInitialized+statusText))
			}
		case statusText != m.lastStatusText:
			raw = append(raw, notifications.Stamp(now, msgStatusChanged+statusText))
		}
		for _, e := range cycleEvents {
			raw = append(raw, notifications.Stamp(now, e))
		}
	}
	daemonCount := len(fresh)

	alertEvents, alerts := EvaluateAlerts(status, m.thresholds, m.alerts)
	m.alerts = alerts
	for _, e := range alertEvents {
		raw = append(raw, notifications.Stamp(now, e))
	}

	lines := make([]string, len(raw))
	for i, line := range raw {
		lines[i] = notifications.Enrich(line, status)
	}
	m.events.Append(lines...)

	notify := lines
	if first && daemonCount > 1 {
		// Only the newest backlog line is announced on the first mirror.
		notify = lines[daemonCount-1:]
	}

	if curr != prev {
		m.log.WithFields(logrus.Fields{"from": prev, "to": curr}).Info("state changed")
	}
	m.state = curr
	m.lastStatusText = statusText
	if hasStatus || len(daemonEvents) > 0 {
		m.initialized = true
	}

	m.history.Append(history.SampleFrom(status, now))

	m.snapshot = m.buildSnapshot(status, now, fetchErr)
	return m.snapshot, notify
}

func (m *Monitor) buildSnapshot(status nis.StatusMap, now time.Time, fetchErr error) Snapshot {
	st := m.tracker.State()
	s := Snapshot{
		Time:                 now,
		State:                m.state,
		UPSName:              status.Value("UPSNAME"),
		Status:               status.Value("STATUS"),
		Fields:               status,
		Charge:               status.FloatPtr("BCHARGE"),
		Load:                 status.FloatPtr("LOADPCT"),
		LineV:                status.FloatPtr("LINEV"),
		OutputV:              status.FloatPtr("OUTPUTV"),
		Freq:                 status.FloatPtr("LINEFREQ"),
		TimeLeft:             status.FloatPtr("TIMELEFT"),
		ITemp:                status.FloatPtr("ITEMP"),
		Cycles:               st.Cycle.Count,
		LastOnBatterySeconds: st.Cycle.LastOnBatterySeconds,
		CapacityAh:           st.Capacity.AmpHours,
		CapacitySamples:      st.Capacity.Samples,
		HealthPercent:        m.health(st.Capacity),
		Alerts:               m.alerts,
	}
	if start := st.Cycle.OnBatteryStart; start != nil {
		s.OnBattery = true
		s.OnBatterySeconds = int64(max(0, now.Sub(*start)) / time.Second)
	}
	if fetchErr != nil {
		s.Error = fetchErr.Error()
	}
	return s
}

func (m *Monitor) health(c CapacityEstimate) *int {
	if c.Samples == 0 {
		return nil
	}
	h := HealthPercent(c.AmpHours, m.tracker.Params().NominalAh)
	return &h
}

func (m *Monitor) title(status nis.StatusMap) string {
	if name := strings.TrimSpace(status.Value("UPSNAME")); name != "" {
		return name
	}
	return m.name
}

// maybeSendDailyReport sends the daily report in the background during the
// first minutes of the configured hour, at most once per calendar day.
func (m *Monitor) maybeSendDailyReport(ctx context.Context, now time.Time) {
	if m.reports == nil || m.reportHour < 0 {
		return
	}
	if now.Hour() != m.reportHour || now.Sub(now.Truncate(time.Hour)) >= reportWindow {
		return
	}

	m.mu.Lock()
	day := now.Format(dayLayout)
	if m.lastReportDay == day {
		m.mu.Unlock()
		return
	}
	m.lastReportDay = day
	st := m.tracker.State()
	report := DailyReport{
		Name:            m.title(m.snapshot.Fields),
		Date:            now,
		Cycles:          st.Cycle.Count,
		CapacityAh:      st.Capacity.AmpHours,
		CapacitySamples: st.Capacity.Samples,
		Events:          m.events.Since(now),
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()
		if err := m.reports.SendDailyReport(rctx, report); err != nil {
			m.log.WithError(err).Warn("daily report failed")
			return
		}
		m.log.WithField("day", day).Info("daily report sent")
	}()
}

// Wait blocks until background report deliveries finish.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Snapshot returns the result of the most recent poll.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Events returns the event log, oldest first.
func (m *Monitor) Events() []string {
	return m.events.Lines()
}

// ClearEvents empties the event log and resets alert and de-duplication
// state, so the next poll re-announces the current status.
func (m *Monitor) ClearEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events.Clear()
	m.alerts = AlertState{}
	m.lastStatusText = ""
	if m.notifier != nil {
		m.notifier.Reset()
	}
	m.log.Info("event log cleared")
}

// Metrics returns the samples taken at or after since.
func (m *Monitor) Metrics(since time.Time) []history.Sample {
	return m.history.Window(since)
}

// Battery summarises battery wear.
func (m *Monitor) Battery() BatteryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.tracker.State()
	info := BatteryInfo{
		Cycles:               st.Cycle.Count,
		CapacityAh:           st.Capacity.AmpHours,
		CapacitySamples:      st.Capacity.Samples,
		NominalAh:            m.tracker.Params().NominalAh,
		HealthPercent:        m.health(st.Capacity),
		OnBattery:            st.Cycle.OnBatteryStart != nil,
		LastOnBatterySeconds: st.Cycle.LastOnBatterySeconds,
	}
	if !st.BatteryReplaced.IsZero() {
		replaced := st.BatteryReplaced
		days := int(m.now().Sub(replaced).Hours() / 24)
		info.BatteryReplaced = &replaced
		info.BatteryAgeDays = &days
	}
	return info
}

// SetBatteryReplaced records a battery replacement on at. When at is newer
// than the recorded date, cycles and capacity are reset and the date is
// saved to the settings. The returned bool reports whether a reset happened.
func (m *Monitor) SetBatteryReplaced(at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.tracker.ResetForNewBattery(at) {
		return false, nil
	}
	if m.settings != nil {
		if err := m.settings.SaveBatteryReplaced(at); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Thresholds returns the alert thresholds in force.
func (m *Monitor) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// SetThresholds validates and applies new alert thresholds and saves them
// to the settings before returning.
func (m *Monitor) SetThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings != nil {
		if err := m.settings.SaveThresholds(th); err != nil {
			return err
		}
	}
	m.thresholds = th
	m.log.WithFields(logrus.Fields{
		"enabled":  th.Enabled,
		"volt_low": th.VoltageLow, "volt_high": th.VoltageHigh,
		"freq_low": th.FrequencyLow, "freq_high": th.FrequencyHigh,
	}).Info("alert thresholds updated")
	return nil
}

// SendTestNotification pushes a test message to every channel, bypassing
// de-duplication.
func (m *Monitor) SendTestNotification() bool {
	if m.notifier == nil {
		return false
	}
	m.mu.Lock()
	fields := m.snapshot.Fields
	title := m.title(fields)
	m.mu.Unlock()

	now := m.now()
	m.notifier.Notify(notifications.Notification{
		Title: title,
		Body:  notifications.Enrich(notifications.Stamp(now, msgTest), fields),
		Time:  now,
	})
	return true
}

// SendSummary fetches a fresh status and sends a status report with the
// latest events. It blocks until the report is delivered.
func (m *Monitor) SendSummary(ctx context.Context) error {
	if m.reports == nil {
		return ErrReportsDisabled
	}

	status, err := m.fetcher.FetchStatus(ctx, m.timeout)
	if status == nil {
		status = nis.StatusMap{}
	}

	m.mu.Lock()
	now := m.now()
	snap := m.buildSnapshot(status, now, err)
	snap.State = Classify(status)
	report := StatusReport{
		Name:     m.title(status),
		Time:     now,
		Snapshot: snap,
		Events:   m.events.Tail(summaryEvents),
	}
	m.mu.Unlock()

	return m.reports.SendStatusReport(ctx, report)
}
