package notifications

import (
	"strings"
	"sync"
	"time"
	"unicode"
)

// DefaultMaxEvents bounds the in-memory event log.
const DefaultMaxEvents = 1000

// TimestampLayout prefixes synthesized event lines.
const TimestampLayout = "2006-01-02 15:04:05"

// EventLog is an ordered, clearable sequence of event lines. It is safe for
// concurrent use.
type EventLog struct {
	max int

	mu         sync.Mutex
	lines      []string
	lastDaemon string
	mirrored   bool
}

// NewEventLog returns an EventLog keeping at most max lines; max <= 0 uses
// DefaultMaxEvents.
func NewEventLog(max int) *EventLog {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &EventLog{max: max}
}

// Stamp prefixes msg with the local timestamp used by synthesized events.
func Stamp(now time.Time, msg string) string {
	return now.Format(TimestampLayout) + " " + msg
}

// Append adds lines in order, dropping the oldest entries beyond the limit.
func (l *EventLog) Append(lines ...string) {
	if len(lines) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lines = append(l.lines, lines...)
	if over := len(l.lines) - l.max; over > 0 {
		l.lines = append([]string(nil), l.lines[over:]...)
	}
}

// Mirror takes the daemon's full event list and returns the lines that were
// not seen on the previous call, advancing the mirror cursor. first reports
// whether this was the first non-empty mirror of the session. The returned
// lines are not appended; callers enrich and Append them.
//
// If the last mirrored line no longer appears (the daemon rotated its log)
// every line is treated as new.
func (l *EventLog) Mirror(daemon []string) (fresh []string, first bool) {
	if len(daemon) == 0 {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	first = !l.mirrored
	start := 0
	if l.mirrored {
		for i := len(daemon) - 1; i >= 0; i-- {
			if daemon[i] == l.lastDaemon {
				start = i + 1
				break
			}
		}
	}
	l.mirrored = true
	l.lastDaemon = daemon[len(daemon)-1]

	if start >= len(daemon) {
		return nil, first
	}
	return append([]string(nil), daemon[start:]...), first
}

// Lines returns a copy of every line, oldest first.
func (l *EventLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Tail returns the newest n lines, oldest first.
func (l *EventLog) Tail(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(l.lines) {
		n = len(l.lines)
	}
	return append([]string(nil), l.lines[len(l.lines)-n:]...)
}

// Len returns the number of lines held.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// Clear removes every line. The mirror cursor is kept so cleared daemon
// events are not re-imported on the next poll.
func (l *EventLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = nil
}

// Since returns the lines whose leading date (yyyy-mm-dd, after any icon
// prefix) falls on or after day's calendar date in day's location.
func (l *EventLog) Since(day time.Time) []string {
	y, m, d := day.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, day.Location())

	var out []string
	for _, line := range l.Lines() {
		t, ok := lineDate(line, day.Location())
		if ok && !t.Before(from) {
			out = append(out, line)
		}
	}
	return out
}

func lineDate(line string, loc *time.Location) (time.Time, bool) {
	i := strings.IndexFunc(line, unicode.IsDigit)
	if i < 0 || len(line)-i < 10 {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02", line[i:i+10], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SelfTests returns the lines that mention a UPS self test.
func (l *EventLog) SelfTests() []string {
	return SelfTests(l.Lines())
}

var selfTestPatterns = []string{
	"SELFTEST",
	"SELF-TEST",
	"SELF TEST",
	"AUTO TEST",
	"TEST PASSED",
	"TEST FAILED",
}

// SelfTests filters lines mentioning a self test or its result.
func SelfTests(lines []string) []string {
	var out []string
	for _, line := range lines {
		if isSelfTest(line) {
			out = append(out, line)
		}
	}
	return out
}

func isSelfTest(line string) bool {
	upper := strings.ToUpper(line)
	for _, p := range selfTestPatterns {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}
