package notifications

import (
	"strings"

	"github.com/jamesprial/apcwatch/internal/nis"
)

type rule[T any] struct {
	match []string
	value T
}

func lookup[T any](rules []rule[T], line string, fallback T) T {
	upper := strings.ToUpper(line)
	for _, r := range rules {
		for _, m := range r.match {
			if strings.Contains(upper, m) {
				return r.value
			}
		}
	}
	return fallback
}

// Rules are evaluated in order; the first matching substring wins.
var categoryRules = []rule[Category]{
	{match: []string{"ALERT"}, value: CategoryAlert},
	{match: []string{"LEFT BATTERY", "NO LONGER ON UPS BATTERIES", "POWER IS BACK", "MAINS RETURNED"}, value: CategoryBatteryLeft},
	{match: []string{"ENTERED BATTERY", "RUNNING ON UPS BATTERIES", "POWER FAILURE"}, value: CategoryBatteryEntered},
	{match: []string{"STATUS CHANGED", "INITIALIZED"}, value: CategoryStatus},
	{match: []string{"RECOVERED"}, value: CategoryRecovered},
	{match: selfTestPatterns, value: CategorySelfTest},
	{match: []string{"COMMLOST", "COMMUNICATIONS WITH UPS LOST"}, value: CategoryCommLost},
	{match: []string{"CHARG"}, value: CategoryCharging},
}

var iconRules = []rule[string]{
	{match: []string{"COMMLOST", "COMMUNICATIONS WITH UPS LOST"}, value: "❌"},
	{match: []string{"ONBATT", "ENTERED BATTERY", "RUNNING ON UPS BATTERIES", "POWER FAILURE"}, value: "🔋"},
	{match: []string{"LEFT BATTERY", "ONLINE", "POWER IS BACK", "MAINS RETURNED"}, value: "🔌"},
	{match: []string{"RECOVERED"}, value: "✅"},
	{match: []string{"OVER-VOLTAGE", "UNDER-VOLTAGE"}, value: "⚡️"},
	{match: []string{"FREQUENCY"}, value: "📶"},
	{match: selfTestPatterns, value: "🧪"},
	{match: []string{"CHARG"}, value: "🔄"},
}

// DefaultIcon marks lines no rule matched.
const DefaultIcon = "ℹ️"

// knownIcons is every icon Icon can return.
var knownIcons = []string{"❌", "🔋", "🔌", "✅", "⚡️", "⚡", "📶", "🧪", "🔄", "⚠️", DefaultIcon}

// Tag returns the category of an event line.
func Tag(line string) Category {
	return lookup(categoryRules, line, CategoryInfo)
}

// Icon returns the emoji that represents an event line.
func Icon(line string) string {
	return lookup(iconRules, line, DefaultIcon)
}

// HasIcon reports whether line already starts with one of the known icons.
func HasIcon(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, icon := range knownIcons {
		if strings.HasPrefix(trimmed, icon) {
			return true
		}
	}
	return false
}

// Enrich prefixes line with its icon and appends a second line of current
// readings chosen by category. Lines that are already multi-line are
// returned unchanged.
func Enrich(line string, m nis.StatusMap) string {
	if strings.Contains(line, "\n") {
		return line
	}

	charge := field(m, "BCHARGE")
	load := field(m, "LOADPCT")
	volt := firstToken(m, "LINEV")
	freq := firstToken(m, "LINEFREQ")
	runtime := field(m, "TIMELEFT")

	var parts []string
	switch Tag(line) {
	case CategoryAlert:
		parts = []string{"Battery: " + charge, "Load: " + load, "Volt: " + volt + "V", "Freq: " + freq + "Hz"}
	case CategoryBatteryEntered:
		parts = []string{"Runtime: " + runtime, "Battery: " + charge, "Load: " + load}
	case CategoryBatteryLeft:
		parts = []string{"Battery: " + charge, "Volt: " + volt + "V", "Freq: " + freq + "Hz"}
	case CategoryStatus:
		parts = []string{"Battery: " + charge, "Load: " + load, "Volt/Freq: " + volt + "V / " + freq + "Hz", "Runtime: " + runtime}
	case CategoryRecovered:
		parts = []string{"Volt: " + volt + "V", "Freq: " + freq + "Hz", "Battery: " + charge}
	default:
		parts = []string{"Battery: " + charge, "Load: " + load}
	}

	if !HasIcon(line) {
		line = Icon(line) + " " + line
	}
	return line + "\n" + strings.Join(parts, " | ")
}

func field(m nis.StatusMap, key string) string {
	if v, ok := m.Get(key); ok && v != "" {
		return v
	}
	return "--"
}

func firstToken(m nis.StatusMap, key string) string {
	v := field(m, key)
	if i := strings.IndexByte(v, ' '); i > 0 {
		return v[:i]
	}
	return v
}
