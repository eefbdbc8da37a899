package ups

import (
	"fmt"

	"github.com/jamesprial/apcwatch/internal/nis"
)

// EvaluateAlerts compares line voltage and frequency with th. An event is
// produced only when a quantity leaves or re-enters its bounds; a missing
// reading leaves that quantity's state untouched. There is no dead-band, so
// a value sitting on a bound may flap.
func EvaluateAlerts(m nis.StatusMap, th Thresholds, st AlertState) ([]string, AlertState) {
	if !th.Enabled {
		return nil, st
	}

	var events []string

	if v, ok := m.Float("LINEV"); ok {
		outside := v < th.VoltageLow || v > th.VoltageHigh
		switch {
		case outside && !st.Voltage:
			st.Voltage = true
			kind := "under-voltage"
			if v > th.VoltageHigh {
				kind = "over-voltage"
			}
			events = append(events, fmt.Sprintf("Alert %s LINEV=%.1fV (limits %.1f-%.1f)", kind, v, th.VoltageLow, th.VoltageHigh))
		case !outside && st.Voltage:
			st.Voltage = false
			events = append(events, fmt.Sprintf("Voltage recovered LINEV=%.1fV", v))
		}
	}

	if f, ok := m.Float("LINEFREQ"); ok {
		outside := f < th.FrequencyLow || f > th.FrequencyHigh
		switch {
		case outside && !st.Frequency:
			st.Frequency = true
			kind := "low frequency"
			if f > th.FrequencyHigh {
				kind = "high frequency"
			}
			events = append(events, fmt.Sprintf("Alert %s LINEFREQ=%.1fHz (limits %.1f-%.1f)", kind, f, th.FrequencyLow, th.FrequencyHigh))
		case !outside && st.Frequency:
			st.Frequency = false
			events = append(events, fmt.Sprintf("Frequency recovered LINEFREQ=%.1fHz", f))
		}
	}

	return events, st
}
