package ups

import (
	"strings"

	"github.com/jamesprial/apcwatch/internal/nis"
)

// Classify maps a status reading to a State. Rules on STATUS are evaluated
// in order and the first match wins: COMMLOST, ONBATT, ONLINE, otherwise
// Charging. Without STATUS, a battery charge below 100 is Charging and
// anything else, including no charge reading, is CommLost.
func Classify(m nis.StatusMap) State {
	if status, ok := m.Get("STATUS"); ok {
		status = strings.ToUpper(status)
		switch {
		case strings.Contains(status, "COMMLOST"):
			return CommLost
		case strings.Contains(status, "ONBATT"):
			return OnBattery
		case strings.Contains(status, "ONLINE"):
			return Online
		default:
			return Charging
		}
	}

	if charge, ok := m.Float("BCHARGE"); ok && charge < 100 {
		return Charging
	}
	return CommLost
}
