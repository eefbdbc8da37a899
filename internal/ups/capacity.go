package ups

import "math"

// Floors of the discharge model.
const (
	minDeltaSOC    = 0.05
	minOutputWatts = 10.0
	minBusVolts    = 10.0
)

// CapacityParams holds the assumed constants of the discharge model.
type CapacityParams struct {
	FallbackWatts  float64
	PowerFactor    float64
	Efficiency     float64
	Alpha          float64
	NominalVoltage float64
	NominalAh      float64
}

// DefaultCapacityParams returns the model's stock constants.
func DefaultCapacityParams() CapacityParams {
	return CapacityParams{
		FallbackWatts:  600,
		PowerFactor:    0.65,
		Efficiency:     0.85,
		Alpha:          0.3,
		NominalVoltage: 24,
		NominalAh:      7,
	}
}

func (p CapacityParams) withDefaults() CapacityParams {
	d := DefaultCapacityParams()
	if p.FallbackWatts <= 0 {
		p.FallbackWatts = d.FallbackWatts
	}
	if p.PowerFactor <= 0 {
		p.PowerFactor = d.PowerFactor
	}
	if p.Efficiency <= 0 {
		p.Efficiency = d.Efficiency
	}
	if p.Alpha <= 0 || p.Alpha > 1 {
		p.Alpha = d.Alpha
	}
	if p.NominalVoltage <= 0 {
		p.NominalVoltage = d.NominalVoltage
	}
	if p.NominalAh <= 0 {
		p.NominalAh = d.NominalAh
	}
	return p
}

// DischargeSample describes one completed on-battery excursion. Zero
// NominalWatts, NominalVA or BatteryVoltage mean the reading was absent.
type DischargeSample struct {
	StartCharge    float64
	EndCharge      float64
	LoadPct        float64
	DurationSecs   float64
	BatteryVoltage float64
	NominalWatts   float64
	NominalVA      float64
}

// EstimateCapacity returns the battery capacity in amp-hours implied by a
// discharge. It reports false unless charge dropped and time passed.
//
// The model assumes a constant load and a series battery string; treat the
// result as a trend indicator.
func EstimateCapacity(s DischargeSample, p CapacityParams) (float64, bool) {
	if s.StartCharge <= s.EndCharge || s.DurationSecs <= 0 {
		return 0, false
	}
	p = p.withDefaults()

	deltaSOC := math.Max(minDeltaSOC, (s.StartCharge-s.EndCharge)/100)

	watts := p.FallbackWatts
	switch {
	case s.NominalWatts > 0:
		watts = s.NominalWatts
	case s.NominalVA > 0:
		watts = s.NominalVA * p.PowerFactor
	}
	output := math.Max(minOutputWatts, watts*s.LoadPct/100)

	volts := s.BatteryVoltage
	if volts <= 0 {
		volts = p.NominalVoltage
	}
	current := output / math.Max(minBusVolts, volts*p.Efficiency)

	return current * (s.DurationSecs / 3600) / deltaSOC, true
}

// Smooth folds a new estimate into c with an exponential moving average and
// counts the sample. The first estimate is taken as-is.
func (c CapacityEstimate) Smooth(ah, alpha float64) CapacityEstimate {
	if c.AmpHours == 0 {
		c.AmpHours = ah
	} else {
		c.AmpHours = alpha*ah + (1-alpha)*c.AmpHours
	}
	c.Samples++
	return c
}

// HealthPercent compares an estimate with the nameplate capacity, clamped
// to 0..100.
func HealthPercent(estimatedAh, nominalAh float64) int {
	if nominalAh <= 0 || estimatedAh <= 0 {
		return 0
	}
	pct := int(math.Round(estimatedAh / nominalAh * 100))
	return max(0, min(100, pct))
}
