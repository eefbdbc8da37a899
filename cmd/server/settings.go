package main

import (
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/jamesprial/apcwatch/internal/config"
	"github.com/jamesprial/apcwatch/internal/ups"
)

var _ ups.SettingsSaver = (*settingsFile)(nil)

// settingsFile persists runtime changes made through the MCP tools back to
// the config file. Each save re-reads the file so environment overrides and
// generated tokens held in memory are never written out.
type settingsFile struct {
	mu   sync.Mutex
	path string
}

func newSettingsFile(path string) *settingsFile {
	return &settingsFile{path: path}
}

// SaveThresholds implements ups.SettingsSaver.
func (s *settingsFile) SaveThresholds(th ups.Thresholds) error {
	return s.update(func(cfg *config.Config) {
		cfg.Alerts = config.AlertsConfig{
			Enabled:       th.Enabled,
			VoltageLow:    th.VoltageLow,
			VoltageHigh:   th.VoltageHigh,
			FrequencyLow:  th.FrequencyLow,
			FrequencyHigh: th.FrequencyHigh,
		}
	})
}

// SaveBatteryReplaced implements ups.SettingsSaver.
func (s *settingsFile) SaveBatteryReplaced(at time.Time) error {
	return s.update(func(cfg *config.Config) {
		cfg.Battery.ReplacedAt = at
	})
}

func (s *settingsFile) update(mutate func(*config.Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := config.LoadConfig(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		cfg = config.DefaultConfig()
	}
	mutate(cfg)
	return config.SaveConfig(s.path, cfg)
}

func thresholdsFromConfig(a config.AlertsConfig) ups.Thresholds {
	return ups.Thresholds{
		Enabled:       a.Enabled,
		VoltageLow:    a.VoltageLow,
		VoltageHigh:   a.VoltageHigh,
		FrequencyLow:  a.FrequencyLow,
		FrequencyHigh: a.FrequencyHigh,
	}
}

func capacityParamsFromConfig(b config.BatteryConfig) ups.CapacityParams {
	return ups.CapacityParams{
		FallbackWatts:  b.UPSNominalWatts,
		PowerFactor:    b.AssumedPowerFactor,
		Efficiency:     b.InverterEfficiency,
		Alpha:          b.SmoothingAlpha,
		NominalVoltage: b.NominalVoltage,
		NominalAh:      b.NominalAh,
	}
}
