// Package config provides configuration loading, defaults and persistence for
// the apcwatch daemon.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jamesprial/apcwatch/internal/store"
)

const (
	// MinPollInterval is the lower bound applied to NIS.PollInterval.
	MinPollInterval = 2 * time.Second
	minTimeout      = 500 * time.Millisecond
)

// Transport names accepted by NISConfig.Transport.
const (
	TransportAuto   = "auto"
	TransportStream = "stream"
	TransportFramed = "framed"
)

// FallbackConfig controls the local status-query executable used when the NIS
// daemon does not answer.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`
	// Executable is an absolute path or a name resolved via PATH. Empty means
	// the built-in apcaccess search list.
	Executable string `yaml:"executable"`
}

// NISConfig holds connection details for the UPS monitoring daemon.
type NISConfig struct {
	Host         string         `yaml:"host"`
	Port         int            `yaml:"port"`
	Transport    string         `yaml:"transport"`
	PollInterval time.Duration  `yaml:"poll_interval"`
	Timeout      time.Duration  `yaml:"timeout"`
	Fallback     FallbackConfig `yaml:"fallback"`
}

// Address returns host:port.
func (c NISConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AlertsConfig holds line voltage and frequency thresholds.
type AlertsConfig struct {
	Enabled       bool    `yaml:"enabled"`
	VoltageLow    float64 `yaml:"voltage_low"`
	VoltageHigh   float64 `yaml:"voltage_high"`
	FrequencyLow  float64 `yaml:"frequency_low"`
	FrequencyHigh float64 `yaml:"frequency_high"`
}

// BatteryConfig describes the installed battery pack and the heuristics used
// to estimate its capacity.
type BatteryConfig struct {
	NominalVoltage     float64 `yaml:"nominal_voltage"`
	NominalAh          float64 `yaml:"nominal_ah"`
	UPSNominalWatts    float64 `yaml:"ups_nominal_watts"`
	AssumedPowerFactor float64 `yaml:"assumed_power_factor"`
	InverterEfficiency float64 `yaml:"inverter_efficiency"`
	SmoothingAlpha     float64 `yaml:"smoothing_alpha"`
	// ReplacedAt is the date the battery was last replaced. Moving it forward
	// resets the cycle count and the capacity estimate.
	ReplacedAt time.Time `yaml:"replaced_at"`
}

// TelegramConfig holds Bot API credentials and delivery options.
type TelegramConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BotToken     string        `yaml:"bot_token"`
	ChatID       string        `yaml:"chat_id"`
	APIURL       string        `yaml:"api_url"`
	Timeout      time.Duration `yaml:"timeout"`
	DailyLogHour int           `yaml:"daily_log_hour"`
	// Categories filters which event categories are forwarded.
	Categories ResourceFilter `yaml:"categories"`
}

// MQTTConfig holds broker settings for status and event publishing.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// ResourceFilter holds allowlist and denylist glob patterns.
type ResourceFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// StorageConfig holds paths and limits for persisted state.
type StorageConfig struct {
	StatePath    string        `yaml:"state_path"`
	MetricsPath  string        `yaml:"metrics_path"`
	MaxSamples   int           `yaml:"max_samples"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

// AuditConfig controls audit logging behaviour.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// ServerConfig holds network and authentication settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the top-level configuration structure for apcwatch.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	NIS      NISConfig      `yaml:"nis"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Battery  BatteryConfig  `yaml:"battery"`
	Telegram TelegramConfig `yaml:"telegram"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Storage  StorageConfig  `yaml:"storage"`
	Audit    AuditConfig    `yaml:"audit"`
	Log      LogConfig      `yaml:"log"`
}

// LoadConfig reads a YAML configuration file from path and overlays it on
// DefaultConfig. On error, nil is returned for the config pointer.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes cfg as YAML to path. The file is replaced atomically so a
// crash mid-write leaves the previous version intact.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return store.WriteFileAtomic(path, data, 0o600)
}

// DefaultConfig returns a new Config populated with default values for a
// 127 V / 60 Hz installation. Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		NIS: NISConfig{
			Host:         "127.0.0.1",
			Port:         3551,
			Transport:    TransportAuto,
			PollInterval: 10 * time.Second,
			Timeout:      3 * time.Second,
			Fallback:     FallbackConfig{Enabled: true},
		},
		Alerts: AlertsConfig{
			Enabled:       true,
			VoltageLow:    105,
			VoltageHigh:   140,
			FrequencyLow:  58,
			FrequencyHigh: 62,
		},
		Battery: BatteryConfig{
			NominalVoltage:     24,
			NominalAh:          7,
			UPSNominalWatts:    600,
			AssumedPowerFactor: 0.65,
			InverterEfficiency: 0.85,
			SmoothingAlpha:     0.3,
		},
		Telegram: TelegramConfig{
			APIURL:       "https://api.telegram.org",
			Timeout:      10 * time.Second,
			DailyLogHour: 8,
		},
		MQTT: MQTTConfig{
			ClientID:    "apcwatch",
			TopicPrefix: "apcwatch",
		},
		Storage: StorageConfig{
			StatePath:    "/config/state.json",
			MetricsPath:  "/config/metrics.json",
			MaxSamples:   2880,
			SaveInterval: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "/config/audit.log",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Normalize clamps out-of-range values and fills zero-valued fields that have
// no meaningful zero with their defaults.
func Normalize(cfg *Config) {
	def := DefaultConfig()

	if cfg.NIS.Host == "" {
		cfg.NIS.Host = def.NIS.Host
	}
	if cfg.NIS.Port == 0 {
		cfg.NIS.Port = def.NIS.Port
	}
	if cfg.NIS.Transport == "" {
		cfg.NIS.Transport = def.NIS.Transport
	}
	if cfg.NIS.PollInterval < MinPollInterval {
		cfg.NIS.PollInterval = MinPollInterval
	}
	if cfg.NIS.Timeout < minTimeout {
		cfg.NIS.Timeout = minTimeout
	}

	b := &cfg.Battery
	if b.NominalVoltage <= 0 {
		b.NominalVoltage = def.Battery.NominalVoltage
	}
	if b.UPSNominalWatts <= 0 {
		b.UPSNominalWatts = def.Battery.UPSNominalWatts
	}
	if b.AssumedPowerFactor <= 0 {
		b.AssumedPowerFactor = def.Battery.AssumedPowerFactor
	}
	if b.InverterEfficiency <= 0 {
		b.InverterEfficiency = def.Battery.InverterEfficiency
	}
	if b.SmoothingAlpha <= 0 || b.SmoothingAlpha > 1 {
		b.SmoothingAlpha = def.Battery.SmoothingAlpha
	}

	if cfg.Telegram.APIURL == "" {
		cfg.Telegram.APIURL = def.Telegram.APIURL
	}
	if cfg.Telegram.Timeout <= 0 {
		cfg.Telegram.Timeout = def.Telegram.Timeout
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = def.MQTT.TopicPrefix
	}
	if cfg.Storage.MaxSamples <= 0 {
		cfg.Storage.MaxSamples = def.Storage.MaxSamples
	}
	if cfg.Storage.SaveInterval <= 0 {
		cfg.Storage.SaveInterval = def.Storage.SaveInterval
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func Validate(cfg *Config) error {
	switch cfg.NIS.Transport {
	case TransportAuto, TransportStream, TransportFramed:
	default:
		return fmt.Errorf("nis.transport %q: must be auto, stream or framed", cfg.NIS.Transport)
	}
	if cfg.NIS.Port < 1 || cfg.NIS.Port > 65535 {
		return fmt.Errorf("nis.port %d out of range", cfg.NIS.Port)
	}
	if cfg.Alerts.VoltageLow >= cfg.Alerts.VoltageHigh {
		return fmt.Errorf("alerts: voltage_low (%.1f) must be below voltage_high (%.1f)", cfg.Alerts.VoltageLow, cfg.Alerts.VoltageHigh)
	}
	if cfg.Alerts.FrequencyLow >= cfg.Alerts.FrequencyHigh {
		return fmt.Errorf("alerts: frequency_low (%.1f) must be below frequency_high (%.1f)", cfg.Alerts.FrequencyLow, cfg.Alerts.FrequencyHigh)
	}
	if cfg.Telegram.DailyLogHour < 0 || cfg.Telegram.DailyLogHour > 23 {
		return fmt.Errorf("telegram.daily_log_hour %d out of range", cfg.Telegram.DailyLogHour)
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "") {
		return fmt.Errorf("telegram: bot_token and chat_id are required when enabled")
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt: broker is required when enabled")
	}
	return nil
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - APCWATCH_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - APCCTRL_HOST overrides cfg.NIS.Host
//   - APCCTRL_PORT overrides cfg.NIS.Port when it parses as an integer
//   - APCWATCH_TELEGRAM_TOKEN overrides cfg.Telegram.BotToken
//   - APCWATCH_TELEGRAM_CHAT_ID overrides cfg.Telegram.ChatID
func ApplyEnvOverrides(cfg *Config) {
	if token := os.Getenv("APCWATCH_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if host := os.Getenv("APCCTRL_HOST"); host != "" {
		cfg.NIS.Host = host
	}
	if port, err := strconv.Atoi(os.Getenv("APCCTRL_PORT")); err == nil {
		cfg.NIS.Port = port
	}
	if token := os.Getenv("APCWATCH_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if chat := os.Getenv("APCWATCH_TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Telegram.ChatID = chat
	}
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}
