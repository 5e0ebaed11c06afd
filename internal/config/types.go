package config

import (
	"time"

	"github.com/mattjoyce/darkroom/internal/job"
)

// Config represents the complete darkroom configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	History   HistoryConfig   `yaml:"history"`
	API       APIConfig       `yaml:"api,omitempty"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Policy    PolicyConfig    `yaml:"policy"`
	Processor ProcessorConfig `yaml:"processor"`
	// Users whose schedulers are opened at startup.
	Users []string `yaml:"users"`
}

// ServiceConfig contains core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// HistoryConfig controls the terminal-job log.
type HistoryConfig struct {
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig holds the bearer key required on every request but /healthz.
// An empty key disables authentication.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// SchedulerConfig tunes each per-user dispatch controller.
type SchedulerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	// IdleTimeout closes the processing session after this long with no work.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// ReconnectInterval and ReconnectBurst throttle session connect attempts.
	ReconnectInterval time.Duration     `yaml:"reconnect_interval"`
	ReconnectBurst    int               `yaml:"reconnect_burst"`
	Priority          job.PriorityTable `yaml:"priority"`
}

// PolicyConfig enables and tunes the environment policy sources.
type PolicyConfig struct {
	Charging SourceConfig  `yaml:"charging"`
	Battery  BatteryConfig `yaml:"battery"`
	Screen   SourceConfig  `yaml:"screen"`
	Thermal  ThermalConfig `yaml:"thermal"`
	Camera   SourceConfig  `yaml:"camera"`
}

// SourceConfig is shared by every policy source. Sources are enabled unless
// explicitly disabled; an ignored source always reports a permissive decision.
type SourceConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`
	Ignore  bool  `yaml:"ignore"`
}

// IsEnabled reports whether the source should be constructed.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type BatteryConfig struct {
	SourceConfig `yaml:",inline"`
	// Low is the percentage below which work only runs while charging.
	Low int `yaml:"low"`
	// Critical is the percentage below which work pauses.
	Critical int `yaml:"critical"`
}

type ThermalConfig struct {
	SourceConfig   `yaml:",inline"`
	PauseAt        int `yaml:"pause_at"`
	ChargingOnlyAt int `yaml:"charging_only_at"`
}

// ProcessorConfig describes the external media processor binary.
type ProcessorConfig struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	GracePeriod time.Duration     `yaml:"grace_period"`
}

// ChecksumManifest represents the .checksums file format.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "darkroom",
			LogLevel:  "info",
			LogFormat: "json",
		},
		History: HistoryConfig{
			Path:          "./data/history.db",
			Retention:     30 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8470",
		},
		Scheduler: SchedulerConfig{
			Concurrency:       1,
			JobTimeout:        10 * time.Minute,
			MaxRetries:        2,
			RetryBackoff:      5 * time.Second,
			RetryBackoffMax:   5 * time.Minute,
			IdleTimeout:       30 * time.Second,
			ReconnectInterval: 10 * time.Second,
			ReconnectBurst:    1,
			Priority:          job.DefaultPriorityTable(),
		},
		Policy: PolicyConfig{
			Battery: BatteryConfig{Low: 20, Critical: 5},
			Thermal: ThermalConfig{PauseAt: 3, ChargingOnlyAt: 2},
		},
		Processor: ProcessorConfig{
			GracePeriod: 5 * time.Second,
		},
		Users: []string{"default"},
	}
}
