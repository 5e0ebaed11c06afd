package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/darkroom/internal/job"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ConfigFileName is the file looked up when a directory is given.
const ConfigFileName = "config.yaml"

// Load reads, interpolates, defaults and validates a configuration file.
// configPath may name the file or the directory holding config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes over Defaults into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolvePath turns configPath into an absolute path to an existing file.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, ConfigFileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", ConfigFileName, absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigPath finds the config file by checking standard locations:
// $DARKROOM_CONFIG, ~/.config/darkroom, /etc/darkroom, then ./config.yaml.
func DiscoverConfigPath() (string, error) {
	var candidates []string
	if p := os.Getenv("DARKROOM_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "darkroom"))
	}
	candidates = append(candidates, "/etc/darkroom", ConfigFileName)

	for _, c := range candidates {
		if p, err := ResolvePath(c); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no configuration found (set DARKROOM_CONFIG or pass --config)")
}

// verifyConfigHash checks path against the .checksums manifest in its
// directory. A directory without a manifest is not verified.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, ErrNoChecksums) {
			return nil
		}
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: darkroom config lock --config %s", basename, dir, path)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: darkroom config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults fills zero values from Defaults for settings where
// zero is not a usable value. Settings where zero means "off" keep an
// explicit zero; omitted keys already carry their default from Parse.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}
	if cfg.History.PruneInterval == 0 {
		cfg.History.PruneInterval = defaults.History.PruneInterval
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	s, d := &cfg.Scheduler, defaults.Scheduler
	if s.Concurrency == 0 {
		s.Concurrency = d.Concurrency
	}
	if s.JobTimeout == 0 {
		s.JobTimeout = d.JobTimeout
	}
	if s.RetryBackoff == 0 {
		s.RetryBackoff = d.RetryBackoff
	}
	if s.RetryBackoffMax == 0 {
		s.RetryBackoffMax = d.RetryBackoffMax
	}
	if s.ReconnectInterval == 0 {
		s.ReconnectInterval = d.ReconnectInterval
	}
	if s.ReconnectBurst == 0 {
		s.ReconnectBurst = d.ReconnectBurst
	}
	if s.Priority == (job.PriorityTable{}) {
		s.Priority = d.Priority
	}

	if len(cfg.Users) == 0 {
		cfg.Users = defaults.Users
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
	}

	s := cfg.Scheduler
	if s.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1")
	}
	if s.JobTimeout <= 0 {
		return fmt.Errorf("scheduler.job_timeout must be positive")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative")
	}
	if s.RetryBackoff > s.RetryBackoffMax {
		return fmt.Errorf("scheduler.retry_backoff (%s) exceeds retry_backoff_max (%s)", s.RetryBackoff, s.RetryBackoffMax)
	}
	if s.ReconnectBurst < 1 {
		return fmt.Errorf("scheduler.reconnect_burst must be at least 1")
	}

	b := cfg.Policy.Battery
	if b.Low < 0 || b.Low > 100 || b.Critical < 0 || b.Critical > 100 {
		return fmt.Errorf("policy.battery thresholds must be within 0-100")
	}
	if b.Critical > b.Low {
		return fmt.Errorf("policy.battery.critical (%d) must not exceed low (%d)", b.Critical, b.Low)
	}
	th := cfg.Policy.Thermal
	if th.PauseAt < 0 || th.PauseAt > 5 || th.ChargingOnlyAt < 0 || th.ChargingOnlyAt > 5 {
		return fmt.Errorf("policy.thermal thresholds must be within 0-5")
	}
	if th.ChargingOnlyAt > th.PauseAt {
		return fmt.Errorf("policy.thermal.charging_only_at (%d) must not exceed pause_at (%d)", th.ChargingOnlyAt, th.PauseAt)
	}

	if cfg.Processor.Command == "" {
		return fmt.Errorf("processor.command is required")
	}
	if cfg.Processor.GracePeriod < 0 {
		return fmt.Errorf("processor.grace_period must not be negative")
	}
	for k, v := range cfg.Processor.Env {
		if err := unresolved("processor.env."+k, v); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(cfg.Users))
	for _, u := range cfg.Users {
		if u == "" {
			return fmt.Errorf("users: empty user id")
		}
		if seen[u] {
			return fmt.Errorf("users: duplicate user id %q", u)
		}
		seen[u] = true
	}

	return nil
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// BackoffFor returns the retry delay after the given number of failures,
// doubling from RetryBackoff and capped at RetryBackoffMax.
func (s SchedulerConfig) BackoffFor(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := s.RetryBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.RetryBackoffMax {
			return s.RetryBackoffMax
		}
	}
	if s.RetryBackoffMax > 0 && d > s.RetryBackoffMax {
		return s.RetryBackoffMax
	}
	return d
}
