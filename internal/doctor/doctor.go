// Package doctor inspects a loaded darkroom configuration for problems that
// parse-time validation cannot see: a missing processor binary, an
// unwritable history directory, or settings that will never let work run.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/darkroom/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the host it will run on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateProcessor(r)
	d.validateHistory(r)
	d.validateAPIConfig(r)
	d.validateScheduler(r)
	d.warnPolicySources(r)
	d.warnNoUsers(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateProcessor checks that the processor command resolves to an
// executable.
func (d *Doctor) validateProcessor(r *Result) {
	cmd := d.cfg.Processor.Command
	if cmd == "" {
		d.addError(r, "processor", "processor.command", "processor.command is required")
		return
	}
	if _, err := d.lookPath(cmd); err != nil {
		d.addError(r, "processor", "processor.command",
			fmt.Sprintf("command %q is not executable: %v", cmd, err))
	}
	if d.cfg.Processor.GracePeriod == 0 {
		d.addWarning(r, "processor", "processor.grace_period",
			"grace_period is 0; interrupted jobs are killed without a chance to checkpoint")
	}
}

func (d *Doctor) validateHistory(r *Result) {
	path := d.cfg.History.Path
	if path == "" {
		d.addError(r, "history", "history.path", "history.path is required")
		return
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "history", "history.path",
			fmt.Sprintf("directory %s does not exist and will be created at start", dir))
	case err != nil:
		d.addError(r, "history", "history.path", fmt.Sprintf("cannot stat %s: %v", dir, err))
	case !info.IsDir():
		d.addError(r, "history", "history.path", fmt.Sprintf("%s is not a directory", dir))
	}
	if d.cfg.History.Retention == 0 {
		d.addWarning(r, "history", "history.retention", "retention is 0; history is never pruned")
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" {
		d.addWarning(r, "api", "api.auth.api_key", "API enabled but no authentication configured")
	}
}

func (d *Doctor) validateScheduler(r *Result) {
	s := d.cfg.Scheduler
	if s.JobTimeout <= d.cfg.Processor.GracePeriod {
		d.addWarning(r, "scheduler", "scheduler.job_timeout",
			fmt.Sprintf("job_timeout %s does not exceed processor.grace_period %s", s.JobTimeout, d.cfg.Processor.GracePeriod))
	}
	if s.MaxRetries == 0 {
		d.addWarning(r, "scheduler", "scheduler.max_retries",
			"max_retries is 0; the first failure marks a job as errored")
	}
	if s.IdleTimeout == 0 {
		d.addWarning(r, "scheduler", "scheduler.idle_timeout",
			"idle_timeout is 0; the processing session is never closed while idle")
	}
}

// warnPolicySources flags configurations where no source can ever pause
// work.
func (d *Doctor) warnPolicySources(r *Result) {
	p := d.cfg.Policy
	sources := map[string]config.SourceConfig{
		"charging": p.Charging,
		"battery":  p.Battery.SourceConfig,
		"screen":   p.Screen,
		"thermal":  p.Thermal.SourceConfig,
		"camera":   p.Camera,
	}
	active := 0
	for _, name := range []string{"charging", "battery", "screen", "thermal", "camera"} {
		sc := sources[name]
		if !sc.IsEnabled() {
			continue
		}
		if sc.Ignore {
			d.addWarning(r, "policy", "policy."+name+".ignore",
				fmt.Sprintf("source %q is ignored and always permits work", name))
			continue
		}
		active++
	}
	if active == 0 {
		d.addWarning(r, "policy", "policy", "no active policy source; jobs run regardless of device state")
	}
}

func (d *Doctor) warnNoUsers(r *Result) {
	if len(d.cfg.Users) == 0 && !d.cfg.API.Enabled {
		d.addWarning(r, "users", "users", "no users and API disabled; no scheduler can ever be opened")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
