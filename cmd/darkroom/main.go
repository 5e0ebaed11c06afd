package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/darkroom/internal/api"
	"github.com/mattjoyce/darkroom/internal/config"
	"github.com/mattjoyce/darkroom/internal/events"
	"github.com/mattjoyce/darkroom/internal/history"
	"github.com/mattjoyce/darkroom/internal/lock"
	"github.com/mattjoyce/darkroom/internal/log"
	"github.com/mattjoyce/darkroom/internal/policy"
	"github.com/mattjoyce/darkroom/internal/processor/execproc"
	"github.com/mattjoyce/darkroom/internal/registry"
	"github.com/mattjoyce/darkroom/internal/storage"
	"github.com/mattjoyce/darkroom/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	defaultAPIURL = "http://127.0.0.1:8470"
	eventBuffer   = 512
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)

	case "start":
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: darkroom version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("darkroom %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`darkroom - deferred media post-processing scheduler

Usage:
  darkroom <noun> <action> [flags]

System Commands:
  system start      Start the scheduler daemon in the foreground
  system status     Show whether a daemon owns the history database
  system watch      Real-time job monitor TUI

Config Commands:
  config check      Validate configuration against this host
  config lock       Write the .checksums integrity manifest
  config show       Print the effective configuration

General:
  start             Alias for 'system start'
  watch             Alias for 'system watch'
  version           Show version information
  help              Show this help message

Use 'darkroom <noun> help' for action lists.
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: darkroom system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: darkroom config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printSystemStartHelp() {
	fmt.Println("Usage: darkroom system start [--config PATH]")
	fmt.Println("Start the scheduler daemon in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: darkroom system status [--config PATH] [--json]")
	fmt.Println("Report the history database and the daemon PID lock state.")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: darkroom system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time job monitor. Shows scheduler health, jobs and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Daemon API URL (default: " + defaultAPIURL + ")")
	fmt.Println("  --api-key KEY    API Bearer Token (or DARKROOM_API_KEY env var)")
	fmt.Println("  --user ID        Only show jobs for this user")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate jobs")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: darkroom config check [--config PATH] [--json] [--strict]")
	fmt.Println("Load the configuration and check it against this host.")
	fmt.Println("Exit codes: 0 valid, 1 invalid, 2 warnings with --strict.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: darkroom config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Record BLAKE3 hashes of the configuration in .checksums.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: darkroom config show [--config PATH] [--json]")
	fmt.Println("Print the configuration after defaults and interpolation.")
}

// resolveConfig returns configPath, or the discovered config when empty.
func resolveConfig(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DiscoverConfigPath()
}

func loadConfigForTool(configPath string) (string, *config.Config, error) {
	path, err := resolveConfig(configPath)
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}
	return path, cfg, nil
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", defaultAPIURL, "Daemon API URL")
	apiKey := fs.String("api-key", os.Getenv("DARKROOM_API_KEY"), "API Bearer Token")
	user := fs.String("user", "", "Only show jobs for this user")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(*apiURL, *apiKey, *user)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("darkroom starting", "version", currentVersionInfo().Version, "config", path)

	pidLock, err := lock.AcquirePIDLock(lock.PathFor(cfg.History.Path))
	if err != nil {
		logger.Error("failed to acquire PID lock", "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("darkroom stopped with error", "error", err)
		return 1
	}
	logger.Info("darkroom stopped")
	return 0
}

// serve runs the daemon until ctx is done or a component fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = db.Close() }()
	hist := history.NewStore(db)

	hub := events.NewHub(eventBuffer)
	agg := policy.NewAggregator(log.WithComponent("policy"), policy.FromConfig(cfg.Policy)...)
	unsubscribe := agg.Subscribe(func(a policy.Aggregate) {
		hub.Publish("", events.PolicyChanged, a)
	})
	defer unsubscribe()

	reg := registry.New(registry.Options{
		Config:   cfg.Scheduler,
		Policy:   agg,
		Backend:  execproc.New(cfg.Processor),
		Reporter: hist,
		Events:   hub,
	})
	for _, user := range cfg.Users {
		if _, err := reg.Open(user); err != nil {
			reg.Shutdown()
			return fmt.Errorf("open scope: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error {
		return hist.RunPruner(gctx, cfg.History.Retention, cfg.History.PruneInterval)
	})
	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
		}, reg, agg, hist, hub, log.WithComponent("api"))
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
	}

	logger.Info("darkroom running", "users", reg.List(), "api", cfg.API.Enabled)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type statusReport struct {
	ConfigPath    string `json:"config_path"`
	HistoryPath   string `json:"history_path"`
	HistoryExists bool   `json:"history_exists"`
	LockPath      string `json:"lock_path"`
	Running       bool   `json:"running"`
	PID           int    `json:"pid,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	report := statusReport{
		ConfigPath:  path,
		HistoryPath: cfg.History.Path,
		LockPath:    lock.PathFor(cfg.History.Path),
	}
	if _, err := os.Stat(cfg.History.Path); err == nil {
		report.HistoryExists = true
	}
	report.Running, report.PID = probeLock(report.LockPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("config:  %s\n", report.ConfigPath)
	fmt.Printf("history: %s (exists: %t)\n", report.HistoryPath, report.HistoryExists)
	if report.Running {
		fmt.Printf("daemon:  running (pid %d)\n", report.PID)
	} else {
		fmt.Println("daemon:  not running")
	}
	return 0
}

// probeLock reports whether another process holds lockPath. It does not
// create the lock file when none exists.
func probeLock(lockPath string) (bool, int) {
	if _, err := os.Stat(lockPath); err != nil {
		return false, 0
	}
	l, err := lock.AcquirePIDLock(lockPath)
	if err == nil {
		_ = l.Release()
		return false, 0
	}
	if !errors.Is(err, lock.ErrHeld) {
		return false, 0
	}
	pid, _ := lock.ReadPID(lockPath)
	return true, pid
}
