// Package doctor runs environment diagnostics for the dispatch daemon:
// configuration, file stores, the runner binary, and channel
// reachability. It never mutates state beyond a write probe in the
// home directory.
package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/health"
	"github.com/basket/dispatchd/internal/lifecycle"
	"github.com/basket/dispatchd/internal/persistence"
	"github.com/basket/dispatchd/internal/queue"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkRunner,
		checkDatabase,
		checkQueue,
		checkDaemon,
		checkTelegram,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No config.yaml; running on defaults",
			Detail:  filepath.Join(cfg.HomeDir, "config.yaml"),
		}
	}
	if len(cfg.Agents) == 0 {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No agents configured"}
	}
	var missing []string
	for _, a := range cfg.Agents {
		if _, err := os.Stat(a.WorkingDir); err != nil {
			missing = append(missing, fmt.Sprintf("%s: %s", a.ID, a.WorkingDir))
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("%d agent working dir(s) missing", len(missing)),
			Detail:  strings.Join(missing, "; "),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("%d agent(s) loaded from %s", len(cfg.Agents), cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(probe)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkRunner(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Runner", Status: "SKIP", Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.Runner.Command)
	if err != nil {
		return CheckResult{
			Name:    "Runner",
			Status:  "FAIL",
			Message: fmt.Sprintf("%q not found on PATH", cfg.Runner.Command),
			Detail:  "every dispatch will fail until the runner binary is installed",
		}
	}
	return CheckResult{Name: "Runner", Status: "PASS", Message: fmt.Sprintf("%s at %s", cfg.Runner.Command, path)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()
	if _, err := store.Sessions(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkQueue(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Queue", Status: "SKIP", Message: "Config missing"}
	}
	q, err := queue.NewStore(cfg.QueueDir(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		return CheckResult{Name: "Queue", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	depths, err := q.Depths()
	if err != nil {
		return CheckResult{Name: "Queue", Status: "FAIL", Message: fmt.Sprintf("Scan failed: %v", err)}
	}
	if depths.Errors > 0 {
		return CheckResult{
			Name:    "Queue",
			Status:  "WARN",
			Message: fmt.Sprintf("%d entries in the errors partition", depths.Errors),
			Detail:  filepath.Join(cfg.QueueDir(), "errors"),
		}
	}
	return CheckResult{
		Name:    "Queue",
		Status:  "PASS",
		Message: fmt.Sprintf("%d pending, %d in flight, %d outgoing", depths.Pending, depths.InFlight, depths.Outgoing),
	}
}

func checkDaemon(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Daemon", Status: "SKIP", Message: "Config missing"}
	}
	pid, err := lifecycle.ReadPIDFile(cfg.PIDFilePath())
	if err != nil {
		return CheckResult{Name: "Daemon", Status: "SKIP", Message: "Not running (no pid file)"}
	}
	if !lifecycle.Alive(pid) {
		return CheckResult{
			Name:    "Daemon",
			Status:  "WARN",
			Message: fmt.Sprintf("Stale pid file (pid %d is gone)", pid),
			Detail:  cfg.PIDFilePath(),
		}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	snap, err := health.Fetch(fetchCtx, cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Daemon",
			Status:  "WARN",
			Message: fmt.Sprintf("pid %d alive but %s not answering", pid, cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	return CheckResult{Name: "Daemon", Status: "PASS", Message: fmt.Sprintf("Running (pid %d, state %s)", pid, snap.State)}
}

func checkTelegram(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Channel disabled"}
	}
	if cfg.Telegram.Token == "" {
		return CheckResult{
			Name:    "Telegram",
			Status:  "FAIL",
			Message: "Enabled but no token is set",
			Detail:  "set DISPATCHD_TELEGRAM_TOKEN or telegram.token in config.yaml",
		}
	}
	if len(cfg.Telegram.AllowedIDs) == 0 {
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "allowed_ids is empty; every sender will be rejected",
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, "api.telegram.org")
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telegram",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for api.telegram.org: %v", err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telegram",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved api.telegram.org (%d addresses, %dms)", len(addrs), latency.Milliseconds()),
	}
}
