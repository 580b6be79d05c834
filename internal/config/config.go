// Package config loads and validates the daemon configuration from
// {home}/config.yaml. The result is a fixed shape: defaults applied,
// env overrides folded in, agent entries validated once at load so the
// dispatch path never re-validates per message.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/dispatchd/internal/hours"
)

// HeartbeatConfig gates periodic self-check messages for one agent.
type HeartbeatConfig struct {
	// IntervalMinutes between heartbeats. Defaults to 30.
	IntervalMinutes int `yaml:"interval_minutes"`
	// ChatID is the telegram chat the heartbeat reply is delivered to.
	// A heartbeat without a chat id never fires.
	ChatID int64 `yaml:"chat_id"`
	// ActiveHours is an optional "HH:MM-HH:MM" window (may cross
	// midnight). Empty means always active.
	ActiveHours string `yaml:"active_hours"`
}

// Agent is one configured assistant identity.
type Agent struct {
	ID         string `yaml:"id"`
	WorkingDir string `yaml:"working_dir"`
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`

	Heartbeat *HeartbeatConfig `yaml:"heartbeat,omitempty"`
}

type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	// DefaultAgent receives inbound messages from chats not bound to any
	// agent's heartbeat chat id. Defaults to the first configured agent.
	DefaultAgent string `yaml:"default_agent"`
}

// RunnerConfig describes the agent CLI the execution backend spawns.
type RunnerConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type SchedulerConfig struct {
	TasksDir string `yaml:"tasks_dir"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel            string `yaml:"log_level"`
	BindAddr            string `yaml:"bind_addr"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`

	CrashLoopThreshold     int `yaml:"crash_loop_threshold"`
	CrashLoopWindowMinutes int `yaml:"crash_loop_window_minutes"`

	Telegram  TelegramConfig  `yaml:"telegram"`
	Runner    RunnerConfig    `yaml:"runner"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Agents    []Agent         `yaml:"agents"`

	// Missing reports that config.yaml did not exist; the caller may
	// write a starter file and reload.
	Missing bool `yaml:"-"`
}

// HomeDir resolves the daemon data directory: DISPATCHD_HOME when set,
// otherwise ~/.dispatchd.
func HomeDir() string {
	if override := os.Getenv("DISPATCHD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dispatchd")
}

func defaultConfig() Config {
	return Config{
		LogLevel:               "info",
		BindAddr:               "127.0.0.1:18990",
		PollIntervalSeconds:    1,
		CrashLoopThreshold:     3,
		CrashLoopWindowMinutes: 10,
		Runner: RunnerConfig{
			Command:        "claude",
			TimeoutSeconds: 600,
		},
	}
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads the configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create dispatchd home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DISPATCHD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DISPATCHD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("DISPATCHD_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("DISPATCHD_TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	} else if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 1
	}
	if cfg.CrashLoopThreshold <= 0 {
		cfg.CrashLoopThreshold = 3
	}
	if cfg.CrashLoopWindowMinutes <= 0 {
		cfg.CrashLoopWindowMinutes = 10
	}
	if strings.TrimSpace(cfg.Runner.Command) == "" {
		cfg.Runner.Command = "claude"
	}
	if cfg.Runner.TimeoutSeconds <= 0 {
		cfg.Runner.TimeoutSeconds = 600
	}
	if strings.TrimSpace(cfg.Scheduler.TasksDir) == "" {
		cfg.Scheduler.TasksDir = filepath.Join(cfg.HomeDir, "tasks")
	}
	if cfg.Telegram.DefaultAgent == "" && len(cfg.Agents) > 0 {
		cfg.Telegram.DefaultAgent = cfg.Agents[0].ID
	}
	for i := range cfg.Agents {
		cfg.Agents[i].WorkingDir = expandTilde(cfg.Agents[i].WorkingDir)
		if hb := cfg.Agents[i].Heartbeat; hb != nil && hb.IntervalMinutes <= 0 {
			hb.IntervalMinutes = 30
		}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("agent with empty id in config.yaml")
		}
		if !safeAgentID(id) {
			return fmt.Errorf("agent id %q contains path separators", id)
		}
		if seen[id] {
			return fmt.Errorf("duplicate agent id %q in config.yaml", id)
		}
		seen[id] = true
		if strings.TrimSpace(a.WorkingDir) == "" {
			return fmt.Errorf("agent %q has no working_dir", id)
		}
		if a.Heartbeat != nil && a.Heartbeat.ActiveHours != "" {
			if _, err := hours.Parse(a.Heartbeat.ActiveHours); err != nil {
				return fmt.Errorf("agent %q: %w", id, err)
			}
		}
	}
	if cfg.Telegram.DefaultAgent != "" && len(cfg.Agents) > 0 && !seen[cfg.Telegram.DefaultAgent] {
		return fmt.Errorf("telegram.default_agent %q is not a configured agent", cfg.Telegram.DefaultAgent)
	}
	return nil
}

// safeAgentID rejects ids that would escape a directory when used as a
// file name (reset markers, queue skip sets).
func safeAgentID(id string) bool {
	if id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Agent returns the configuration for the given agent id, or nil when
// the id is unknown. The returned pointer aliases the Agents slice,
// which is read-only after load.
func (c *Config) Agent(id string) *Agent {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// AgentIDs returns the configured agent ids in declaration order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		ids[i] = a.ID
	}
	return ids
}

// QueueDir is the root of the message mailbox partitions.
func (c *Config) QueueDir() string { return filepath.Join(c.HomeDir, "queue") }

// ResetDir holds one-shot per-agent reset markers.
func (c *Config) ResetDir() string { return filepath.Join(c.HomeDir, "reset-signals") }

// TasksDir holds scheduler task definitions.
func (c *Config) TasksDir() string { return c.Scheduler.TasksDir }

// PIDFilePath is where the running daemon records its pid.
func (c *Config) PIDFilePath() string { return filepath.Join(c.HomeDir, "dispatchd.pid") }

// CrashLogPath is the rolling crash record consulted at startup.
func (c *Config) CrashLogPath() string { return filepath.Join(c.HomeDir, "crashes.json") }

// DBPath is the sqlite database holding sessions and dispatch history.
func (c *Config) DBPath() string { return filepath.Join(c.HomeDir, "dispatchd.db") }

// Fingerprint returns a stable hash of the active config, exposed by the
// health endpoint so operators can tell which config a daemon runs.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|poll=%d|agents=%d|telegram=%t",
		c.BindAddr, c.LogLevel, c.PollIntervalSeconds, len(c.Agents), c.Telegram.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// WriteStarter writes a starter config.yaml with one example agent.
// Used on first run when no config exists.
func WriteStarter(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	cfg := Config{
		LogLevel:            "info",
		BindAddr:            "127.0.0.1:18990",
		PollIntervalSeconds: 1,
		Runner: RunnerConfig{
			Command:        "claude",
			TimeoutSeconds: 600,
		},
		Agents: []Agent{
			{
				ID:         "main",
				WorkingDir: filepath.Join(homeDir, "workspace"),
				Provider:   "anthropic",
				Model:      "claude-sonnet-4-5",
			},
		},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal starter config: %w", err)
	}
	configPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
