// Package config loads the bootstrap/runtime config split:
// transport tokens, data directory, and the watched-repos string come from
// the environment (or .env, as go-claw loads it), while the numeric tick/
// window/timeout tunables live in config.yaml next to it, hot-reloaded by
// Watcher the same way go-claw's internal/config/watcher.go does. Anything
// truly runtime-mutable (per-repo backend, assistant name, trigger pattern)
// is a row in the store's config table instead, read by the dashboard and
// engine directly rather than through this struct.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RepoConfig describes one watched repository, parsed from the
// pipe-delimited bootstrap string `path[:cmd][!manual]`.
type RepoConfig struct {
	Path        string `yaml:"path"`
	DefaultMode string `yaml:"default_mode"`
	Command     string `yaml:"command"`  // agent command override; empty uses the mode default
	Manual      bool   `yaml:"manual"`   // true suppresses auto-seeding for this repo
}

// parseWatchedRepos parses the pipe-delimited bootstrap form:
// "path[:cmd][!manual]|path2[:cmd2]".
func parseWatchedRepos(raw string) []RepoConfig {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var repos []RepoConfig
	for _, entry := range strings.Split(raw, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		rc := RepoConfig{DefaultMode: "ship"}
		if rest, ok := strings.CutSuffix(entry, "!manual"); ok {
			rc.Manual = true
			entry = rest
		}
		if path, cmd, found := strings.Cut(entry, ":"); found {
			rc.Path = path
			rc.Command = cmd
		} else {
			rc.Path = entry
		}
		repos = append(repos, rc)
	}
	return repos
}

// TelegramConfig mirrors go-claw's channel config shape.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// BridgeConfig configures the transport bridge subprocess (
// "Transport bridge subprocess") hosting Discord/WhatsApp-style adapters.
type BridgeConfig struct {
	Command []string `yaml:"command"`
	Enabled bool     `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Bridge   BridgeConfig   `yaml:"bridge"`
}

// AgentRunnerConfig configures the host/docker execution backends (§4.C).
type AgentRunnerConfig struct {
	Backend        string   `yaml:"backend"` // "host" or "docker"
	HostCommand    []string `yaml:"host_command"`
	DockerImage    string   `yaml:"docker_image"`
	DockerMemoryMB int64    `yaml:"docker_memory_mb"`
	DockerCPUShares int64   `yaml:"docker_cpu_shares"`
	DockerPidsLimit int64   `yaml:"docker_pids_limit"`
}

// PipelineConfig tunes the engine tick loop (§4.E).
type PipelineConfig struct {
	TickIntervalSeconds int    `yaml:"tick_interval_seconds"`
	MaxConcurrent       int    `yaml:"max_concurrent"`
	StaleLeaseMinutes   int    `yaml:"stale_lease_minutes"`
	SeedCooldownMinutes int    `yaml:"seed_cooldown_minutes"`
	SeedMinActive       int    `yaml:"seed_min_active"`
	AgentTimeoutMinutes int    `yaml:"agent_timeout_minutes"`
	MainlineBranch      string `yaml:"mainline_branch"`
	ProposalThreshold   float64 `yaml:"proposal_threshold"`
	GitAuthorName       string `yaml:"git_author_name"`
	GitAuthorEmail      string `yaml:"git_author_email"`
}

// ChatConfig tunes the chat dispatcher's collection window, cooldown,
// and rate limiter (§4.F).
type ChatConfig struct {
	TriggerPattern             string `yaml:"trigger_pattern"`
	CollectionWindowSeconds    int    `yaml:"collection_window_seconds"`
	MaxCollectionWindowSeconds int    `yaml:"max_collection_window_seconds"`
	CooldownSeconds            int    `yaml:"cooldown_seconds"`
	AgentTimeoutMinutes        int    `yaml:"agent_timeout_minutes"`
	MaxConcurrentAgents        int    `yaml:"max_concurrent_agents"`
	RateLimitPerMinute         int    `yaml:"rate_limit_per_minute"`
	RateLimitBurst             int    `yaml:"rate_limit_burst"`
	ApologyOnTimeout           string `yaml:"apology_on_timeout"`
}

// SelfUpdateConfig tunes the self-update supervisor (§4.H).
type SelfUpdateConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mainline        string `yaml:"mainline"`
	Package         string `yaml:"package"`
	BinName         string `yaml:"bin_name"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// DashboardConfig tunes the HTTP API's rate limiter (§4.I).
type DashboardConfig struct {
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`
}

// OtelConfig tunes the shared tracer/meter providers borg and borgagent
// both initialize, so phase and task spans correlate across the
// pipeline-engine/agent-subprocess boundary (§4.C, §4.H).
type OtelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// Config is the process's bootstrap-plus-runtime-defaults configuration.
// Fields tagged `yaml:"-"` come from the environment only, never
// config.yaml, matching the bootstrap/runtime split.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string   `yaml:"bind_addr"`
	LogLevel     string   `yaml:"log_level"`
	AuthToken    string   `yaml:"-"`
	AllowOrigins []string `yaml:"allow_origins"`

	PrimaryRepo string       `yaml:"-"`
	Repos       []RepoConfig `yaml:"-"`

	AdminNotifyTarget string `yaml:"-"` // chat_key pinged on fatal/admin events

	Channels   ChannelsConfig    `yaml:"channels"`
	AgentRunner AgentRunnerConfig `yaml:"agent_runner"`
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	Chat       ChatConfig        `yaml:"chat"`
	SelfUpdate SelfUpdateConfig  `yaml:"self_update"`
	Dashboard  DashboardConfig   `yaml:"dashboard"`
	Otel       OtelConfig        `yaml:"otel"`

	DrainTimeoutSeconds     int `yaml:"drain_timeout_seconds"`
	RetentionEventsDays     int `yaml:"retention_events_days"`
	RetentionMessagesDays   int `yaml:"retention_messages_days"`

	NeedsBootstrap bool `yaml:"-"` // no config.yaml found; running on defaults only
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Pipeline: PipelineConfig{
			TickIntervalSeconds: 30,
			MaxConcurrent:       4,
			StaleLeaseMinutes:   10,
			SeedCooldownMinutes: 60,
			SeedMinActive:       2,
			AgentTimeoutMinutes: 20,
			MainlineBranch:      "main",
			ProposalThreshold:   0.5,
			GitAuthorName:       "borg",
			GitAuthorEmail:      "borg@localhost",
		},
		Chat: ChatConfig{
			TriggerPattern:             `(?i)\bborg\b`,
			CollectionWindowSeconds:    10,
			MaxCollectionWindowSeconds: 60,
			CooldownSeconds:            5,
			AgentTimeoutMinutes:        5,
			MaxConcurrentAgents:        4,
			RateLimitPerMinute:         20,
			RateLimitBurst:             5,
		},
		AgentRunner: AgentRunnerConfig{
			Backend:         "host",
			DockerMemoryMB:  2048,
			DockerPidsLimit: 256,
		},
		SelfUpdate: SelfUpdateConfig{
			Enabled:         false,
			Mainline:        "main",
			Package:         "./cmd/borg",
			BinName:         "borg",
			IntervalMinutes: 5,
		},
		Dashboard: DashboardConfig{
			RateLimitPerMinute: 60,
			RateLimitBurst:     20,
		},
		Otel: OtelConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "borg",
			SampleRate:  1.0,
		},
		DrainTimeoutSeconds:   5,
		RetentionEventsDays:   90,
		RetentionMessagesDays: 90,
	}
}

// HomeDir returns the data directory, overridden by BORG_HOME.
func HomeDir() string {
	if override := os.Getenv("BORG_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".borg")
}

// Load reads .env, then config.yaml (for the runtime tunables), then
// applies bootstrap environment overrides, mirroring go-claw's
// config.Load layering.
func Load() (Config, error) {
	loadDotEnv(".env")

	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create borg home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsBootstrap = true
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
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AgentRunner.Backend == "" {
		cfg.AgentRunner.Backend = "host"
	}
	if cfg.Pipeline.MainlineBranch == "" {
		cfg.Pipeline.MainlineBranch = "main"
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "borg"
	}
	for i := range cfg.Repos {
		if cfg.Repos[i].DefaultMode == "" {
			cfg.Repos[i].DefaultMode = "ship"
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BORG_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("BORG_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BORG_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("BORG_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = strings.Split(raw, ",")
	}
	if raw := os.Getenv("BORG_PRIMARY_REPO"); raw != "" {
		cfg.PrimaryRepo = raw
	}
	if raw := os.Getenv("BORG_WATCHED_REPOS"); raw != "" {
		cfg.Repos = parseWatchedRepos(raw)
	}
	if raw := os.Getenv("BORG_ADMIN_NOTIFY_TARGET"); raw != "" {
		cfg.AdminNotifyTarget = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("BORG_TELEGRAM_ENABLED"); raw != "" {
		cfg.Channels.Telegram.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("BORG_BRIDGE_ENABLED"); raw != "" {
		cfg.Channels.Bridge.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("BORG_SELF_UPDATE_ENABLED"); raw != "" {
		cfg.SelfUpdate.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("BORG_AGENT_RUNNER_BACKEND"); raw != "" {
		cfg.AgentRunner.Backend = raw
	}
	if raw := os.Getenv("BORG_DOCKER_IMAGE"); raw != "" {
		cfg.AgentRunner.DockerImage = raw
	}
	if raw := os.Getenv("BORG_OTEL_ENABLED"); raw != "" {
		cfg.Otel.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("BORG_OTEL_EXPORTER"); raw != "" {
		cfg.Otel.Exporter = raw
	}
	if raw := os.Getenv("BORG_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}

// loadDotEnv populates process environment variables from a dotenv file,
// without overwriting anything already set — carried verbatim from
// go-claw's bootstrap loader since the shape fits unchanged.
func loadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// Fingerprint returns a stable hash of the active runtime config,
// mirroring go-claw's Config.Fingerprint.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tick=%d|maxc=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.Pipeline.TickIntervalSeconds, c.Pipeline.MaxConcurrent, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func (c PipelineConfig) tickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

func (c PipelineConfig) staleLeaseAfter() time.Duration {
	return time.Duration(c.StaleLeaseMinutes) * time.Minute
}

func (c PipelineConfig) seedCooldown() time.Duration {
	return time.Duration(c.SeedCooldownMinutes) * time.Minute
}

func (c PipelineConfig) agentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutMinutes) * time.Minute
}

// TickInterval exports the pipeline tick interval as a time.Duration.
func (c Config) TickInterval() time.Duration { return c.Pipeline.tickInterval() }

// StaleLeaseAfter exports the pipeline stale-lease threshold.
func (c Config) StaleLeaseAfter() time.Duration { return c.Pipeline.staleLeaseAfter() }

// SeedCooldown exports the pipeline seeder cooldown.
func (c Config) SeedCooldown() time.Duration { return c.Pipeline.seedCooldown() }

// AgentTimeout exports the pipeline agent invocation timeout.
func (c Config) AgentTimeout() time.Duration { return c.Pipeline.agentTimeout() }

// ChatCollectionWindow exports the chat dispatcher's collection window.
func (c Config) ChatCollectionWindow() time.Duration {
	return time.Duration(c.Chat.CollectionWindowSeconds) * time.Second
}

// ChatMaxCollectionWindow exports the chat dispatcher's absolute collection cap.
func (c Config) ChatMaxCollectionWindow() time.Duration {
	return time.Duration(c.Chat.MaxCollectionWindowSeconds) * time.Second
}

// ChatCooldown exports the chat dispatcher's cooldown duration.
func (c Config) ChatCooldown() time.Duration {
	return time.Duration(c.Chat.CooldownSeconds) * time.Second
}

// ChatAgentTimeout exports the chat dispatcher's agent invocation timeout.
func (c Config) ChatAgentTimeout() time.Duration {
	return time.Duration(c.Chat.AgentTimeoutMinutes) * time.Minute
}

// SelfUpdateInterval exports the self-update supervisor's poll interval.
func (c Config) SelfUpdateInterval() time.Duration {
	return time.Duration(c.SelfUpdate.IntervalMinutes) * time.Minute
}

// DrainTimeout exports the shutdown drain timeout.
func (c Config) DrainTimeout() time.Duration {
	d := time.Duration(c.DrainTimeoutSeconds) * time.Second
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}
