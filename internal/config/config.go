package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/anthropics/agent-session-daemon/internal/registry"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's full runtime configuration, loadable from YAML at
// a conventional XDG path and overridable by CLI flags.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tailer     TailerConfig     `yaml:"tailer"`
	Registry   RegistryConfig   `yaml:"registry"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Privacy    PrivacyConfig    `yaml:"privacy"`
}

// ServerConfig controls the two HTTP listeners (spec.md §6): hook
// ingest + log server share hookPort; the snapshot stream uses streamPort.
type ServerConfig struct {
	Host           string `yaml:"host"`
	HookPort       int    `yaml:"hook_port"`
	StreamPort     int    `yaml:"stream_port"`
	MaxConnections int    `yaml:"max_connections"`
}

// TailerConfig controls the log-file directory watcher.
type TailerConfig struct {
	LogDir     string        `yaml:"log_dir"`
	DebounceMs time.Duration `yaml:"debounce_ms"`
}

// RegistryConfig carries the registry's timer tunables.
type RegistryConfig struct {
	PermissionDelayMs      time.Duration `yaml:"permission_delay_ms"`
	StaleCheckIntervalMs   time.Duration `yaml:"stale_check_interval_ms"`
	StaleThresholdMs       time.Duration `yaml:"stale_threshold_ms"`
	IdleDisplayThresholdMs time.Duration `yaml:"idle_display_threshold_ms"`
	GitCacheTTL            time.Duration `yaml:"git_cache_ttl"`
	GitCachePath           string        `yaml:"git_cache_path"`
	SnapshotInterval       time.Duration `yaml:"snapshot_interval"`
}

// SummarizerConfig controls the optional LLM-backed goal/summary
// derivation. APIKeyEnv names the environment variable holding the
// Anthropic API key; if unset (or the variable is empty), the daemon runs
// with a null summarizer and never touches the network (spec.md §9).
type SummarizerConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
}

// PrivacyConfig controls what session metadata is exposed to connected
// subscribers.
type PrivacyConfig struct {
	// MaskWorkingDirs replaces full directory paths with just the last
	// path component (e.g. "/home/user/secret-project" → "secret-project").
	MaskWorkingDirs bool `yaml:"mask_working_dirs"`

	// MaskSessionIDs replaces session IDs with opaque short hashes.
	MaskSessionIDs bool `yaml:"mask_session_ids"`

	// AllowedPaths is a list of glob patterns. When non-empty, only
	// sessions whose working directory matches at least one pattern are
	// broadcast.
	AllowedPaths []string `yaml:"allowed_paths"`

	// BlockedPaths is a list of glob patterns. Sessions whose working
	// directory matches any pattern are excluded from broadcast.
	// BlockedPaths is evaluated after AllowedPaths.
	BlockedPaths []string `yaml:"blocked_paths"`
}

// NewPrivacyFilter converts the config into a registry.PrivacyFilter.
func (p *PrivacyConfig) NewPrivacyFilter() *registry.PrivacyFilter {
	return &registry.PrivacyFilter{
		MaskWorkingDirs: p.MaskWorkingDirs,
		MaskSessionIDs:  p.MaskSessionIDs,
		AllowedPaths:    p.AllowedPaths,
		BlockedPaths:    p.BlockedPaths,
	}
}

// RegistryConfig converts into a registry.Config.
func (r *RegistryConfig) ToRegistryConfig() registry.Config {
	return registry.Config{
		PermissionDelay:    r.PermissionDelayMs,
		StaleCheckInterval: r.StaleCheckIntervalMs,
		StaleThreshold:     r.StaleThresholdMs,
	}
}

func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if cfg.Tailer.LogDir == "" {
		cfg.Tailer.LogDir = defaultLogDir()
	}
	if cfg.Registry.GitCachePath == "" {
		cfg.Registry.GitCachePath = filepath.Join(defaultStateDir(), "agent-session-daemon", "git-cache.json")
	}

	return cfg, nil
}

// LoadOrDefault loads config from the given path, or returns default
// config if the path doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			HookPort:       4451,
			StreamPort:     4450,
			MaxConnections: 1000,
		},
		Tailer: TailerConfig{
			LogDir:     defaultLogDir(),
			DebounceMs: 200 * time.Millisecond,
		},
		Registry: RegistryConfig{
			PermissionDelayMs:      3000 * time.Millisecond,
			StaleCheckIntervalMs:   10_000 * time.Millisecond,
			StaleThresholdMs:       60_000 * time.Millisecond,
			IdleDisplayThresholdMs: 3_600_000 * time.Millisecond,
			GitCacheTTL:            60 * time.Second,
			GitCachePath:           filepath.Join(defaultStateDir(), "agent-session-daemon", "git-cache.json"),
			SnapshotInterval:       5 * time.Second,
		},
		Summarizer: SummarizerConfig{
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
	}
}

func defaultLogDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".claude", "projects")
}

func defaultStateDir() string {
	if value := os.Getenv("XDG_STATE_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "state")
}

// Diff compares two configs and returns human-readable descriptions of what
// changed, for logging during a SIGHUP reload. Covers privacy and the
// registry timer tunables; registry.stale_check_interval_ms is included for
// visibility even though it only takes effect on the next process restart
// (the stale-check ticker is created once at startup).
func Diff(old, new *Config) []string {
	var changes []string

	if old.Privacy.MaskWorkingDirs != new.Privacy.MaskWorkingDirs {
		changes = append(changes, fmt.Sprintf("privacy.mask_working_dirs: %v → %v", old.Privacy.MaskWorkingDirs, new.Privacy.MaskWorkingDirs))
	}
	if old.Privacy.MaskSessionIDs != new.Privacy.MaskSessionIDs {
		changes = append(changes, fmt.Sprintf("privacy.mask_session_ids: %v → %v", old.Privacy.MaskSessionIDs, new.Privacy.MaskSessionIDs))
	}
	if !slices.Equal(old.Privacy.AllowedPaths, new.Privacy.AllowedPaths) {
		changes = append(changes, fmt.Sprintf("privacy.allowed_paths: %v → %v", old.Privacy.AllowedPaths, new.Privacy.AllowedPaths))
	}
	if !slices.Equal(old.Privacy.BlockedPaths, new.Privacy.BlockedPaths) {
		changes = append(changes, fmt.Sprintf("privacy.blocked_paths: %v → %v", old.Privacy.BlockedPaths, new.Privacy.BlockedPaths))
	}

	if old.Registry.StaleThresholdMs != new.Registry.StaleThresholdMs {
		changes = append(changes, fmt.Sprintf("registry.stale_threshold_ms: %s → %s", old.Registry.StaleThresholdMs, new.Registry.StaleThresholdMs))
	}
	if old.Registry.StaleCheckIntervalMs != new.Registry.StaleCheckIntervalMs {
		changes = append(changes, fmt.Sprintf("registry.stale_check_interval_ms: %s → %s", old.Registry.StaleCheckIntervalMs, new.Registry.StaleCheckIntervalMs))
	}
	if old.Registry.PermissionDelayMs != new.Registry.PermissionDelayMs {
		changes = append(changes, fmt.Sprintf("registry.permission_delay_ms: %s → %s", old.Registry.PermissionDelayMs, new.Registry.PermissionDelayMs))
	}
	if old.Tailer.DebounceMs != new.Tailer.DebounceMs {
		changes = append(changes, fmt.Sprintf("tailer.debounce_ms: %s → %s", old.Tailer.DebounceMs, new.Tailer.DebounceMs))
	}

	return changes
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "agent-session-daemon", "config.yaml")
}
