package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Server.HookPort != 4451 {
		t.Errorf("HookPort = %d, want 4451", cfg.Server.HookPort)
	}
	if cfg.Server.StreamPort != 4450 {
		t.Errorf("StreamPort = %d, want 4450", cfg.Server.StreamPort)
	}
	if cfg.Tailer.DebounceMs != 200*time.Millisecond {
		t.Errorf("DebounceMs = %s, want 200ms", cfg.Tailer.DebounceMs)
	}
	if cfg.Registry.PermissionDelayMs != 3000*time.Millisecond {
		t.Errorf("PermissionDelayMs = %s, want 3000ms", cfg.Registry.PermissionDelayMs)
	}
	if cfg.Registry.StaleCheckIntervalMs != 10_000*time.Millisecond {
		t.Errorf("StaleCheckIntervalMs = %s, want 10s", cfg.Registry.StaleCheckIntervalMs)
	}
	if cfg.Registry.StaleThresholdMs != 60_000*time.Millisecond {
		t.Errorf("StaleThresholdMs = %s, want 60s", cfg.Registry.StaleThresholdMs)
	}
	if cfg.Registry.IdleDisplayThresholdMs != 3_600_000*time.Millisecond {
		t.Errorf("IdleDisplayThresholdMs = %s, want 1h", cfg.Registry.IdleDisplayThresholdMs)
	}
}

func TestLoadOrDefaultMissingFileReturnsDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Server.HookPort != 4451 {
		t.Errorf("expected default config, got HookPort=%d", cfg.Server.HookPort)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  hook_port: 9000
privacy:
  mask_working_dirs: true
  blocked_paths:
    - "/secret/*"
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HookPort != 9000 {
		t.Errorf("HookPort = %d, want 9000 (overridden)", cfg.Server.HookPort)
	}
	if cfg.Server.StreamPort != 4450 {
		t.Errorf("StreamPort = %d, want 4450 (untouched default)", cfg.Server.StreamPort)
	}
	if !cfg.Privacy.MaskWorkingDirs {
		t.Errorf("expected MaskWorkingDirs true")
	}
	if len(cfg.Privacy.BlockedPaths) != 1 || cfg.Privacy.BlockedPaths[0] != "/secret/*" {
		t.Errorf("BlockedPaths = %v, want [/secret/*]", cfg.Privacy.BlockedPaths)
	}
}

func TestDiffReportsChangedFields(t *testing.T) {
	old := defaultConfig()
	newer := defaultConfig()
	newer.Privacy.MaskSessionIDs = true
	newer.Registry.StaleThresholdMs = 120_000 * time.Millisecond

	changes := Diff(old, newer)
	if len(changes) != 2 {
		t.Fatalf("Diff returned %d changes, want 2: %v", len(changes), changes)
	}
}

func TestNewPrivacyFilterConvertsConfig(t *testing.T) {
	pc := &PrivacyConfig{MaskWorkingDirs: true, AllowedPaths: []string{"/home/*"}}
	f := pc.NewPrivacyFilter()
	if !f.MaskWorkingDirs {
		t.Errorf("expected MaskWorkingDirs true on converted filter")
	}
	if len(f.AllowedPaths) != 1 {
		t.Errorf("expected 1 allowed path")
	}
}
