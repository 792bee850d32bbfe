package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/neuralcollective/borg/internal/config"
)

func TestLoad_FromBorgHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("BORG_HOME", home)
	if err := os.WriteFile(config.ConfigPath(home), []byte("bind_addr: 0.0.0.0:9999\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Fatalf("expected bind_addr from config.yaml, got %q", cfg.BindAddr)
	}
	if cfg.NeedsBootstrap {
		t.Fatalf("expected NeedsBootstrap false when config.yaml exists")
	}
}

func TestLoad_MissingConfigUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("BORG_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsBootstrap {
		t.Fatalf("expected NeedsBootstrap true with no config.yaml")
	}
	if cfg.Pipeline.MaxConcurrent != 4 {
		t.Fatalf("expected default max_concurrent 4, got %d", cfg.Pipeline.MaxConcurrent)
	}
}

func TestLoad_EnvOverridesWatchedRepos(t *testing.T) {
	home := t.TempDir()
	t.Setenv("BORG_HOME", home)
	t.Setenv("BORG_WATCHED_REPOS", "/repo/a:./agent|/repo/b!manual")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Repos) != 2 {
		t.Fatalf("expected 2 parsed repos, got %d: %+v", len(cfg.Repos), cfg.Repos)
	}
	if cfg.Repos[0].Path != "/repo/a" || cfg.Repos[0].Command != "./agent" {
		t.Fatalf("unexpected first repo: %+v", cfg.Repos[0])
	}
	if cfg.Repos[1].Path != "/repo/b" || !cfg.Repos[1].Manual {
		t.Fatalf("unexpected second repo: %+v", cfg.Repos[1])
	}
}

func TestFingerprint_ChangesWithBindAddr(t *testing.T) {
	home := t.TempDir()
	t.Setenv("BORG_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	f1 := cfg.Fingerprint()
	cfg.BindAddr = filepath.Join(cfg.BindAddr, "x")
	f2 := cfg.Fingerprint()
	if f1 == f2 {
		t.Fatalf("expected fingerprint to change with bind_addr")
	}
}
