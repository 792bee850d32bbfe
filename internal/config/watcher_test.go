package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/neuralcollective/borg/internal/config"
)

func TestWatcher_DetectsConfigFileChange(t *testing.T) {
	homeDir := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(homeDir), []byte("bind_addr: 127.0.0.1:1\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(config.ConfigPath(homeDir), []byte("bind_addr: 127.0.0.1:2\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != config.ConfigPath(homeDir) {
			t.Fatalf("unexpected event path: %q", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
}
