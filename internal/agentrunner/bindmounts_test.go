package agentrunner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateBindMounts_RejectsSecretDirectory(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no resolvable home directory in this environment")
	}
	binds := BindMounts{WorktreePath: filepath.Join(home, ".ssh"), SessionDir: t.TempDir()}
	if err := validateBindMounts(binds); err == nil {
		t.Fatal("expected a bind mount inside ~/.ssh to be rejected")
	}
}

func TestValidateBindMounts_AllowsOrdinaryPaths(t *testing.T) {
	binds := BindMounts{WorktreePath: t.TempDir(), SessionDir: t.TempDir()}
	if err := validateBindMounts(binds); err != nil {
		t.Fatalf("expected ordinary temp directories to be allowed, got %v", err)
	}
}

func TestValidateBindMounts_IgnoresEmptyPaths(t *testing.T) {
	if err := validateBindMounts(BindMounts{}); err != nil {
		t.Fatalf("expected empty bind mount paths to be ignored, got %v", err)
	}
}
