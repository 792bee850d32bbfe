package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/home/user/repo", "_home_user_repo"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestManagerCommitAll_AllowNoChangesIsNoOp(t *testing.T) {
	dir := initTestRepo(t)
	m := NewManager(nil, t.TempDir())

	if err := m.CommitAll(context.Background(), dir, "nothing to do", nil, true); err != nil {
		t.Fatalf("CommitAll with allowNoChanges on a clean tree: %v", err)
	}
}

func TestManagerCommitAll_RejectsEmptyCommitWithoutFlag(t *testing.T) {
	dir := initTestRepo(t)
	m := NewManager(nil, t.TempDir())

	if err := m.CommitAll(context.Background(), dir, "nothing to do", nil, false); err == nil {
		t.Fatal("expected CommitAll to reject an empty commit when allowNoChanges is false")
	}
}

func TestManagerCommitAll_CommitsDirtyTree(t *testing.T) {
	dir := initTestRepo(t)
	m := NewManager(nil, t.TempDir())

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := m.CommitAll(context.Background(), dir, "add new.txt", nil, false); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	g := NewGit(dir)
	dirty, err := g.HasUncommittedChanges()
	if err != nil {
		t.Fatalf("HasUncommittedChanges: %v", err)
	}
	if dirty {
		t.Fatal("expected working tree clean after CommitAll")
	}
}

// TestManagerRebaseOntoMainline_ConflictReturnsWithoutAborting grounds the
// never-auto-abort invariant at the layer runRebasePhase actually calls:
// a conflicting rebase reports its conflicted files and Succeeded=false
// without the package ever invoking AbortRebase on the caller's behalf.
func TestManagerRebaseOntoMainline_ConflictReturnsWithoutAborting(t *testing.T) {
	origin := initTestRepo(t)
	mirror := filepath.Join(t.TempDir(), "mirror.git")
	if err := NewGit(origin).CloneBare(origin, mirror); err != nil {
		t.Fatalf("CloneBare: %v", err)
	}
	main, err := NewGit(origin).CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}

	taskDir := filepath.Join(t.TempDir(), "task-wt")
	bare := NewGitWithDir(mirror, mirror)
	if err := bare.WorktreeAddFromRef(taskDir, "task-branch", "origin/"+main); err != nil {
		t.Fatalf("WorktreeAddFromRef: %v", err)
	}
	commitFile(t, taskDir, "README.md", "# Test\ntask branch change\n", "task branch edits readme")
	taskGit := NewGit(taskDir)

	commitFile(t, origin, "README.md", "# Test\nmainline change\n", "mainline edits readme")

	m := NewManager(nil, t.TempDir())
	result, err := m.RebaseOntoMainline(context.Background(), taskDir, main)
	if err != nil {
		t.Fatalf("RebaseOntoMainline: %v", err)
	}
	if result.Succeeded {
		t.Fatal("expected RebaseOntoMainline to report failure on conflicting edits")
	}
	if len(result.Conflicted) != 1 || result.Conflicted[0] != "README.md" {
		t.Fatalf("expected README.md reported as conflicted, got %v", result.Conflicted)
	}

	if !taskGit.RebaseInProgress() {
		t.Fatal("expected the rebase to remain in progress: Manager must not auto-abort")
	}

	// The caller (pipeline.runRebasePhase) is the one allowed to abort,
	// once it has given up on a fix agent resolving the conflict.
	if err := m.AbortRebase(taskDir); err != nil {
		t.Fatalf("AbortRebase: %v", err)
	}
	if taskGit.RebaseInProgress() {
		t.Fatal("expected rebase state cleared after an explicit AbortRebase")
	}
}
