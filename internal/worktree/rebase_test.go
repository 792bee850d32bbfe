package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// commitFile writes content to path inside dir and commits it.
func commitFile(t *testing.T, dir, path, content, message string) {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	cmd := exec.Command("git", "add", path)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v: %s", err, out)
	}
	cmd = exec.Command("git", "commit", "-m", message)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v: %s", err, out)
	}
}

func TestCheckConflicts_WithConflict(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)
	main, err := g.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}

	if err := g.CreateBranch("feature"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := g.Checkout("feature"); err != nil {
		t.Fatalf("Checkout feature: %v", err)
	}
	commitFile(t, dir, "README.md", "# Test\nfeature change\n", "feature edits readme")

	if err := g.Checkout(main); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}
	commitFile(t, dir, "README.md", "# Test\nmain change\n", "main edits readme")

	conflicts, err := g.CheckConflicts("feature", main)
	if err != nil && len(conflicts) == 0 {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0] != "README.md" {
		t.Fatalf("expected conflict on README.md, got %v", conflicts)
	}

	st, err := g.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Clean {
		t.Fatalf("expected CheckConflicts to leave working tree clean, got %+v", st)
	}
	current, err := g.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if current != main {
		t.Fatalf("expected CheckConflicts to leave checkout on %s, still on %s", main, current)
	}
}

// TestRebaseOntoMainline_ConflictLeavesRebaseInProgress is the
// never-auto-abort invariant: a conflicting rebase must stop mid-flight,
// with the conflict markers and git's rebase state directory intact, so a
// fix agent (or an explicit RebaseAbort) decides what happens next.
func TestRebaseOntoMainline_ConflictLeavesRebaseInProgress(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)
	main, err := g.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}

	if err := g.CreateBranch("task-branch"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := g.Checkout("task-branch"); err != nil {
		t.Fatalf("Checkout task-branch: %v", err)
	}
	commitFile(t, dir, "README.md", "# Test\ntask branch change\n", "task branch edits readme")

	if err := g.Checkout(main); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}
	commitFile(t, dir, "README.md", "# Test\nmainline change\n", "mainline edits readme")

	if err := g.Checkout("task-branch"); err != nil {
		t.Fatalf("Checkout task-branch: %v", err)
	}

	if g.RebaseInProgress() {
		t.Fatal("expected no rebase in progress before RebaseOntoMainline")
	}

	err = g.RebaseOntoMainline(main)
	if err == nil {
		t.Fatal("expected RebaseOntoMainline to fail on conflicting edits")
	}

	if !g.RebaseInProgress() {
		t.Fatal("expected rebase to be left in progress after a conflict, not auto-aborted")
	}

	conflicted, cErr := g.ConflictedFiles()
	if cErr != nil {
		t.Fatalf("ConflictedFiles: %v", cErr)
	}
	if len(conflicted) != 1 || conflicted[0] != "README.md" {
		t.Fatalf("expected README.md as the sole conflicted file, got %v", conflicted)
	}

	// A fix agent resolves and continues; this is the recovery half of the
	// same invariant — RebaseContinue must actually clear the in-progress
	// state once conflicts are staged.
	resolved := filepath.Join(dir, "README.md")
	if err := os.WriteFile(resolved, []byte("# Test\nresolved change\n"), 0o644); err != nil {
		t.Fatalf("write resolved file: %v", err)
	}
	if err := g.Add("README.md"); err != nil {
		t.Fatalf("Add resolved file: %v", err)
	}
	if err := g.RebaseContinue(); err != nil {
		t.Fatalf("RebaseContinue: %v", err)
	}
	if g.RebaseInProgress() {
		t.Fatal("expected rebase to be finished after RebaseContinue")
	}
}

// TestRebaseOntoMainline_ConflictAbort exercises the other legal exit from
// a conflicted rebase: the caller gives up and calls RebaseAbort, which
// must restore the branch to its pre-rebase tip.
func TestRebaseOntoMainline_ConflictAbort(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)
	main, err := g.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}

	if err := g.CreateBranch("task-branch"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := g.Checkout("task-branch"); err != nil {
		t.Fatalf("Checkout task-branch: %v", err)
	}
	commitFile(t, dir, "README.md", "# Test\ntask branch change\n", "task branch edits readme")
	preRebaseTip, err := g.Rev("HEAD")
	if err != nil {
		t.Fatalf("Rev HEAD: %v", err)
	}

	if err := g.Checkout(main); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}
	commitFile(t, dir, "README.md", "# Test\nmainline change\n", "mainline edits readme")

	if err := g.Checkout("task-branch"); err != nil {
		t.Fatalf("Checkout task-branch: %v", err)
	}
	if err := g.RebaseOntoMainline(main); err == nil {
		t.Fatal("expected RebaseOntoMainline to fail on conflicting edits")
	}
	if !g.RebaseInProgress() {
		t.Fatal("expected rebase to be in progress before abort")
	}

	if err := g.RebaseAbort(); err != nil {
		t.Fatalf("RebaseAbort: %v", err)
	}
	if g.RebaseInProgress() {
		t.Fatal("expected no rebase in progress after RebaseAbort")
	}
	tip, err := g.Rev("HEAD")
	if err != nil {
		t.Fatalf("Rev HEAD after abort: %v", err)
	}
	if tip != preRebaseTip {
		t.Fatalf("expected RebaseAbort to restore pre-rebase tip %s, got %s", preRebaseTip, tip)
	}
}
