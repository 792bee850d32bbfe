package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestIsRepo(t *testing.T) {
	dir := t.TempDir()
	g := NewGit(dir)
	if g.IsRepo() {
		t.Fatal("expected IsRepo to be false for empty dir")
	}
	if err := exec.Command("git", "-C", dir, "init").Run(); err != nil {
		t.Fatalf("git init: %v", err)
	}
	if !g.IsRepo() {
		t.Fatal("expected IsRepo to be true after git init")
	}
}

func TestCloneBareHasOriginRefs(t *testing.T) {
	src := initTestRepo(t)
	dst := filepath.Join(t.TempDir(), "mirror.git")

	g := NewGit(src)
	if err := g.CloneBare(src, dst); err != nil {
		t.Fatalf("CloneBare: %v", err)
	}

	bare := NewGitWithDir(dst, dst)
	mainBranch, err := g.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	has, err := bare.RemoteTrackingBranchExists("origin", mainBranch)
	if err != nil {
		t.Fatalf("RemoteTrackingBranchExists: %v", err)
	}
	if !has {
		t.Fatalf("expected origin/%s to exist after CloneBare", mainBranch)
	}
}

func TestWorktreeAddFromRefAndRemove(t *testing.T) {
	src := initTestRepo(t)
	mirror := filepath.Join(t.TempDir(), "mirror.git")
	if err := NewGit(src).CloneBare(src, mirror); err != nil {
		t.Fatalf("CloneBare: %v", err)
	}

	mainBranch, err := NewGit(src).CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "task-wt")
	bare := NewGitWithDir(mirror, mirror)
	if err := bare.WorktreeAddFromRef(wtPath, "task-branch", "origin/"+mainBranch); err != nil {
		t.Fatalf("WorktreeAddFromRef: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wtPath, "README.md")); err != nil {
		t.Fatalf("expected checked-out README.md: %v", err)
	}

	if err := bare.WorktreeRemove(wtPath); err != nil {
		t.Fatalf("WorktreeRemove: %v", err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Fatalf("expected worktree dir removed, stat err = %v", err)
	}
}

func TestHasUncommittedChanges(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)

	dirty, err := g.HasUncommittedChanges()
	if err != nil {
		t.Fatalf("HasUncommittedChanges: %v", err)
	}
	if dirty {
		t.Fatal("expected clean worktree right after commit")
	}

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	dirty, err = g.HasUncommittedChanges()
	if err != nil {
		t.Fatalf("HasUncommittedChanges: %v", err)
	}
	if !dirty {
		t.Fatal("expected dirty worktree after adding an untracked file")
	}
}

func TestPruneStaleBranches_SkipsUnmergedAndCurrent(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGit(dir)
	current, err := g.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}

	if err := g.CreateBranch("borg/merged-already"); err != nil {
		t.Fatalf("CreateBranch merged: %v", err)
	}
	if err := g.CreateBranch("borg/still-in-flight"); err != nil {
		t.Fatalf("CreateBranch unmerged: %v", err)
	}
	if err := g.Checkout("borg/still-in-flight"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "inflight.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := g.Add("inflight.txt"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Commit("in flight work"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := g.Checkout(current); err != nil {
		t.Fatalf("Checkout back: %v", err)
	}

	pruned, err := g.PruneStaleBranches("borg/*", false)
	if err != nil {
		t.Fatalf("PruneStaleBranches: %v", err)
	}
	for _, p := range pruned {
		if p.Name == "borg/still-in-flight" {
			t.Fatalf("unmerged branch must not be pruned: %v", pruned)
		}
		if p.Name == current {
			t.Fatalf("current branch must not be pruned: %v", pruned)
		}
	}

	remaining, err := g.ListBranches("borg/*")
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	foundMerged := false
	foundUnmerged := false
	for _, n := range remaining {
		if n == "borg/merged-already" {
			foundMerged = true
		}
		if n == "borg/still-in-flight" {
			foundUnmerged = true
		}
	}
	if foundMerged {
		t.Error("expected merged, no-remote branch to be pruned")
	}
	if !foundUnmerged {
		t.Error("expected unmerged branch to survive pruning")
	}
}
