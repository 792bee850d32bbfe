package selfupdate

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/store"
)

// newSelfUpdateRepo sets up a bare "origin" with one commit on main and a
// clone of it, returning the clone's path and the head revision.
func newSelfUpdateRepo(t *testing.T) (clonePath, head string) {
	t.Helper()
	dir := t.TempDir()
	bare := filepath.Join(dir, "origin.git")
	clone := filepath.Join(dir, "clone")

	run := func(d string, args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = d
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}

	run(dir, "init", "--bare", "-b", "main", bare)
	run(dir, "clone", bare, clone)
	run(clone, "config", "user.email", "borg@example.com")
	run(clone, "config", "user.name", "borg")
	run(clone, "commit", "--allow-empty", "-m", "initial")
	run(clone, "push", "origin", "main")

	out, err := exec.Command("git", "-C", clone, "rev-parse", "origin/main").CombinedOutput()
	if err != nil {
		t.Fatalf("rev-parse: %v: %s", err, out)
	}
	return clone, trimNewline(string(out))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTick_NoAdvanceWhenConsumedMatchesHead(t *testing.T) {
	clone, head := newSelfUpdateRepo(t)
	st := newTestStore(t)
	if err := st.SetConfig(context.Background(), consumedRevisionKey, head); err != nil {
		t.Fatalf("set config: %v", err)
	}

	s := New(Config{Store: st, RepoPath: clone, Mainline: "main"})
	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	consumed, ok, err := st.GetConfig(context.Background(), consumedRevisionKey)
	if err != nil || !ok {
		t.Fatalf("expected consumed revision to remain set: ok=%v err=%v", ok, err)
	}
	if consumed != head {
		t.Fatalf("expected consumed revision unchanged, got %s", consumed)
	}
}

func TestTick_RebuildFailureDoesNotConsumeRevision(t *testing.T) {
	clone, _ := newSelfUpdateRepo(t)
	st := newTestStore(t)
	b := bus.New()
	sub := b.Subscribe("selfupdate.")
	defer b.Unsubscribe(sub)

	// An empty clone has no such package, so `go build` fails deterministically
	// without depending on a real module being present.
	s := New(Config{Store: st, Bus: b, RepoPath: clone, Mainline: "main", Package: "./no/such/package"})
	if err := s.tick(context.Background()); err == nil {
		t.Fatal("expected tick to report the rebuild failure")
	}

	if _, ok, err := st.GetConfig(context.Background(), consumedRevisionKey); err != nil || ok {
		t.Fatalf("expected no consumed revision recorded after a failed rebuild: ok=%v err=%v", ok, err)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicSelfUpdateDetected {
			t.Fatalf("expected detected event first, got %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a selfupdate.detected event")
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicSelfUpdateFailed {
			t.Fatalf("expected a failed event, got %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a selfupdate.failed event")
	}
}
