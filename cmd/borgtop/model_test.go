package main

import (
	"strings"
	"testing"
)

func TestSummarizeEvent_TaskStateChanged(t *testing.T) {
	ev := sseEvent{
		Kind:    "task.state_changed",
		Payload: []byte(`{"TaskID":"0123456789abcdef","RepoID":"r1","OldStatus":"backlog","NewStatus":"plan"}`),
	}
	got := summarizeEvent(ev)
	want := "task 01234567: backlog -> plan"
	if got != want {
		t.Errorf("summarizeEvent() = %q, want %q", got, want)
	}
}

func TestSummarizeEvent_PhaseCompletedFailure(t *testing.T) {
	ev := sseEvent{
		Kind:    "phase.completed",
		Payload: []byte(`{"TaskID":"taskid1","Phase":"implement","Success":false,"ExitCode":2}`),
	}
	got := summarizeEvent(ev)
	if !strings.Contains(got, "failed (exit 2)") {
		t.Errorf("summarizeEvent() = %q, want it to mention exit 2 failure", got)
	}
}

func TestSummarizeEvent_UnknownKindFallsBackToKind(t *testing.T) {
	ev := sseEvent{Kind: "some.new.topic", Payload: []byte(`{}`)}
	if got := summarizeEvent(ev); got != "some.new.topic" {
		t.Errorf("summarizeEvent() = %q, want the raw kind", got)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID(short) = %q, want unchanged", got)
	}
	if got := shortID("0123456789"); got != "01234567" {
		t.Errorf("shortID(long) = %q, want 8-char prefix", got)
	}
}

func TestModelView_ShowsConnectionStateAndFeed(t *testing.T) {
	m := newModel(nil)
	m.connected = true
	m.snap = statusSnapshot{
		Repos:         2,
		TasksByStatus: map[string]int{"backlog": 3, "done": 5},
		TotalEvents:   42,
	}
	m.pushFeed(sseEvent{Kind: "task.created", Payload: []byte(`{"TaskID":"abcd1234","Title":"fix bug"}`)})

	view := m.View()
	for _, want := range []string{"connected", "backlog", "3", "done", "5", "repos: 2", "task abcd1234 created"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q, got:\n%s", want, view)
		}
	}
}

func TestModelView_Disconnected(t *testing.T) {
	m := newModel(nil)
	view := m.View()
	if !strings.Contains(view, "disconnected") {
		t.Errorf("View() = %q, want it to report disconnected before the first status poll", view)
	}
}
