package agentrunner

import (
	"context"
	"testing"
	"time"
)

func TestRunner_Invoke_HostSuccess(t *testing.T) {
	host := NewHostBackend([]string{"sh", "-c", `cat >/dev/null; echo '{"type":"system","session_id":"sess-ok"}'; echo '{"type":"result","result":"done"}'`})
	r := NewRunner(nil, host)

	res, err := r.Invoke(context.Background(), "host", Request{Prompt: "do the thing"}, t.TempDir(), BindMounts{}, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.SessionID != "sess-ok" {
		t.Fatalf("expected session id sess-ok, got %q", res.SessionID)
	}
	if res.FailureReason != "" {
		t.Fatalf("expected empty failure reason on success, got %q", res.FailureReason)
	}
}

func TestRunner_Invoke_NonZeroExitIsFailure(t *testing.T) {
	host := NewHostBackend([]string{"sh", "-c", `cat >/dev/null; echo '{"type":"result","result":"done"}'; exit 1`})
	r := NewRunner(nil, host)

	res, err := r.Invoke(context.Background(), "host", Request{Prompt: "do the thing"}, t.TempDir(), BindMounts{}, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure on non-zero exit")
	}
	if res.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", res.ExitCode)
	}
}

func TestRunner_Invoke_MissingTerminalRecordIsFailure(t *testing.T) {
	host := NewHostBackend([]string{"sh", "-c", `cat >/dev/null; echo '{"type":"assistant","content":"no result ever sent"}'`})
	r := NewRunner(nil, host)

	res, err := r.Invoke(context.Background(), "host", Request{Prompt: "do the thing"}, t.TempDir(), BindMounts{}, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure when no terminal result record is seen")
	}
	if res.FailureReason == "" {
		t.Fatal("expected a non-empty failure reason")
	}
}

func TestRunner_Invoke_APIErrorSentinelIsFailure(t *testing.T) {
	host := NewHostBackend([]string{"sh", "-c", `cat >/dev/null; echo '{"type":"result","result":"API error: overloaded"}'`})
	r := NewRunner(nil, host)

	res, err := r.Invoke(context.Background(), "host", Request{Prompt: "do the thing"}, t.TempDir(), BindMounts{}, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("expected API error sentinel to be treated as a failure")
	}
	if res.FailureReason != "API error: overloaded" {
		t.Fatalf("expected failure reason to carry the sentinel text, got %q", res.FailureReason)
	}
}

func TestRunner_Invoke_TimeoutIsFailure(t *testing.T) {
	host := NewHostBackend([]string{"sh", "-c", `cat >/dev/null; sleep 5; echo '{"type":"result","result":"done"}'`})
	r := NewRunner(nil, host)

	res, err := r.Invoke(context.Background(), "host", Request{Prompt: "do the thing"}, t.TempDir(), BindMounts{}, nil, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("expected timeout to be treated as a failure")
	}
}

func TestRunner_Invoke_UnknownBackend(t *testing.T) {
	r := NewRunner(nil, nil)
	_, err := r.Invoke(context.Background(), "quantum", Request{}, t.TempDir(), BindMounts{}, nil, time.Second)
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestRunner_Invoke_UnconfiguredHostBackend(t *testing.T) {
	r := NewRunner(nil, nil)
	_, err := r.Invoke(context.Background(), "host", Request{}, t.TempDir(), BindMounts{}, nil, time.Second)
	if err == nil {
		t.Fatal("expected an error when no host backend is configured")
	}
}
