package agentrunner

import (
	"strings"
	"testing"
)

func TestParseStream_ExtractsSessionNarrativeAndToolCalls(t *testing.T) {
	raw := strings.Join([]string{
		`{"type":"system","session_id":"sess-1"}`,
		`{"type":"assistant","content":"looking at the failing test"}`,
		`{"type":"tool_use","tool_name":"bash","tool_use_id":"t1"}`,
		`{"type":"tool_result","tool_use_id":"t1"}`,
		`{"type":"assistant","content":[{"type":"text","text":"fixed it"}]}`,
		`{"type":"result","result":"done"}`,
	}, "\n")

	sessionID, narrative, toolCalls, terminalResult, sawTerminal, malformed := parseStream(raw)

	if sessionID != "sess-1" {
		t.Fatalf("expected session id sess-1, got %q", sessionID)
	}
	if !strings.Contains(narrative, "looking at the failing test") || !strings.Contains(narrative, "fixed it") {
		t.Fatalf("expected narrative to contain both assistant texts, got %q", narrative)
	}
	if len(toolCalls) != 1 || toolCalls[0].Name != "bash" {
		t.Fatalf("expected one bash tool call, got %+v", toolCalls)
	}
	if !sawTerminal || terminalResult != "done" {
		t.Fatalf("expected terminal result %q, got sawTerminal=%v result=%q", "done", sawTerminal, terminalResult)
	}
	if malformed != 0 {
		t.Fatalf("expected no malformed lines, got %d", malformed)
	}
}

func TestParseStream_CountsMalformedLinesWithoutFailing(t *testing.T) {
	raw := strings.Join([]string{
		`{"type":"system","session_id":"sess-1"}`,
		`not json at all`,
		`{"type":"result","result":"done"}`,
		``,
	}, "\n")

	sessionID, _, _, _, sawTerminal, malformed := parseStream(raw)
	if sessionID != "sess-1" {
		t.Fatalf("expected session id to still be parsed, got %q", sessionID)
	}
	if !sawTerminal {
		t.Fatal("expected terminal result to still be observed after a malformed line")
	}
	if malformed != 1 {
		t.Fatalf("expected exactly one malformed line counted, got %d", malformed)
	}
}

func TestParseStream_KeepsFirstSessionID(t *testing.T) {
	raw := strings.Join([]string{
		`{"type":"system","session_id":"first"}`,
		`{"type":"system","session_id":"second"}`,
	}, "\n")
	sessionID, _, _, _, _, _ := parseStream(raw)
	if sessionID != "first" {
		t.Fatalf("expected the first session id to win, got %q", sessionID)
	}
}

func TestIsAPIErrorSentinel(t *testing.T) {
	tests := []struct {
		result string
		want   bool
	}{
		{"API error: rate limited", true},
		{"  API error", true},
		{"done", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isAPIErrorSentinel(tt.result); got != tt.want {
			t.Errorf("isAPIErrorSentinel(%q) = %v, want %v", tt.result, got, tt.want)
		}
	}
}
