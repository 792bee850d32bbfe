package main

import "testing"

func TestParseTaskCreatedLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantID string
		wantOK bool
	}{
		{
			name:   "task created",
			line:   `data: {"kind":"task.created","payload":{"TaskID":"abc123","RepoID":"r1","NewStatus":"backlog"}}`,
			wantID: "abc123",
			wantOK: true,
		},
		{
			name:   "other topic ignored",
			line:   `data: {"kind":"phase.started","payload":{"TaskID":"abc123"}}`,
			wantOK: false,
		},
		{
			name:   "not an sse data line",
			line:   `: keep-alive`,
			wantOK: false,
		},
		{
			name:   "malformed json",
			line:   `data: {not json`,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotOK := parseTaskCreatedLine(tt.line)
			if gotOK != tt.wantOK {
				t.Fatalf("ok mismatch: got=%v want=%v", gotOK, tt.wantOK)
			}
			if gotOK && gotID != tt.wantID {
				t.Fatalf("id mismatch: got=%q want=%q", gotID, tt.wantID)
			}
		})
	}
}

func TestContainsString(t *testing.T) {
	haystack := []string{"fix", "feature", "seed"}
	if !containsString(haystack, "fix") {
		t.Fatal("expected fix to be found")
	}
	if containsString(haystack, "ship") {
		t.Fatal("expected ship to be absent")
	}
	if containsString(nil, "fix") {
		t.Fatal("expected nil haystack to report absent")
	}
}
