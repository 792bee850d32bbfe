// Package agentrunner executes a phase's agent command — in a docker
// container or directly on the host — and parses its event stream into
// the narrative and structured records the pipeline engine needs to
// route the phase (§4.D). The agent binary itself is opaque: its only
// guaranteed interface is stdin prompt / stdout event stream / exit code.
package agentrunner

import "encoding/json"

// resultSentinel marks a terminal record whose text reports an upstream
// model-provider failure rather than task completion. A truthy exit with
// this sentinel as the result text is still a task failure.
const resultSentinel = "API error"

// Request is the stdin payload sent to the agent subprocess.
type Request struct {
	Prompt           string   `json:"prompt"`
	Model            string   `json:"model,omitempty"`
	SessionID        string   `json:"sessionId,omitempty"`
	ResumeSessionID  string   `json:"resumeSessionId,omitempty"`
	AssistantName    string   `json:"assistantName,omitempty"`
	SystemPrompt     string   `json:"systemPrompt,omitempty"`
	AllowedTools     []string `json:"allowedTools,omitempty"`
	Workdir          string   `json:"workdir,omitempty"`
	// TraceID carries the W3C trace ID of the span cmd/borg opened for
	// this invocation, so cmd/borgagent's own spans correlate with it.
	TraceID string `json:"trace_id,omitempty"`
}

// rawRecord is one newline-delimited JSON line from the agent's stdout.
// Fields are a superset across the record kinds the contract defines;
// unrecognized keys and unrecognized kinds are ignored, not rejected.
type rawRecord struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Content   json.RawMessage `json:"content"`
	Result    string          `json:"result"`
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
}

// contentBlock is one element of an assistant record's content array,
// when content is structured rather than a bare string.
type contentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolCall records one tool invocation surfaced by the agent, for the
// event log (§3 "Event" kind "tool_call").
type ToolCall struct {
	Name  string
	Input string
}

// Result is the runner's verdict on a single agent invocation.
type Result struct {
	ExitCode       int
	Success        bool
	SessionID      string
	Narrative      string
	RawStdout      string
	RawStderr      string
	MalformedLines int
	ToolCalls      []ToolCall
	FailureReason  string
}
