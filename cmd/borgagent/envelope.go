package main

import "encoding/json"

// request is the stdin payload, matching internal/agentrunner.Request's
// JSON shape exactly. borgagent
// is deliberately a separate binary from the engine — the contract is the
// only thing tying them together, not a shared Go type.
type request struct {
	Prompt          string   `json:"prompt"`
	Model           string   `json:"model"`
	SessionID       string   `json:"sessionId"`
	ResumeSessionID string   `json:"resumeSessionId"`
	AssistantName   string   `json:"assistantName"`
	SystemPrompt    string   `json:"systemPrompt"`
	AllowedTools    []string `json:"allowedTools"`
	Workdir         string   `json:"workdir"`
	TraceID         string   `json:"trace_id"`
}

// toolCall is what the model is asked to emit inline, as a fenced JSON
// block, when it wants to invoke one of the allowed tools. There is no
// native function-calling API here (borgagent talks to the model through
// a single text completion per turn), so the contract is a plain JSON
// object the model is instructed to produce.
type toolCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}
