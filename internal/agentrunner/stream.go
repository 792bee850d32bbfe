package agentrunner

import (
	"bufio"
	"encoding/json"
	"strings"
)

// parseStream reads newline-delimited JSON records from raw, extracting
// the session id from the first system record, the terminal result text,
// every assistant text block, and every tool call — ignoring malformed
// lines but counting them (§4.D "stream parser").
func parseStream(raw string) (sessionID, narrative string, toolCalls []ToolCall, terminalResult string, sawTerminal bool, malformed int) {
	var narrativeBuf strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec rawRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			malformed++
			continue
		}
		switch rec.Type {
		case "system":
			if rec.SessionID != "" && sessionID == "" {
				sessionID = rec.SessionID
			}
		case "assistant":
			appendAssistantText(&narrativeBuf, rec.Content)
		case "tool_use":
			if rec.ToolName != "" {
				toolCalls = append(toolCalls, ToolCall{Name: rec.ToolName})
			}
		case "tool_result":
			// recorded in the event log by the caller from ToolCalls +
			// raw stream; no narrative contribution.
		case "result":
			terminalResult = rec.Result
			sawTerminal = true
		}
	}
	return sessionID, narrativeBuf.String(), toolCalls, terminalResult, sawTerminal, malformed
}

// appendAssistantText handles both the bare-string and structured
// content-block forms the contract allows for an assistant record.
func appendAssistantText(buf *strings.Builder, content json.RawMessage) {
	if len(content) == 0 {
		return
	}
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		if asString != "" {
			buf.WriteString(asString)
			buf.WriteString("\n")
		}
		return
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return
	}
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			buf.WriteString(b.Text)
			buf.WriteString("\n")
		}
	}
}

// isAPIErrorSentinel reports whether a terminal result text reports an
// upstream provider failure rather than real completion (§4.D).
func isAPIErrorSentinel(result string) bool {
	return strings.HasPrefix(strings.TrimSpace(result), resultSentinel)
}
