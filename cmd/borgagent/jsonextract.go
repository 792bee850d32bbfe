package main

import (
	"encoding/json"
	"strings"
)

// extractToolCall looks for a fenced ```tool_call ... ``` block (or a
// bare {"tool": ...} object) in the model's reply and decodes it. Returns
// ok=false when the reply contains no tool-call JSON, which is the
// common case: most turns end with a plain answer.
func extractToolCall(text string) (toolCall, bool) {
	candidate := extractJSON(text)
	if candidate == "" {
		return toolCall{}, false
	}
	var tc toolCall
	if err := json.Unmarshal([]byte(candidate), &tc); err != nil || tc.Tool == "" {
		return toolCall{}, false
	}
	return tc, true
}

// extractJSON finds a JSON object in text, preferring a fenced block.
// Adapted from the same-shaped helper in internal/engine/structured.go.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + len("```\n")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the shortest balanced {...} object starting at
// s[0], respecting string-quoted braces.
func extractBalanced(s string) string {
	if len(s) == 0 || s[0] != '{' {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == '{' {
			depth++
		} else if ch == '}' {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
