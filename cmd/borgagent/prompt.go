package main

import (
	"fmt"
	"strings"

	"github.com/mbleigh/raymond"
)

const systemPromptTemplate = `You are {{assistantName}}, an autonomous coding agent.
{{#if systemPrompt}}
{{systemPrompt}}
{{/if}}
{{#if tools}}

You have access to the following tools. To use one, respond with nothing
but a fenced JSON block of the form:
` + "```json" + `
{"tool": "<name>", "args": { ... }}
` + "```" + `
Available tools:
{{#each tools}}
- {{this}}
{{/each}}
{{/if}}`

// renderSystemPrompt fills systemPromptTemplate with the envelope's
// assistant name, caller-supplied system prompt, and the names of tools
// actually wired up for this invocation (a subset of allowedTools — only
// those with a module on disk).
func renderSystemPrompt(assistantName, systemPrompt string, toolNames []string) (string, error) {
	if assistantName == "" {
		assistantName = "borg"
	}
	tpl, err := raymond.Parse(systemPromptTemplate)
	if err != nil {
		return "", fmt.Errorf("parse system prompt template: %w", err)
	}
	rendered, err := tpl.Exec(map[string]any{
		"assistantName": assistantName,
		"systemPrompt":  strings.TrimSpace(systemPrompt),
		"tools":         toolNames,
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt template: %w", err)
	}
	return rendered, nil
}
