// Package modes defines the declarative phase graphs that drive the
// pipeline engine (§3 "Mode"). A handful ship embedded as YAML; an
// operator can add or override modes at runtime through the store.
package modes

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Phase is one node in a mode's phase graph (§3 "Mode" / §4.C).
type Phase struct {
	Name             string   `yaml:"name"`
	RunsInContainer  bool     `yaml:"runs-in-container"`
	AllowNoChanges   bool     `yaml:"allow-no-changes"`
	IsRebase         bool     `yaml:"rebase"`
	RunsTests        bool     `yaml:"run-tests"`
	RequiresArtifact string   `yaml:"requires-artifact,omitempty"`
	Next             string   `yaml:"next,omitempty"`             // empty means terminal (-> done)
	NextOnFailure    string   `yaml:"next-on-failure,omitempty"`   // empty means fail_or_retry default routing
	PromptTemplate   string   `yaml:"prompt,omitempty"`
	AllowedTools     []string `yaml:"allowed-tools,omitempty"`
}

// SeedDescriptor is a seed-invocation template a mode can declare (§4.E.6
// "seed descriptors"). Output kind "task" writes directly to backlog;
// "proposal" writes to the proposals table with the seed's triage score.
type SeedDescriptor struct {
	Name              string   `yaml:"name"`
	Label             string   `yaml:"label"`
	Prompt            string   `yaml:"prompt"`
	OutputKind        string   `yaml:"output-kind"` // "task" | "proposal"
	AllowedTools      []string `yaml:"allowed-tools,omitempty"`
	TargetPrimaryRepo bool     `yaml:"target-primary-repo"`
}

// Mode is a named, ordered graph of phases (§3 "Mode").
type Mode struct {
	Name           string           `yaml:"name"`
	Label          string           `yaml:"label,omitempty"`
	Category       string           `yaml:"category,omitempty"`
	UsesContainers bool             `yaml:"uses-containers"`
	UsesWorktrees  bool             `yaml:"uses-worktrees"`
	UsesTestCmd    bool             `yaml:"uses-test-cmd"`
	IntegrationKind string          `yaml:"integration-kind,omitempty"` // "git_pr" | "none"
	DefaultMaxAttempts int          `yaml:"default-max-attempts,omitempty"`
	InitialStatus  string           `yaml:"initial-status"`
	Phases         []Phase          `yaml:"phases"`
	Seeds          []SeedDescriptor `yaml:"seeds,omitempty"`
}

// PhaseByName returns the named phase, or false if the mode has none by
// that name.
func (m Mode) PhaseByName(name string) (Phase, bool) {
	for _, p := range m.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}

// Validate enforces the registration-time checks from §4.C:
//   - every `next` and `next-on-failure` resolves to a phase in this mode
//   - the first phase is named "setup"
//   - initial-status defaults to "backlog" if unset
//   - no runs-in-container phase when the mode declares uses-containers: false
//   - at most one rebase phase
func (m *Mode) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("mode: name required")
	}
	if len(m.Phases) == 0 {
		return fmt.Errorf("mode %s: at least one phase required", m.Name)
	}
	if m.Phases[0].Name != "setup" {
		return fmt.Errorf("mode %s: first phase must be named %q, got %q", m.Name, "setup", m.Phases[0].Name)
	}
	if m.InitialStatus == "" {
		m.InitialStatus = "backlog"
	}
	if m.DefaultMaxAttempts <= 0 {
		m.DefaultMaxAttempts = 3
	}
	if m.IntegrationKind == "" {
		m.IntegrationKind = "git_pr"
	}
	for _, sd := range m.Seeds {
		if sd.OutputKind != "task" && sd.OutputKind != "proposal" {
			return fmt.Errorf("mode %s: seed %q has invalid output-kind %q", m.Name, sd.Name, sd.OutputKind)
		}
	}

	names := make(map[string]bool, len(m.Phases))
	for _, p := range m.Phases {
		if names[p.Name] {
			return fmt.Errorf("mode %s: duplicate phase name %q", m.Name, p.Name)
		}
		names[p.Name] = true
	}

	rebaseCount := 0
	for _, p := range m.Phases {
		if p.Next != "" && !names[p.Next] {
			return fmt.Errorf("mode %s: phase %q next %q does not resolve", m.Name, p.Name, p.Next)
		}
		if p.NextOnFailure != "" && !names[p.NextOnFailure] {
			return fmt.Errorf("mode %s: phase %q next-on-failure %q does not resolve", m.Name, p.Name, p.NextOnFailure)
		}
		if p.RunsInContainer && !m.UsesContainers {
			return fmt.Errorf("mode %s: phase %q runs-in-container but mode has uses-containers: false", m.Name, p.Name)
		}
		if p.IsRebase {
			rebaseCount++
		}
	}
	if rebaseCount > 1 {
		return fmt.Errorf("mode %s: at most one rebase phase allowed, found %d", m.Name, rebaseCount)
	}
	return nil
}

// Parse decodes and validates a single mode definition from YAML.
func Parse(raw string) (Mode, error) {
	var m Mode
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return Mode{}, fmt.Errorf("parse mode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Mode{}, err
	}
	return m, nil
}
