package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"

	"github.com/neuralcollective/borg/internal/sandbox/wasm"
)

// toolSet loads a subset of the skills directory's WASM modules — only
// those named in the phase descriptor's allowedTools — into a sandbox
// host, with their argument schemas compiled for validation before a
// single byte of guest code runs.
type toolSet struct {
	host    *wasm.Host
	schemas map[string]*jsonschema.Schema
	loaded  []string // every tool with a module on disk, schema or not
}

// Names returns the tools actually available this invocation, for
// listing in the system prompt.
func (ts *toolSet) Names() []string {
	return ts.loaded
}

// skillsDir returns the directory borgagent loads tool modules from,
// defaulting to a "skills" directory next to the invocation's workdir.
func skillsDir() string {
	if d := os.Getenv("BORGAGENT_SKILLS_DIR"); d != "" {
		return d
	}
	return "skills"
}

// loadTools compiles and instantiates one WASM module plus its JSON
// Schema per allowed tool name. A tool with no matching module or schema
// on disk is silently skipped — the model is simply never told it has
// that tool available, rather than the whole turn failing.
func loadTools(ctx context.Context, host *wasm.Host, allowedTools []string) (*toolSet, error) {
	ts := &toolSet{host: host, schemas: map[string]*jsonschema.Schema{}}
	dir := skillsDir()

	for _, name := range allowedTools {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		wasmPath := filepath.Join(dir, name+".wasm")
		if _, err := os.Stat(wasmPath); err != nil {
			continue
		}
		if err := host.LoadModuleFromFile(ctx, wasmPath); err != nil {
			return nil, fmt.Errorf("load tool %s: %w", name, err)
		}
		ts.loaded = append(ts.loaded, name)

		schemaPath := filepath.Join(dir, name+".schema.json")
		schemaBytes, err := os.ReadFile(schemaPath)
		if err != nil {
			// No schema on disk: accept any argument shape for this tool.
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaBytes)))
		if err != nil {
			return nil, fmt.Errorf("parse schema for tool %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".schema.json", doc); err != nil {
			return nil, fmt.Errorf("add schema resource for tool %s: %w", name, err)
		}
		schema, err := c.Compile(name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for tool %s: %w", name, err)
		}
		ts.schemas[name] = schema
	}
	return ts, nil
}

// Call validates tc.Args against the tool's schema (when one was loaded)
// and invokes the sandboxed module, returning its JSON result text.
func (ts *toolSet) Call(ctx context.Context, tc toolCall) (string, error) {
	if !ts.host.HasModule(tc.Tool) {
		return "", fmt.Errorf("tool %q is not in this phase's allowed-tools list", tc.Tool)
	}
	if schema, ok := ts.schemas[tc.Tool]; ok {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(tc.Args)))
		if err != nil {
			return "", fmt.Errorf("tool %s: invalid argument JSON: %w", tc.Tool, err)
		}
		if err := schema.Validate(parsed); err != nil {
			return "", fmt.Errorf("tool %s: argument validation failed: %w", tc.Tool, err)
		}
	}

	result, err := ts.host.InvokeTool(ctx, tc.Tool, tc.Args)
	if err != nil {
		var fault *wasm.SkillFault
		if asSkillFault(err, &fault) && fault.Reason == wasm.FaultTimeout {
			return "", fmt.Errorf("tool %s timed out", tc.Tool)
		}
		return "", fmt.Errorf("tool %s: %w", tc.Tool, err)
	}

	// A guest that returns a huge payload (directory listing, file dump)
	// under a top-level "summary" key lets the caller surface just that
	// without paying for a full struct round trip through the rest.
	if summary := gjson.GetBytes(result, "summary"); summary.Exists() {
		return summary.String(), nil
	}
	return string(result), nil
}

func asSkillFault(err error, target **wasm.SkillFault) bool {
	if sf, ok := err.(*wasm.SkillFault); ok {
		*target = sf
		return true
	}
	return false
}
