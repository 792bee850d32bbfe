package modes

import "embed"

//go:embed builtin/*.yaml
var builtinFS embed.FS

// builtinNames lists the modes shipped with the binary, in the order
// they should be presented in the dashboard's mode picker.
var builtinNames = []string{"fix", "feature", "seed"}

// LoadBuiltins parses every embedded mode definition, failing fast if
// any of them do not validate — a broken built-in is a packaging bug,
// not a runtime condition.
func LoadBuiltins() (map[string]Mode, error) {
	out := make(map[string]Mode, len(builtinNames))
	for _, name := range builtinNames {
		raw, err := builtinFS.ReadFile("builtin/" + name + ".yaml")
		if err != nil {
			return nil, err
		}
		m, err := Parse(string(raw))
		if err != nil {
			return nil, err
		}
		out[name] = m
	}
	return out, nil
}
