package pipeline

import (
	"testing"

	"github.com/neuralcollective/borg/internal/modes"
)

func TestFirstRebasePhase(t *testing.T) {
	m := modes.Mode{Phases: []modes.Phase{
		{Name: "setup"},
		{Name: "test"},
		{Name: "rebase", IsRebase: true},
	}}
	name, ok := firstRebasePhase(m)
	if !ok || name != "rebase" {
		t.Fatalf("expected rebase phase found, got name=%q ok=%v", name, ok)
	}
}

func TestFirstRebasePhase_NoneDeclared(t *testing.T) {
	m := modes.Mode{Phases: []modes.Phase{{Name: "setup"}, {Name: "test"}}}
	_, ok := firstRebasePhase(m)
	if ok {
		t.Fatal("expected no rebase phase to be found")
	}
}

func TestParsePRNumber(t *testing.T) {
	tests := []struct {
		out  string
		want int
	}{
		{"https://github.com/acme/widgets/pull/42\n", 42},
		{"https://github.com/acme/widgets/pull/7", 7},
		{"", 0},
		{"not a url", 0},
	}
	for _, tt := range tests {
		if got := parsePRNumber(tt.out); got != tt.want {
			t.Errorf("parsePRNumber(%q) = %d, want %d", tt.out, got, tt.want)
		}
	}
}
