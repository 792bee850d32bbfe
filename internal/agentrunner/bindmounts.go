package agentrunner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretDirNames are host directories that must never be bind-mounted
// into an agent container, resolved relative to the invoking user's home
// directory the same way internal/policy resolves AllowPaths entries.
var secretDirNames = []string{".ssh", ".gnupg", ".aws", ".env"}

// validateBindMounts rejects a worktree or session-dir bind mount whose
// resolved path falls inside one of a user's secret directories, the
// same symlink-resolving approach internal/policy.AllowPath uses for its
// path allowlist.
func validateBindMounts(binds BindMounts) error {
	for _, p := range []string{binds.WorktreePath, binds.SessionDir} {
		if p == "" {
			continue
		}
		if err := checkNotSecretPath(p); err != nil {
			return err
		}
	}
	return nil
}

func checkNotSecretPath(path string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved, err = filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve bind mount %s: %w", path, err)
		}
	}
	home, _ := os.UserHomeDir()
	for _, name := range secretDirNames {
		if home != "" {
			forbidden := filepath.Join(home, name)
			if resolved == forbidden || strings.HasPrefix(resolved, forbidden+string(filepath.Separator)) {
				return fmt.Errorf("bind mount %s resolves inside secret directory %s", path, forbidden)
			}
		}
	}
	return nil
}
