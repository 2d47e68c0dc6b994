package bia

import (
	"fmt"
	"os/exec"
	"strings"
)

// VersionResolver derives the deploy version identifier from the version
// control state of a source tree. The identifier doubles as the image tag
// and as the DEPLOY_VERSION marker embedded in the task definition, so it
// must be resolved once, up front, and threaded through the whole attempt.
type VersionResolver struct {
	Dir string
	// run executes the version control binary; tests replace it.
	run func(dir string, args ...string) (string, error)
}

// NewVersionResolver resolves versions by shelling out to git in dir.
func NewVersionResolver(dir string) *VersionResolver {
	return &VersionResolver{Dir: dir, run: runGit}
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %v", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Resolve returns the abbreviated hash of the commit currently checked
// out. Same commit, same identifier.
func (r *VersionResolver) Resolve() (string, error) {
	if _, err := r.run(r.Dir, "rev-parse", "--git-dir"); err != nil {
		return "", ErrNotAVersionControlRepository
	}
	out, err := r.run(r.Dir, "rev-parse", "--short=7", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve commit: %w", err)
	}
	return out, nil
}

// Dirty reports whether the work tree holds uncommitted changes. A dirty
// tree means the identifier no longer describes what gets built, so
// callers must get explicit operator confirmation before proceeding.
func (r *VersionResolver) Dirty() (bool, error) {
	out, err := r.run(r.Dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("inspect work tree: %w", err)
	}
	return out != "", nil
}
