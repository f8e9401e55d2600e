// Package gitcheckout clones a repository at a pinned revision (or a
// branch HEAD for cron-originated jobs) into a build workspace. It
// follows internal/git's exec.CommandContext-plus-stderr-buffer shape,
// narrowed to the two operations a build step needs: clone and
// checkout.
package gitcheckout

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ResolvePrefix marks a git_sha value as "resolve this branch's HEAD
// at checkout time" rather than a literal commit SHA.
const ResolvePrefix = "RESOLVE:"

// Checkout clones cloneURL into dir and leaves it at gitSHA, or — when
// gitSHA begins with ResolvePrefix — at the named branch's current
// HEAD. Errors carry raw, unscrubbed stderr; callers embedding a
// credential-bearing clone URL must route the returned error through
// their own secret-scrubbing chokepoint before logging it.
func Checkout(ctx context.Context, dir, cloneURL, gitSHA string) error {
	if branch, ok := strings.CutPrefix(gitSHA, ResolvePrefix); ok {
		if err := run(ctx, "", "clone", "--depth", "50", "-b", branch, cloneURL, dir); err != nil {
			return fmt.Errorf("clone: %w", err)
		}
		return nil
	}

	if err := run(ctx, "", "clone", "--depth", "50", cloneURL, dir); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	if err := run(ctx, dir, "checkout", gitSHA); err != nil {
		return fmt.Errorf("checkout %s: %w", gitSHA, err)
	}
	return nil
}

func run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// GIT_TERMINAL_PROMPT=0 turns any missing-credential prompt into
	// an immediate failure instead of hanging the agent indefinitely.
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w\nstderr: %s", err, stderr.String())
	}
	return nil
}
