package diagnosis

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// VCS captures working-tree changes made during an attempt.
type VCS interface {
	// Revision returns an identifier of the current committed state.
	Revision(ctx context.Context) (string, error)
	// Diff returns the change-set between rev and the working tree.
	Diff(ctx context.Context, rev string) (string, error)
}

// GitVCS implements VCS with the git CLI.
type GitVCS struct {
	WorkDir string // Working directory for git commands (empty = current dir)
}

// NewGitVCS creates a GitVCS rooted at workDir.
func NewGitVCS(workDir string) *GitVCS {
	return &GitVCS{WorkDir: workDir}
}

// Revision returns the HEAD commit hash.
func (g *GitVCS) Revision(ctx context.Context) (string, error) {
	out, err := g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current revision: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Diff returns `git diff <rev>` (committed and uncommitted changes since rev)
// followed by a listing of untracked files, which git diff does not show.
func (g *GitVCS) Diff(ctx context.Context, rev string) (string, error) {
	if rev == "" {
		return "", fmt.Errorf("diff requires a base revision")
	}
	diff, err := g.git(ctx, "diff", rev)
	if err != nil {
		return "", fmt.Errorf("failed to diff against %s: %w", rev, err)
	}

	untracked, err := g.git(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return diff, nil
	}
	var sb strings.Builder
	sb.WriteString(diff)
	for _, path := range strings.Split(strings.TrimSpace(untracked), "\n") {
		if path == "" {
			continue
		}
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "untracked file: %s\n", path)
	}
	return sb.String(), nil
}

func (g *GitVCS) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
