package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Git implements VCS by shelling out to git.
type Git struct {
	workingDir string

	rootOnce sync.Once
	root     string
	rootErr  error

	ignoreMu    sync.RWMutex
	ignoreCache map[string]bool
}

// NewGit returns a Git rooted at workingDir.
func NewGit(workingDir string) *Git {
	return &Git{
		workingDir:  workingDir,
		ignoreCache: make(map[string]bool),
	}
}

func (g *Git) repoRoot(ctx context.Context) (string, error) {
	g.rootOnce.Do(func() {
		g.root, g.rootErr = g.RepositoryRoot(ctx, g.workingDir)
	})
	return g.root, g.rootErr
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

func (g *Git) RepositoryRoot(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		dir = g.workingDir
	}
	out, err := g.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not in a git repository: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) IsIgnored(ctx context.Context, absPath string) (bool, error) {
	root, err := g.repoRoot(ctx)
	if err != nil {
		return false, nil
	}
	rel, err := filepath.Rel(root, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false, nil
	}

	g.ignoreMu.RLock()
	ignored, ok := g.ignoreCache[rel]
	g.ignoreMu.RUnlock()
	if ok {
		return ignored, nil
	}

	// check-ignore exits 0 only for ignored paths
	ignored = exec.CommandContext(ctx, "git", "-C", root, "check-ignore", "--quiet", "--", rel).Run() == nil

	g.ignoreMu.Lock()
	g.ignoreCache[rel] = ignored
	g.ignoreMu.Unlock()
	return ignored, nil
}

func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	root, err := g.repoRoot(ctx)
	if err != nil {
		return "", nil
	}
	out, err := g.run(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", nil
	}
	if branch := strings.TrimSpace(out); branch != "HEAD" {
		return branch, nil
	}
	return "", nil
}

func (g *Git) Diff(ctx context.Context) (string, error) {
	root, err := g.repoRoot(ctx)
	if err != nil {
		return "", err
	}
	// a repository without commits has no HEAD to diff against
	if _, err := g.run(ctx, root, "rev-parse", "--verify", "HEAD"); err != nil {
		return g.run(ctx, root, "diff", "--cached", "--no-color")
	}
	return g.run(ctx, root, "diff", "HEAD", "--no-color")
}
