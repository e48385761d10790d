// Package vcs wraps the version control queries the context providers need.
package vcs

import (
	"context"
)

// VCS answers questions about the repository around the workspace.
type VCS interface {
	// RepositoryRoot returns the root of the repository containing dir.
	RepositoryRoot(ctx context.Context, dir string) (string, error)

	// IsIgnored reports whether absPath is ignored. Paths outside a
	// repository are never ignored.
	IsIgnored(ctx context.Context, absPath string) (bool, error)

	// CurrentBranch returns "" outside a repository or on a detached HEAD.
	CurrentBranch(ctx context.Context) (string, error)

	// Diff returns the unified diff of the working tree against HEAD,
	// staged changes included.
	Diff(ctx context.Context) (string, error)
}
