package vcs

import (
	"context"
)

// Mock is a VCS whose answers are set by tests. Unset funcs return zero
// values.
type Mock struct {
	RepositoryRootFunc func(ctx context.Context, dir string) (string, error)
	IsIgnoredFunc      func(ctx context.Context, absPath string) (bool, error)
	CurrentBranchFunc  func(ctx context.Context) (string, error)
	DiffFunc           func(ctx context.Context) (string, error)
}

func (m *Mock) RepositoryRoot(ctx context.Context, dir string) (string, error) {
	if m.RepositoryRootFunc != nil {
		return m.RepositoryRootFunc(ctx, dir)
	}
	return "", nil
}

func (m *Mock) IsIgnored(ctx context.Context, absPath string) (bool, error) {
	if m.IsIgnoredFunc != nil {
		return m.IsIgnoredFunc(ctx, absPath)
	}
	return false, nil
}

func (m *Mock) CurrentBranch(ctx context.Context) (string, error) {
	if m.CurrentBranchFunc != nil {
		return m.CurrentBranchFunc(ctx)
	}
	return "", nil
}

func (m *Mock) Diff(ctx context.Context) (string, error) {
	if m.DiffFunc != nil {
		return m.DiffFunc(ctx)
	}
	return "", nil
}
