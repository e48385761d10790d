package steps

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/sourcegraph/go-diff/diff"
)

// ManualEditStep records edits the user made outside of any step.
type ManualEditStep struct {
	core.BaseStep
	Edits []ide.FileEditWithFullContents `json:"edits"`
}

func NewManualEditStep(edits []ide.FileEditWithFullContents) *ManualEditStep {
	return &ManualEditStep{
		BaseStep: core.BaseStep{Name: "Manual Edit", Hide: true},
		Edits:    edits,
	}
}

func (s *ManualEditStep) IsManualEdit() bool { return true }

func (s *ManualEditStep) Run(context.Context, core.SDK) (core.Observation, error) {
	return nil, nil
}

func (s *ManualEditStep) Describe(context.Context, core.Models) (string, error) {
	return "Manual edit step", nil
}

// Reverse restores every edited file to its contents before the edit,
// latest edit first.
func (s *ManualEditStep) Reverse(ctx context.Context, sdk core.SDK) error {
	for i := len(s.Edits) - 1; i >= 0; i-- {
		e := s.Edits[i]
		undo := ide.NewFileEdit(e.Edit.Filepath, ide.FullRange(e.Contents), e.PreviousContents)
		if _, err := sdk.IDE().ApplyFileSystemEdit(ctx, undo); err != nil {
			return fmt.Errorf("failed to undo manual edit of %s: %w", e.Edit.Filepath, err)
		}
	}
	return nil
}

// FileSystemEditStep applies one edit through the IDE and keeps the diff
// needed to undo it.
type FileSystemEditStep struct {
	core.BaseStep
	Edit ide.FileSystemEdit `json:"edit"`
	Diff *ide.EditDiff      `json:"diff,omitempty"`
}

func newFileSystemEditStep() *FileSystemEditStep {
	return &FileSystemEditStep{BaseStep: core.BaseStep{Hide: true}}
}

// NewFileSystemEditStep returns a hidden step applying edit.
func NewFileSystemEditStep(edit ide.FileSystemEdit, name, description string) *FileSystemEditStep {
	s := newFileSystemEditStep()
	s.Edit = edit
	s.Name = name
	s.Description = description
	return s
}

func (s *FileSystemEditStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	d, err := sdk.IDE().ApplyFileSystemEdit(ctx, s.Edit)
	if err != nil {
		return nil, err
	}
	sdk.UpdateStep(func() { s.Diff = &d })
	return nil, nil
}

func (s *FileSystemEditStep) Reverse(ctx context.Context, sdk core.SDK) error {
	if s.Diff == nil {
		return nil
	}
	if _, err := sdk.IDE().ApplyFileSystemEdit(ctx, s.Diff.Backward); err != nil {
		return fmt.Errorf("failed to reverse %s: %w", s.Name, err)
	}
	return nil
}

func (s *FileSystemEditStep) Describe(context.Context, core.Models) (string, error) {
	if s.Description != "" {
		return s.Description, nil
	}
	return describeEdit(s.Edit), nil
}

func describeEdit(edit ide.FileSystemEdit) string {
	name := filepath.Base(edit.Filepath)
	switch edit.Kind {
	case ide.EditAddFile:
		return "Created " + name
	case ide.EditDeleteFile:
		return "Deleted " + name
	case ide.EditAddDirectory:
		return "Created directory " + name
	case ide.EditDeleteDirectory:
		return "Deleted directory " + name
	case ide.EditPatch:
		text := edit.Diff
		if !strings.HasPrefix(text, "---") && !strings.HasPrefix(text, "diff ") {
			text = "--- a/" + name + "\n+++ b/" + name + "\n" + text
		}
		fd, err := diff.ParseFileDiff([]byte(text))
		if err != nil {
			return "Patched " + name
		}
		st := fd.Stat()
		return fmt.Sprintf("Patched %s (+%d -%d)", name, st.Added+st.Changed, st.Deleted+st.Changed)
	case ide.EditSequence:
		return fmt.Sprintf("Applied %d edits", len(edit.Edits))
	}
	return "Edited " + name
}
