// Package ide defines the editor capabilities steps use and two
// implementations: a local filesystem-backed IDE and a remote editor
// reached over a websocket.
package ide

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout is returned when an IDE round trip exceeds its deadline.
var ErrTimeout = errors.New("ide request timed out")

// IDE is the editor-side capability surface available to steps.
type IDE interface {
	WorkspaceDirectory() string
	ReadFile(ctx context.Context, path string) (string, error)
	ApplyFileSystemEdit(ctx context.Context, edit FileSystemEdit) (EditDiff, error)
	GetOpenFiles(ctx context.Context) ([]string, error)
	GetVisibleFiles(ctx context.Context) ([]string, error)
	GetHighlightedCode(ctx context.Context) ([]RangeInFile, error)
	RunCommand(ctx context.Context, command string) (string, error)
	SetFileOpen(ctx context.Context, path string, open bool) error
	SaveFile(ctx context.Context, path string) error
	GetUserSecret(ctx context.Context, key string) (string, error)
}

// EventSink receives editor events that originate outside of any step.
type EventSink interface {
	HandleManualEdits(edits []FileEditWithFullContents)
	HandleCommandOutput(ctx context.Context, output string)
}

// CommandError reports a command that exited with a non-zero status.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
}

// ReadRange returns the text covered by r.
func ReadRange(ctx context.Context, editor IDE, r RangeInFile) (RangeInFileWithContents, error) {
	text, err := editor.ReadFile(ctx, r.Filepath)
	if err != nil {
		return RangeInFileWithContents{}, err
	}
	start := PositionToOffset(text, r.Range.Start)
	end := PositionToOffset(text, r.Range.End)
	if end < start {
		start, end = end, start
	}
	return RangeInFileWithContents{RangeInFile: r, Contents: text[start:end]}, nil
}
