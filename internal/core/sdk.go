package core

import (
	"context"

	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/llm"
)

// Models is the bundle of model handles available to steps.
type Models interface {
	Default() llm.Client
	Small() llm.Client
	Medium() llm.Client
	Large() llm.Client
}

// Policy decides which step runs next. It returns nil when there is
// nothing left to do, but never for an empty history.
type Policy interface {
	Next(cfg *config.Config, history *History) Step
}

// SDK is everything a running step may use. It is only valid for the
// duration of the Run call it was passed to.
type SDK interface {
	// RunStep runs step nested below the current one.
	RunStep(ctx context.Context, step Step) (Observation, error)

	IDE() ide.IDE
	Models() Models
	Config() *config.Config
	Context() *Context
	Registry() *Registry

	// GetChatContext is the conversation so far plus the selected context
	// items, placed before the final user message.
	GetChatContext(ctx context.Context) ([]*ChatMessage, error)

	// Filesystem helpers each run a reversible edit step.
	ApplyFileSystemEdit(ctx context.Context, edit ide.FileSystemEdit, name, description string) (Observation, error)
	AddFile(ctx context.Context, path, content string) error
	DeleteFile(ctx context.Context, path string) error
	AddDirectory(ctx context.Context, path string) error
	DeleteDirectory(ctx context.Context, path string) error

	// RunCommands runs shell commands in a nested step.
	RunCommands(ctx context.Context, cmds ...string) (Observation, error)

	// WaitForUserInput parks the step until input arrives for the index
	// that is current when it starts waiting.
	WaitForUserInput(ctx context.Context) (string, error)
	WaitForUserConfirmation(ctx context.Context, prompt string) (string, error)

	// CurrentStepWasDeleted reports whether the user removed the node of
	// the calling step.
	CurrentStepWasDeleted() bool

	// WriteLog appends a line to the node's logs.
	WriteLog(message string)

	// UpdateStep applies fn to the running step and publishes the result.
	// Steps change their own fields only through it while running.
	UpdateStep(fn func())

	// RaiseError builds a CustomError for the step to return.
	RaiseError(title, message string, withStep Step) error

	// ClearHistory empties the session history. The run that called it
	// stops once the calling step returns.
	ClearHistory()
}
