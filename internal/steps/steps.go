// Package steps is the library of built-in steps and the ids they are
// registered under.
package steps

import (
	"github.com/codefionn/autopilot/internal/core"
)

// Stable ids of the built-in steps.
const (
	IDMessage                 = "message"
	IDUserInput               = "user_input"
	IDManualEdit              = "manual_edit"
	IDFileSystemEdit          = "file_system_edit"
	IDShellCommands           = "shell_commands"
	IDWaitForUserInput        = "wait_for_user_input"
	IDWaitForUserConfirmation = "wait_for_user_confirmation"
	IDSimpleChat              = "simple_chat"
	IDDisplayError            = "display_error"
	IDWelcome                 = "welcome"
	IDSequential              = "sequential"
	IDSolveTraceback          = "solve_traceback"
	IDCustomCommand           = "custom_command"
	IDClearHistory            = "clear_history"
)

// UserInputSetter is implemented by steps that can be rerun with edited
// user input.
type UserInputSetter interface {
	SetUserInput(text string)
}

// Register adds every built-in step to reg.
func Register(reg *core.Registry) {
	reg.Register(IDMessage, func() core.Step { return &MessageStep{} })
	reg.Register(IDUserInput, func() core.Step { return NewUserInputStep("") })
	reg.Register(IDManualEdit, func() core.Step { return NewManualEditStep(nil) })
	reg.Register(IDFileSystemEdit, func() core.Step { return newFileSystemEditStep() })
	reg.Register(IDShellCommands, func() core.Step { return NewShellCommandsStep() })
	reg.Register(IDWaitForUserInput, func() core.Step { return &WaitForUserInputStep{} })
	reg.Register(IDWaitForUserConfirmation, func() core.Step { return &WaitForUserConfirmationStep{} })
	reg.Register(IDSimpleChat, func() core.Step { return NewSimpleChatStep() })
	reg.Register(IDDisplayError, func() core.Step { return newDisplayErrorStep() })
	reg.Register(IDWelcome, func() core.Step { return NewWelcomeStep() })
	reg.Register(IDSequential, func() core.Step { return newSequentialStep() })
	reg.Register(IDSolveTraceback, func() core.Step { return NewSolveTracebackStep(nil) })
	reg.Register(IDCustomCommand, func() core.Step { return &CustomCommandStep{BaseStep: core.BaseStep{ManageOwnChatContext: true}} })
	reg.Register(IDClearHistory, func() core.Step { return NewClearHistoryStep() })
}

// NewRegistry returns a registry holding the built-in steps.
func NewRegistry() *core.Registry {
	reg := core.NewRegistry()
	Register(reg)
	return reg
}
