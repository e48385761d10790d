package steps

import (
	"context"
	"errors"

	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/llm"
)

// MessageStep shows a fixed message.
type MessageStep struct {
	core.BaseStep
	Message string `json:"message"`
}

// NewMessageStep returns a visible message step.
func NewMessageStep(name, message string) *MessageStep {
	return &MessageStep{BaseStep: core.BaseStep{Name: name}, Message: message}
}

func (s *MessageStep) Run(context.Context, core.SDK) (core.Observation, error) {
	return core.TextObservation{Text: s.Message}, nil
}

func (s *MessageStep) Describe(context.Context, core.Models) (string, error) {
	return s.Message, nil
}

// UserInputStep records text the user typed into the main input.
type UserInputStep struct {
	core.BaseStep
	UserInput string `json:"user_input"`
}

// NewUserInputStep returns a hidden step that contributes text as a user
// message.
func NewUserInputStep(text string) *UserInputStep {
	s := &UserInputStep{BaseStep: core.BaseStep{Name: "User Input", Hide: true, ManageOwnChatContext: true}}
	if text != "" {
		s.SetUserInput(text)
	}
	return s
}

// SetUserInput replaces the input and the message it contributes.
func (s *UserInputStep) SetUserInput(text string) {
	s.UserInput = text
	s.Description = text
	s.ChatContext = []*core.ChatMessage{{Role: llm.RoleUser, Content: text, Summary: text}}
}

func (s *UserInputStep) Run(_ context.Context, sdk core.SDK) (core.Observation, error) {
	if len(s.ChatContext) == 0 {
		sdk.UpdateStep(func() { s.SetUserInput(s.UserInput) })
	}
	return core.UserInputObservation{UserInput: s.UserInput}, nil
}

func (s *UserInputStep) Describe(context.Context, core.Models) (string, error) {
	return s.UserInput, nil
}

const welcomeMessage = "Welcome! Ask a question about your code, type `/cmd <command>` to run a shell command, or `/clear` to start over."

// WelcomeStep greets the user when a session starts.
type WelcomeStep struct {
	core.BaseStep
	Message string `json:"message"`
}

func NewWelcomeStep() *WelcomeStep {
	return &WelcomeStep{
		BaseStep: core.BaseStep{Name: "Welcome", Hide: true},
		Message:  welcomeMessage,
	}
}

func (s *WelcomeStep) Run(context.Context, core.SDK) (core.Observation, error) {
	return core.TextObservation{Text: s.Message}, nil
}

func (s *WelcomeStep) Describe(context.Context, core.Models) (string, error) {
	return s.Message, nil
}

// DisplayErrorStep surfaces an error that happened outside of a step. When
// run it fails with the error it carries.
type DisplayErrorStep struct {
	core.BaseStep
	Title   string `json:"title"`
	Message string `json:"message"`
}

func newDisplayErrorStep() *DisplayErrorStep {
	return &DisplayErrorStep{BaseStep: core.BaseStep{Name: "Error"}}
}

// NewDisplayErrorStep builds the step for err, keeping the title of a
// CustomError.
func NewDisplayErrorStep(err error) *DisplayErrorStep {
	s := newDisplayErrorStep()
	s.Title = "Error"
	s.Message = err.Error()
	var custom *core.CustomError
	if errors.As(err, &custom) && custom.Title != "" {
		s.Title = custom.Title
	}
	s.Description = s.Message
	return s
}

func (s *DisplayErrorStep) Run(context.Context, core.SDK) (core.Observation, error) {
	return nil, &core.CustomError{Title: s.Title, Message: s.Message}
}

func (s *DisplayErrorStep) Describe(context.Context, core.Models) (string, error) {
	return s.Message, nil
}

// WaitForUserInputStep asks a question and parks until it is answered.
type WaitForUserInputStep struct {
	core.BaseStep
	Prompt   string `json:"prompt"`
	Response string `json:"response,omitempty"`
}

func (s *WaitForUserInputStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	sdk.UpdateStep(func() { s.Description = s.Prompt })
	text, err := sdk.WaitForUserInput(ctx)
	if err != nil {
		return nil, err
	}
	sdk.UpdateStep(func() {
		s.Response = text
		s.Description = s.Prompt + "\n\n`" + text + "`"
	})
	return core.TextObservation{Text: text}, nil
}

func (s *WaitForUserInputStep) Describe(context.Context, core.Models) (string, error) {
	return s.Prompt, nil
}

// WaitForUserConfirmationStep shows a prompt and waits for any answer.
type WaitForUserConfirmationStep struct {
	core.BaseStep
	Prompt string `json:"prompt"`
}

func (s *WaitForUserConfirmationStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	sdk.UpdateStep(func() { s.Description = s.Prompt })
	text, err := sdk.WaitForUserInput(ctx)
	if err != nil {
		return nil, err
	}
	return core.TextObservation{Text: text}, nil
}

func (s *WaitForUserConfirmationStep) Describe(context.Context, core.Models) (string, error) {
	return s.Prompt, nil
}

// ClearHistoryStep empties the session history.
type ClearHistoryStep struct {
	core.BaseStep
}

func NewClearHistoryStep() *ClearHistoryStep {
	return &ClearHistoryStep{BaseStep: core.BaseStep{Name: "Clear History", Hide: true}}
}

func (s *ClearHistoryStep) Run(_ context.Context, sdk core.SDK) (core.Observation, error) {
	sdk.ClearHistory()
	return nil, nil
}
