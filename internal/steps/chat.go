package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/llm"
	"github.com/codefionn/autopilot/internal/traceback"
)

var (
	errStepDeleted = errors.New("step was deleted")
	// ErrNoModel is returned by chat steps when no default model is set.
	ErrNoModel = errors.New("no model configured")
)

// streamReply streams a completion of msgs from client, mirroring the
// text into the step description as it arrives. It stops early, without
// error, once the step's node is deleted.
func streamReply(ctx context.Context, sdk core.SDK, step core.Step, client llm.Client, msgs []*core.ChatMessage) (string, bool, error) {
	if client == nil {
		return "", false, ErrNoModel
	}

	var text strings.Builder
	err := client.Stream(ctx, &llm.CompletionRequest{Messages: msgs}, func(chunk string) error {
		if sdk.CurrentStepWasDeleted() {
			return errStepDeleted
		}
		text.WriteString(chunk)
		current := text.String()
		sdk.UpdateStep(func() { step.Base().Description = current })
		return nil
	})
	if errors.Is(err, errStepDeleted) {
		return text.String(), true, nil
	}
	if err != nil {
		return text.String(), false, err
	}
	return text.String(), sdk.CurrentStepWasDeleted(), nil
}

// finishReply records the reply as the step's own assistant message.
func finishReply(sdk core.SDK, step core.Step, reply string) {
	sdk.UpdateStep(func() {
		b := step.Base()
		b.Description = reply
		b.ChatContext = append(b.ChatContext, &core.ChatMessage{Role: llm.RoleAssistant, Content: reply, Summary: reply})
	})
}

const defaultChatName = "Generating Response..."

// SimpleChatStep answers the conversation so far with the default model.
type SimpleChatStep struct {
	core.BaseStep
}

func NewSimpleChatStep() *SimpleChatStep {
	return &SimpleChatStep{BaseStep: core.BaseStep{Name: defaultChatName, ManageOwnChatContext: true}}
}

func (s *SimpleChatStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	msgs, err := sdk.GetChatContext(ctx)
	if err != nil {
		return nil, err
	}
	reply, deleted, err := streamReply(ctx, sdk, s, sdk.Models().Default(), msgs)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, nil
	}
	finishReply(sdk, s, reply)

	if s.Name == defaultChatName && !sdk.Config().DisableSummaries {
		if title := shortTitle(ctx, sdk, reply); title != "" {
			sdk.UpdateStep(func() { s.Name = title })
		}
	}
	return core.TextObservation{Text: reply}, nil
}

func (s *SimpleChatStep) Describe(context.Context, core.Models) (string, error) {
	return s.Description, nil
}

func shortTitle(ctx context.Context, sdk core.SDK, reply string) string {
	small := sdk.Models().Small()
	if small == nil {
		return ""
	}
	title, err := small.Complete(ctx, fmt.Sprintf("%q\n\nWrite a short title summarizing the message quoted above. Use no more than 10 words:", reply))
	if err != nil {
		sdk.WriteLog("title generation failed: " + err.Error())
		return ""
	}
	return strings.Trim(strings.TrimSpace(title), "\"'`")
}

// CustomCommandStep is a chat whose triggering slash command is replaced
// by a configured task prompt.
type CustomCommandStep struct {
	core.BaseStep
	Prompt       string `json:"prompt"`
	SlashCommand string `json:"slash_command"`
	UserInput    string `json:"user_input"`
}

// NewCustomCommandStep builds the step for "/name input".
func NewCustomCommandStep(name, prompt, userInput string) *CustomCommandStep {
	return &CustomCommandStep{
		BaseStep:     core.BaseStep{Name: name, ManageOwnChatContext: true},
		Prompt:       prompt,
		SlashCommand: "/" + name,
		UserInput:    userInput,
	}
}

func (s *CustomCommandStep) SetUserInput(text string) {
	s.UserInput = text
}

func (s *CustomCommandStep) task() string {
	args := strings.TrimSpace(strings.TrimPrefix(s.UserInput, s.SlashCommand))
	return fmt.Sprintf("Task: %s. Additional info: %s", s.Prompt, args)
}

func (s *CustomCommandStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	msgs, err := sdk.GetChatContext(ctx)
	if err != nil {
		return nil, err
	}
	replaced := false
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser && strings.HasPrefix(msgs[i].Content, s.SlashCommand) {
			msgs[i] = &core.ChatMessage{Role: llm.RoleUser, Content: s.task(), Summary: s.UserInput}
			replaced = true
			break
		}
	}
	if !replaced {
		msgs = append(msgs, &core.ChatMessage{Role: llm.RoleUser, Content: s.task(), Summary: s.UserInput})
	}

	reply, deleted, err := streamReply(ctx, sdk, s, sdk.Models().Default(), msgs)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, nil
	}
	finishReply(sdk, s, reply)
	return core.TextObservation{Text: reply}, nil
}

func (s *CustomCommandStep) Describe(context.Context, core.Models) (string, error) {
	return s.Description, nil
}

// maxTracebackFrames bounds how many frames get their source attached.
const maxTracebackFrames = 4

// SolveTracebackStep asks the model to explain and fix a traceback, with
// the source of the innermost frames attached.
type SolveTracebackStep struct {
	core.BaseStep
	Traceback *traceback.Traceback `json:"traceback"`
}

func NewSolveTracebackStep(tb *traceback.Traceback) *SolveTracebackStep {
	return &SolveTracebackStep{
		BaseStep:  core.BaseStep{Name: "Solve Traceback", ManageOwnChatContext: true},
		Traceback: tb,
	}
}

func (s *SolveTracebackStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	if s.Traceback == nil {
		return nil, sdk.RaiseError("No traceback", "There is no traceback to solve.", nil)
	}

	prompt := s.prompt(ctx, sdk)
	msgs, err := sdk.GetChatContext(ctx)
	if err != nil {
		return nil, err
	}
	question := &core.ChatMessage{Role: llm.RoleUser, Content: prompt, Summary: "Solve: " + s.Traceback.Message}
	msgs = append(msgs, question)
	sdk.UpdateStep(func() { s.ChatContext = []*core.ChatMessage{question} })

	reply, deleted, err := streamReply(ctx, sdk, s, sdk.Models().Default(), msgs)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, nil
	}
	finishReply(sdk, s, reply)
	return core.TextObservation{Text: reply}, nil
}

func (s *SolveTracebackStep) prompt(ctx context.Context, sdk core.SDK) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I ran into this %s traceback:\n\n```\n%s\n```\n", s.Traceback.Language, s.Traceback.Full)

	seen := make(map[string]bool)
	frames := s.Traceback.Frames
	for i := len(frames) - 1; i >= 0 && len(seen) < maxTracebackFrames; i-- {
		path := frames[i].Filepath
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		contents, err := sdk.IDE().ReadFile(ctx, path)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\nThis is the file %s:\n\n```\n%s\n```\n", path, contents)
	}
	b.WriteString("\nExplain what went wrong and how to fix it.")
	return b.String()
}

func (s *SolveTracebackStep) Describe(context.Context, core.Models) (string, error) {
	if s.Description != "" {
		return s.Description, nil
	}
	if s.Traceback == nil {
		return "Solving traceback", nil
	}
	return "Solving traceback: " + s.Traceback.Message, nil
}
