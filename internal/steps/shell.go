package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/traceback"
)

// ShellCommandsStep runs commands through the IDE. A failing command
// fails the step with a suggestion for fixing it; output containing a
// traceback is reported as a TracebackObservation instead.
type ShellCommandsStep struct {
	core.BaseStep
	Cmds        []string `json:"cmds"`
	Cwd         string   `json:"cwd,omitempty"`
	UserInput   string   `json:"user_input,omitempty"` // set by the /cmd slash command
	HandleError bool     `json:"handle_error"`
	Output      string   `json:"output,omitempty"`
	ErrText     string   `json:"err_text,omitempty"`
}

func NewShellCommandsStep(cmds ...string) *ShellCommandsStep {
	return &ShellCommandsStep{
		BaseStep:    core.BaseStep{Name: "Run Shell Commands"},
		Cmds:        cmds,
		HandleError: true,
	}
}

func (s *ShellCommandsStep) commands() []string {
	if len(s.Cmds) > 0 {
		return s.Cmds
	}
	if cmd := strings.TrimSpace(s.UserInput); cmd != "" {
		return []string{cmd}
	}
	return nil
}

func (s *ShellCommandsStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	cmds := s.commands()
	if len(cmds) == 0 {
		return nil, sdk.RaiseError("No command", "No shell command was given.", nil)
	}

	var output strings.Builder
	for _, cmd := range cmds {
		full := cmd
		if s.Cwd != "" {
			full = fmt.Sprintf("cd %q && %s", s.Cwd, cmd)
		}
		out, err := sdk.IDE().RunCommand(ctx, full)
		sdk.WriteLog("$ " + cmd + "\n" + out)
		output.WriteString(out)

		if err == nil {
			continue
		}
		if tb := traceback.Find(out); tb != nil {
			s.finish(sdk, output.String(), "")
			return core.TracebackObservation{Traceback: tb}, nil
		}
		var cmdErr *ide.CommandError
		if !errors.As(err, &cmdErr) || !s.HandleError {
			s.finish(sdk, output.String(), err.Error())
			return nil, err
		}
		s.finish(sdk, output.String(), out)
		return nil, sdk.RaiseError(
			"Error while running command",
			fmt.Sprintf("`%s` exited with status %d\n\n%s", cmd, cmdErr.ExitCode, out),
			suggestFix(ctx, sdk, cmd, out),
		)
	}

	s.finish(sdk, output.String(), "")
	if tb := traceback.Find(output.String()); tb != nil {
		return core.TracebackObservation{Traceback: tb}, nil
	}
	return core.TextObservation{Text: output.String()}, nil
}

func (s *ShellCommandsStep) finish(sdk core.SDK, output, errText string) {
	sdk.UpdateStep(func() {
		s.Output = output
		s.ErrText = errText
	})
}

func (s *ShellCommandsStep) Describe(ctx context.Context, models core.Models) (string, error) {
	if s.ErrText != "" {
		return "Error when running shell commands:\n```\n" + s.ErrText + "\n```", nil
	}
	cmds := s.commands()
	fallback := "Ran `" + strings.Join(cmds, "`, `") + "`"
	if models == nil || models.Small() == nil {
		return fallback, nil
	}
	summary, err := models.Small().Complete(ctx,
		"```\n"+strings.Join(cmds, "\n")+"\n```\n\nSummarize what the shell commands above do in a few bullet points. Do not repeat the commands.")
	if err != nil {
		return "", err
	}
	if summary = strings.TrimSpace(summary); summary == "" {
		return fallback, nil
	}
	return summary, nil
}

// suggestFix asks the small model how to fix a failing command. Without a
// model or on failure it falls back to a plain hint.
func suggestFix(ctx context.Context, sdk core.SDK, cmd, output string) core.Step {
	hint := "You can click the retry button on the failed step to try again."
	models := sdk.Models()
	if models == nil || models.Small() == nil {
		return NewMessageStep("Suggestion", hint)
	}
	prompt := fmt.Sprintf("While running the command `%s`, the following error occurred:\n\n```\n%s\n```\n\n"+
		"Briefly summarize the error and suggest how it can be fixed.", cmd, output)
	suggestion, err := models.Small().Complete(ctx, prompt)
	if err != nil || strings.TrimSpace(suggestion) == "" {
		return NewMessageStep("Suggestion", hint)
	}
	return NewMessageStep("Suggestion to solve error", strings.TrimSpace(suggestion)+"\n\n"+hint)
}
