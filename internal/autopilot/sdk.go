package autopilot

import (
	"context"
	"fmt"

	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/llm"
	"github.com/codefionn/autopilot/internal/steps"
)

// stepSDK is the SDK handed to the step running at node.
type stepSDK struct {
	a    *Autopilot
	node *core.HistoryNode
}

var _ core.SDK = (*stepSDK)(nil)

// RunStep runs step one level below the calling step. Disallowed steps
// fail the caller.
func (s *stepSDK) RunStep(ctx context.Context, step core.Step) (core.Observation, error) {
	core.EnsureName(step)
	id, _ := s.a.reg.ID(step)
	if s.a.cfg.IsStepDisallowed(id, step.Base().Name) {
		return nil, fmt.Errorf("%w: %s", core.ErrStepDisallowed, step.Base().Name)
	}
	return s.a.runSingularStep(ctx, step, true, s.node, s.node.Depth+1)
}

func (s *stepSDK) IDE() ide.IDE             { return s.a.ide }
func (s *stepSDK) Models() core.Models      { return s.a.models }
func (s *stepSDK) Config() *config.Config   { return s.a.cfg }
func (s *stepSDK) Context() *core.Context   { return s.a.context }
func (s *stepSDK) Registry() *core.Registry { return s.a.reg }

// GetChatContext returns the conversation with the selected context items
// placed right before the final user message.
func (s *stepSDK) GetChatContext(context.Context) ([]*core.ChatMessage, error) {
	s.a.mu.Lock()
	msgs := llm.CloneMessages(s.a.history.ToChatHistory())
	s.a.mu.Unlock()

	extra := s.a.ctxMgr.ChatMessages()
	if len(extra) == 0 {
		return msgs, nil
	}
	n := len(msgs)
	if n > 0 && (msgs[n-1].Role == llm.RoleUser || msgs[n-1].Role == llm.RoleFunction) {
		out := make([]*core.ChatMessage, 0, n+len(extra))
		out = append(out, msgs[:n-1]...)
		out = append(out, extra...)
		return append(out, msgs[n-1]), nil
	}
	return append(msgs, extra...), nil
}

func (s *stepSDK) ApplyFileSystemEdit(ctx context.Context, edit ide.FileSystemEdit, name, description string) (core.Observation, error) {
	return s.RunStep(ctx, steps.NewFileSystemEditStep(edit, name, description))
}

func (s *stepSDK) AddFile(ctx context.Context, path, content string) error {
	_, err := s.ApplyFileSystemEdit(ctx, ide.NewAddFile(path, content), "Add File", "")
	return err
}

func (s *stepSDK) DeleteFile(ctx context.Context, path string) error {
	_, err := s.ApplyFileSystemEdit(ctx, ide.NewDeleteFile(path), "Delete File", "")
	return err
}

func (s *stepSDK) AddDirectory(ctx context.Context, path string) error {
	_, err := s.ApplyFileSystemEdit(ctx, ide.NewAddDirectory(path), "Add Directory", "")
	return err
}

func (s *stepSDK) DeleteDirectory(ctx context.Context, path string) error {
	_, err := s.ApplyFileSystemEdit(ctx, ide.NewDeleteDirectory(path), "Delete Directory", "")
	return err
}

func (s *stepSDK) RunCommands(ctx context.Context, cmds ...string) (core.Observation, error) {
	return s.RunStep(ctx, steps.NewShellCommandsStep(cmds...))
}

func (s *stepSDK) WaitForUserInput(ctx context.Context) (string, error) {
	return s.a.waitForUserInput(ctx, s.node)
}

func (s *stepSDK) WaitForUserConfirmation(ctx context.Context, prompt string) (string, error) {
	obs, err := s.RunStep(ctx, &steps.WaitForUserConfirmationStep{Prompt: prompt})
	if err != nil {
		return "", err
	}
	text, _ := obs.(core.TextObservation)
	return text.Text, nil
}

func (s *stepSDK) CurrentStepWasDeleted() bool {
	return s.a.isDeleted(s.node)
}

func (s *stepSDK) WriteLog(message string) {
	s.a.mu.Lock()
	s.node.Logs = append(s.node.Logs, message)
	s.a.mu.Unlock()
}

func (s *stepSDK) UpdateStep(fn func()) {
	s.a.mu.Lock()
	fn()
	s.a.mu.Unlock()
	s.a.notify()
}

func (s *stepSDK) RaiseError(title, message string, withStep core.Step) error {
	return &core.CustomError{Title: title, Message: message, WithStep: withStep}
}

func (s *stepSDK) ClearHistory() {
	s.a.mu.Lock()
	s.a.history = core.NewHistory()
	s.a.manualEdits = nil
	s.a.pendingErrors = nil
	s.a.stopAfterStep = true
	s.a.mu.Unlock()
	s.a.ctxMgr.ClearContext()
	s.a.notify()
}
