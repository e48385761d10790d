package steps

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	chunks   []string
	complete string
	requests []*llm.CompletionRequest
}

func (c *scriptedClient) CompleteWithRequest(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.requests = append(c.requests, req)
	return &llm.CompletionResponse{Content: c.complete}, nil
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.complete, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req *llm.CompletionRequest, callback func(string) error) error {
	c.requests = append(c.requests, req)
	for _, chunk := range c.chunks {
		if err := callback(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *scriptedClient) GetModelName() string { return "scripted" }

type fakeModels struct {
	def, small llm.Client
}

func (m fakeModels) Default() llm.Client { return m.def }
func (m fakeModels) Small() llm.Client   { return m.small }
func (m fakeModels) Medium() llm.Client  { return m.def }
func (m fakeModels) Large() llm.Client   { return m.def }

type fakeSDK struct {
	ide      ide.IDE
	models   core.Models
	cfg      *config.Config
	reg      *core.Registry
	chat     []*core.ChatMessage
	input    string
	cleared  bool
	ran      []core.Step
	logs     []string
	updates  int
	deleteAt int // CurrentStepWasDeleted turns true on this call, 0 never

	mu    sync.Mutex
	calls int
}

func newFakeSDK(t *testing.T) *fakeSDK {
	return &fakeSDK{
		ide: ide.NewLocalIDE(t.TempDir(), nil),
		cfg: config.DefaultConfig(),
		reg: NewRegistry(),
	}
}

func (f *fakeSDK) RunStep(ctx context.Context, step core.Step) (core.Observation, error) {
	f.ran = append(f.ran, step)
	return step.Run(ctx, f)
}

func (f *fakeSDK) IDE() ide.IDE               { return f.ide }
func (f *fakeSDK) Models() core.Models        { return f.models }
func (f *fakeSDK) Config() *config.Config     { return f.cfg }
func (f *fakeSDK) Context() *core.Context     { return core.NewContext() }
func (f *fakeSDK) Registry() *core.Registry   { return f.reg }
func (f *fakeSDK) WriteLog(message string)    { f.logs = append(f.logs, message) }
func (f *fakeSDK) UpdateStep(fn func())       { f.updates++; fn() }
func (f *fakeSDK) ClearHistory()              { f.cleared = true }
func (f *fakeSDK) WaitForUserInput(context.Context) (string, error) {
	return f.input, nil
}

func (f *fakeSDK) GetChatContext(context.Context) ([]*core.ChatMessage, error) {
	return llm.CloneMessages(f.chat), nil
}

func (f *fakeSDK) ApplyFileSystemEdit(ctx context.Context, edit ide.FileSystemEdit, name, description string) (core.Observation, error) {
	return f.RunStep(ctx, NewFileSystemEditStep(edit, name, description))
}

func (f *fakeSDK) AddFile(ctx context.Context, path, content string) error {
	_, err := f.ApplyFileSystemEdit(ctx, ide.NewAddFile(path, content), "", "")
	return err
}

func (f *fakeSDK) DeleteFile(ctx context.Context, path string) error {
	_, err := f.ApplyFileSystemEdit(ctx, ide.NewDeleteFile(path), "", "")
	return err
}

func (f *fakeSDK) AddDirectory(ctx context.Context, path string) error {
	_, err := f.ApplyFileSystemEdit(ctx, ide.NewAddDirectory(path), "", "")
	return err
}

func (f *fakeSDK) DeleteDirectory(ctx context.Context, path string) error {
	_, err := f.ApplyFileSystemEdit(ctx, ide.NewDeleteDirectory(path), "", "")
	return err
}

func (f *fakeSDK) RunCommands(ctx context.Context, cmds ...string) (core.Observation, error) {
	return f.RunStep(ctx, NewShellCommandsStep(cmds...))
}

func (f *fakeSDK) WaitForUserConfirmation(ctx context.Context, prompt string) (string, error) {
	obs, err := f.RunStep(ctx, &WaitForUserConfirmationStep{Prompt: prompt})
	if err != nil {
		return "", err
	}
	return obs.(core.TextObservation).Text, nil
}

func (f *fakeSDK) CurrentStepWasDeleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.deleteAt > 0 && f.calls >= f.deleteAt
}

func (f *fakeSDK) RaiseError(title, message string, withStep core.Step) error {
	return &core.CustomError{Title: title, Message: message, WithStep: withStep}
}

func TestRegisterBuildsEveryStep(t *testing.T) {
	reg := NewRegistry()
	for _, id := range reg.IDs() {
		step, err := reg.New(id, nil)
		require.NoError(t, err, id)
		gotID, ok := reg.ID(step)
		require.True(t, ok, id)
		assert.Equal(t, id, gotID)
		assert.NotEmpty(t, step.Base().Name, id)
	}
	assert.Contains(t, reg.IDs(), IDSimpleChat)
	assert.Contains(t, reg.IDs(), IDWelcome)
}

func TestUserInputStepFromParams(t *testing.T) {
	sdk := newFakeSDK(t)
	step, err := sdk.reg.New(IDUserInput, map[string]any{"user_input": "hello"})
	require.NoError(t, err)
	assert.True(t, step.Base().Hide)

	obs, err := step.Run(context.Background(), sdk)
	require.NoError(t, err)
	assert.Equal(t, core.UserInputObservation{UserInput: "hello"}, obs)
	require.Len(t, step.Base().ChatContext, 1)
	assert.Equal(t, llm.RoleUser, step.Base().ChatContext[0].Role)
	assert.Equal(t, "hello", step.Base().ChatContext[0].Content)
}

func TestFileSystemEditStepReverses(t *testing.T) {
	sdk := newFakeSDK(t)
	ctx := context.Background()
	step := NewFileSystemEditStep(ide.NewAddFile("a/b.txt", "content"), "Add b", "")

	_, err := step.Run(ctx, sdk)
	require.NoError(t, err)
	path := filepath.Join(sdk.ide.WorkspaceDirectory(), "a", "b.txt")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
	require.NotNil(t, step.Diff)

	require.NoError(t, step.Reverse(ctx, sdk))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	desc, err := step.Describe(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "Add b", step.Name)
	assert.Equal(t, "Created b.txt", desc)
}

func TestManualEditStepReverseRestoresPreviousContents(t *testing.T) {
	sdk := newFakeSDK(t)
	path := filepath.Join(sdk.ide.WorkspaceDirectory(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("after"), 0644))

	step := NewManualEditStep([]ide.FileEditWithFullContents{{
		Edit:             ide.NewFileEdit(path, ide.FullRange("before"), "after"),
		PreviousContents: "before",
		Contents:         "after",
	}})
	assert.True(t, step.IsManualEdit())
	require.NoError(t, step.Reverse(context.Background(), sdk))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "before", string(data))
}

func TestShellCommandsStep(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		sdk := newFakeSDK(t)
		obs, err := NewShellCommandsStep("echo hi").Run(ctx, sdk)
		require.NoError(t, err)
		assert.Equal(t, core.TextObservation{Text: "hi\n"}, obs)
		require.Len(t, sdk.logs, 1)
		assert.Contains(t, sdk.logs[0], "$ echo hi")
	})

	t.Run("user input from slash command", func(t *testing.T) {
		sdk := newFakeSDK(t)
		step, err := sdk.reg.New(IDShellCommands, map[string]any{"user_input": "echo slash"})
		require.NoError(t, err)
		obs, err := step.Run(ctx, sdk)
		require.NoError(t, err)
		assert.Equal(t, core.TextObservation{Text: "slash\n"}, obs)
	})

	t.Run("failure raises with suggestion", func(t *testing.T) {
		sdk := newFakeSDK(t)
		sdk.models = fakeModels{small: &scriptedClient{complete: "Use a different exit code."}}
		step := NewShellCommandsStep("echo broken; exit 3")
		_, err := step.Run(ctx, sdk)

		var custom *core.CustomError
		require.True(t, errors.As(err, &custom))
		assert.Contains(t, custom.Message, "exited with status 3")
		msg, ok := custom.WithStep.(*MessageStep)
		require.True(t, ok)
		assert.Contains(t, msg.Message, "Use a different exit code.")
		assert.Equal(t, "broken\n", step.ErrText)

		desc, err := step.Describe(ctx, nil)
		require.NoError(t, err)
		assert.Contains(t, desc, "broken")
	})

	t.Run("traceback", func(t *testing.T) {
		sdk := newFakeSDK(t)
		script := `printf 'Traceback (most recent call last):\n  File "main.py", line 3, in <module>\n    run()\nValueError: bad value\n'; exit 1`
		obs, err := NewShellCommandsStep(script).Run(ctx, sdk)
		require.NoError(t, err)
		tb, ok := obs.(core.TracebackObservation)
		require.True(t, ok)
		assert.Equal(t, "python", tb.Traceback.Language)
		assert.Equal(t, "ValueError: bad value", tb.Traceback.Message)
	})
}

func TestSimpleChatStepStreamsIntoDescription(t *testing.T) {
	sdk := newFakeSDK(t)
	def := &scriptedClient{chunks: []string{"Hel", "lo"}}
	sdk.models = fakeModels{def: def, small: &scriptedClient{complete: `"Greeting"`}}
	sdk.chat = []*core.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}

	step := NewSimpleChatStep()
	obs, err := step.Run(context.Background(), sdk)
	require.NoError(t, err)

	assert.Equal(t, core.TextObservation{Text: "Hello"}, obs)
	assert.Equal(t, "Hello", step.Description)
	assert.Equal(t, "Greeting", step.Name)
	require.Len(t, step.ChatContext, 1)
	assert.Equal(t, llm.RoleAssistant, step.ChatContext[0].Role)
	require.Len(t, def.requests, 1)
	assert.Equal(t, "hi", def.requests[0].Messages[0].Content)
}

func TestSimpleChatStepStopsWhenDeleted(t *testing.T) {
	sdk := newFakeSDK(t)
	sdk.deleteAt = 2
	sdk.models = fakeModels{def: &scriptedClient{chunks: []string{"one ", "two ", "three"}}}

	step := NewSimpleChatStep()
	obs, err := step.Run(context.Background(), sdk)
	require.NoError(t, err)
	assert.Nil(t, obs)
	assert.Equal(t, "one ", step.Description)
	assert.Empty(t, step.ChatContext)
}

func TestSimpleChatStepWithoutModel(t *testing.T) {
	sdk := newFakeSDK(t)
	sdk.models = fakeModels{}
	_, err := NewSimpleChatStep().Run(context.Background(), sdk)
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestCustomCommandStepReplacesSlashCommand(t *testing.T) {
	sdk := newFakeSDK(t)
	def := &scriptedClient{chunks: []string{"done"}}
	sdk.models = fakeModels{def: def}
	sdk.chat = []*core.ChatMessage{
		{Role: llm.RoleUser, Content: "earlier"},
		{Role: llm.RoleUser, Content: "/test main.go"},
	}

	step := NewCustomCommandStep("test", "Write unit tests", "/test main.go")
	_, err := step.Run(context.Background(), sdk)
	require.NoError(t, err)

	require.Len(t, def.requests, 1)
	msgs := def.requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "earlier", msgs[0].Content)
	assert.Equal(t, "Task: Write unit tests. Additional info: main.go", msgs[1].Content)
	assert.Equal(t, "done", step.Description)
}

func TestSequentialStepRunsFreshChildren(t *testing.T) {
	sdk := newFakeSDK(t)
	seq, err := NewSequentialStep(sdk.reg, NewMessageStep("first", "1"), NewMessageStep("second", "2"))
	require.NoError(t, err)

	obs, err := seq.Run(context.Background(), sdk)
	require.NoError(t, err)
	assert.Equal(t, core.TextObservation{Text: "2"}, obs)
	require.Len(t, sdk.ran, 2)
	assert.Equal(t, "first", sdk.ran[0].Base().Name)

	_, err = seq.Run(context.Background(), sdk)
	require.NoError(t, err)
	require.Len(t, sdk.ran, 4)
	assert.NotSame(t, sdk.ran[0], sdk.ran[2])
}

func TestSequentialStepRejectsUnregisteredChildren(t *testing.T) {
	reg := core.NewRegistry()
	_, err := NewSequentialStep(reg, NewMessageStep("x", "y"))
	assert.ErrorIs(t, err, core.ErrUnknownStep)
}

func TestDisplayErrorStepKeepsCustomTitle(t *testing.T) {
	step := NewDisplayErrorStep(&core.CustomError{Title: "Bad config", Message: "missing key"})
	assert.Equal(t, "Bad config", step.Title)

	_, err := step.Run(context.Background(), nil)
	var custom *core.CustomError
	require.True(t, errors.As(err, &custom))
	assert.Equal(t, "missing key", custom.Message)
}

func TestWaitStepsReturnInput(t *testing.T) {
	sdk := newFakeSDK(t)
	sdk.input = "yes"

	text, err := sdk.WaitForUserConfirmation(context.Background(), "Continue?")
	require.NoError(t, err)
	assert.Equal(t, "yes", text)

	step := &WaitForUserInputStep{Prompt: "Name?"}
	obs, err := step.Run(context.Background(), sdk)
	require.NoError(t, err)
	assert.Equal(t, core.TextObservation{Text: "yes"}, obs)
	assert.True(t, strings.HasPrefix(step.Description, "Name?"))
}

func TestClearHistoryStep(t *testing.T) {
	sdk := newFakeSDK(t)
	_, err := NewClearHistoryStep().Run(context.Background(), sdk)
	require.NoError(t, err)
	assert.True(t, sdk.cleared)
}
