package autopilot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/contextmgr"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/devdata"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/llm"
	"github.com/codefionn/autopilot/internal/policy"
	"github.com/codefionn/autopilot/internal/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakes

type scriptedClient struct {
	chunks []string
}

func (c *scriptedClient) CompleteWithRequest(context.Context, *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: strings.Join(c.chunks, "")}, nil
}

func (c *scriptedClient) Complete(context.Context, string) (string, error) {
	return strings.Join(c.chunks, ""), nil
}

func (c *scriptedClient) Stream(_ context.Context, _ *llm.CompletionRequest, callback func(string) error) error {
	for _, chunk := range c.chunks {
		if err := callback(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *scriptedClient) GetModelName() string { return "scripted" }

type fakeModels struct{ client llm.Client }

func (m fakeModels) Default() llm.Client { return m.client }
func (m fakeModels) Small() llm.Client   { return m.client }
func (m fakeModels) Medium() llm.Client  { return m.client }
func (m fakeModels) Large() llm.Client   { return m.client }

type policyFunc func(cfg *config.Config, h *core.History) core.Step

func (f policyFunc) Next(cfg *config.Config, h *core.History) core.Step { return f(cfg, h) }

// onInput returns a policy answering user input with build(input).
func onInput(build func(input string) core.Step) policyFunc {
	return func(_ *config.Config, h *core.History) core.Step {
		current := h.GetCurrent()
		if current == nil {
			return nil
		}
		if obs, ok := current.Observation.(core.UserInputObservation); ok {
			return build(obs.UserInput)
		}
		return nil
	}
}

func echo(input string) core.Step {
	return steps.NewMessageStep("Echo", input)
}

type failingStep struct {
	core.BaseStep
	err error
}

func (s *failingStep) Run(context.Context, core.SDK) (core.Observation, error) {
	return nil, s.err
}

type panickingStep struct {
	core.BaseStep
}

func (s *panickingStep) Run(context.Context, core.SDK) (core.Observation, error) {
	panic("kaboom")
}

// flakyStep fails its first `failures` runs. seen receives the value of
// Mutated at the start of each run.
type flakyStep struct {
	core.BaseStep
	Mutated  bool
	failures int32
	runs     *atomic.Int32
	seen     chan bool
}

func (s *flakyStep) Run(_ context.Context, sdk core.SDK) (core.Observation, error) {
	n := s.runs.Add(1)
	s.seen <- s.Mutated
	sdk.UpdateStep(func() { s.Mutated = true })
	if n <= s.failures {
		return nil, errors.New("boom")
	}
	return core.TextObservation{Text: "ok"}, nil
}

// tallyStep counts its runs in a map and fails while the count is below
// failUntil. seen receives the number of entries at the start of each run.
type tallyStep struct {
	core.BaseStep
	Seen      map[string]bool
	failUntil int
	seen      chan int
}

func (s *tallyStep) Run(context.Context, core.SDK) (core.Observation, error) {
	s.seen <- len(s.Seen)
	s.Seen[strconv.Itoa(len(s.Seen))] = true
	if len(s.Seen) < s.failUntil {
		return nil, errors.New("not yet")
	}
	return core.TextObservation{Text: "counted"}, nil
}

type nestingStep struct {
	core.BaseStep
	children []core.Step
}

func (s *nestingStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	var last core.Observation
	for _, child := range s.children {
		obs, err := sdk.RunStep(ctx, child)
		if err != nil {
			return nil, err
		}
		last = obs
	}
	return last, nil
}

type chatContextStep struct {
	core.BaseStep
	got chan []*core.ChatMessage
}

func (s *chatContextStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	msgs, err := sdk.GetChatContext(ctx)
	if err != nil {
		return nil, err
	}
	s.got <- msgs
	return nil, nil
}

type describedStep struct {
	core.BaseStep
	desc string
	err  error
}

func (s *describedStep) Run(context.Context, core.SDK) (core.Observation, error) {
	return core.TextObservation{Text: "done"}, nil
}

func (s *describedStep) Describe(context.Context, core.Models) (string, error) {
	return s.desc, s.err
}

type recorder struct {
	mu   sync.Mutex
	recs []devdata.StepRecord
}

func (r *recorder) RecordStep(_ context.Context, rec devdata.StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

type staticProvider struct {
	items []core.ContextItem
}

func (p *staticProvider) Title() string       { return "docs" }
func (p *staticProvider) Description() string { return "docs" }
func (p *staticProvider) Items(context.Context, ide.IDE) ([]core.ContextItem, error) {
	return p.items, nil
}

// helpers

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DisableSummaries = true
	return cfg
}

func newAutopilot(t *testing.T, cfg *config.Config, pol core.Policy, opts ...Option) (*Autopilot, string) {
	t.Helper()
	root := t.TempDir()
	a := New(cfg, pol, fakeModels{client: &scriptedClient{chunks: []string{"Hi", " there"}}}, ide.NewLocalIDE(root, nil), opts...)
	t.Cleanup(func() { a.Close() })
	return a, root
}

func goAccept(a *Autopilot, text string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- a.AcceptUserInput(context.Background(), text) }()
	return done
}

func waitState(t *testing.T, a *Autopilot, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return a.State() == s }, 2*time.Second, 5*time.Millisecond, "state %s", s)
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
}

func timeline(a *Autopilot) []*core.HistoryNode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*core.HistoryNode(nil), a.history.Timeline...)
}

// tests

func TestRunPolicyStartsWithHiddenWelcome(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), policy.New(steps.NewRegistry(), nil))
	require.NoError(t, a.RunPolicy(context.Background()))

	nodes := timeline(a)
	require.Len(t, nodes, 1)
	assert.IsType(t, &steps.WelcomeStep{}, nodes[0].Step)
	assert.Equal(t, 0, nodes[0].Depth)
	assert.True(t, nodes[0].Step.Base().Hide)
	assert.False(t, nodes[0].Active)
	assert.Equal(t, 0, a.FullState().History.CurrentIndex)
}

func TestAcceptUserInputRunsChat(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), policy.New(steps.NewRegistry(), nil))
	require.NoError(t, a.AcceptUserInput(context.Background(), "hello"))

	nodes := timeline(a)
	require.Len(t, nodes, 2)
	assert.IsType(t, &steps.UserInputStep{}, nodes[0].Step)
	assert.True(t, nodes[0].Step.Base().Hide)
	assert.Equal(t, core.UserInputObservation{UserInput: "hello"}, nodes[0].Observation)

	assert.IsType(t, &steps.SimpleChatStep{}, nodes[1].Step)
	assert.Equal(t, core.TextObservation{Text: "Hi there"}, nodes[1].Observation)
	assert.Equal(t, StateIdle, a.State())
	assert.Empty(t, a.FullState().UserInputQueue)
}

func TestFailingStepBecomesRetryableNode(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), onInput(func(string) core.Step {
		return &failingStep{BaseStep: core.BaseStep{Name: "Fail", Hide: true}, err: errors.New("boom")}
	}))

	done := goAccept(a, "go")
	waitState(t, a, StateAwaitingRetry)
	index, ok := a.AwaitingRetry()
	require.True(t, ok)
	assert.Equal(t, 1, index)

	nodes := timeline(a)
	require.Len(t, nodes, 2)
	failed := nodes[1]
	obs, ok := failed.Observation.(core.InternalErrorObservation)
	require.True(t, ok)
	assert.Contains(t, obs.Error, "boom")
	assert.False(t, failed.Step.Base().Hide)
	assert.False(t, failed.Active)
	assert.False(t, a.FullState().Active)

	// deleting the failed node lets the run end without an error
	require.NoError(t, a.DeleteAtIndex(1))
	waitDone(t, done)
	assert.Equal(t, StateIdle, a.State())
}

func TestRetryRunsFreshCopy(t *testing.T) {
	runs := &atomic.Int32{}
	seen := make(chan bool, 4)
	a, _ := newAutopilot(t, testConfig(), onInput(func(string) core.Step {
		return &flakyStep{BaseStep: core.BaseStep{Name: "Flaky"}, failures: 1, runs: runs, seen: seen}
	}))

	done := goAccept(a, "go")
	waitState(t, a, StateAwaitingRetry)
	assert.ErrorIs(t, a.RetryAtIndex(0), ErrNotWaiting)
	require.NoError(t, a.RetryAtIndex(1))
	waitDone(t, done)

	assert.False(t, <-seen)
	assert.False(t, <-seen, "retry must not see state from the failed attempt")

	nodes := timeline(a)
	require.Len(t, nodes, 3)
	assert.True(t, nodes[1].Step.Base().Hide)
	assert.IsType(t, core.InternalErrorObservation{}, nodes[1].Observation)
	assert.Equal(t, core.TextObservation{Text: "ok"}, nodes[2].Observation)
	assert.Equal(t, nodes[1].Depth, nodes[2].Depth)
	assert.NotSame(t, nodes[1].Step, nodes[2].Step)
}

func TestRetryDoesNotShareMapsWithFailedAttempt(t *testing.T) {
	seen := make(chan int, 4)
	a, _ := newAutopilot(t, testConfig(), onInput(func(string) core.Step {
		return &tallyStep{BaseStep: core.BaseStep{Name: "Tally"}, Seen: map[string]bool{}, failUntil: 2, seen: seen}
	}))

	done := goAccept(a, "go")
	waitState(t, a, StateAwaitingRetry)
	require.NoError(t, a.RetryAtIndex(1))

	assert.Equal(t, 0, <-seen)
	assert.Equal(t, 0, <-seen, "retry started with entries from the failed attempt")
	require.Eventually(t, func() bool {
		index, ok := a.AwaitingRetry()
		return ok && index == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.DeleteAtIndex(2))
	waitDone(t, done)
}

func TestNestedStepsAreOneLevelDeeper(t *testing.T) {
	grandchild := steps.NewMessageStep("Grandchild", "deep")
	child := &nestingStep{BaseStep: core.BaseStep{Name: "Child"}, children: []core.Step{grandchild}}
	sibling := steps.NewMessageStep("Sibling", "flat")
	parent := &nestingStep{BaseStep: core.BaseStep{Name: "Parent"}, children: []core.Step{child, sibling}}

	ran := false
	a, _ := newAutopilot(t, testConfig(), policyFunc(func(*config.Config, *core.History) core.Step {
		if ran {
			return nil
		}
		ran = true
		return parent
	}))
	require.NoError(t, a.RunPolicy(context.Background()))

	nodes := timeline(a)
	require.Len(t, nodes, 4)
	depths := make(map[string]int)
	for _, n := range nodes {
		depths[n.Step.Base().Name] = n.Depth
	}
	assert.Equal(t, map[string]int{"Parent": 0, "Child": 1, "Grandchild": 2, "Sibling": 1}, depths)
	assert.Equal(t, core.TextObservation{Text: "flat"}, nodes[0].Observation)
}

func TestPanicIsIsolatedAndDepthRecovers(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), onInput(func(input string) core.Step {
		if input == "panic" {
			return &nestingStep{BaseStep: core.BaseStep{Name: "Outer"}, children: []core.Step{&panickingStep{}}}
		}
		return echo(input)
	}))

	done := goAccept(a, "panic")
	waitState(t, a, StateAwaitingRetry)

	nodes := timeline(a)
	require.Len(t, nodes, 3)
	inner := nodes[2]
	assert.Equal(t, 1, inner.Depth)
	obs, ok := inner.Observation.(core.InternalErrorObservation)
	require.True(t, ok)
	assert.Contains(t, obs.Error, "kaboom")

	require.NoError(t, a.DeleteAtIndex(2))
	waitDone(t, done)

	require.NoError(t, a.AcceptUserInput(context.Background(), "after"))
	nodes = timeline(a)
	last := nodes[len(nodes)-1]
	assert.Equal(t, "Echo", last.Step.Base().Name)
	assert.Equal(t, 0, last.Depth)
}

func TestWaitForUserInputNeedsMatchingIndex(t *testing.T) {
	ran := false
	a, _ := newAutopilot(t, testConfig(), policyFunc(func(*config.Config, *core.History) core.Step {
		if ran {
			return nil
		}
		ran = true
		return &steps.WaitForUserInputStep{Prompt: "Name?"}
	}))

	done := make(chan error, 1)
	go func() { done <- a.RunPolicy(context.Background()) }()
	waitState(t, a, StateAwaitingUserInput)
	index, ok := a.AwaitingInput()
	require.True(t, ok)
	assert.Equal(t, 0, index)

	a.GiveUserInput("wrong", 7)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateAwaitingUserInput, a.State())
	select {
	case <-done:
		t.Fatal("step resumed on input for another index")
	default:
	}

	a.GiveUserInput("Ada", 0)
	waitDone(t, done)
	_, ok = a.AwaitingInput()
	assert.False(t, ok)
	nodes := timeline(a)
	require.Len(t, nodes, 1)
	assert.Equal(t, core.TextObservation{Text: "Ada"}, nodes[0].Observation)
}

// noteThenAskStep runs a message substep and then waits for input.
type noteThenAskStep struct {
	core.BaseStep
}

func (s *noteThenAskStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	if _, err := sdk.RunStep(ctx, steps.NewMessageStep("Note", "about to ask")); err != nil {
		return nil, err
	}
	answer, err := sdk.WaitForUserInput(ctx)
	if err != nil {
		return nil, err
	}
	return core.TextObservation{Text: answer}, nil
}

func TestWaitAfterSubstepUsesCurrentIndex(t *testing.T) {
	ran := false
	a, _ := newAutopilot(t, testConfig(), policyFunc(func(*config.Config, *core.History) core.Step {
		if ran {
			return nil
		}
		ran = true
		return &noteThenAskStep{BaseStep: core.BaseStep{Name: "Ask"}}
	}))

	done := make(chan error, 1)
	go func() { done <- a.RunPolicy(context.Background()) }()
	waitState(t, a, StateAwaitingUserInput)

	current := a.FullState().History.CurrentIndex
	assert.Equal(t, 1, current)
	index, ok := a.AwaitingInput()
	require.True(t, ok)
	assert.Equal(t, current, index)

	a.GiveUserInput("own node", 0)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateAwaitingUserInput, a.State())

	a.GiveUserInput("Ada", current)
	waitDone(t, done)
	nodes := timeline(a)
	require.Len(t, nodes, 2)
	assert.Equal(t, core.TextObservation{Text: "Ada"}, nodes[0].Observation)
	assert.Equal(t, 1, nodes[1].Depth)
}

func TestHaltReleasesWaitingStep(t *testing.T) {
	ran := false
	a, _ := newAutopilot(t, testConfig(), policyFunc(func(*config.Config, *core.History) core.Step {
		if ran {
			return nil
		}
		ran = true
		return &steps.WaitForUserInputStep{Prompt: "Name?"}
	}))

	done := make(chan error, 1)
	go func() { done <- a.RunPolicy(context.Background()) }()
	waitState(t, a, StateAwaitingUserInput)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.RequestHalt(ctx))
	waitDone(t, done)
	assert.Equal(t, StateIdle, a.State())
	assert.False(t, timeline(a)[0].Active)
}

// gateStep blocks until release is closed.
type gateStep struct {
	core.BaseStep
	entered chan struct{}
	release chan struct{}
}

func (s *gateStep) Run(context.Context, core.SDK) (core.Observation, error) {
	close(s.entered)
	<-s.release
	return core.TextObservation{Text: "gate"}, nil
}

func TestHaltDropsQueuedInputAndThenClears(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	a, _ := newAutopilot(t, testConfig(), onInput(func(input string) core.Step {
		if input == "first" {
			return &gateStep{BaseStep: core.BaseStep{Name: "Gate"}, entered: entered, release: release}
		}
		return echo(input)
	}))

	ctx := context.Background()
	require.NoError(t, a.RequestHalt(ctx), "halting an idle autopilot")

	done := goAccept(a, "first")
	<-entered
	require.NoError(t, a.AcceptUserInput(ctx, "second"))

	halted := make(chan error, 1)
	go func() { halted <- a.RequestHalt(ctx) }()
	waitState(t, a, StateHalting)
	close(release)
	waitDone(t, done)
	require.NoError(t, <-halted)

	for _, n := range timeline(a) {
		if obs, ok := n.Observation.(core.UserInputObservation); ok {
			assert.NotEqual(t, "second", obs.UserInput)
		}
	}
	assert.Empty(t, a.FullState().UserInputQueue)

	require.NoError(t, a.AcceptUserInput(ctx, "third"))
	nodes := timeline(a)
	assert.Equal(t, core.TextObservation{Text: "third"}, nodes[len(nodes)-1].Observation)
}

func TestEditStepAtIndexDiscardsFuture(t *testing.T) {
	ctx := context.Background()
	a, _ := newAutopilot(t, testConfig(), onInput(echo))
	require.NoError(t, a.AcceptUserInput(ctx, "a"))
	require.NoError(t, a.AcceptUserInput(ctx, "b"))
	require.Len(t, timeline(a), 4)

	require.NoError(t, a.EditStepAtIndex(ctx, "c", 2))
	require.NoError(t, a.EditStepAtIndex(ctx, "d", 2))

	nodes := timeline(a)
	require.Len(t, nodes, 4)
	var texts []string
	for _, n := range nodes {
		assert.False(t, n.Deleted)
		switch obs := n.Observation.(type) {
		case core.UserInputObservation:
			texts = append(texts, obs.UserInput)
		case core.TextObservation:
			texts = append(texts, obs.Text)
		}
	}
	assert.Equal(t, []string{"a", "a", "d", "d"}, texts)

	assert.ErrorIs(t, a.EditStepAtIndex(ctx, "x", 9), ErrNoNode)
}

func TestRecordedFutureIsReplayedAfterNewInput(t *testing.T) {
	ctx := context.Background()
	a, _ := newAutopilot(t, testConfig(), onInput(func(input string) core.Step {
		return &nestingStep{
			BaseStep: core.BaseStep{Name: "Wrap " + input},
			children: []core.Step{steps.NewMessageStep("Inner "+input, input)},
		}
	}))
	require.NoError(t, a.AcceptUserInput(ctx, "a"))
	require.NoError(t, a.AcceptUserInput(ctx, "b"))
	require.Len(t, timeline(a), 6)

	require.NoError(t, a.ReverseToIndex(ctx, 3))
	assert.Equal(t, 2, a.FullState().History.CurrentIndex)

	require.NoError(t, a.AcceptUserInput(ctx, "c"))

	var got []string
	for _, n := range timeline(a) {
		label := n.Step.Base().Name
		if obs, ok := n.Observation.(core.UserInputObservation); ok {
			label = "> " + obs.UserInput
		}
		got = append(got, fmt.Sprintf("%d:%s", n.Depth, label))
	}
	assert.Equal(t, []string{
		"0:> a", "0:Wrap a", "1:Inner a",
		"0:> c", "0:Wrap c", "1:Inner c",
		"0:> b", "0:Wrap b", "1:Inner b",
		"0:Wrap b", "1:Inner b",
	}, got)
	assert.Equal(t, 10, a.FullState().History.CurrentIndex)
}

func TestNewInputAbandonsPendingRetry(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), onInput(func(input string) core.Step {
		if input == "fail" {
			return &failingStep{BaseStep: core.BaseStep{Name: "Fail"}, err: errors.New("boom")}
		}
		return echo(input)
	}))

	done := goAccept(a, "fail")
	waitState(t, a, StateAwaitingRetry)
	require.NoError(t, a.AcceptUserInput(context.Background(), "next"))
	waitDone(t, done)

	nodes := timeline(a)
	require.Len(t, nodes, 4)
	assert.IsType(t, core.InternalErrorObservation{}, nodes[1].Observation)
	assert.Equal(t, core.TextObservation{Text: "next"}, nodes[3].Observation)
}

func TestCustomErrorRunsCompanionStep(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), onInput(func(string) core.Step {
		return &failingStep{BaseStep: core.BaseStep{Name: "Build"}, err: &core.CustomError{
			Title:    "Build failed",
			Message:  "exit 2",
			WithStep: steps.NewMessageStep("Suggestion", "run go mod tidy"),
		}}
	}))

	done := goAccept(a, "build")
	waitState(t, a, StateAwaitingRetry)

	nodes := timeline(a)
	require.Len(t, nodes, 3)
	assert.Equal(t, core.InternalErrorObservation{Error: "exit 2", Title: "Build failed"}, nodes[1].Observation)
	assert.Equal(t, "Suggestion", nodes[2].Step.Base().Name)
	assert.Equal(t, nodes[1].Depth+1, nodes[2].Depth)

	require.NoError(t, a.DeleteAtIndex(1))
	waitDone(t, done)
}

func TestDisallowedNestedStepFailsCaller(t *testing.T) {
	cfg := testConfig()
	cfg.DisallowedSteps = []string{"shell_commands"}
	a, _ := newAutopilot(t, cfg, onInput(func(string) core.Step {
		return &nestingStep{BaseStep: core.BaseStep{Name: "Parent"}, children: []core.Step{steps.NewShellCommandsStep("ls")}}
	}))

	done := goAccept(a, "go")
	waitState(t, a, StateAwaitingRetry)
	nodes := timeline(a)
	require.Len(t, nodes, 2)
	obs, ok := nodes[1].Observation.(core.InternalErrorObservation)
	require.True(t, ok)
	assert.Contains(t, obs.Error, "disallowed")

	require.NoError(t, a.DeleteAtIndex(1))
	waitDone(t, done)
}

func TestChatContextPutsItemsBeforeLastUserMessage(t *testing.T) {
	mgr := contextmgr.NewManager(nil, &staticProvider{items: []core.ContextItem{{
		ID:          core.ContextItemID{ProviderTitle: "docs", ItemID: "1"},
		Name:        "guide",
		Description: "setup guide",
		Content:     "run make",
	}}})
	got := make(chan []*core.ChatMessage, 1)
	a, _ := newAutopilot(t, testConfig(), onInput(func(string) core.Step {
		return &chatContextStep{BaseStep: core.BaseStep{Name: "Capture"}, got: got}
	}), WithContextManager(mgr))

	require.NoError(t, a.SelectContextItem(context.Background(), "docs-1", ""))
	require.NoError(t, a.AcceptUserInput(context.Background(), "how do I build?"))

	msgs := <-got
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, "run make")
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, "how do I build?", msgs[1].Content)
	assert.Len(t, a.FullState().SelectedContextItems, 1)
}

func TestSubscribersSeeEveryChange(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), onInput(echo))

	var mu sync.Mutex
	var lengths []int
	unsubscribe := a.OnUpdate(func(s core.FullState) {
		mu.Lock()
		lengths = append(lengths, len(s.History.Timeline))
		mu.Unlock()
	})
	require.NoError(t, a.AcceptUserInput(context.Background(), "hi"))
	unsubscribe()
	require.NoError(t, a.AcceptUserInput(context.Background(), "again"))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lengths)
	for i := 1; i < len(lengths); i++ {
		assert.GreaterOrEqual(t, lengths[i], lengths[i-1])
	}
	assert.Equal(t, 2, lengths[len(lengths)-1])
}

func TestConfigErrorNode(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), onInput(echo), WithConfigError(errors.New("yaml: line 3: bad indentation")))

	state := a.FullState()
	require.Len(t, state.History.Timeline, 1)
	node := state.History.Timeline[0]
	assert.Equal(t, "Invalid Config File", node.Step.Name)
	assert.Equal(t, 0, node.Depth)
	assert.False(t, node.Active)
	assert.False(t, node.Step.Hide)
	assert.Contains(t, node.Step.Description, "bad indentation")
}

func TestManualEditsAreRecordedBeforeNextStep(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), onInput(echo))
	a.HandleManualEdits([]ide.FileEditWithFullContents{{
		Edit:             ide.NewAddFile("notes.txt", "hi"),
		PreviousContents: "",
		Contents:         "hi",
	}})
	require.NoError(t, a.AcceptUserInput(context.Background(), "x"))

	nodes := timeline(a)
	require.Len(t, nodes, 3)
	assert.IsType(t, &steps.ManualEditStep{}, nodes[0].Step)
	assert.IsType(t, &steps.UserInputStep{}, nodes[1].Step)
}

type addFileStep struct {
	core.BaseStep
	path string
}

func (s *addFileStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	return nil, sdk.AddFile(ctx, s.path, "package main\n")
}

func TestReverseToIndexUndoesEdits(t *testing.T) {
	var path string
	a, root := newAutopilot(t, testConfig(), onInput(func(string) core.Step {
		return &addFileStep{BaseStep: core.BaseStep{Name: "Create"}, path: path}
	}))
	path = filepath.Join(root, "main.go")

	require.NoError(t, a.AcceptUserInput(context.Background(), "create"))
	require.FileExists(t, path)
	nodes := timeline(a)
	require.Len(t, nodes, 3)
	assert.IsType(t, &steps.FileSystemEditStep{}, nodes[2].Step)
	assert.Equal(t, 1, nodes[2].Depth)

	require.NoError(t, a.ReverseToIndex(context.Background(), 1))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, a.FullState().History.CurrentIndex)
}

func TestClearHistoryFromStep(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), policy.New(steps.NewRegistry(), nil))
	require.NoError(t, a.AcceptUserInput(context.Background(), "/cmd echo hi"))
	require.NotEmpty(t, timeline(a))

	require.NoError(t, a.AcceptUserInput(context.Background(), "/clear"))
	assert.Empty(t, timeline(a))
	assert.Equal(t, StateIdle, a.State())
}

func TestDescriptionsFilledInBackground(t *testing.T) {
	cfg := config.DefaultConfig()
	a, _ := newAutopilot(t, cfg, onInput(func(input string) core.Step {
		if input == "bad" {
			return &describedStep{BaseStep: core.BaseStep{Name: "Bad"}, err: errors.New("summary model offline")}
		}
		return &describedStep{BaseStep: core.BaseStep{Name: "Good"}, desc: "did the thing"}
	}))

	require.NoError(t, a.AcceptUserInput(context.Background(), "good"))
	a.Wait()
	nodes := timeline(a)
	require.Len(t, nodes, 2)
	assert.Equal(t, "did the thing", nodes[1].Step.Base().Description)

	require.NoError(t, a.AcceptUserInput(context.Background(), "bad"))
	a.Wait()
	require.Eventually(t, func() bool { return len(timeline(a)) == 5 }, 2*time.Second, 5*time.Millisecond)
	nodes = timeline(a)
	last := nodes[len(nodes)-1]
	assert.IsType(t, &steps.DisplayErrorStep{}, last.Step)
	obs, ok := last.Observation.(core.InternalErrorObservation)
	require.True(t, ok)
	assert.Contains(t, obs.Error, "summary model offline")
}

func TestRecorderSeesFinishedAndFailedSteps(t *testing.T) {
	rec := &recorder{}
	a, _ := newAutopilot(t, testConfig(), onInput(func(input string) core.Step {
		if input == "fail" {
			return &failingStep{BaseStep: core.BaseStep{Name: "Fail"}, err: errors.New("boom")}
		}
		return echo(input)
	}), WithRecorder(rec), WithSessionInfo(core.SessionInfo{SessionID: "s1"}))

	require.NoError(t, a.AcceptUserInput(context.Background(), "hi"))
	done := goAccept(a, "fail")
	waitState(t, a, StateAwaitingRetry)
	require.NoError(t, a.DeleteAtIndex(3))
	waitDone(t, done)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.recs, 4)
	assert.Equal(t, "user_input", rec.recs[0].StepType)
	assert.Equal(t, "s1", rec.recs[0].SessionID)
	assert.Equal(t, "Echo", rec.recs[1].Name)
	assert.Empty(t, rec.recs[1].ErrorTitle)
	assert.Equal(t, "boom", rec.recs[3].ErrorTitle)
}

func TestHandleCommandOutputSolvesTraceback(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), policy.New(steps.NewRegistry(), nil))
	output := "Traceback (most recent call last):\n" +
		"  File \"main.py\", line 1, in <module>\n" +
		"    import requests\n" +
		"ModuleNotFoundError: No module named 'requests'\n"

	a.HandleCommandOutput(context.Background(), "all good\n")
	assert.Empty(t, timeline(a))

	a.HandleCommandOutput(context.Background(), output)
	nodes := timeline(a)
	require.Len(t, nodes, 1)
	assert.IsType(t, &steps.SolveTracebackStep{}, nodes[0].Step)
	assert.Equal(t, core.TextObservation{Text: "Hi there"}, nodes[0].Observation)
}

func TestLogsAtIndex(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), policy.New(steps.NewRegistry(), nil))
	require.NoError(t, a.AcceptUserInput(context.Background(), "/cmd echo logged"))

	logs, err := a.LogsAtIndex(1)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0], "logged")

	_, err = a.LogsAtIndex(42)
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestRefinementInputReplacesAnswer(t *testing.T) {
	var path string
	a, root := newAutopilot(t, testConfig(), onInput(func(string) core.Step {
		return &addFileStep{BaseStep: core.BaseStep{Name: "Create"}, path: path}
	}))
	path = filepath.Join(root, "main.go")

	require.NoError(t, a.AcceptUserInput(context.Background(), "create"))
	require.NoError(t, a.AcceptRefinementInput(context.Background(), "create it again", 1))

	require.FileExists(t, path)
	nodes := timeline(a)
	obs, ok := nodes[1].Observation.(core.UserInputObservation)
	require.True(t, ok)
	assert.Equal(t, "create it again", obs.UserInput)
	assert.Equal(t, "Create", nodes[2].Step.Base().Name)
}

func TestReportErrorAddsVisibleNode(t *testing.T) {
	a, _ := newAutopilot(t, testConfig(), onInput(func(string) core.Step { return nil }))
	a.ReportError(&core.CustomError{Title: "Editor disconnected", Message: "reconnect the extension"})

	nodes := timeline(a)
	require.Len(t, nodes, 1)
	assert.False(t, nodes[0].Step.Base().Hide)
	assert.False(t, nodes[0].Active)
	assert.Equal(t, core.InternalErrorObservation{Error: "reconnect the extension", Title: "Editor disconnected"}, nodes[0].Observation)
}
