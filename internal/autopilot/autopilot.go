// Package autopilot runs steps for one session: it asks the policy what to
// do next, records every step in the history, turns step failures into
// retryable nodes and publishes the session state after each change.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/contextmgr"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/devdata"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/logger"
	"github.com/codefionn/autopilot/internal/queue"
	"github.com/codefionn/autopilot/internal/steps"
	"github.com/codefionn/autopilot/internal/traceback"
)

var (
	// ErrHalted is returned by steps whose wait was interrupted by a halt.
	ErrHalted = errors.New("autopilot halted")
	// ErrNoNode is returned for an index outside of the history.
	ErrNoNode = errors.New("no history node at index")
	// ErrNotWaiting is returned by RetryAtIndex when the node is not
	// waiting for a retry.
	ErrNotWaiting = errors.New("node is not waiting for a retry")

	// errAbandoned releases a wait whose node the user moved on from.
	errAbandoned = errors.New("wait abandoned")
)

// State is where the run loop currently is.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateHalting
	StateAwaitingUserInput
	StateAwaitingRetry
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateHalting:
		return "halting"
	case StateAwaitingUserInput:
		return "awaiting_user_input"
	case StateAwaitingRetry:
		return "awaiting_retry"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// StepRecorder receives a record of every finished step.
type StepRecorder interface {
	RecordStep(ctx context.Context, rec devdata.StepRecord) error
}

// TracebackPolicy is implemented by policies that pick the steps handling
// a traceback found in command output.
type TracebackPolicy interface {
	TracebackSteps(cfg *config.Config, tb *traceback.Traceback, output string) []core.Step
}

type waitKind int

const (
	waitInput waitKind = iota
	waitRetry
)

type parkedWait struct {
	kind   waitKind
	key    string
	cancel context.CancelCauseFunc
}

// Autopilot is the orchestrator of one session.
type Autopilot struct {
	cfg      *config.Config
	policy   core.Policy
	models   core.Models
	ide      ide.IDE
	reg      *core.Registry
	ctxMgr   *contextmgr.Manager
	recorder StepRecorder
	log      *logger.Logger
	context  *core.Context

	// runMu serializes top-level runs and reversals.
	runMu sync.Mutex

	mu            sync.Mutex
	history       *core.History
	sessionInfo   *core.SessionInfo
	state         State
	running       bool
	// shouldHalt lives until the halted activity ends: a single run, or
	// the whole drain of queued main inputs.
	shouldHalt    bool
	closed        bool
	stopAfterStep bool
	haltCh        chan struct{}
	haltClosed    bool
	manualEdits   []ide.FileEditWithFullContents
	mainQueue     []string
	draining      bool
	parked        map[*core.HistoryNode]parkedWait
	pendingErrors []*core.HistoryNode
	subscribers   map[int]func(core.FullState)
	nextSubID     int

	// notifyMu keeps snapshots and their delivery in mutation order.
	notifyMu sync.Mutex

	userInput *queue.Keyed[string]
	retry     *queue.Keyed[struct{}]

	bg        sync.WaitGroup
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	closeOnce sync.Once
}

// Option configures an Autopilot.
type Option func(*Autopilot)

func WithLogger(l *logger.Logger) Option {
	return func(a *Autopilot) { a.log = l }
}

// WithRegistry sets the step registry. Defaults to the built-in steps.
func WithRegistry(reg *core.Registry) Option {
	return func(a *Autopilot) { a.reg = reg }
}

// WithContextManager sets the source of context items added to prompts.
func WithContextManager(m *contextmgr.Manager) Option {
	return func(a *Autopilot) { a.ctxMgr = m }
}

func WithRecorder(r StepRecorder) Option {
	return func(a *Autopilot) { a.recorder = r }
}

func WithSessionInfo(info core.SessionInfo) Option {
	return func(a *Autopilot) { a.sessionInfo = &info }
}

// WithHistory resumes from a restored history.
func WithHistory(h *core.History) Option {
	return func(a *Autopilot) {
		if h != nil {
			a.history = h
		}
	}
}

// WithUserInputQueue restores inputs that were queued when the session was
// saved. They run on the next AcceptUserInput.
func WithUserInputQueue(inputs []string) Option {
	return func(a *Autopilot) { a.mainQueue = append([]string(nil), inputs...) }
}

// WithConfigError records that the configuration failed to load. The
// session starts with a visible node explaining the failure.
func WithConfigError(err error) Option {
	return func(a *Autopilot) {
		if err == nil {
			return
		}
		step := steps.NewMessageStep("Invalid Config File", err.Error())
		step.Description = err.Error()
		node := core.NewHistoryNode(step, 0)
		node.Active = false
		node.Observation = core.TextObservation{Text: err.Error()}
		a.history.AddNode(node)
	}
}

// New creates the autopilot of a session.
func New(cfg *config.Config, policy core.Policy, models core.Models, editor ide.IDE, opts ...Option) *Autopilot {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	a := &Autopilot{
		cfg:         cfg,
		policy:      policy,
		models:      models,
		ide:         editor,
		context:     core.NewContext(),
		history:     core.NewHistory(),
		haltCh:      make(chan struct{}),
		parked:      make(map[*core.HistoryNode]parkedWait),
		subscribers: make(map[int]func(core.FullState)),
		userInput:   queue.NewKeyed[string](),
		retry:       queue.NewKeyed[struct{}](),
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logger.OrNop(a.log).WithPrefix("autopilot")
	if a.reg == nil {
		a.reg = steps.NewRegistry()
	}
	if a.ctxMgr == nil {
		a.ctxMgr = contextmgr.NewManager(a.log)
	}
	return a
}

func (a *Autopilot) Config() *config.Config   { return a.cfg }
func (a *Autopilot) Registry() *core.Registry { return a.reg }
func (a *Autopilot) IDE() ide.IDE             { return a.ide }
func (a *Autopilot) Models() core.Models      { return a.models }

// ContextManager returns the manager of the selected context items.
func (a *Autopilot) ContextManager() *contextmgr.Manager { return a.ctxMgr }

// State returns the current run state.
func (a *Autopilot) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// OnUpdate registers fn to receive the full state after every change.
// Callbacks run in order on the goroutine making the change and must not
// call back into the autopilot's mutating methods.
func (a *Autopilot) OnUpdate(fn func(core.FullState)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subscribers, id)
		a.mu.Unlock()
	}
}

func (a *Autopilot) notify() {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	state := a.FullState()
	a.mu.Lock()
	ids := make([]int, 0, len(a.subscribers))
	for id := range a.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(core.FullState), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, a.subscribers[id])
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

// FullState snapshots the session.
func (a *Autopilot) FullState() core.FullState {
	a.mu.Lock()
	defer a.mu.Unlock()

	hs, err := core.EncodeHistory(a.reg, a.history)
	if err != nil {
		a.log.Error("failed to encode history: %v", err)
		hs = core.HistoryState{Timeline: []core.NodeState{}, CurrentIndex: -1}
	}

	commands := make([]core.SlashCommandDescription, 0, len(a.cfg.SlashCommands)+len(a.cfg.CustomCommands))
	for _, sc := range a.cfg.SlashCommands {
		commands = append(commands, core.SlashCommandDescription{Name: sc.Name, Description: sc.Description})
	}
	for _, cc := range a.cfg.CustomCommands {
		commands = append(commands, core.SlashCommandDescription{Name: cc.Name, Description: cc.Description})
	}

	state := core.FullState{
		History:              hs,
		Active:               a.state == StateRunning || a.state == StateHalting,
		UserInputQueue:       append([]string{}, a.mainQueue...),
		SlashCommands:        commands,
		SelectedContextItems: a.ctxMgr.SelectedItems(),
	}
	if a.models != nil {
		if def := a.models.Default(); def != nil {
			state.DefaultModel = def.GetModelName()
		}
	}
	if a.sessionInfo != nil {
		info := *a.sessionInfo
		state.SessionInfo = &info
	}
	return state
}

// SessionInfo returns a copy of the session info, or nil.
func (a *Autopilot) SessionInfo() *core.SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionInfo == nil {
		return nil
	}
	info := *a.sessionInfo
	return &info
}

// SetSessionInfo replaces the session info and publishes it.
func (a *Autopilot) SetSessionInfo(info core.SessionInfo) {
	a.mu.Lock()
	a.sessionInfo = &info
	a.mu.Unlock()
	a.notify()
}

// RunPolicy lets the policy pick the first step, which on an empty history
// is the startup step.
func (a *Autopilot) RunPolicy(ctx context.Context) error {
	a.mu.Lock()
	step := a.policy.Next(a.cfg, a.history)
	a.mu.Unlock()
	if step == nil {
		return nil
	}
	return a.run(ctx, step)
}

// AcceptUserInput queues text from the main input and, unless inputs are
// already being worked through, runs them one after another. New input
// abandons a failed step that is waiting for a retry.
func (a *Autopilot) AcceptUserInput(ctx context.Context, text string) error {
	a.mu.Lock()
	a.mainQueue = append(a.mainQueue, text)
	if a.draining {
		a.abandonWaitsLocked(waitRetry)
		a.mu.Unlock()
		a.notify()
		return nil
	}
	a.draining = true
	a.mu.Unlock()
	a.notify()

	defer func() {
		a.mu.Lock()
		a.draining = false
		if !a.closed {
			a.shouldHalt = false
		}
		a.mu.Unlock()
	}()

	for {
		a.mu.Lock()
		if len(a.mainQueue) == 0 {
			a.mu.Unlock()
			return nil
		}
		next := a.mainQueue[0]
		a.mu.Unlock()

		err := a.run(ctx, steps.NewUserInputStep(next))

		a.mu.Lock()
		if len(a.mainQueue) > 0 {
			a.mainQueue = a.mainQueue[1:]
		}
		a.mu.Unlock()
		a.notify()
		if err != nil {
			return err
		}
	}
}

// GiveUserInput answers the step waiting for input at index, the current
// index of the history when the step started waiting. Input given before
// the step starts waiting is kept for it.
func (a *Autopilot) GiveUserInput(text string, index int) {
	a.userInput.Post(strconv.Itoa(index), text)
}

// AwaitingInput returns the index GiveUserInput must be called with to
// answer the step waiting for input.
func (a *Autopilot) AwaitingInput() (int, bool) { return a.parkedIndex(waitInput) }

// AwaitingRetry returns the index of a failed node waiting for a retry.
func (a *Autopilot) AwaitingRetry() (int, bool) { return a.parkedIndex(waitRetry) }

func (a *Autopilot) parkedIndex(kind waitKind) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for node, p := range a.parked {
		if p.kind != kind {
			continue
		}
		if kind == waitRetry {
			if index := a.history.IndexOf(node); index >= 0 {
				return index, true
			}
			continue
		}
		if index, err := strconv.Atoi(p.key); err == nil {
			return index, true
		}
	}
	return 0, false
}

// RetryAtIndex reruns the failed step at index. The failed node is hidden
// and a fresh copy of its step runs after it.
func (a *Autopilot) RetryAtIndex(index int) error {
	a.mu.Lock()
	node := a.history.NodeAt(index)
	if node == nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoNode, index)
	}
	p, ok := a.parked[node]
	if !ok || p.kind != waitRetry {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotWaiting, index)
	}
	node.Step.Base().Hide = true
	a.mu.Unlock()

	a.retry.Post(p.key, struct{}{})
	a.notify()
	return nil
}

// DeleteAtIndex hides the node at index and marks it deleted. A step still
// running there notices through CurrentStepWasDeleted.
func (a *Autopilot) DeleteAtIndex(index int) error {
	a.mu.Lock()
	node := a.history.NodeAt(index)
	if node == nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoNode, index)
	}
	node.Step.Base().Hide = true
	node.Deleted = true
	node.Active = false
	if p, ok := a.parked[node]; ok {
		p.cancel(errAbandoned)
	}
	a.mu.Unlock()
	a.notify()
	return nil
}

// EditStepAtIndex replaces the input of the step at index and reruns from
// there. Everything from index on is discarded first.
func (a *Autopilot) EditStepAtIndex(ctx context.Context, text string, index int) error {
	a.mu.Lock()
	node := a.history.NodeAt(index)
	if node == nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoNode, index)
	}
	step := a.reg.Copy(node.Step)
	for _, n := range a.history.Timeline[index:] {
		n.Deleted = true
		n.Active = false
		if p, ok := a.parked[n]; ok {
			p.cancel(errAbandoned)
		}
	}
	a.mu.Unlock()

	if err := a.RequestHalt(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.history.Truncate(index)
	a.mu.Unlock()
	a.notify()

	if setter, ok := step.(steps.UserInputSetter); ok {
		setter.SetUserInput(text)
	} else {
		step = steps.NewUserInputStep(text)
	}
	return a.run(ctx, step)
}

// AcceptRefinementInput undoes everything from index on and answers text
// in its place.
func (a *Autopilot) AcceptRefinementInput(ctx context.Context, text string, index int) error {
	if err := a.RequestHalt(ctx); err != nil {
		return err
	}
	if err := a.ReverseToIndex(ctx, index); err != nil {
		return err
	}
	return a.run(ctx, steps.NewUserInputStep(text))
}

// ReportError adds a visible error node for a failure that happened outside
// of any step. While steps run the node is added once the loop stops.
func (a *Autopilot) ReportError(err error) {
	title, message := ClassifyError(err)
	node := core.NewHistoryNode(steps.NewDisplayErrorStep(err), 0)
	node.Active = false
	node.Observation = core.InternalErrorObservation{Error: message, Title: title}

	a.mu.Lock()
	if a.running {
		a.pendingErrors = append(a.pendingErrors, node)
		a.mu.Unlock()
		return
	}
	a.history.AddNode(node)
	a.mu.Unlock()
	a.notify()
}

// ReverseToIndex undoes the steps from the current position back to and
// including index, moving the current position before them.
func (a *Autopilot) ReverseToIndex(ctx context.Context, index int) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	defer a.notify()

	for {
		a.mu.Lock()
		if a.history.CurrentIndex < 0 || a.history.CurrentIndex < index {
			a.mu.Unlock()
			return nil
		}
		node := a.history.GetCurrent()
		a.history.StepBack()
		a.mu.Unlock()

		if node.Deleted {
			continue
		}
		if r, ok := node.Step.(core.Reversible); ok {
			if err := r.Reverse(ctx, &stepSDK{a: a, node: node}); err != nil {
				return fmt.Errorf("failed to reverse %s: %w", node.Step.Base().Name, err)
			}
		}
	}
}

// ClearHistory stops the running step loop and starts over with an empty
// history and no selected context.
func (a *Autopilot) ClearHistory(ctx context.Context) error {
	if err := a.RequestHalt(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.history = core.NewHistory()
	a.mainQueue = nil
	a.manualEdits = nil
	a.state = StateIdle
	a.mu.Unlock()
	a.ctxMgr.ClearContext()
	a.notify()
	return nil
}

// RequestHalt stops the run loop before its next step, releases steps
// waiting for input or a retry and drops main inputs still queued. It
// blocks until the loop is idle. Halting an idle autopilot does nothing.
func (a *Autopilot) RequestHalt(ctx context.Context) error {
	a.mu.Lock()
	if !a.running && !a.draining {
		a.mu.Unlock()
		return nil
	}
	a.shouldHalt = true
	if a.running {
		a.state = StateHalting
	}
	if !a.haltClosed {
		close(a.haltCh)
		a.haltClosed = true
	}
	a.mu.Unlock()

	ticker := time.NewTicker(consts.HaltPollInterval)
	defer ticker.Stop()
	for {
		a.mu.Lock()
		busy := a.running || a.draining
		a.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LogsAtIndex returns the log lines written by the step at index.
func (a *Autopilot) LogsAtIndex(index int) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	node := a.history.NodeAt(index)
	if node == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoNode, index)
	}
	return append([]string(nil), node.Logs...), nil
}

// SelectContextItem adds a context item to future prompts.
func (a *Autopilot) SelectContextItem(ctx context.Context, id, query string) error {
	if err := a.ctxMgr.SelectContextItem(ctx, a.ide, id, query); err != nil {
		return err
	}
	a.notify()
	return nil
}

// DeleteContextWithIDs removes context items from future prompts.
func (a *Autopilot) DeleteContextWithIDs(ids []string) {
	a.ctxMgr.DeleteContextWithIDs(ids)
	a.notify()
}

// HandleManualEdits buffers edits made outside of any step. They are
// recorded as a node before the next step runs.
func (a *Autopilot) HandleManualEdits(edits []ide.FileEditWithFullContents) {
	if len(edits) == 0 {
		return
	}
	a.mu.Lock()
	a.manualEdits = append(a.manualEdits, edits...)
	a.mu.Unlock()
}

// HandleCommandOutput looks for a traceback in output and, when one is
// found, runs the steps the policy picks for it.
func (a *Autopilot) HandleCommandOutput(ctx context.Context, output string) {
	tb := traceback.Find(output)
	if tb == nil {
		return
	}
	var list []core.Step
	if tp, ok := a.policy.(TracebackPolicy); ok {
		list = tp.TracebackSteps(a.cfg, tb, output)
	} else {
		list = []core.Step{steps.NewSolveTracebackStep(tb)}
	}
	if len(list) == 0 {
		return
	}

	step := list[0]
	if len(list) > 1 {
		seq, err := steps.NewSequentialStep(a.reg, list...)
		if err != nil {
			a.log.Warn("cannot combine traceback steps: %v", err)
		} else {
			step = seq
		}
	}
	if err := a.run(ctx, step); err != nil {
		a.log.Error("traceback run failed: %v", err)
	}
}

// Wait blocks until background step descriptions have finished.
func (a *Autopilot) Wait() {
	a.bg.Wait()
}

// Close releases every waiting step and stops background work.
func (a *Autopilot) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.shouldHalt = true
		if !a.haltClosed {
			close(a.haltCh)
			a.haltClosed = true
		}
		a.mu.Unlock()
		a.bgCancel()
		a.userInput.Close()
		a.retry.Close()
		a.bg.Wait()
	})
	return nil
}

// abandonWaitsLocked releases waits of the given kind. a.mu must be held.
func (a *Autopilot) abandonWaitsLocked(kind waitKind) {
	for _, p := range a.parked {
		if p.kind == kind {
			p.cancel(errAbandoned)
		}
	}
}
