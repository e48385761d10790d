package autopilot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/devdata"
	"github.com/codefionn/autopilot/internal/queue"
	"github.com/codefionn/autopilot/internal/steps"
)

// run is the top-level step loop: run step, then whatever the policy or
// the recorded future says comes next, until neither has anything.
func (a *Autopilot) run(ctx context.Context, step core.Step) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.beginRun()
	defer a.endRun()

	next, replay := step, false
	for next != nil {
		if a.haltRequested() {
			break
		}
		if replay {
			a.mu.Lock()
			a.history.RemoveCurrentAndSubsteps()
			a.mu.Unlock()
			next = a.reg.Copy(next)
		}

		_, err := a.runSingularStep(ctx, next, !replay, nil, 0)
		if errors.Is(err, ErrHalted) {
			break
		}
		if err != nil {
			return err
		}

		a.mu.Lock()
		if a.stopAfterStep {
			a.mu.Unlock()
			break
		}
		next, replay = a.policy.Next(a.cfg, a.history), false
		if next == nil {
			next = a.history.TakeNextStep()
			replay = next != nil
		}
		a.mu.Unlock()
	}
	return nil
}

func (a *Autopilot) beginRun() {
	a.mu.Lock()
	a.running = true
	a.state = StateRunning
	a.stopAfterStep = false
	if a.haltClosed && !a.shouldHalt {
		a.haltCh = make(chan struct{})
		a.haltClosed = false
	}
	a.mu.Unlock()
	a.notify()
}

func (a *Autopilot) endRun() {
	a.mu.Lock()
	a.running = false
	a.state = StateIdle
	if !a.draining && !a.closed {
		a.shouldHalt = false
	}
	for _, node := range a.pendingErrors {
		a.history.AddNode(node)
	}
	a.pendingErrors = nil
	a.mu.Unlock()
	a.notify()
}

func (a *Autopilot) haltRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shouldHalt
}

func (a *Autopilot) setState(s State) {
	a.mu.Lock()
	if a.running {
		if s == StateRunning && a.shouldHalt {
			s = StateHalting
		}
		a.state = s
	}
	a.mu.Unlock()
	a.notify()
}

// runSingularStep records step as a new node at depth and runs it. A
// failure is recorded on the node and the call blocks until the user
// retries, moves on or halts. parent is the node of the step that asked
// for this one, nil for the run loop.
func (a *Autopilot) runSingularStep(ctx context.Context, step core.Step, flushEdits bool, parent *core.HistoryNode, depth int) (core.Observation, error) {
	core.EnsureName(step)

	if parent != nil && a.isDeleted(parent) {
		return nil, nil
	}
	if flushEdits {
		if err := a.flushManualEdits(ctx, parent, depth); err != nil {
			return nil, err
		}
	}

	// the retry runs from this copy, untouched by the failed attempt
	pristine := a.reg.Copy(step)

	node := core.NewHistoryNode(step, depth)
	a.mu.Lock()
	a.history.AddNode(node)
	a.mu.Unlock()
	a.notify()
	a.log.Debug("running %s at depth %d", step.Base().Name, depth)

	start := time.Now()
	obs, err := a.execute(ctx, node)
	if err == nil {
		a.finish(node, obs, start)
		return obs, nil
	}
	return a.handleFailure(ctx, node, pristine, err, start, parent)
}

// execute runs the node's step. A panic becomes an error like any other
// failure.
func (a *Autopilot) execute(ctx context.Context, node *core.HistoryNode) (obs core.Observation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", node.Step.Base().Name, r)
		}
	}()
	return node.Step.Run(ctx, &stepSDK{a: a, node: node})
}

func (a *Autopilot) flushManualEdits(ctx context.Context, parent *core.HistoryNode, depth int) error {
	a.mu.Lock()
	edits := a.manualEdits
	a.manualEdits = nil
	a.mu.Unlock()
	if len(edits) == 0 {
		return nil
	}
	_, err := a.runSingularStep(ctx, steps.NewManualEditStep(edits), false, parent, depth)
	return err
}

func (a *Autopilot) finish(node *core.HistoryNode, obs core.Observation, start time.Time) {
	a.mu.Lock()
	if _, failed := node.Observation.(core.InternalErrorObservation); !failed {
		node.Observation = obs
	}
	node.Active = false
	a.mu.Unlock()

	a.record(node, start, "")
	a.notify()
	if !a.cfg.DisableSummaries {
		a.describeAsync(node)
	}
}

func (a *Autopilot) handleFailure(ctx context.Context, node *core.HistoryNode, pristine core.Step, err error, start time.Time, parent *core.HistoryNode) (core.Observation, error) {
	if errors.Is(err, ErrHalted) || ctx.Err() != nil {
		a.mu.Lock()
		node.Active = false
		a.mu.Unlock()
		a.notify()
		if errors.Is(err, ErrHalted) {
			return nil, ErrHalted
		}
		return nil, ctx.Err()
	}

	name := node.Step.Base().Name
	a.mu.Lock()
	if node.Deleted || a.history.IndexOf(node) < 0 {
		node.Active = false
		a.mu.Unlock()
		return nil, nil
	}

	title, message := ClassifyError(err)
	a.log.Warn("step %s failed: %s", name, message)

	// surface the failed step and hide what it ran before failing
	node.Step.Base().Hide = false
	target := node
	i := a.history.CurrentIndex
	for ; i >= 0 && a.history.Timeline[i].Step.Base().Name != name; i-- {
		a.history.Timeline[i].Step.Base().Hide = true
	}
	if i >= 0 {
		target = a.history.Timeline[i]
	}
	target.Observation = core.InternalErrorObservation{Error: message, Title: title}
	target.Active = false
	node.Active = false
	a.mu.Unlock()

	a.record(node, start, title)
	a.notify()

	var custom *core.CustomError
	if errors.As(err, &custom) && custom.WithStep != nil {
		if _, err := a.runSingularStep(ctx, custom.WithStep, false, target, target.Depth+1); err != nil {
			return nil, err
		}
	}

	// Running -> AwaitingRetry -> Running
	a.mu.Lock()
	key := strconv.Itoa(a.history.IndexOf(target))
	a.mu.Unlock()
	if _, err := awaitKey(ctx, a, a.retry, target, waitRetry, key); err != nil {
		a.setState(StateRunning)
		if errors.Is(err, errAbandoned) {
			return nil, nil
		}
		return nil, err
	}

	a.mu.Lock()
	target.Active = true
	a.mu.Unlock()
	a.setState(StateRunning)

	a.log.Info("retrying %s", name)
	retry := a.reg.Copy(pristine)
	obs, err := a.runSingularStep(ctx, retry, true, parent, node.Depth)
	a.mu.Lock()
	target.Active = false
	a.mu.Unlock()
	return obs, err
}

// awaitKey parks until a value for key arrives on q. The wait ends early
// with ErrHalted on a halt and with errAbandoned when the user moves on.
// The run state reflects the wait only once the node is parked.
func awaitKey[T any](ctx context.Context, a *Autopilot, q *queue.Keyed[T], node *core.HistoryNode, kind waitKind, key string) (T, error) {
	var zero T
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	a.mu.Lock()
	if node.Deleted {
		a.mu.Unlock()
		return zero, errAbandoned
	}
	a.parked[node] = parkedWait{kind: kind, key: key, cancel: cancel}
	haltCh := a.haltCh
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.parked, node)
		a.mu.Unlock()
	}()

	if kind == waitRetry {
		a.setState(StateAwaitingRetry)
	} else {
		a.setState(StateAwaitingUserInput)
	}

	go func() {
		select {
		case <-haltCh:
			cancel(ErrHalted)
		case <-waitCtx.Done():
		}
	}()

	v, err := q.Get(waitCtx, key)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, queue.ErrClosed) {
		return v, ErrHalted
	}
	if cause := context.Cause(waitCtx); cause != nil && ctx.Err() == nil {
		return v, cause
	}
	return v, err
}

// waitForUserInput parks node until input arrives for the current index at
// the time of the call. Substeps the step ran move that index past its own
// node.
func (a *Autopilot) waitForUserInput(ctx context.Context, node *core.HistoryNode) (string, error) {
	a.mu.Lock()
	key := strconv.Itoa(a.history.CurrentIndex)
	a.mu.Unlock()

	text, err := awaitKey(ctx, a, a.userInput, node, waitInput, key)
	a.setState(StateRunning)
	return text, err
}

// describeAsync fills in the node's description in the background.
func (a *Autopilot) describeAsync(node *core.HistoryNode) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.describeFailed(node, fmt.Errorf("describing %s panicked: %v", node.Step.Base().Name, r))
			}
		}()

		ctx, cancel := context.WithTimeout(a.bgCtx, consts.DescribeTimeout)
		defer cancel()
		desc, err := node.Step.Describe(ctx, a.models)
		if err != nil {
			a.describeFailed(node, err)
			return
		}

		a.mu.Lock()
		if node.Deleted {
			a.mu.Unlock()
			return
		}
		node.Step.Base().Description = desc
		a.mu.Unlock()
		a.notify()
	}()
}

// describeFailed records a visible error node. While a run is in progress
// the node is added once the run ends, so the policy never sees it.
func (a *Autopilot) describeFailed(node *core.HistoryNode, err error) {
	if a.bgCtx.Err() != nil {
		return
	}
	a.log.Warn("failed to describe %s: %v", node.Step.Base().Name, err)
	a.ReportError(err)
}

func (a *Autopilot) isDeleted(node *core.HistoryNode) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return node.Deleted
}

func (a *Autopilot) record(node *core.HistoryNode, start time.Time, errorTitle string) {
	if a.recorder == nil {
		return
	}
	id, _ := a.reg.ID(node.Step)
	a.mu.Lock()
	rec := devdata.StepRecord{
		StepType:   id,
		Name:       node.Step.Base().Name,
		Depth:      node.Depth,
		Hidden:     node.Step.Base().Hide,
		ErrorTitle: errorTitle,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if a.sessionInfo != nil {
		rec.SessionID = a.sessionInfo.SessionID
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
	defer cancel()
	if err := a.recorder.RecordStep(ctx, rec); err != nil {
		a.log.Warn("failed to record step: %v", err)
	}
}
