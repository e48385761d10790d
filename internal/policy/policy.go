// Package policy decides which step runs next.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/logger"
	"github.com/codefionn/autopilot/internal/steps"
	"github.com/codefionn/autopilot/internal/traceback"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultPolicy runs the configured startup steps on an empty history and
// answers user input with slash commands, custom commands or a chat. A
// traceback observation is handed to the matching traceback rule.
type DefaultPolicy struct {
	reg *core.Registry
	log *logger.Logger

	mu       sync.Mutex
	programs map[string]*vm.Program
}

// New returns a policy building its steps from reg.
func New(reg *core.Registry, log *logger.Logger) *DefaultPolicy {
	return &DefaultPolicy{
		reg:      reg,
		log:      logger.OrNop(log).WithPrefix("policy"),
		programs: make(map[string]*vm.Program),
	}
}

// Next implements core.Policy.
func (p *DefaultPolicy) Next(cfg *config.Config, history *core.History) core.Step {
	if len(history.Timeline) == 0 {
		return p.startup(cfg)
	}

	current := history.GetCurrent()
	if current == nil {
		return nil
	}
	switch obs := current.Observation.(type) {
	case core.UserInputObservation:
		return p.forUserInput(cfg, obs.UserInput)
	case core.TracebackObservation:
		if obs.Traceback == nil {
			return nil
		}
		return p.sequence(p.TracebackSteps(cfg, obs.Traceback, obs.Traceback.Full))
	}
	return nil
}

func (p *DefaultPolicy) startup(cfg *config.Config) core.Step {
	var startup []core.Step
	for _, sc := range cfg.StepsOnStartup {
		if step := p.build(cfg, sc.Step, sc.Params); step != nil {
			startup = append(startup, step)
		}
	}
	if step := p.sequence(startup); step != nil {
		return step
	}
	return steps.NewWelcomeStep()
}

func (p *DefaultPolicy) forUserInput(cfg *config.Config, input string) core.Step {
	if name, args, ok := parseSlashCommand(input); ok {
		if sc, found := cfg.FindSlashCommand(name); found {
			params := make(map[string]any, len(sc.Params)+1)
			for k, v := range sc.Params {
				params[k] = v
			}
			params["user_input"] = args
			if step := p.build(cfg, sc.Step, params); step != nil {
				return step
			}
			return steps.NewMessageStep("Command unavailable", fmt.Sprintf("The command /%s cannot be run.", name))
		}
		if cc, found := cfg.FindCustomCommand(name); found {
			if cfg.IsStepDisallowed(steps.IDCustomCommand) {
				return disallowed(steps.IDCustomCommand)
			}
			return steps.NewCustomCommandStep(cc.Name, cc.Prompt, input)
		}
	}

	if cfg.IsStepDisallowed(steps.IDSimpleChat) {
		return disallowed(steps.IDSimpleChat)
	}
	return steps.NewSimpleChatStep()
}

// TracebackSteps returns the steps of every rule matching tb, in rule
// order. Without rules, or when none match, the traceback is solved with
// the default model.
func (p *DefaultPolicy) TracebackSteps(cfg *config.Config, tb *traceback.Traceback, output string) []core.Step {
	if tb == nil {
		return nil
	}
	env := map[string]any{
		"language": tb.Language,
		"message":  tb.Message,
		"frames":   len(tb.Frames),
		"files":    frameFiles(tb),
		"output":   output,
	}

	var out []core.Step
	for _, rule := range cfg.TracebackRules {
		ok, err := p.matches(rule.When, env)
		if err != nil {
			p.log.Warn("traceback rule for %s: %v", rule.Step, err)
			continue
		}
		if !ok {
			continue
		}
		params := map[string]any{"traceback": tb}
		for k, v := range rule.Params {
			params[k] = v
		}
		if step := p.build(cfg, rule.Step, params); step != nil {
			out = append(out, step)
		}
	}
	if len(out) == 0 && !cfg.IsStepDisallowed(steps.IDSolveTraceback) {
		out = append(out, steps.NewSolveTracebackStep(tb))
	}
	return out
}

func (p *DefaultPolicy) matches(when string, env map[string]any) (bool, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return true, nil
	}

	p.mu.Lock()
	program, ok := p.programs[when]
	p.mu.Unlock()
	if !ok {
		compiled, err := expr.Compile(when, expr.Env(env), expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("compile condition %q: %w", when, err)
		}
		program = compiled
		p.mu.Lock()
		p.programs[when] = program
		p.mu.Unlock()
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", when, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", when, output)
	}
	return result, nil
}

// build returns nil for unknown or disallowed ids.
func (p *DefaultPolicy) build(cfg *config.Config, id string, params map[string]any) core.Step {
	if cfg.IsStepDisallowed(id) {
		p.log.Warn("step %s is disallowed", id)
		return nil
	}
	step, err := p.reg.New(id, params)
	if err != nil {
		p.log.Warn("cannot build step %s: %v", id, err)
		return nil
	}
	return step
}

func (p *DefaultPolicy) sequence(list []core.Step) core.Step {
	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	}
	seq, err := steps.NewSequentialStep(p.reg, list...)
	if err != nil {
		p.log.Warn("cannot combine %d steps: %v", len(list), err)
		return list[0]
	}
	return seq
}

func disallowed(id string) core.Step {
	return steps.NewMessageStep("Step disallowed", fmt.Sprintf("The step %s is disabled in the configuration.", id))
}

// parseSlashCommand splits "/name rest" into its parts.
func parseSlashCommand(input string) (name, args string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") || len(input) == 1 {
		return "", "", false
	}
	name, args, _ = strings.Cut(input[1:], " ")
	return name, strings.TrimSpace(args), name != ""
}

func frameFiles(tb *traceback.Traceback) []string {
	files := make([]string, 0, len(tb.Frames))
	for _, f := range tb.Frames {
		files = append(files, f.Filepath)
	}
	return files
}
