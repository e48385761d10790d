package steps

import (
	"context"
	"fmt"

	"github.com/codefionn/autopilot/internal/core"
)

// SequentialStep runs its children in order, each nested below it. The
// children are stored encoded so that each run starts from a fresh copy.
type SequentialStep struct {
	core.BaseStep
	Steps []core.StepState `json:"steps"`
}

func newSequentialStep() *SequentialStep {
	return &SequentialStep{BaseStep: core.BaseStep{Name: "Sequential", Hide: true}}
}

// NewSequentialStep encodes children through reg. Every child must be a
// registered step.
func NewSequentialStep(reg *core.Registry, children ...core.Step) (*SequentialStep, error) {
	s := newSequentialStep()
	for _, child := range children {
		if _, ok := reg.ID(child); !ok {
			return nil, fmt.Errorf("%w: %s is not registered", core.ErrUnknownStep, core.TypeName(child))
		}
		state, err := core.EncodeStep(reg, child)
		if err != nil {
			return nil, err
		}
		s.Steps = append(s.Steps, state)
	}
	return s, nil
}

func (s *SequentialStep) Run(ctx context.Context, sdk core.SDK) (core.Observation, error) {
	var last core.Observation
	for i, state := range s.Steps {
		if sdk.CurrentStepWasDeleted() {
			return nil, nil
		}
		child, err := sdk.Registry().NewFromJSON(state.Type, state.Params)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		obs, err := sdk.RunStep(ctx, child)
		if err != nil {
			return nil, err
		}
		last = obs
	}
	return last, nil
}
