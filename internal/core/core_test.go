package core

import (
	"context"
	"errors"
)

// testStep is a minimal step used across the package tests.
type testStep struct {
	BaseStep
	Value   string `json:"value"`
	Counter int    `json:"counter"`
}

func (s *testStep) Run(context.Context, SDK) (Observation, error) {
	s.Counter++
	if s.Value == "fail" {
		return nil, errors.New("failed")
	}
	return TextObservation{Text: s.Value}, nil
}

type manualEditStep struct {
	BaseStep
}

func (*manualEditStep) Run(context.Context, SDK) (Observation, error) { return nil, nil }
func (*manualEditStep) IsManualEdit() bool                             { return true }

func named(name string) *testStep {
	return &testStep{BaseStep: BaseStep{Name: name}}
}

func node(name string, depth int) *HistoryNode {
	return NewHistoryNode(named(name), depth)
}

func names(h *History) []string {
	out := make([]string, len(h.Timeline))
	for i, n := range h.Timeline {
		out[i] = n.Step.Base().Name
	}
	return out
}
