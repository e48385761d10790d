package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/codefionn/autopilot/internal/traceback"
)

// ContextItemID identifies an item across providers.
type ContextItemID struct {
	ProviderTitle string `json:"provider_title"`
	ItemID        string `json:"item_id"`
}

func (id ContextItemID) String() string {
	return id.ProviderTitle + "-" + id.ItemID
}

// ContextItem is a piece of supplementary prompt content.
type ContextItem struct {
	ID          ContextItemID `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Content     string        `json:"content"`
}

// SessionInfo identifies a persisted session.
type SessionInfo struct {
	SessionID          string    `json:"session_id"`
	Title              string    `json:"title"`
	DateCreated        time.Time `json:"date_created"`
	WorkspaceDirectory string    `json:"workspace_directory,omitempty"`
}

// SlashCommandDescription is what the UI shows for a command.
type SlashCommandDescription struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// FullState is the snapshot published to subscribers and written to disk.
type FullState struct {
	History              HistoryState              `json:"history"`
	Active               bool                      `json:"active"`
	UserInputQueue       []string                  `json:"user_input_queue"`
	DefaultModel         string                    `json:"default_model"`
	SlashCommands        []SlashCommandDescription `json:"slash_commands"`
	SelectedContextItems []ContextItem             `json:"selected_context_items"`
	SessionInfo          *SessionInfo              `json:"session_info,omitempty"`
}

type HistoryState struct {
	Timeline     []NodeState `json:"timeline"`
	CurrentIndex int         `json:"current_index"`
}

type NodeState struct {
	Step        StepState         `json:"step"`
	Observation *ObservationState `json:"observation,omitempty"`
	Depth       int               `json:"depth"`
	Deleted     bool              `json:"deleted"`
	Active      bool              `json:"active"`
	Logs        []string          `json:"logs,omitempty"`
}

// StepState is a step as stored. Params holds the full step encoding and is
// what the step is rebuilt from.
type StepState struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Hide        bool            `json:"hide"`
	Description string          `json:"description"`
	Params      json.RawMessage `json:"params"`
}

type ObservationState struct {
	Kind      ObservationKind      `json:"kind"`
	Text      string               `json:"text,omitempty"`
	UserInput string               `json:"user_input,omitempty"`
	Error     string               `json:"error,omitempty"`
	Title     string               `json:"title,omitempty"`
	Values    map[string]any       `json:"values,omitempty"`
	Traceback *traceback.Traceback `json:"traceback,omitempty"`
}

// EncodeObservation converts o for storage. A nil observation encodes to nil.
func EncodeObservation(o Observation) *ObservationState {
	switch v := o.(type) {
	case nil:
		return nil
	case TextObservation:
		return &ObservationState{Kind: KindText, Text: v.Text}
	case UserInputObservation:
		return &ObservationState{Kind: KindUserInput, UserInput: v.UserInput}
	case InternalErrorObservation:
		return &ObservationState{Kind: KindInternalError, Error: v.Error, Title: v.Title}
	case DictObservation:
		return &ObservationState{Kind: KindDict, Values: v.Values}
	case TracebackObservation:
		return &ObservationState{Kind: KindTraceback, Traceback: v.Traceback}
	default:
		return &ObservationState{Kind: o.Kind()}
	}
}

// Decode restores the observation.
func (s *ObservationState) Decode() (Observation, error) {
	if s == nil {
		return nil, nil
	}
	switch s.Kind {
	case KindText:
		return TextObservation{Text: s.Text}, nil
	case KindUserInput:
		return UserInputObservation{UserInput: s.UserInput}, nil
	case KindInternalError:
		return InternalErrorObservation{Error: s.Error, Title: s.Title}, nil
	case KindDict:
		return DictObservation{Values: s.Values}, nil
	case KindTraceback:
		return TracebackObservation{Traceback: s.Traceback}, nil
	}
	return nil, fmt.Errorf("unknown observation kind %q", s.Kind)
}

// EncodeStep converts step for storage. Steps that were never registered
// are stored without a type; DecodeHistory leaves them out.
func EncodeStep(reg *Registry, step Step) (StepState, error) {
	params, err := json.Marshal(step)
	if err != nil {
		return StepState{}, fmt.Errorf("failed to encode step %s: %w", step.Base().Name, err)
	}
	id, _ := reg.ID(step)
	base := step.Base()
	return StepState{
		Type:        id,
		Name:        base.Name,
		Hide:        base.Hide,
		Description: base.Description,
		Params:      params,
	}, nil
}

// EncodeHistory converts h for storage.
func EncodeHistory(reg *Registry, h *History) (HistoryState, error) {
	state := HistoryState{
		Timeline:     make([]NodeState, 0, len(h.Timeline)),
		CurrentIndex: h.CurrentIndex,
	}
	for _, node := range h.Timeline {
		step, err := EncodeStep(reg, node.Step)
		if err != nil {
			return HistoryState{}, err
		}
		state.Timeline = append(state.Timeline, NodeState{
			Step:        step,
			Observation: EncodeObservation(node.Observation),
			Depth:       node.Depth,
			Deleted:     node.Deleted,
			Active:      node.Active,
			Logs:        append([]string(nil), node.Logs...),
		})
	}
	return state, nil
}

// DecodeHistory rebuilds a history from storage. Restored nodes are never
// active: nothing is running for them anymore. Nodes stored without a type
// are dropped and the current index moves with them; an unknown type is an
// error.
func DecodeHistory(reg *Registry, state HistoryState) (*History, error) {
	h := NewHistory()
	current := state.CurrentIndex
	for i, ns := range state.Timeline {
		if ns.Step.Type == "" {
			if i <= state.CurrentIndex {
				current--
			}
			continue
		}
		step, err := reg.NewFromJSON(ns.Step.Type, ns.Step.Params)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		obs, err := ns.Observation.Decode()
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		h.Timeline = append(h.Timeline, &HistoryNode{
			Step:        step,
			Observation: obs,
			Depth:       ns.Depth,
			Deleted:     ns.Deleted,
			Logs:        ns.Logs,
		})
	}
	h.CurrentIndex = current
	if h.CurrentIndex >= len(h.Timeline) || h.CurrentIndex < -1 {
		h.CurrentIndex = len(h.Timeline) - 1
	}
	return h, nil
}
