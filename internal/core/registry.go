package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Registry maps stable step ids to constructors. Steps are built from
// configuration and restored from saved sessions through it.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]func() Step
	ids   map[reflect.Type]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctors: make(map[string]func() Step),
		ids:   make(map[reflect.Type]string),
	}
}

// Register binds id to newStep, which must return a fresh step carrying its
// defaults. Registering an id twice replaces the constructor.
func (r *Registry) Register(id string, newStep func() Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[id] = newStep
	r.ids[reflect.TypeOf(newStep())] = id
}

// New builds the step registered under id and applies params over its
// defaults.
func (r *Registry) New(id string, params map[string]any) (Step, error) {
	var raw json.RawMessage
	if len(params) > 0 {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params for step %s: %w", id, err)
		}
		raw = data
	}
	return r.NewFromJSON(id, raw)
}

// NewFromJSON is New with params already encoded.
func (r *Registry) NewFromJSON(id string, params json.RawMessage) (Step, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, id)
	}

	step := ctor()
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, step); err != nil {
			return nil, fmt.Errorf("invalid params for step %s: %w", id, err)
		}
	}
	return EnsureName(step), nil
}

// ID returns the id step was registered under.
func (r *Registry) ID(step Step) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[reflect.TypeOf(step)]
	return id, ok
}

// IDs lists the registered ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.ctors))
	for id := range r.ctors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Copy returns an independent copy of step. Registered steps are rebuilt
// from their encoded form, so nothing a run changed in place is shared;
// Cloner implementations and unregistered steps go through CopyStep.
func (r *Registry) Copy(step Step) Step {
	if _, ok := step.(Cloner); ok {
		return CopyStep(step)
	}
	id, ok := r.ID(step)
	if !ok {
		return CopyStep(step)
	}
	params, err := json.Marshal(step)
	if err != nil {
		return CopyStep(step)
	}
	cp, err := r.NewFromJSON(id, params)
	if err != nil {
		return CopyStep(step)
	}
	return cp
}
