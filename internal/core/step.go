// Package core holds the execution model shared by every part of the
// assistant: steps and their observations, the history they are recorded
// in, and the interfaces steps use to reach the outside world.
package core

import (
	"context"
	"reflect"

	"github.com/codefionn/autopilot/internal/llm"
)

// ChatMessage is a message contributed to the conversation.
type ChatMessage = llm.Message

// Step is one unit of work. Concrete steps embed BaseStep and implement Run.
//
// Long-running steps, especially ones streaming model output, must check
// sdk.CurrentStepWasDeleted after every chunk and stop once it reports true.
type Step interface {
	Base() *BaseStep
	Run(ctx context.Context, sdk SDK) (Observation, error)
	Describe(ctx context.Context, models Models) (string, error)
}

// BaseStep carries the fields every step has.
type BaseStep struct {
	Name                 string         `json:"name"`
	Hide                 bool           `json:"hide"`
	Description          string         `json:"description,omitempty"`
	ChatContext          []*ChatMessage `json:"chat_context,omitempty"`
	ManageOwnChatContext bool           `json:"manage_own_chat_context"`
}

// Base returns b itself so embedding structs satisfy Step.
func (b *BaseStep) Base() *BaseStep { return b }

// Describe returns the description when one is set, a placeholder otherwise.
func (b *BaseStep) Describe(context.Context, Models) (string, error) {
	if b.Description != "" {
		return b.Description, nil
	}
	return "Running step: " + b.Name, nil
}

// Reversible steps can undo their effect.
type Reversible interface {
	Reverse(ctx context.Context, sdk SDK) error
}

// Cloner lets a step control how it is copied before a rerun.
type Cloner interface {
	Clone() Step
}

// ManualEditMarker is implemented by the step that records edits made
// outside of any step. History lookups by depth skip it.
type ManualEditMarker interface {
	IsManualEdit() bool
}

// TypeName is the Go type name of the step, without package or pointer.
func TypeName(step Step) string {
	t := reflect.TypeOf(step)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// EnsureName fills in the step name from its type when none was given.
func EnsureName(step Step) Step {
	if b := step.Base(); b.Name == "" {
		b.Name = TypeName(step)
	}
	return step
}

// CopyStep returns an independent copy of step. Steps implementing Cloner
// decide themselves. Otherwise the struct is copied with every map, slice
// and pointer reachable through exported fields duplicated; unexported
// fields are shared with the original.
func CopyStep(step Step) Step {
	if c, ok := step.(Cloner); ok {
		return c.Clone()
	}

	v := reflect.ValueOf(step)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return step
	}
	out, ok := deepCopy(v, make(map[uintptr]reflect.Value)).Interface().(Step)
	if !ok {
		return step
	}
	return out
}

// deepCopy duplicates v. seen maps pointers already copied so cycles end.
func deepCopy(v reflect.Value, seen map[uintptr]reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		if cp, ok := seen[v.Pointer()]; ok {
			return cp
		}
		cp := reflect.New(v.Elem().Type())
		seen[v.Pointer()] = cp
		cp.Elem().Set(deepCopy(v.Elem(), seen))
		return cp

	case reflect.Struct:
		cp := reflect.New(v.Type()).Elem()
		cp.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if f := cp.Field(i); f.CanSet() {
				f.Set(deepCopy(v.Field(i), seen))
			}
		}
		return cp

	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		cp := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			cp.Index(i).Set(deepCopy(v.Index(i), seen))
		}
		return cp

	case reflect.Array:
		cp := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			cp.Index(i).Set(deepCopy(v.Index(i), seen))
		}
		return cp

	case reflect.Map:
		if v.IsNil() {
			return v
		}
		cp := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			cp.SetMapIndex(deepCopy(iter.Key(), seen), deepCopy(iter.Value(), seen))
		}
		return cp

	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		cp := reflect.New(v.Type()).Elem()
		cp.Set(deepCopy(v.Elem(), seen))
		return cp
	}
	return v
}
