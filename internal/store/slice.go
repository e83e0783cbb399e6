package store

import (
	"encoding/json"
	"fmt"
)

// CaseReducer computes the next state of a typed region for one action.
type CaseReducer[S any] func(state S, action Action) S

type matcher[S any] struct {
	match  func(Action) bool
	reduce CaseReducer[S]
}

// Slice is a typed region: a name, an initial state and the case reducers that
// handle its actions. Actions owned by the slice are named "<name>/<case>".
// Handlers for actions owned by other regions are added with On or OnMatch.
type Slice[S any] struct {
	name     string
	initial  S
	cases    map[string]CaseReducer[S]
	matchers []matcher[S]
}

// NewSlice creates a slice named name starting at initial.
func NewSlice[S any](name string, initial S) *Slice[S] {
	return &Slice[S]{
		name:    name,
		initial: initial,
		cases:   make(map[string]CaseReducer[S]),
	}
}

// Name returns the region name.
func (s *Slice[S]) Name() string {
	return s.name
}

// Initial returns the initial state.
func (s *Slice[S]) Initial() S {
	return s.initial
}

// Case registers fn for the slice-owned action "<name>/<caseName>" and returns
// its creator.
func (s *Slice[S]) Case(caseName string, fn CaseReducer[S]) ActionCreator {
	t := s.ActionType(caseName)
	s.cases[t] = fn
	return ActionCreator{Type: t}
}

// On registers fn for an action type owned by someone else.
func (s *Slice[S]) On(actionType string, fn CaseReducer[S]) *Slice[S] {
	s.cases[actionType] = fn
	return s
}

// OnMatch registers fn for every action accepted by match. Matchers run after
// the exact case reducer, in registration order.
func (s *Slice[S]) OnMatch(match func(Action) bool, fn CaseReducer[S]) *Slice[S] {
	s.matchers = append(s.matchers, matcher[S]{match: match, reduce: fn})
	return s
}

// ActionType returns the namespaced type for caseName.
func (s *Slice[S]) ActionType(caseName string) string {
	return s.name + "/" + caseName
}

// Reducer adapts the slice to the untyped Reducer used by the store. A nil
// state becomes the initial state. A state of another type is a programming
// error and panics.
func (s *Slice[S]) Reducer() Reducer {
	return func(state any, action Action) any {
		var cur S
		switch v := state.(type) {
		case nil:
			cur = s.initial
		case S:
			cur = v
		default:
			panic(fmt.Sprintf("store: region %q holds %T, want %T", s.name, state, s.initial))
		}

		if fn, ok := s.cases[action.Type]; ok {
			cur = fn(cur, action)
		}
		for _, m := range s.matchers {
			if m.match(action) {
				cur = m.reduce(cur, action)
			}
		}
		return cur
	}
}

// Select reads the slice's region from st, falling back to the initial state.
func (s *Slice[S]) Select(st State) S {
	v, ok := Select[S](st, s.name)
	if !ok {
		return s.initial
	}
	return v
}

// Payload extracts a typed payload from a, accepting both values and pointers.
// Payloads decoded from JSON (maps, slices, strings, numbers, raw messages) are
// converted to P through encoding/json.
func Payload[P any](a Action) (P, bool) {
	var zero P
	switch v := a.Payload.(type) {
	case P:
		return v, true
	case *P:
		if v != nil {
			return *v, true
		}
		return zero, false
	case map[string]any, map[string]string, []any, string, float64:
		b, err := json.Marshal(v)
		if err != nil {
			return zero, false
		}
		return decodeInto[P](b)
	case json.RawMessage:
		return decodeInto[P](v)
	}
	return zero, false
}

func decodeInto[P any](b []byte) (P, bool) {
	var out P
	if err := json.Unmarshal(b, &out); err != nil {
		var zero P
		return zero, false
	}
	return out, true
}
