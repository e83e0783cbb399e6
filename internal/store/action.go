package store

import (
	"errors"
	"fmt"
)

// InitActionType is dispatched once by New to let every region produce its
// initial state.
const InitActionType = "@@store/INIT"

var (
	// ErrInvalidAction is returned by the base dispatcher when it receives
	// something that is not an Action, or an Action without a type.
	ErrInvalidAction = errors.New("invalid action")

	// ErrInvalidRegion is returned by New for an empty region name or a nil reducer.
	ErrInvalidRegion = errors.New("invalid region")
)

// Action is a request for a state transition. Type is namespaced by the region
// that owns it, e.g. "authSlice/login".
type Action struct {
	Type    string         `json:"type"`
	Payload any            `json:"payload,omitempty"`
	Error   bool           `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// NewAction builds an Action with the given type and payload.
func NewAction(actionType string, payload any) Action {
	return Action{Type: actionType, Payload: payload}
}

// WithMeta returns a copy of a with key set in its meta map.
func (a Action) WithMeta(key string, value any) Action {
	meta := make(map[string]any, len(a.Meta)+1)
	for k, v := range a.Meta {
		meta[k] = v
	}
	meta[key] = value
	a.Meta = meta
	return a
}

// MetaString reads a string meta value, returning "" when absent.
func (a Action) MetaString(key string) string {
	s, _ := a.Meta[key].(string)
	return s
}

// ActionCreator produces actions of one type.
type ActionCreator struct {
	Type string
}

// With builds an action carrying payload.
func (c ActionCreator) With(payload any) Action {
	return NewAction(c.Type, payload)
}

// Empty builds an action without a payload.
func (c ActionCreator) Empty() Action {
	return Action{Type: c.Type}
}

// Match reports whether a was produced by this creator.
func (c ActionCreator) Match(a Action) bool {
	return a.Type == c.Type
}

func validateAction(v any) (Action, error) {
	a, ok := v.(Action)
	if !ok {
		if p, isPtr := v.(*Action); isPtr && p != nil {
			a, ok = *p, true
		}
	}
	if !ok {
		return Action{}, fmt.Errorf("%w: got %T, want store.Action (is thunk middleware installed?)", ErrInvalidAction, v)
	}
	if a.Type == "" {
		return Action{}, fmt.Errorf("%w: empty type", ErrInvalidAction)
	}
	return a, nil
}
