package store

import (
	"encoding/json"

	"github.com/asad/crmstate/internal/logging"
)

// Dispatch submits an action. What it accepts beyond Action depends on the
// middleware installed; the base dispatcher only accepts Action.
type Dispatch func(action any) (any, error)

// API is the store handle passed to middleware. Its Dispatch runs the whole
// chain, so middleware may dispatch follow-up actions.
type API struct {
	GetState func() State
	Dispatch Dispatch
}

// Middleware intercepts dispatched actions. It may forward to next, replace the
// action, dispatch others or stop the action entirely.
type Middleware func(api API) func(next Dispatch) Dispatch

// Chain is an ordered middleware list. Index 0 is outermost; the last entry
// runs closest to the reducers.
type Chain []Middleware

// Concat returns a new chain with mw appended after c.
func (c Chain) Concat(mw ...Middleware) Chain {
	out := make(Chain, 0, len(c)+len(mw))
	out = append(out, c...)
	return append(out, mw...)
}

// Prepend returns a new chain with mw placed before c.
func (c Chain) Prepend(mw ...Middleware) Chain {
	out := make(Chain, 0, len(c)+len(mw))
	out = append(out, mw...)
	return append(out, c...)
}

// MiddlewareBuilder derives the final chain from the default one.
type MiddlewareBuilder func(defaults Chain) Chain

// compose wraps base with c so that c[0] sees an action first.
func (c Chain) compose(api API, base Dispatch) Dispatch {
	d := base
	for i := len(c) - 1; i >= 0; i-- {
		d = c[i](api)(d)
	}
	return d
}

// Thunk is a function dispatched in place of an action when ThunkMiddleware is
// installed. It receives the full dispatcher and the state getter.
type Thunk func(dispatch Dispatch, getState func() State) (any, error)

// ThunkMiddleware runs Thunk values instead of forwarding them.
func ThunkMiddleware() Middleware {
	return func(api API) func(next Dispatch) Dispatch {
		return func(next Dispatch) Dispatch {
			return func(action any) (any, error) {
				switch t := action.(type) {
				case Thunk:
					return t(api.Dispatch, api.GetState)
				case func(Dispatch, func() State) (any, error):
					return t(api.Dispatch, api.GetState)
				}
				return next(action)
			}
		}
	}
}

// SerializableCheck warns about actions whose payload or meta cannot be
// encoded as JSON. Such actions cannot be persisted or shown by the inspector.
// The action is forwarded either way.
func SerializableCheck(logger logging.Logger, ignoredTypes ...string) Middleware {
	ignored := make(map[string]bool, len(ignoredTypes))
	for _, t := range ignoredTypes {
		ignored[t] = true
	}
	return func(api API) func(next Dispatch) Dispatch {
		return func(next Dispatch) Dispatch {
			return func(action any) (any, error) {
				if a, ok := action.(Action); ok && !ignored[a.Type] {
					if _, err := json.Marshal(a); err != nil {
						logger.Warn("non-serializable action",
							logging.String("type", a.Type),
							logging.ErrorField(err),
						)
					}
				}
				return next(action)
			}
		}
	}
}

// DefaultOptions tunes the default middleware chain.
type DefaultOptions struct {
	// Thunk enables ThunkMiddleware.
	Thunk bool
	// SerializableCheck enables SerializableCheck.
	SerializableCheck bool
	// IgnoredActions are skipped by the serializable check.
	IgnoredActions []string
}

// DefaultConfig enables every default middleware.
func DefaultConfig() DefaultOptions {
	return DefaultOptions{Thunk: true, SerializableCheck: true}
}

// DefaultMiddleware builds the default chain: thunk first, then the
// serializable check.
func DefaultMiddleware(opts DefaultOptions, logger logging.Logger) Chain {
	var c Chain
	if opts.Thunk {
		c = append(c, ThunkMiddleware())
	}
	if opts.SerializableCheck {
		c = append(c, SerializableCheck(logger, opts.IgnoredActions...))
	}
	return c
}
