package core

import (
	"fmt"

	"github.com/go-chi/chi/v5"

	"github.com/asad/crmstate/internal/store"
)

// Module is one region of the client store. Each module owns a reducer and
// may expose inspector routes for its part of the state.
type Module interface {
	// Name returns the region name (e.g. "authApi", "authSlice"). It is also the
	// inspector path prefix.
	Name() string

	// Reducer returns the region reducer.
	Reducer() store.Reducer

	// RegisterRoutes sets up inspector routes on a sub-router scoped to the
	// module's prefix. st gives read and dispatch access to the store.
	RegisterRoutes(router chi.Router, st store.API)
}

// MiddlewareProvider is implemented by modules that contribute a middleware
// unit to the dispatch pipeline.
type MiddlewareProvider interface {
	Middleware() store.Middleware
}

// Redactor is implemented by modules whose region holds secrets. Redact
// returns the region value as it may be shown outside the process.
type Redactor interface {
	Redact(v any) any
}

// Registry is the ordered set of modules the store is composed from.
// It is built by the composition root and passed explicitly.
type Registry struct {
	modules []Module
	names   map[string]bool
}

// NewRegistry creates a registry holding modules, in order.
func NewRegistry(modules ...Module) (*Registry, error) {
	r := &Registry{names: make(map[string]bool)}
	for _, m := range modules {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends m. Names must be unique and non-empty.
func (r *Registry) Register(m Module) error {
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module %T has an empty name", m)
	}
	if r.names[name] {
		return fmt.Errorf("module %q already registered", name)
	}
	r.names[name] = true
	r.modules = append(r.modules, m)
	return nil
}

// Modules returns the registered modules in registration order.
func (r *Registry) Modules() []Module {
	out := make([]Module, len(r.modules))
	copy(out, r.modules)
	return out
}

// Regions returns the reducer map for store.New.
func (r *Registry) Regions() store.Regions {
	regions := make(store.Regions, len(r.modules))
	for _, m := range r.modules {
		regions[m.Name()] = m.Reducer()
	}
	return regions
}

// Middleware returns the middleware contributed by modules, in registration
// order. It is appended after the store's default chain.
func (r *Registry) Middleware() []store.Middleware {
	var out []store.Middleware
	for _, m := range r.modules {
		if p, ok := m.(MiddlewareProvider); ok {
			out = append(out, p.Middleware())
		}
	}
	return out
}

// Redact returns a copy of st in which every region owned by a Redactor has
// been redacted. st itself is not modified.
func (r *Registry) Redact(st store.State) store.State {
	out := st.Clone()
	for _, m := range r.modules {
		red, ok := m.(Redactor)
		if !ok {
			continue
		}
		if v, found := out[m.Name()]; found {
			out[m.Name()] = red.Redact(v)
		}
	}
	return out
}

// NewStore composes the store from the registered modules.
func (r *Registry) NewStore(opts ...store.Option) (*store.Store, error) {
	extension := r.Middleware()
	opts = append(opts, store.WithMiddleware(func(defaults store.Chain) store.Chain {
		return defaults.Concat(extension...)
	}))
	st, err := store.New(r.Regions(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return st, nil
}
