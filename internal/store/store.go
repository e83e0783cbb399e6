// Package store implements the application state container: a root state
// made of named regions, each owned by a reducer, and a dispatch pipeline made
// of middleware composed in front of the reducers.
//
// A Store is an ordinary value. The composition root builds one and passes it
// to whoever needs to read or dispatch; nothing in this package is global.
package store

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/asad/crmstate/internal/logging"
)

// Store holds the root state and the composed dispatcher.
type Store struct {
	reduce func(State, Action) State
	logger logging.Logger

	// mu serialises reductions. Reads go through state and never block.
	mu    sync.Mutex
	state atomic.Pointer[State]

	listenersMu sync.Mutex
	listeners   map[uint64]func()
	nextID      uint64

	dispatch Dispatch
}

type options struct {
	builder   MiddlewareBuilder
	preloaded State
	logger    logging.Logger
	defaults  DefaultOptions
}

// Option configures New.
type Option func(*options)

// WithMiddleware sets the function that derives the middleware chain from the
// default one. Without it the default chain is used unchanged.
func WithMiddleware(b MiddlewareBuilder) Option {
	return func(o *options) {
		o.builder = b
	}
}

// WithPreloadedState seeds regions before the init action runs. Keys that do
// not name a configured region are ignored.
func WithPreloadedState(s State) Option {
	return func(o *options) {
		o.preloaded = s
	}
}

// WithLogger sets the logger used by the store and default middleware.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithDefaults replaces the default middleware settings.
func WithDefaults(d DefaultOptions) Option {
	return func(o *options) {
		o.defaults = d
	}
}

// CreateStore builds a store from regions with the default middleware chain
// followed by extension, in order.
func CreateStore(regions Regions, extension ...Middleware) (*Store, error) {
	return New(regions, WithMiddleware(func(defaults Chain) Chain {
		return defaults.Concat(extension...)
	}))
}

// New builds a store. Every region reducer receives InitActionType with its
// preloaded state (or nil) before New returns.
func New(regions Regions, opts ...Option) (*Store, error) {
	o := options{defaults: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}

	for name, r := range regions {
		if name == "" {
			return nil, fmt.Errorf("%w: empty region name", ErrInvalidRegion)
		}
		if r == nil {
			return nil, fmt.Errorf("%w: nil reducer for region %q", ErrInvalidRegion, name)
		}
	}

	s := &Store{
		reduce:    Combine(regions),
		logger:    o.logger,
		listeners: make(map[uint64]func()),
	}

	initial := s.reduce(o.preloaded, Action{Type: InitActionType})
	s.state.Store(&initial)

	chain := DefaultMiddleware(o.defaults, o.logger)
	if o.builder != nil {
		chain = o.builder(chain)
	}

	api := API{GetState: s.GetState}
	// Middleware may capture api.Dispatch while the chain is being built;
	// route it through s.dispatch so it always sees the finished chain.
	api.Dispatch = func(action any) (any, error) {
		return s.dispatch(action)
	}
	s.dispatch = chain.compose(api, s.baseDispatch)

	o.logger.Debug("store created",
		logging.Strings("regions", regions.Names()),
		logging.Int("middleware", len(chain)),
	)
	return s, nil
}

// GetState returns the current root state snapshot.
func (s *Store) GetState() State {
	return *s.state.Load()
}

// Dispatch sends action through the middleware chain and then the reducers.
// It returns whatever the chain returns; for a plain action that reaches the
// reducers, the action itself.
func (s *Store) Dispatch(action any) (any, error) {
	return s.dispatch(action)
}

// API returns the handle middleware and thunks see.
func (s *Store) API() API {
	return API{GetState: s.GetState, Dispatch: s.Dispatch}
}

// Subscribe registers listener to run after every reduced action. Listeners
// run on the dispatching goroutine, after the store lock is released.
// The returned function removes the listener and is safe to call twice.
func (s *Store) Subscribe(listener func()) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

func (s *Store) baseDispatch(v any) (any, error) {
	action, err := validateAction(v)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	next := s.reduce(*s.state.Load(), action)
	s.state.Store(&next)
	s.mu.Unlock()

	s.logger.Debug("action reduced", logging.String("type", action.Type))
	for _, l := range s.snapshotListeners() {
		l()
	}
	return action, nil
}

func (s *Store) snapshotListeners() []func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	// Registration order.
	slices.Sort(ids)
	out := make([]func(), len(ids))
	for i, id := range ids {
		out[i] = s.listeners[id]
	}
	return out
}
