// Package api is the API cache region of the client store. It owns the
// "authApi" region, which caches backend query results and tracks mutations,
// and the middleware that performs the backend calls.
//
// Calls are started by dispatching Initiate; the middleware answers from the
// cache when it can, otherwise it records a pending entry, runs the call on its
// own goroutine and dispatches the outcome back into the store.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asad/crmstate/internal/logging"
	"github.com/asad/crmstate/internal/store"
)

// TokenSource extracts the bearer token to send from the root state.
type TokenSource func(store.State) string

// API is the API cache region together with its middleware.
type API struct {
	slice     *store.Slice[State]
	endpoints map[string]Endpoint
	transport Transport
	tokens    TokenSource
	logger    logging.Logger

	keepUnusedDataFor time.Duration
	timeout           time.Duration
	now               func() time.Time
	newID             func() string

	mu       sync.Mutex
	inflight map[string]*Pending

	wg sync.WaitGroup
}

// Option configures New.
type Option func(*API)

// WithTokenSource sets where the bearer token comes from.
func WithTokenSource(ts TokenSource) Option {
	return func(a *API) { a.tokens = ts }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithKeepUnusedDataFor sets how long a fulfilled query is served from cache.
func WithKeepUnusedDataFor(d time.Duration) Option {
	return func(a *API) { a.keepUnusedDataFor = d }
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(a *API) { a.timeout = d }
}

// WithEndpoints replaces the endpoint table.
func WithEndpoints(eps ...Endpoint) Option {
	return func(a *API) {
		a.endpoints = make(map[string]Endpoint, len(eps))
		for _, e := range eps {
			a.endpoints[e.Name] = e
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// New creates the region backed by transport.
func New(transport Transport, opts ...Option) *API {
	a := &API{
		slice:             newSlice(),
		transport:         transport,
		logger:            logging.NewNop(),
		keepUnusedDataFor: 60 * time.Second,
		timeout:           15 * time.Second,
		now:               time.Now,
		newID:             func() string { return uuid.NewString() },
		inflight:          make(map[string]*Pending),
	}
	WithEndpoints(Endpoints...)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the region name.
func (a *API) Name() string {
	return ReducerPath
}

// Reducer returns the region reducer.
func (a *API) Reducer() store.Reducer {
	return a.slice.Reducer()
}

// Select reads the region from st.
func (a *API) Select(st store.State) State {
	return a.slice.Select(st)
}

// KeepUnusedDataFor reports the cache lifetime of fulfilled queries.
func (a *API) KeepUnusedDataFor() time.Duration {
	return a.keepUnusedDataFor
}

// Wait blocks until every backend call started so far has settled.
func (a *API) Wait() {
	a.wg.Wait()
}

// Middleware returns the middleware unit that executes Initiate actions and
// invalidates tags after fulfilled mutations. Every other action passes
// through untouched.
func (a *API) Middleware() store.Middleware {
	return func(sapi store.API) func(next store.Dispatch) store.Dispatch {
		return func(next store.Dispatch) store.Dispatch {
			return func(action any) (any, error) {
				act, ok := action.(store.Action)
				if !ok {
					return next(action)
				}
				if act.Type == typeInitiate {
					req, ok := store.Payload[InitiateRequest](act)
					if !ok {
						return nil, fmt.Errorf("%w: initiate payload is %T", store.ErrInvalidAction, act.Payload)
					}
					return a.start(sapi, req)
				}

				res, err := next(action)
				if err == nil && act.Type == typeMutationDone {
					if ep, found := a.endpoints[act.MetaString(MetaEndpoint)]; found && len(ep.Invalidates) > 0 {
						if _, ierr := sapi.Dispatch(InvalidateTags(ep.Invalidates...)); ierr != nil {
							a.logger.Error("failed to invalidate tags",
								logging.String("endpoint", ep.Name),
								logging.ErrorField(ierr),
							)
						}
					}
				}
				return res, err
			}
		}
	}
}

func (a *API) start(sapi store.API, req InitiateRequest) (*Pending, error) {
	ep, ok := a.endpoints[req.Endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEndpoint, req.Endpoint)
	}
	path, err := ep.Expand(req.Args.Params)
	if err != nil {
		return nil, err
	}

	key := CacheKey(ep.Name, req.Args)
	if ep.Kind == Query && !req.Force {
		cached, found := a.Select(sapi.GetState()).Queries[key]
		if found && cached.Status == StatusFulfilled && a.now().Sub(cached.SettledAt) < a.keepUnusedDataFor {
			a.logger.Debug("serving query from cache",
				logging.String("endpoint", ep.Name),
				logging.String("cache_key", key),
			)
			return resolved(cached, nil), nil
		}
	}

	p := newPending(a.newID(), key)
	if ep.Kind == Query {
		a.mu.Lock()
		if existing, busy := a.inflight[key]; busy {
			a.mu.Unlock()
			return existing, nil
		}
		a.inflight[key] = p
		a.mu.Unlock()
	}

	entry := Entry{
		Endpoint:  ep.Name,
		CacheKey:  key,
		RequestID: p.RequestID,
		Status:    StatusPending,
		StartedAt: a.now(),
		Tags:      ep.Provides,
	}
	if ep.Kind == Mutation {
		entry.CacheKey = ""
	}
	pendingType, fulfilledType, rejectedType := typeQueryPending, typeQueryFulfilled, typeQueryRejected
	if ep.Kind == Mutation {
		pendingType, fulfilledType, rejectedType = typeMutationPending, typeMutationDone, typeMutationFailed
	}

	if _, err := sapi.Dispatch(lifecycleAction(pendingType, entry)); err != nil {
		a.forget(key, p)
		return nil, fmt.Errorf("failed to record pending %s: %w", ep.Name, err)
	}

	var token string
	if a.tokens != nil {
		token = a.tokens(sapi.GetState())
	}
	call := Request{Method: ep.Method, Path: path, Body: req.Args.Body, Token: token}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		start := a.now()
		data, callErr := a.transport.Do(ctx, call)

		settled := entry
		settled.SettledAt = a.now()
		actionType := fulfilledType
		if callErr != nil {
			settled.Status = StatusRejected
			settled.Error = callErr.Error()
			var httpErr *HTTPError
			if errors.As(callErr, &httpErr) {
				settled.HTTPStatus = httpErr.Status
			}
			actionType = rejectedType
			a.logger.Warn("backend call failed",
				logging.String("endpoint", ep.Name),
				logging.String("request_id", p.RequestID),
				logging.ErrorField(callErr),
			)
		} else {
			settled.Status = StatusFulfilled
			settled.Data = data
			a.logger.Debug("backend call fulfilled",
				logging.String("endpoint", ep.Name),
				logging.String("request_id", p.RequestID),
				logging.Duration("latency", settled.SettledAt.Sub(start)),
			)
		}

		if _, err := sapi.Dispatch(lifecycleAction(actionType, settled)); err != nil {
			a.logger.Error("failed to record result",
				logging.String("endpoint", ep.Name),
				logging.String("request_id", p.RequestID),
				logging.ErrorField(err),
			)
		}
		a.forget(key, p)
		p.resolve(settled, callErr)
	}()

	return p, nil
}

func (a *API) forget(key string, p *Pending) {
	a.mu.Lock()
	if a.inflight[key] == p {
		delete(a.inflight, key)
	}
	a.mu.Unlock()
}

// Run dispatches an initiate action for endpoint and waits for its result.
func Run(ctx context.Context, dispatch store.Dispatch, endpoint string, args Args) (Entry, error) {
	res, err := dispatch(Initiate(endpoint, args))
	if err != nil {
		return Entry{}, err
	}
	p, ok := res.(*Pending)
	if !ok {
		return Entry{}, fmt.Errorf("initiate %s returned %T; is the api middleware installed?", endpoint, res)
	}
	return p.Wait(ctx)
}

// Pending is the handle returned by dispatching Initiate.
type Pending struct {
	RequestID string
	CacheKey  string

	done  chan struct{}
	entry Entry
	err   error
}

func newPending(id, key string) *Pending {
	return &Pending{RequestID: id, CacheKey: key, done: make(chan struct{})}
}

func resolved(e Entry, err error) *Pending {
	p := newPending(e.RequestID, e.CacheKey)
	p.resolve(e, err)
	return p
}

func (p *Pending) resolve(e Entry, err error) {
	p.entry, p.err = e, err
	close(p.done)
}

// Done is closed once the call has settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the call settles or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Entry, error) {
	select {
	case <-p.done:
		return p.entry, p.err
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}
