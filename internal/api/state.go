package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/asad/crmstate/internal/store"
)

// Status is the lifecycle of one request.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusPending       Status = "pending"
	StatusFulfilled     Status = "fulfilled"
	StatusRejected      Status = "rejected"
)

// Entry is the cached record of one query or mutation.
type Entry struct {
	Endpoint   string          `json:"endpointName"`
	CacheKey   string          `json:"cacheKey,omitempty"`
	RequestID  string          `json:"requestId"`
	Status     Status          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	HTTPStatus int             `json:"httpStatus,omitempty"`
	StartedAt  time.Time       `json:"startedTimeStamp,omitzero"`
	SettledAt  time.Time       `json:"fulfilledTimeStamp,omitzero"`
	Tags       []string        `json:"tags,omitempty"`
}

// Decode unmarshals the entry's data into T.
func Decode[T any](e Entry) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, fmt.Errorf("%s: no data (status %s)", e.Endpoint, e.Status)
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("%s: decode response: %w", e.Endpoint, err)
	}
	return out, nil
}

// State is the API cache region. Queries are keyed by cache key, mutations by
// request id. Maps are replaced, never mutated, so older snapshots stay valid.
type State struct {
	Queries   map[string]Entry `json:"queries"`
	Mutations map[string]Entry `json:"mutations"`
}

// Query returns the cached entry for endpoint and args.
func (s State) Query(endpoint string, args Args) (Entry, bool) {
	e, ok := s.Queries[CacheKey(endpoint, args)]
	return e, ok
}

// Action types handled by the region.
const (
	typeInitiate        = ReducerPath + "/initiate"
	typeQueryPending    = ReducerPath + "/executeQuery/pending"
	typeQueryFulfilled  = ReducerPath + "/executeQuery/fulfilled"
	typeQueryRejected   = ReducerPath + "/executeQuery/rejected"
	typeMutationPending = ReducerPath + "/executeMutation/pending"
	typeMutationDone    = ReducerPath + "/executeMutation/fulfilled"
	typeMutationFailed  = ReducerPath + "/executeMutation/rejected"
	typeInvalidateTags  = ReducerPath + "/invalidateTags"
	typePruneExpired    = ReducerPath + "/pruneExpired"
	typeResetAPIState   = ReducerPath + "/resetApiState"
)

// Meta keys set on lifecycle actions.
const (
	MetaEndpoint  = "endpointName"
	MetaRequestID = "requestId"
	MetaCacheKey  = "cacheKey"
)

// InitiateRequest is the payload of an initiate action.
type InitiateRequest struct {
	Endpoint string `json:"endpointName"`
	Args     Args   `json:"args"`
	// Force bypasses a fresh cache entry.
	Force bool `json:"forceRefetch,omitempty"`
}

// Initiate builds the action that starts a call to endpoint. Dispatching it
// returns a *Pending.
func Initiate(endpoint string, args Args) store.Action {
	return store.NewAction(typeInitiate, InitiateRequest{Endpoint: endpoint, Args: args})
}

// Refetch is Initiate with the cache bypassed.
func Refetch(endpoint string, args Args) store.Action {
	return store.NewAction(typeInitiate, InitiateRequest{Endpoint: endpoint, Args: args, Force: true})
}

// InvalidateTags drops every cached query carrying one of tags.
func InvalidateTags(tags ...string) store.Action {
	return store.NewAction(typeInvalidateTags, tags)
}

// PruneExpired drops entries that settled before cutoff, and pending entries
// started before it.
func PruneExpired(cutoff time.Time) store.Action {
	return store.NewAction(typePruneExpired, cutoff)
}

// ResetAPIState empties the cache.
func ResetAPIState() store.Action {
	return store.Action{Type: typeResetAPIState}
}

// MatchFulfilled matches the fulfilled action of any of the named endpoints.
func MatchFulfilled(endpoints ...string) func(store.Action) bool {
	return matchLifecycle(typeQueryFulfilled, typeMutationDone, endpoints)
}

// MatchRejected matches the rejected action of any of the named endpoints.
func MatchRejected(endpoints ...string) func(store.Action) bool {
	return matchLifecycle(typeQueryRejected, typeMutationFailed, endpoints)
}

func matchLifecycle(queryType, mutationType string, endpoints []string) func(store.Action) bool {
	names := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		names[e] = true
	}
	return func(a store.Action) bool {
		if a.Type != queryType && a.Type != mutationType {
			return false
		}
		return names[a.MetaString(MetaEndpoint)]
	}
}

func lifecycleAction(actionType string, e Entry) store.Action {
	return store.NewAction(actionType, e).
		WithMeta(MetaEndpoint, e.Endpoint).
		WithMeta(MetaRequestID, e.RequestID).
		WithMeta(MetaCacheKey, e.CacheKey)
}

func newSlice() *store.Slice[State] {
	s := store.NewSlice(ReducerPath, State{
		Queries:   map[string]Entry{},
		Mutations: map[string]Entry{},
	})

	s.On(typeQueryPending, func(st State, a store.Action) State {
		e, ok := store.Payload[Entry](a)
		if !ok {
			return st
		}
		if prev, found := st.Queries[e.CacheKey]; found {
			// Keep the last good data visible while refetching.
			e.Data = prev.Data
		}
		st.Queries = withEntry(st.Queries, e.CacheKey, e)
		return st
	})
	settleQuery := func(st State, a store.Action) State {
		e, ok := store.Payload[Entry](a)
		if !ok {
			return st
		}
		prev, found := st.Queries[e.CacheKey]
		if !found || prev.RequestID != e.RequestID {
			// Superseded by a newer request or dropped from the cache.
			return st
		}
		if e.Status == StatusRejected && len(e.Data) == 0 {
			e.Data = prev.Data
		}
		st.Queries = withEntry(st.Queries, e.CacheKey, e)
		return st
	}
	s.On(typeQueryFulfilled, settleQuery)
	s.On(typeQueryRejected, settleQuery)

	trackMutation := func(st State, a store.Action) State {
		e, ok := store.Payload[Entry](a)
		if !ok {
			return st
		}
		st.Mutations = withEntry(st.Mutations, e.RequestID, e)
		return st
	}
	s.On(typeMutationPending, trackMutation)
	s.On(typeMutationDone, trackMutation)
	s.On(typeMutationFailed, trackMutation)

	s.On(typeInvalidateTags, func(st State, a store.Action) State {
		tags, ok := store.Payload[[]string](a)
		if !ok || len(tags) == 0 {
			return st
		}
		drop := make(map[string]bool, len(tags))
		for _, t := range tags {
			drop[t] = true
		}
		st.Queries = without(st.Queries, func(e Entry) bool {
			for _, t := range e.Tags {
				if drop[t] {
					return true
				}
			}
			return false
		})
		return st
	})

	s.On(typePruneExpired, func(st State, a store.Action) State {
		cutoff, ok := store.Payload[time.Time](a)
		if !ok {
			return st
		}
		// A pending entry older than cutoff has no live request behind it,
		// e.g. one restored from disk. Its late result, if any, is ignored.
		expired := func(e Entry) bool {
			if e.Status == StatusPending {
				return e.StartedAt.Before(cutoff)
			}
			return !e.SettledAt.IsZero() && e.SettledAt.Before(cutoff)
		}
		st.Queries = without(st.Queries, expired)
		st.Mutations = without(st.Mutations, expired)
		return st
	})

	s.On(typeResetAPIState, func(State, store.Action) State {
		return s.Initial()
	})
	return s
}

func withEntry(m map[string]Entry, key string, e Entry) map[string]Entry {
	out := make(map[string]Entry, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = e
	return out
}

// without returns m minus the entries drop accepts. m itself is returned when
// nothing is dropped.
func without(m map[string]Entry, drop func(Entry) bool) map[string]Entry {
	var out map[string]Entry
	for k, v := range m {
		if !drop(v) {
			continue
		}
		if out == nil {
			out = make(map[string]Entry, len(m))
			for k2, v2 := range m {
				out[k2] = v2
			}
		}
		delete(out, k)
	}
	if out == nil {
		return m
	}
	return out
}
