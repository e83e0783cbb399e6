package store

import "sort"

// State is the root state: one entry per region, keyed by region name.
// A State returned by the store is a snapshot and must be treated as read-only.
type State map[string]any

// Reducer maps a region's previous state and an action to its next state.
// A nil state means the region has not been initialised yet; the reducer must
// then return its initial state. Reducers must be pure and must not dispatch.
type Reducer func(state any, action Action) any

// Regions maps region names to their reducers.
type Regions map[string]Reducer

// Names returns the region names in sorted order.
func (r Regions) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Select reads region from st as S. The second result is false when the region
// is missing or holds a different type.
func Select[S any](st State, region string) (S, bool) {
	v, ok := st[region]
	if !ok {
		var zero S
		return zero, false
	}
	s, ok := v.(S)
	return s, ok
}

// Combine builds the root reducer from region reducers. Every region reducer
// sees every action; keys present in the previous state but not in regions
// are dropped.
func Combine(regions Regions) func(State, Action) State {
	names := regions.Names()
	return func(prev State, action Action) State {
		next := make(State, len(names))
		for _, name := range names {
			var regionState any
			if prev != nil {
				regionState = prev[name]
			}
			next[name] = regions[name](regionState, action)
		}
		return next
	}
}
