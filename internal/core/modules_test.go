package core

import (
	"net/http"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asad/crmstate/internal/store"
)

type countModule struct {
	name string
}

func (m *countModule) Name() string { return m.name }

func (m *countModule) Reducer() store.Reducer {
	return func(st any, a store.Action) any {
		n, _ := st.(int)
		if a.Type == m.name+"/inc" {
			return n + 1
		}
		return n
	}
}

func (m *countModule) RegisterRoutes(router chi.Router, st store.API) {
	router.Get("/", func(w http.ResponseWriter, r *http.Request) {})
}

// tracedModule also contributes middleware that records the action types it sees.
type tracedModule struct {
	countModule
	mu   sync.Mutex
	seen []string
}

func (m *tracedModule) Middleware() store.Middleware {
	return func(api store.API) func(next store.Dispatch) store.Dispatch {
		return func(next store.Dispatch) store.Dispatch {
			return func(action any) (any, error) {
				if a, ok := action.(store.Action); ok {
					m.mu.Lock()
					m.seen = append(m.seen, a.Type)
					m.mu.Unlock()
				}
				return next(action)
			}
		}
	}
}

func TestNewRegistry_RejectsBadNames(t *testing.T) {
	_, err := NewRegistry(&countModule{name: "a"}, &countModule{name: "a"})
	assert.ErrorContains(t, err, `"a" already registered`)

	_, err = NewRegistry(&countModule{})
	assert.ErrorContains(t, err, "empty name")
}

func TestRegistry_RegionsAndOrder(t *testing.T) {
	traced := &tracedModule{countModule: countModule{name: "b"}}
	reg, err := NewRegistry(&countModule{name: "a"}, traced)
	require.NoError(t, err)

	modules := reg.Modules()
	require.Len(t, modules, 2)
	assert.Equal(t, "a", modules[0].Name())
	assert.Equal(t, "b", modules[1].Name())
	assert.Equal(t, []string{"a", "b"}, reg.Regions().Names())
	assert.Len(t, reg.Middleware(), 1)

	// The returned slice is a copy.
	modules[0] = traced
	assert.Equal(t, "a", reg.Modules()[0].Name())
}

func TestRegistry_NewStore(t *testing.T) {
	traced := &tracedModule{countModule: countModule{name: "b"}}
	reg, err := NewRegistry(&countModule{name: "a"}, traced)
	require.NoError(t, err)

	st, err := reg.NewStore()
	require.NoError(t, err)
	assert.Equal(t, store.State{"a": 0, "b": 0}, st.GetState())

	_, err = st.Dispatch(store.NewAction("b/inc", nil))
	require.NoError(t, err)
	assert.Equal(t, store.State{"a": 0, "b": 1}, st.GetState())

	traced.mu.Lock()
	defer traced.mu.Unlock()
	assert.Equal(t, []string{"b/inc"}, traced.seen)
}

// maskModule redacts its region to a fixed marker.
type maskModule struct {
	countModule
}

func (m *maskModule) Redact(any) any { return "masked" }

func TestRegistry_Redact(t *testing.T) {
	reg, err := NewRegistry(&countModule{name: "a"}, &maskModule{countModule{name: "b"}})
	require.NoError(t, err)

	st := store.State{"a": 1, "b": 2}
	assert.Equal(t, store.State{"a": 1, "b": "masked"}, reg.Redact(st))
	assert.Equal(t, store.State{"a": 1, "b": 2}, st)

	// Regions missing from the state are not added.
	assert.Equal(t, store.State{"a": 1}, reg.Redact(store.State{"a": 1}))
}
