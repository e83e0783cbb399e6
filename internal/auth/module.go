package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/asad/crmstate/internal/api"
	"github.com/asad/crmstate/internal/core"
	"github.com/asad/crmstate/internal/httpx"
	"github.com/asad/crmstate/internal/store"
)

// ErrNoSession is returned by SignIn when the backend accepted the call but no
// session could be stored from its response.
var ErrNoSession = errors.New("sign in did not produce a session")

// Module registers the authentication region with the store.
type Module struct {
	slice *store.Slice[State]
}

// NewModule creates the module.
func NewModule() *Module {
	return &Module{slice: newSlice()}
}

// Name returns the region name.
func (m *Module) Name() string {
	return RegionName
}

// Reducer returns the region reducer.
func (m *Module) Reducer() store.Reducer {
	return m.slice.Reducer()
}

// Redact hides the access token of a session value.
func (m *Module) Redact(v any) any {
	if s, ok := v.(State); ok {
		return s.Redacted()
	}
	return v
}

// RegisterRoutes exposes the session with the token redacted:
//   - GET / - current session
//   - POST /logout - clear the session and the API cache
func (m *Module) RegisterRoutes(router chi.Router, st store.API) {
	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, Select(st.GetState()).Redacted())
	})
	router.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.Dispatch(SignOut()); err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "InternalError", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// Select reads the region from st, or the signed-out state when st has none.
func Select(st store.State) State {
	s, ok := store.Select[State](st, RegionName)
	if !ok {
		return initialState
	}
	return s
}

// AccessToken returns the current bearer token, or "" when signed out. It is
// the api.TokenSource wired into the API region.
func AccessToken(st store.State) string {
	return Select(st).AccessToken
}

// IsAuthenticated reports whether st holds a session that has not expired at now.
// Sessions with an opaque token carry no expiry and never expire here.
func IsAuthenticated(st store.State, now time.Time) bool {
	s := Select(st)
	if s.Status != StatusAuthenticated || s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// SignIn returns a thunk that calls the signIn endpoint and waits for the
// session to be stored. A response without a usable token is an error.
func SignIn(ctx context.Context, email, password string) store.Thunk {
	return func(dispatch store.Dispatch, getState func() store.State) (any, error) {
		if _, err := api.Run(ctx, dispatch, "signIn", api.Args{Body: api.LoginRequest{Email: email, Password: password}}); err != nil {
			return nil, err
		}
		s := Select(getState())
		if s.Status != StatusAuthenticated {
			return s, fmt.Errorf("%w: %s", ErrNoSession, s.Error)
		}
		return s, nil
	}
}

// SignOut returns a thunk that clears the session and drops cached API data.
func SignOut() store.Thunk {
	return func(dispatch store.Dispatch, _ func() store.State) (any, error) {
		if _, err := dispatch(Logout.Empty()); err != nil {
			return nil, err
		}
		return dispatch(api.ResetAPIState())
	}
}

// RefreshIfExpiring returns a thunk that calls refresh when the session expires
// within window of now. It returns true when a refresh was performed.
func RefreshIfExpiring(ctx context.Context, now time.Time, window time.Duration) store.Thunk {
	return func(dispatch store.Dispatch, getState func() store.State) (any, error) {
		s := Select(getState())
		if s.Status != StatusAuthenticated || s.ExpiresAt.IsZero() || s.ExpiresAt.Sub(now) > window {
			return false, nil
		}
		if _, err := api.Run(ctx, dispatch, "refresh", api.Args{}); err != nil {
			return false, err
		}
		return true, nil
	}
}

var (
	_ core.Module   = (*Module)(nil)
	_ core.Redactor = (*Module)(nil)
)
