// Package auth is the authentication region of the client store. It holds
// the current session (access token, identity, role) and follows the
// signIn, signUp and refresh calls made through the API region.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asad/crmstate/internal/api"
	"github.com/asad/crmstate/internal/store"
)

// RegionName is the key of the region in the root state.
const RegionName = "authSlice"

// Status of the session.
type Status string

const (
	StatusAnonymous     Status = "anonymous"
	StatusAuthenticated Status = "authenticated"
	StatusError         Status = "error"
)

// State is the session held by the region.
type State struct {
	AccessToken string    `json:"accessToken,omitempty"`
	Email       string    `json:"email,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	Role        string    `json:"role,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitzero"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// Redacted returns s without the token, for display.
func (s State) Redacted() State {
	if s.AccessToken != "" {
		s.AccessToken = "[redacted]"
	}
	return s
}

// Credentials is the payload of the login action. Token is accepted as an
// alias of AccessToken.
type Credentials struct {
	AccessToken string `json:"access_token,omitempty"`
	Token       string `json:"token,omitempty"`
	UserID      string `json:"id,omitempty"`
	Role        string `json:"role,omitempty"`
}

func (c Credentials) token() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	return c.Token
}

var initialState = State{Status: StatusAnonymous}

// Action creators of the region.
var (
	// Login stores a session from Credentials.
	Login = store.ActionCreator{Type: RegionName + "/login"}

	// Logout clears the session.
	Logout = store.ActionCreator{Type: RegionName + "/logout"}

	// TokenRefreshed replaces the access token, keeping identity and role.
	TokenRefreshed = store.ActionCreator{Type: RegionName + "/tokenRefreshed"}
)

func newSlice() *store.Slice[State] {
	s := store.NewSlice(RegionName, initialState)

	s.On(Login.Type, func(st State, a store.Action) State {
		c, ok := store.Payload[Credentials](a)
		if !ok {
			return failed(st, fmt.Errorf("login payload is %T", a.Payload))
		}
		return session(c.token(), c.UserID, c.Role)
	})

	s.On(Logout.Type, func(State, store.Action) State {
		return initialState
	})

	s.On(TokenRefreshed.Type, func(st State, a store.Action) State {
		token, ok := store.Payload[string](a)
		if !ok {
			return failed(st, fmt.Errorf("tokenRefreshed payload is %T", a.Payload))
		}
		return refreshed(st, token)
	})

	s.OnMatch(api.MatchFulfilled("signIn", "signUp"), func(st State, a store.Action) State {
		e, _ := store.Payload[api.Entry](a)
		resp, err := api.Decode[api.SessionResponse](e)
		if err != nil {
			return failed(st, err)
		}
		return session(resp.AccessToken, resp.ID, resp.Role)
	})

	s.OnMatch(api.MatchFulfilled("refresh"), func(st State, a store.Action) State {
		e, _ := store.Payload[api.Entry](a)
		resp, err := api.Decode[api.SessionResponse](e)
		if err != nil {
			return failed(st, err)
		}
		st = refreshed(st, resp.AccessToken)
		if resp.ID != "" {
			st.UserID = resp.ID
		}
		if resp.Role != "" {
			st.Role = resp.Role
		}
		return st
	})

	// A refused refresh means the refresh cookie is gone or reused; the
	// session cannot be continued.
	s.OnMatch(api.MatchRejected("refresh"), func(st State, a store.Action) State {
		e, _ := store.Payload[api.Entry](a)
		out := initialState
		out.Error = e.Error
		return out
	})

	s.OnMatch(api.MatchRejected("signIn", "signUp"), func(st State, a store.Action) State {
		e, _ := store.Payload[api.Entry](a)
		return failed(st, errors.New(e.Error))
	})
	return s
}

func session(token, userID, role string) State {
	if token == "" {
		return failed(initialState, errors.New("empty access token"))
	}
	claims := readClaims(token)
	return State{
		AccessToken: token,
		Email:       claims.Subject,
		UserID:      userID,
		Role:        role,
		ExpiresAt:   claims.ExpiresAt,
		Status:      StatusAuthenticated,
	}
}

func refreshed(st State, token string) State {
	if token == "" {
		return failed(st, errors.New("empty access token"))
	}
	claims := readClaims(token)
	st.AccessToken = token
	st.ExpiresAt = claims.ExpiresAt
	if claims.Subject != "" {
		st.Email = claims.Subject
	}
	st.Status = StatusAuthenticated
	st.Error = ""
	return st
}

func failed(st State, err error) State {
	st.Status = StatusError
	st.Error = err.Error()
	return st
}

type tokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// readClaims reads sub and exp from an access token without verifying the
// signature; the client does not hold the signing key. Opaque tokens that are
// not JWTs yield zero claims.
func readClaims(token string) tokenClaims {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return tokenClaims{}
	}
	out := tokenClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return out
}
