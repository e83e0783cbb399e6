package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ReducerPath is the region name the API cache lives under.
const ReducerPath = "authApi"

// TagUser marks cache entries that hold user data.
const TagUser = "User"

var (
	// ErrUnknownEndpoint is returned when an initiate request names no endpoint.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrMissingParam is returned when a path parameter has no value.
	ErrMissingParam = errors.New("missing path parameter")
)

// Kind distinguishes cached queries from mutations.
type Kind int

const (
	Query Kind = iota
	Mutation
)

func (k Kind) String() string {
	if k == Mutation {
		return "mutation"
	}
	return "query"
}

// Endpoint describes one backend call.
type Endpoint struct {
	Name   string
	Kind   Kind
	Method string
	// Path may contain {param} placeholders filled from Args.Params.
	Path string
	// Provides lists the tags a query's cache entry carries.
	Provides []string
	// Invalidates lists the tags a fulfilled mutation drops from the cache.
	Invalidates []string
}

// Endpoints is the CRM backend API used by the client.
var Endpoints = []Endpoint{
	{Name: "signIn", Kind: Mutation, Method: http.MethodPost, Path: "/api/v1/auth/signin", Invalidates: []string{TagUser}},
	{Name: "signUp", Kind: Mutation, Method: http.MethodPost, Path: "/api/v1/auth/signup", Invalidates: []string{TagUser}},
	{Name: "refresh", Kind: Mutation, Method: http.MethodPost, Path: "/api/v1/auth/refresh"},
	{Name: "me", Kind: Query, Method: http.MethodGet, Path: "/api/v1/users/me", Provides: []string{TagUser}},
	{Name: "getUsers", Kind: Query, Method: http.MethodGet, Path: "/api/v1/users/", Provides: []string{TagUser}},
	{Name: "getUser", Kind: Query, Method: http.MethodGet, Path: "/api/v1/users/{user_id}", Provides: []string{TagUser}},
	{Name: "getUserRole", Kind: Query, Method: http.MethodGet, Path: "/api/v1/users/{user_id}/role", Provides: []string{TagUser}},
	{Name: "updateUser", Kind: Mutation, Method: http.MethodPut, Path: "/api/v1/users/{user_id}", Invalidates: []string{TagUser}},
	{Name: "deleteUser", Kind: Mutation, Method: http.MethodDelete, Path: "/api/v1/users/{user_id}", Invalidates: []string{TagUser}},
}

// Args carries the inputs of one call.
type Args struct {
	Params map[string]string `json:"params,omitempty"`
	Body   any               `json:"body,omitempty"`
}

// Expand fills the endpoint's path placeholders from params.
func (e Endpoint) Expand(params map[string]string) (string, error) {
	path := e.Path
	for {
		start := strings.IndexByte(path, '{')
		if start < 0 {
			return path, nil
		}
		end := strings.IndexByte(path[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("endpoint %s: unterminated placeholder in %q", e.Name, e.Path)
		}
		name := path[start+1 : start+end]
		value, ok := params[name]
		if !ok || value == "" {
			return "", fmt.Errorf("endpoint %s: %w %q", e.Name, ErrMissingParam, name)
		}
		path = path[:start] + url.PathEscape(value) + path[start+end+1:]
	}
}

// CacheKey identifies a query result: the endpoint name plus its serialised
// arguments. encoding/json sorts map keys, so equal args give equal keys.
func CacheKey(endpoint string, args Args) string {
	b, err := json.Marshal(args)
	if err != nil || string(b) == "{}" {
		return endpoint + "(undefined)"
	}
	return endpoint + "(" + string(b) + ")"
}

// LoginRequest is the signIn body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration is the signUp body.
type Registration struct {
	Name            string    `json:"name"`
	Birthdate       time.Time `json:"birthdate"`
	Email           string    `json:"email"`
	PhoneNumber     string    `json:"phone_number"`
	Telegram        string    `json:"telegram"`
	City            string    `json:"city"`
	Age             uint      `json:"age"`
	Employment      string    `json:"employment"`
	IsBusinessOwner string    `json:"is_business_owner"`
	PositionAtWork  string    `json:"position_at_work"`
	MonthIncome     uint      `json:"month_income"`
	Password        string    `json:"password"`
}

// UserInfo is the user record returned by the users endpoints and accepted by updateUser.
type UserInfo struct {
	ID              string    `json:"id,omitempty"`
	Name            string    `json:"name"`
	Birthdate       time.Time `json:"birthdate"`
	Email           string    `json:"email"`
	PhoneNumber     string    `json:"phone_number"`
	Telegram        string    `json:"telegram"`
	City            string    `json:"city"`
	Age             uint      `json:"age"`
	Employment      string    `json:"employment"`
	IsBusinessOwner string    `json:"is_business_owner"`
	PositionAtWork  string    `json:"position_at_work"`
	MonthIncome     uint      `json:"month_income"`
}

// SessionResponse is returned by signIn, signUp and refresh.
type SessionResponse struct {
	Message     string `json:"message"`
	AccessToken string `json:"access_token"`
	ID          string `json:"id"`
	Role        string `json:"role"`
}

// UsersResponse is returned by getUsers.
type UsersResponse struct {
	Message string     `json:"message"`
	Users   []UserInfo `json:"users"`
}

// UserResponse is returned by me and getUser.
type UserResponse struct {
	Message string   `json:"message"`
	User    UserInfo `json:"user"`
}

// RoleResponse is returned by getUserRole.
type RoleResponse struct {
	Message string `json:"message"`
	Role    string `json:"role"`
}
