package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
)

const maxResponseBytes = 4 << 20

// Request is one backend call after path expansion.
type Request struct {
	Method string
	Path   string
	Body   any
	// Token is sent as a bearer token when non-empty.
	Token string
}

// Transport performs backend calls and returns the raw JSON response body.
type Transport interface {
	Do(ctx context.Context, req Request) (json.RawMessage, error)
}

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// CookieStore keeps the backend's cookies between runs of the client.
type CookieStore interface {
	Load() ([]*http.Cookie, error)
	Save(cookies []*http.Cookie) error
}

// HTTPTransport talks to the CRM backend over HTTP. Its cookie jar keeps the
// refresh_token cookie set by signIn and signUp so refresh can send it back.
// With a CookieStore the jar outlives the process.
type HTTPTransport struct {
	baseURL string
	base    *url.URL
	client  *http.Client
	jar     http.CookieJar

	mu      sync.Mutex
	cookies CookieStore
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithCookieStore restores the jar from cs and saves it back whenever the
// backend sets a cookie.
func WithCookieStore(cs CookieStore) TransportOption {
	return func(t *HTTPTransport) {
		t.cookies = cs
	}
}

// NewHTTPTransport creates a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...TransportOption) (*HTTPTransport, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	t := &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		base:    base,
		client:  &http.Client{Jar: jar},
		jar:     jar,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.cookies != nil {
		saved, err := t.cookies.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to restore cookies: %w", err)
		}
		for _, c := range saved {
			c.Path = "/"
		}
		jar.SetCookies(base, saved)
	}
	return t, nil
}

// ClearCookies expires every cookie held for the backend and saves the empty jar.
func (t *HTTPTransport) ClearCookies() error {
	var expired []*http.Cookie
	for _, c := range t.jar.Cookies(t.base) {
		expired = append(expired, &http.Cookie{Name: c.Name, Value: "", Path: "/", MaxAge: -1})
	}
	t.jar.SetCookies(t.base, expired)
	return t.saveCookies()
}

func (t *HTTPTransport) saveCookies() error {
	if t.cookies == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cookies.Save(t.jar.Cookies(t.base))
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	if len(resp.Cookies()) > 0 {
		if err := t.saveCookies(); err != nil {
			return nil, fmt.Errorf("failed to save cookies: %w", err)
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &payload)
		return nil, &HTTPError{Status: resp.StatusCode, Message: payload.Error}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s %s: response is not JSON", req.Method, req.Path)
	}
	return json.RawMessage(data), nil
}
