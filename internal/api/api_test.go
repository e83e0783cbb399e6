package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asad/crmstate/internal/store"
)

// fakeTransport records calls and answers them with respond.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []Request
	respond func(req Request) (json.RawMessage, error)
	// gate, when set, holds every call until it is closed.
	gate chan struct{}
}

func (f *fakeTransport) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.respond == nil {
		return json.RawMessage(`{}`), nil
	}
	return f.respond(req)
}

func (f *fakeTransport) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, tr Transport, opts ...Option) (*API, *store.Store) {
	t.Helper()
	a := New(tr, opts...)
	st, err := store.CreateStore(store.Regions{a.Name(): a.Reducer()}, a.Middleware())
	require.NoError(t, err)
	return a, st
}

func usersResponder(req Request) (json.RawMessage, error) {
	return json.RawMessage(`{"message":"User infos","users":[{"name":"Ann","email":"ann@example.com"}]}`), nil
}

func TestInitialState(t *testing.T) {
	a, st := newTestStore(t, &fakeTransport{})

	s := a.Select(st.GetState())
	assert.Empty(t, s.Queries)
	assert.Empty(t, s.Mutations)
}

func TestQuery_FulfilledAndCached(t *testing.T) {
	tr := &fakeTransport{respond: usersResponder}
	a, st := newTestStore(t, tr)
	ctx := context.Background()

	entry, err := Run(ctx, st.Dispatch, "getUsers", Args{})
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, entry.Status)

	resp, err := Decode[UsersResponse](entry)
	require.NoError(t, err)
	require.Len(t, resp.Users, 1)
	assert.Equal(t, "Ann", resp.Users[0].Name)

	cached, ok := a.Select(st.GetState()).Query("getUsers", Args{})
	require.True(t, ok)
	assert.Equal(t, StatusFulfilled, cached.Status)
	assert.Equal(t, []string{TagUser}, cached.Tags)

	// A second request inside the cache lifetime does not reach the backend.
	again, err := Run(ctx, st.Dispatch, "getUsers", Args{})
	require.NoError(t, err)
	assert.Equal(t, entry.RequestID, again.RequestID)
	assert.Len(t, tr.Calls(), 1)

	calls := tr.Calls()
	assert.Equal(t, "GET", calls[0].Method)
	assert.Equal(t, "/api/v1/users/", calls[0].Path)
}

func TestQuery_RefetchBypassesCache(t *testing.T) {
	tr := &fakeTransport{respond: usersResponder}
	_, st := newTestStore(t, tr)
	ctx := context.Background()

	_, err := Run(ctx, st.Dispatch, "getUsers", Args{})
	require.NoError(t, err)

	res, err := st.Dispatch(Refetch("getUsers", Args{}))
	require.NoError(t, err)
	_, err = res.(*Pending).Wait(ctx)
	require.NoError(t, err)

	assert.Len(t, tr.Calls(), 2)
}

func TestQuery_StaleEntryIsRefetched(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := &fakeTransport{respond: usersResponder}
	_, st := newTestStore(t, tr, WithClock(clock.Now), WithKeepUnusedDataFor(time.Minute))
	ctx := context.Background()

	_, err := Run(ctx, st.Dispatch, "getUsers", Args{})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = Run(ctx, st.Dispatch, "getUsers", Args{})
	require.NoError(t, err)
	assert.Len(t, tr.Calls(), 1)

	clock.Advance(31 * time.Second)
	_, err = Run(ctx, st.Dispatch, "getUsers", Args{})
	require.NoError(t, err)
	assert.Len(t, tr.Calls(), 2)
}

func TestQuery_InFlightRequestsAreShared(t *testing.T) {
	tr := &fakeTransport{respond: usersResponder, gate: make(chan struct{})}
	a, st := newTestStore(t, tr)

	first, err := st.Dispatch(Initiate("getUsers", Args{}))
	require.NoError(t, err)
	second, err := st.Dispatch(Initiate("getUsers", Args{}))
	require.NoError(t, err)
	assert.Same(t, first, second)

	pending, ok := a.Select(st.GetState()).Query("getUsers", Args{})
	require.True(t, ok)
	assert.Equal(t, StatusPending, pending.Status)

	close(tr.gate)
	entry, err := first.(*Pending).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, entry.Status)
	a.Wait()
	assert.Len(t, tr.Calls(), 1)
}

func TestQuery_RejectedKeepsHTTPStatus(t *testing.T) {
	tr := &fakeTransport{respond: func(Request) (json.RawMessage, error) {
		return nil, &HTTPError{Status: 404, Message: "Can't get user"}
	}}
	a, st := newTestStore(t, tr)

	args := Args{Params: map[string]string{"user_id": "42"}}
	_, err := Run(context.Background(), st.Dispatch, "getUser", args)
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 404, httpErr.Status)

	entry, ok := a.Select(st.GetState()).Query("getUser", args)
	require.True(t, ok)
	assert.Equal(t, StatusRejected, entry.Status)
	assert.Equal(t, 404, entry.HTTPStatus)
	assert.Contains(t, entry.Error, "Can't get user")
	assert.Equal(t, "/api/v1/users/42", tr.Calls()[0].Path)
}

func TestMutation_InvalidatesProvidedTags(t *testing.T) {
	tr := &fakeTransport{respond: func(req Request) (json.RawMessage, error) {
		if req.Method == "PUT" {
			return json.RawMessage(`{"message":"Updated user with success"}`), nil
		}
		return usersResponder(req)
	}}
	a, st := newTestStore(t, tr)
	ctx := context.Background()

	_, err := Run(ctx, st.Dispatch, "getUsers", Args{})
	require.NoError(t, err)
	_, ok := a.Select(st.GetState()).Query("getUsers", Args{})
	require.True(t, ok)

	entry, err := Run(ctx, st.Dispatch, "updateUser", Args{
		Params: map[string]string{"user_id": "42"},
		Body:   UserInfo{Name: "Ann B."},
	})
	require.NoError(t, err)

	s := a.Select(st.GetState())
	_, ok = s.Query("getUsers", Args{})
	assert.False(t, ok, "getUsers should be invalidated by updateUser")

	mutation, ok := s.Mutations[entry.RequestID]
	require.True(t, ok)
	assert.Equal(t, StatusFulfilled, mutation.Status)
	assert.Equal(t, "updateUser", mutation.Endpoint)

	calls := tr.Calls()
	assert.Equal(t, UserInfo{Name: "Ann B."}, calls[len(calls)-1].Body)
}

func TestInitiate_Errors(t *testing.T) {
	_, st := newTestStore(t, &fakeTransport{})

	_, err := st.Dispatch(Initiate("nope", Args{}))
	assert.ErrorIs(t, err, ErrUnknownEndpoint)

	_, err = st.Dispatch(Initiate("getUser", Args{}))
	assert.ErrorIs(t, err, ErrMissingParam)

	_, err = st.Dispatch(store.NewAction(typeInitiate, 12))
	assert.ErrorIs(t, err, store.ErrInvalidAction)
}

func TestTokenSourceIsSent(t *testing.T) {
	tr := &fakeTransport{}
	_, st := newTestStore(t, tr, WithTokenSource(func(store.State) string { return "tok" }))

	_, err := Run(context.Background(), st.Dispatch, "me", Args{})
	require.NoError(t, err)
	assert.Equal(t, "tok", tr.Calls()[0].Token)
}

func TestPruneExpiredAndReset(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := &fakeTransport{respond: usersResponder}
	a, st := newTestStore(t, tr, WithClock(clock.Now))
	ctx := context.Background()

	_, err := Run(ctx, st.Dispatch, "getUsers", Args{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = Run(ctx, st.Dispatch, "me", Args{})
	require.NoError(t, err)

	_, err = st.Dispatch(PruneExpired(clock.Now().Add(-time.Second)))
	require.NoError(t, err)

	s := a.Select(st.GetState())
	_, ok := s.Query("getUsers", Args{})
	assert.False(t, ok)
	_, ok = s.Query("me", Args{})
	assert.True(t, ok)

	_, err = st.Dispatch(ResetAPIState())
	require.NoError(t, err)
	assert.Empty(t, a.Select(st.GetState()).Queries)
}

func TestReducer_IgnoresSupersededResults(t *testing.T) {
	r := newSlice().Reducer()
	key := CacheKey("me", Args{})

	s := r(nil, lifecycleAction(typeQueryPending, Entry{Endpoint: "me", CacheKey: key, RequestID: "new", Status: StatusPending}))
	s = r(s, lifecycleAction(typeQueryFulfilled, Entry{Endpoint: "me", CacheKey: key, RequestID: "old", Status: StatusFulfilled}))

	got := s.(State).Queries[key]
	assert.Equal(t, "new", got.RequestID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestReducer_DoesNotMutatePreviousSnapshot(t *testing.T) {
	r := newSlice().Reducer()
	key := CacheKey("me", Args{})

	before := r(nil, store.Action{Type: store.InitActionType}).(State)
	after := r(before, lifecycleAction(typeQueryPending, Entry{Endpoint: "me", CacheKey: key, RequestID: "1", Status: StatusPending})).(State)

	assert.Empty(t, before.Queries)
	assert.Len(t, after.Queries, 1)
}

func TestMatchers(t *testing.T) {
	fulfilled := lifecycleAction(typeMutationDone, Entry{Endpoint: "signIn", RequestID: "1"})
	rejected := lifecycleAction(typeMutationFailed, Entry{Endpoint: "signIn", RequestID: "1"})

	assert.True(t, MatchFulfilled("signIn", "signUp")(fulfilled))
	assert.False(t, MatchFulfilled("refresh")(fulfilled))
	assert.False(t, MatchFulfilled("signIn")(rejected))
	assert.True(t, MatchRejected("signIn")(rejected))
}

func TestExpandAndCacheKey(t *testing.T) {
	ep := Endpoint{Name: "getUserRole", Path: "/api/v1/users/{user_id}/role"}
	path, err := ep.Expand(map[string]string{"user_id": "a/b"})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/users/a%2Fb/role", path)

	k1 := CacheKey("getUser", Args{Params: map[string]string{"a": "1", "b": "2"}})
	k2 := CacheKey("getUser", Args{Params: map[string]string{"b": "2", "a": "1"}})
	assert.Equal(t, k1, k2)
	assert.Equal(t, "me(undefined)", CacheKey("me", Args{}))
}

func TestReducer_PruneDropsStalePending(t *testing.T) {
	r := newSlice().Reducer()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	stale := CacheKey("me", Args{})
	fresh := CacheKey("getUsers", Args{})

	s := r(nil, lifecycleAction(typeQueryPending, Entry{Endpoint: "me", CacheKey: stale, RequestID: "1", Status: StatusPending, StartedAt: t0}))
	s = r(s, lifecycleAction(typeQueryPending, Entry{Endpoint: "getUsers", CacheKey: fresh, RequestID: "2", Status: StatusPending, StartedAt: t0.Add(time.Hour)}))
	s = r(s, lifecycleAction(typeMutationPending, Entry{Endpoint: "signIn", RequestID: "3", Status: StatusPending}))

	got := r(s, PruneExpired(t0.Add(time.Minute))).(State)
	assert.NotContains(t, got.Queries, stale)
	assert.Contains(t, got.Queries, fresh)
	assert.Empty(t, got.Mutations, "a pending entry without a start time is stale")

	// A late result for a pruned request is ignored.
	got = r(got, lifecycleAction(typeQueryFulfilled, Entry{Endpoint: "me", CacheKey: stale, RequestID: "1", Status: StatusFulfilled})).(State)
	assert.NotContains(t, got.Queries, stale)
}

func TestEntry_JSONOmitsZeroTimes(t *testing.T) {
	b, err := json.Marshal(Entry{Endpoint: "me", RequestID: "1", Status: StatusPending})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "TimeStamp")
}
