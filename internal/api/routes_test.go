package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutes(t *testing.T) {
	a, st := newTestStore(t, &fakeTransport{respond: usersResponder})
	_, err := Run(context.Background(), st.Dispatch, "getUsers", Args{})
	require.NoError(t, err)

	router := chi.NewRouter()
	a.RegisterRoutes(router, st.API())
	do := func(method, target, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, target, strings.NewReader(body)))
		return w
	}

	w := do("GET", "/queries", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), CacheKey("getUsers", Args{}))

	w = do("POST", "/invalidate", `{"tags":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do("POST", "/invalidate", `{"tags":["User"]}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, a.Select(st.GetState()).Queries)

	w = do("GET", "/mutations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())

	w = do("DELETE", "/", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}
