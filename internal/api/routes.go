package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/asad/crmstate/internal/core"
	"github.com/asad/crmstate/internal/httpx"
	"github.com/asad/crmstate/internal/logging"
	"github.com/asad/crmstate/internal/store"
)

// RegisterRoutes exposes the cache to the inspector:
//   - GET /queries - cached queries by cache key
//   - GET /mutations - tracked mutations by request id
//   - POST /invalidate - drop queries by tag, body {"tags": [...]}
//   - DELETE / - reset the region
func (a *API) RegisterRoutes(router chi.Router, st store.API) {
	router.Get("/queries", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, a.Select(st.GetState()).Queries)
	})
	router.Get("/mutations", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, a.Select(st.GetState()).Mutations)
	})
	router.Post("/invalidate", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Tags []string `json:"tags"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Tags) == 0 {
			httpx.WriteError(w, http.StatusBadRequest, "InvalidRequest", "Body must be {\"tags\": [...]}")
			return
		}
		if _, err := st.Dispatch(InvalidateTags(body.Tags...)); err != nil {
			a.logger.Error("failed to invalidate tags", logging.ErrorField(err))
			httpx.WriteError(w, http.StatusInternalServerError, "InternalError", "Failed to invalidate tags")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	router.Delete("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.Dispatch(ResetAPIState()); err != nil {
			a.logger.Error("failed to reset api state", logging.ErrorField(err))
			httpx.WriteError(w, http.StatusInternalServerError, "InternalError", "Failed to reset cache")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

var _ core.Module = (*API)(nil)
