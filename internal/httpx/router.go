package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gopkg.in/yaml.v3"

	"github.com/asad/crmstate/internal/core"
	"github.com/asad/crmstate/internal/logging"
	"github.com/asad/crmstate/internal/store"
)

// Inspector is the HTTP view of a running store, used for debugging.
// It serves the whole state, single regions, and accepts actions to dispatch.
// State leaves the process only after the registry has redacted it.
type Inspector struct {
	router   chi.Router
	st       store.API
	registry *core.Registry
	logger   logging.Logger
}

// NewInspector builds the inspector router. Each module in reg gets a
// sub-router under /<name>.
func NewInspector(st store.API, reg *core.Registry, logger logging.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	in := &Inspector{router: r, st: st, registry: reg, logger: logger}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "crmstate"})
	})
	r.Get("/state", in.handleGetState)
	r.Get("/state/{region}", in.handleGetRegion)
	r.Post("/actions", in.handleDispatch)

	for _, m := range reg.Modules() {
		logger.Info("registering module routes",
			logging.String("module", m.Name()),
		)
		m := m
		r.Route("/"+m.Name(), func(r chi.Router) {
			m.RegisterRoutes(r, st)
		})
	}

	return in
}

// ServeHTTP implements http.Handler.
func (in *Inspector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in.router.ServeHTTP(w, r)
}

// handleGetState handles GET /state, as JSON or, with ?format=yaml, YAML.
func (in *Inspector) handleGetState(w http.ResponseWriter, r *http.Request) {
	state := in.registry.Redact(in.st.GetState())
	if r.URL.Query().Get("format") == "yaml" {
		in.writeYAML(w, state)
		return
	}
	WriteJSON(w, http.StatusOK, state)
}

// handleGetRegion handles GET /state/{region}.
func (in *Inspector) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	v, ok := in.registry.Redact(in.st.GetState())[region]
	if !ok {
		WriteError(w, http.StatusNotFound, "RegionNotFound", "No region named "+region)
		return
	}
	if r.URL.Query().Get("format") == "yaml" {
		in.writeYAML(w, v)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// handleDispatch handles POST /actions. The body is a JSON action; the
// response is the state after it was dispatched.
func (in *Inspector) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var action store.Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		WriteError(w, http.StatusBadRequest, "InvalidRequest", "Body must be a JSON action")
		return
	}
	if action.Type == "" {
		WriteError(w, http.StatusBadRequest, "InvalidRequest", "Action type is required")
		return
	}

	if _, err := in.st.Dispatch(action); err != nil {
		in.logger.Warn("dispatch from inspector failed",
			logging.String("type", action.Type),
			logging.ErrorField(err),
		)
		WriteError(w, http.StatusUnprocessableEntity, "DispatchFailed", err.Error())
		return
	}

	in.logger.Info("action dispatched from inspector",
		logging.String("type", action.Type),
	)
	WriteJSON(w, http.StatusOK, in.registry.Redact(in.st.GetState()))
}

// writeYAML round-trips v through JSON so YAML keys follow the json tags.
func (in *Inspector) writeYAML(w http.ResponseWriter, v any) {
	out, err := ToYAML(v)
	if err != nil {
		in.logger.Error("failed to encode yaml", logging.ErrorField(err))
		WriteError(w, http.StatusInternalServerError, "InternalError", "Failed to encode state")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// ToYAML renders v as YAML using its JSON field names.
func ToYAML(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes an error response in a consistent format.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteJSON(w, statusCode, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// requestLoggingMiddleware logs method, path, status and latency of each request.
func requestLoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.String("query", r.URL.RawQuery),
				logging.Int("status", ww.Status()),
				logging.Duration("latency", time.Since(start)),
				logging.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
