package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/conformance/internal/browser"
	"github.com/roach88/conformance/internal/catalog"
	"github.com/roach88/conformance/internal/config"
	"github.com/roach88/conformance/internal/module"
	"github.com/roach88/conformance/internal/testinfo"
)

func (s *Server) apiRoutes(api chi.Router) {
	api.Get("/catalog", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"modules": s.opts.Catalog.List()})
	})

	api.Post("/runner", s.handleCreate)
	api.Get("/runner", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"running": s.IDs()})
	})
	api.Route("/runner/{id}", func(api chi.Router) {
		api.Get("/", s.handleStatus)
		api.Post("/", s.handleStart)
		api.Delete("/", s.handleStop)
		api.Post("/placeholder/{placeholder}", s.handlePlaceholder)
	})

	api.Get("/info", func(w http.ResponseWriter, r *http.Request) {
		records, err := s.opts.Info.ListTests(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INFO_ERROR", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tests": records})
	})
	api.Get("/info/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.opts.Info.GetTest(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeInfoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	api.Get("/log/{id}", s.handleLog)
}

// handleCreate creates and configures an instance of ?test=name with the
// JSON body as configuration.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("test")
	if name == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "test query parameter is required", nil)
		return
	}
	var cfg map[string]any
	if r.ContentLength != 0 {
		if err := readJSON(r, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
			return
		}
	}

	res, err := s.Create(r.Context(), name, cfg)
	var cfgErr *config.ModuleConfigError
	switch {
	case errors.Is(err, catalog.ErrUnknownModule):
		writeError(w, http.StatusNotFound, "UNKNOWN_MODULE", err.Error(), nil)
		return
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, "INVALID_CONFIG", err.Error(), cfgErr.Problems)
		return
	case err != nil && res.Module == nil:
		writeError(w, http.StatusInternalServerError, "CREATE_FAILED", err.Error(), nil)
		return
	}

	body := map[string]any{
		"id":     res.Module.ID(),
		"name":   name,
		"url":    s.opts.BaseURL + "/test/" + res.Module.ID(),
		"status": res.Module.Status(),
		"result": res.Module.Result(),
	}
	if s.opts.MTLSBaseURL != "" {
		body["mtls_url"] = s.opts.MTLSBaseURL + "/test-mtls/" + res.Module.ID()
	}
	if len(res.MissingFields) > 0 {
		body["missing_fields"] = res.MissingFields
	}
	if err != nil {
		// The instance exists but failed its setup checks.
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := m.Start(r.Context()); err != nil {
		writeModuleError(w, m, err)
		return
	}
	writeJSON(w, http.StatusOK, s.describe(m))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.describe(m))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Remove(r.Context(), id); err != nil {
		writeInfoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlaceholder(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var evidence map[string]any
	if r.ContentLength != 0 {
		if err := readJSON(r, &evidence); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
			return
		}
	}
	if err := m.FulfillPlaceholder(r.Context(), chi.URLParam(r, "placeholder"), evidence); err != nil {
		writeModuleError(w, m, err)
		return
	}
	writeJSON(w, http.StatusOK, s.describe(m))
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.opts.Trail == nil {
		writeError(w, http.StatusNotImplemented, "NO_TRAIL", "audit trail is not readable", nil)
		return
	}
	id := chi.URLParam(r, "id")
	entries, err := s.opts.Trail.Events(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TRAIL_ERROR", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"test_id": id, "entries": entries})
}

// handleDetail is where finished browser flows land.
func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("log")
	rec, err := s.opts.Info.GetTest(r.Context(), id)
	if err != nil {
		writeInfoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*module.Module, bool) {
	id := chi.URLParam(r, "id")
	m, ok := s.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no running test "+id, nil)
	}
	return m, ok
}

func (s *Server) describe(m *module.Module) map[string]any {
	out := map[string]any{
		"id":      m.ID(),
		"name":    m.Name(),
		"status":  m.Status(),
		"result":  m.Result(),
		"exposed": m.Exposed(),
	}
	if rec, ok := m.Browser().(*browser.Recorder); ok {
		visits := rec.Visits()
		if visits == nil {
			visits = []browser.Visit{}
		}
		out["browser"] = visits
	}
	return out
}

func writeInfoError(w http.ResponseWriter, err error) {
	if errors.Is(err, testinfo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	}
	writeError(w, http.StatusInternalServerError, "INFO_ERROR", err.Error(), nil)
}
