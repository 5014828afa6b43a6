package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/genhub/internal/backend"
)

// backendView is an instance as listed by GET /v1/backends.
type backendView struct {
	backend.Instance
	Load      *int   `json:"load,omitempty"`
	LoadError string `json:"load_error,omitempty"`
}

// registerBackendRequest is the JSON body for POST /v1/backends.
type registerBackendRequest struct {
	Name        string   `json:"name"`
	BaseURL     string   `json:"base_url"`
	RenderTypes []string `json:"render_types"`
	Active      *bool    `json:"active"`
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	instances := s.registry.List()
	views := make([]backendView, len(instances))
	for i, inst := range instances {
		views[i] = backendView{Instance: inst}
	}

	if r.URL.Query().Get("load") == "true" {
		s.probeAll(r.Context(), views)
	}

	s.writeJSON(w, http.StatusOK, views)
}

// probeAll fills in the live queue depth of every view concurrently.
func (s *Server) probeAll(ctx context.Context, views []backendView) {
	var g errgroup.Group
	for i := range views {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
			defer cancel()

			load, err := s.registry.LoadOf(pctx, views[i].Instance)
			if err != nil {
				views[i].LoadError = err.Error()
				return nil
			}
			views[i].Load = &load
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Server) handleRegisterBackend(w http.ResponseWriter, r *http.Request) {
	var req registerBackendRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inst := backend.Instance{
		Name:        req.Name,
		BaseURL:     strings.TrimRight(req.BaseURL, "/"),
		RenderTypes: req.RenderTypes,
		Active:      req.Active == nil || *req.Active,
	}
	if err := s.validate.Struct(inst); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	for _, rt := range inst.RenderTypes {
		if _, ok := s.registry.RenderType(rt); !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown render type %q", rt))
			return
		}
	}

	if err := s.registry.Register(inst); err != nil {
		if errors.Is(err, backend.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, "backend already registered")
			return
		}
		s.logger.Error("register backend", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to register backend")
		return
	}

	s.logger.Info("backend registered", "backend", inst.Name, "base_url", inst.BaseURL, "render_types", inst.RenderTypes)
	s.writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleDeregisterBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.registry.Deregister(name); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "backend not found")
			return
		}
		s.logger.Error("deregister backend", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to deregister backend")
		return
	}

	s.logger.Info("backend deregistered", "backend", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetBackendActive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req setActiveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if err := s.registry.SetActive(name, *req.Active); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "backend not found")
			return
		}
		s.logger.Error("set backend active", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update backend")
		return
	}

	inst, _ := s.registry.Get(name)
	s.logger.Info("backend liveness changed", "backend", name, "active", inst.Active)
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListRenderTypes(w http.ResponseWriter, r *http.Request) {
	types := s.registry.RenderTypes(r.URL.Query().Get("mode"))
	if types == nil {
		types = []backend.RenderType{}
	}
	s.writeJSON(w, http.StatusOK, types)
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
