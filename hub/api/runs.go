package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/amurg-ai/remotectl/hub/store"
)

func queryInt(r *http.Request, key string, def, max int) int {
	n := def
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			n = parsed
		}
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	runs, err := s.store.ListTestRuns(r.Context(), p.ID, queryInt(r, "limit", 50, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.TestRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	var req struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Status == "" {
		req.Status = store.RunPending
	}
	if req.Status != store.RunPending && req.Status != store.RunRunning {
		writeError(w, http.StatusBadRequest, "a new run must be pending or running")
		return
	}

	run := &store.TestRun{ID: uuid.NewString(), ProjectID: p.ID, Name: req.Name, Status: req.Status}
	if err := s.store.CreateTestRun(r.Context(), run); err != nil {
		s.logger.Error("create run failed", "project_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}
	s.audit(r.Context(), p.ID, store.AuditRunCreated, actor(r.Context()), map[string]string{"run_id": run.ID})
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) *store.TestRun {
	run, err := s.store.GetTestRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return nil
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return nil
	}
	return run
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if run := s.loadRun(w, r); run != nil {
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	run := s.loadRun(w, r)
	if run == nil {
		return
	}
	var req struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !store.ValidRunStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid status: "+req.Status)
		return
	}
	if err := s.store.UpdateTestRunStatus(r.Context(), run.ID, req.Status, req.Error); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update run")
		return
	}
	s.audit(r.Context(), run.ProjectID, store.AuditRunUpdated, actor(r.Context()), map[string]string{
		"run_id": run.ID, "status": req.Status,
	})

	updated, err := s.store.GetTestRun(r.Context(), run.ID)
	if err != nil || updated == nil {
		writeError(w, http.StatusInternalServerError, "failed to reload run")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		Action:    r.URL.Query().Get("action"),
		Limit:     queryInt(r, "limit", 50, 500),
		Offset:    queryInt(r, "offset", 0, 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
