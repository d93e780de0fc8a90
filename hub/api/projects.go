package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/amurg-ai/remotectl/hub/auth"
	"github.com/amurg-ai/remotectl/hub/dispatch"
	"github.com/amurg-ai/remotectl/hub/store"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// projectWithKey is returned only when a key is created; the plaintext key
// is never stored.
type projectWithKey struct {
	*store.Project
	APIKey string `json:"api_key"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		writeError(w, http.StatusBadRequest, "name must be 1-128 characters")
		return
	}

	key, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}
	p := &store.Project{
		ID:           uuid.NewString(),
		Name:         req.Name,
		APIKeyHash:   auth.HashAPIKey(key),
		APIKeyPrefix: prefix,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		s.logger.Error("create project failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	s.audit(r.Context(), p.ID, store.AuditProjectCreated, actor(r.Context()), map[string]string{"name": p.Name})
	writeJSON(w, http.StatusCreated, projectWithKey{Project: p, APIKey: key})
}

// loadProject answers 404 itself when the project does not exist.
func (s *Server) loadProject(w http.ResponseWriter, r *http.Request) *store.Project {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return nil
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return nil
	}
	return p
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	if p := s.loadProject(w, r); p != nil {
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	p := s.loadProject(w, r)
	if p == nil {
		return
	}
	key, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}
	if err := s.store.SetProjectAPIKeyHash(r.Context(), p.ID, auth.HashAPIKey(key), prefix); err != nil {
		s.logger.Error("rotate api key failed", "project_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to rotate api key")
		return
	}
	p.APIKeyPrefix = prefix
	s.audit(r.Context(), p.ID, store.AuditProjectKeyRotated, actor(r.Context()), nil)
	writeJSON(w, http.StatusOK, projectWithKey{Project: p, APIKey: key})
}

type actionResponse struct {
	Type      protocol.Type            `json:"type"`
	RequestID string                   `json:"request_id"`
	Result    json.RawMessage          `json:"result"`
	Output    []protocol.CommandOutput `json:"output,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	t := protocol.Type(chi.URLParam(r, "actionType"))
	if !t.IsAction() {
		writeError(w, http.StatusBadRequest, "unknown action type: "+string(t))
		return
	}

	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	fields, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	requestID := uuid.NewString()
	reply, err := s.actions.Send(r.Context(), projectID, t, fields, dispatch.Options{
		Timeout:   timeout,
		RequestID: requestID,
	})
	if err != nil {
		status, msg := actionErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("action failed", "project_id", projectID, "type", t, "request_id", requestID, "error", err)
		}
		writeError(w, status, msg)
		return
	}

	s.audit(r.Context(), projectID, store.AuditActionDispatched, actor(r.Context()), map[string]string{
		"type": string(t), "request_id": requestID, "reply": string(reply.Type),
	})
	writeJSON(w, http.StatusOK, actionResponse{
		Type:      reply.Type,
		RequestID: reply.RequestID,
		Result:    reply.Payload(),
		Output:    reply.Output,
	})
}

func actionErrorStatus(err error) (int, string) {
	if _, ok := protocol.AsProtocolError(err); ok {
		return http.StatusBadRequest, err.Error()
	}
	switch {
	case errors.Is(err, dispatch.ErrProjectNotFound):
		return http.StatusNotFound, "project not found"
	case errors.Is(err, dispatch.ErrControllerOffline):
		return http.StatusConflict, err.Error()
	case errors.Is(err, dispatch.ErrControllerDisconnected):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout, err.Error()
	}
	return http.StatusInternalServerError, "action failed"
}

// parseTimeout accepts "30s" style durations or a number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return protocol.Seconds(secs), nil
	}
	return 0, errors.New("invalid timeout: " + v)
}
