package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/darkroom/internal/events"
	"github.com/mattjoyce/darkroom/internal/history"
	"github.com/mattjoyce/darkroom/internal/job"
	"github.com/mattjoyce/darkroom/internal/policy"
	"github.com/mattjoyce/darkroom/internal/queue"
	"github.com/mattjoyce/darkroom/internal/registry"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Paused:        s.policy.Current().MustPause,
	}
	for _, id := range s.scopes.List() {
		scope, err := s.scopes.Get(id)
		if err != nil {
			continue
		}
		st := scope.Repo.Snapshot()
		resp.Users++
		resp.Pending += st.Pending
		resp.Running += st.Running
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ids := s.scopes.List()
	out := make([]UserResponse, 0, len(ids))
	for _, id := range ids {
		scope, err := s.scopes.Get(id)
		if err != nil {
			continue
		}
		out = append(out, userResponse(scope))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleOpenUser(w http.ResponseWriter, r *http.Request) {
	scope, err := s.scopes.Open(chi.URLParam(r, "user"))
	if err != nil {
		s.writeScopeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, userResponse(scope))
}

func (s *Server) handleCloseUser(w http.ResponseWriter, r *http.Request) {
	if err := s.scopes.Close(chi.URLParam(r, "user")); err != nil {
		s.writeScopeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	repo := scope.Repo

	resp := JobListResponse{
		Scheduler: scope.Controller.Status(),
		Stats:     repo.Snapshot(),
		Pending:   make([]JobResponse, 0),
	}
	for _, j := range repo.PendingJobs() {
		resp.Pending = append(resp.Pending, newJobResponse(j))
	}
	resp.Running = jobsInState(repo, job.StateRunning)
	resp.Paused = jobsInState(repo, job.StatePause)
	resp.Failed = jobsInState(repo, job.StateFailed)
	resp.Error = jobsInState(repo, job.StateError)
	resp.Deleted = jobsInState(repo, job.StateDeleted)
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}

	var req AddJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	var opts []queue.AddOption
	if req.Discardable {
		opts = append(opts, queue.Discardable())
	}
	if req.Urgent {
		opts = append(opts, queue.Urgent())
	}
	payload := job.Payload{Source: req.Source, Destination: req.Destination, Metadata: req.Metadata}

	j, err := scope.Repo.AddJob(req.ID, payload, opts...)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, newJobResponse(j))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	j, found := scope.Repo.Lookup(chi.URLParam(r, "id"))
	if !found {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, newJobResponse(j))
}

// handleRemoveJob handles DELETE /users/{user}/jobs/{id}?soft=true.
func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	soft := false
	if v := r.URL.Query().Get("soft"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "soft must be a boolean")
			return
		}
		soft = parsed
	}

	j, found := scope.Repo.Lookup(id)
	if !found {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !scope.Controller.Remove(id, soft) {
		msg := "job is running and not discardable"
		if j.State == job.StateDeleted {
			msg = "job is already deleted"
		}
		s.writeError(w, http.StatusConflict, msg)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"job_id": id, "removed": true, "soft": soft})
}

func (s *Server) handleRestoreJob(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := scope.Repo.RestoreJob(id); err != nil {
		s.writeJobError(w, err)
		return
	}
	j, _ := scope.Repo.Lookup(id)
	s.events.Publish(scope.UserID, events.JobRestored, map[string]any{
		"job_id": id,
		"class":  j.Class.String(),
	})
	respondJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handlePrioritizeJob(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req PrioritizeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	urgent := req.Urgent == nil || *req.Urgent

	if err := scope.Repo.Prioritize(id, urgent); err != nil {
		s.writeJobError(w, err)
		return
	}
	j, _ := scope.Repo.Lookup(id)
	respondJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not configured")
		return
	}
	user := chi.URLParam(r, "user")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.history.List(r.Context(), user, limit)
	if err != nil {
		s.logger.Error("failed to read history", "user_id", user, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{User: user, Entries: entries})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.policyResponse())
}

// handlePolicyEvent handles POST /policy/events, the environment monitor's
// way in.
func (s *Server) handlePolicyEvent(w http.ResponseWriter, r *http.Request) {
	var req PolicyEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ev, err := policy.ParseEventType(req.Event)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.policy.OnEventChange(ev, req.Value)
	respondJSON(w, http.StatusOK, s.policyResponse())
}

// handleIgnoreSource handles PUT (ignore) and DELETE (obey) on
// /policy/sources/{name}/ignore.
func (s *Server) handleIgnoreSource(w http.ResponseWriter, r *http.Request) {
	ignored := r.Method == http.MethodPut
	if err := s.policy.SetIgnored(chi.URLParam(r, "name"), ignored); err != nil {
		if errors.Is(err, policy.ErrUnknownSource) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.policyResponse())
}

func (s *Server) policyResponse() PolicyResponse {
	return PolicyResponse{Aggregate: s.policy.Current(), Sources: s.policy.Sources()}
}

// scope resolves {user} or writes a 404.
func (s *Server) scope(w http.ResponseWriter, r *http.Request) (*registry.Scope, bool) {
	scope, err := s.scopes.Get(chi.URLParam(r, "user"))
	if err != nil {
		s.writeScopeError(w, err)
		return nil, false
	}
	return scope, true
}

func userResponse(scope *registry.Scope) UserResponse {
	return UserResponse{
		User:      scope.UserID,
		Scheduler: scope.Controller.Status(),
		Stats:     scope.Repo.Snapshot(),
	}
}

func jobsInState(repo *queue.Repository, st job.State) []JobResponse {
	out := make([]JobResponse, 0)
	for _, id := range repo.JobsInState(st) {
		if j, ok := repo.Lookup(id); ok {
			out = append(out, newJobResponse(j))
		}
	}
	return out
}

func (s *Server) writeScopeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownUser):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrUserExists):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, job.ErrConflict), errors.Is(err, job.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
