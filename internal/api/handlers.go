// Package api provides HTTP handlers for the stream-bot endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/outbox"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/scheduler"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/store"
)

// enqueueMessageRequest is the body of POST /v1/messages.
type enqueueMessageRequest struct {
	TenantID     string                 `json:"tenant_id"`
	Platform     models.Platform        `json:"platform"`
	Kind         models.MessageKind     `json:"kind"`
	Payload      json.RawMessage        `json:"payload"`
	Priority     models.MessagePriority `json:"priority,omitempty"`
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
	MaxAttempts  int                    `json:"max_attempts,omitempty"`
}

// createJobRequest is the body of POST /v1/jobs.
type createJobRequest struct {
	Type          string     `json:"type"`
	Name          string     `json:"name,omitempty"`
	Payload       string     `json:"payload,omitempty"`
	Priority      int        `json:"priority,omitempty"`
	RunAt         *time.Time `json:"run_at,omitempty"`
	RepeatSeconds int        `json:"repeat_seconds,omitempty"`
	MaxAttempts   int        `json:"max_attempts,omitempty"`
	DedupeKey     string     `json:"dedupe_key,omitempty"`
}

// tenantPlatformRequest covers the token-check and ack-all bodies.
type tenantPlatformRequest struct {
	TenantID string          `json:"tenant_id"`
	Platform models.Platform `json:"platform,omitempty"`
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messagesHandler: processing enqueue request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.messagesHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req enqueueMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	enq := outbox.EnqueueRequest{
		TenantID:    req.TenantID,
		Platform:    req.Platform,
		Kind:        req.Kind,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}
	if req.ScheduledFor != nil {
		enq.ScheduledFor = *req.ScheduledFor
	}

	id, err := s.outbox.Enqueue(enq)
	if err != nil {
		slog.Warn("Server.messagesHandler: enqueue rejected", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Server.messagesHandler: message queued", "id", id, "tenantID", req.TenantID, "platform", req.Platform)
	writeJSONResponse(w, http.StatusAccepted, models.Queued(id))
}

func (s *Server) queueStatsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.queueStatsHandler: processing stats request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.outbox.GetQueueStats(r.URL.Query().Get("tenant_id"))
	if err != nil {
		slog.Error("Server.queueStatsHandler: failed to fetch stats", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch queue stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodPost:
		s.createJob(w, r)
	case http.MethodGet:
		s.listJobs(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createJob: processing job create", "path", r.URL.Path)
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createJob: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Type == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: type"))
		return
	}

	opts := scheduler.JobOptions{
		Priority:       req.Priority,
		RepeatInterval: time.Duration(req.RepeatSeconds) * time.Second,
		MaxAttempts:    req.MaxAttempts,
		DedupeKey:      req.DedupeKey,
	}
	if req.RunAt != nil {
		opts.RunAt = *req.RunAt
	}

	id, err := s.sched.CreateJob(req.Type, req.Name, req.Payload, opts)
	if err != nil {
		if errors.Is(err, models.ErrUnknownPayloadType) {
			slog.Warn("Server.createJob: unknown job type", "type", req.Type)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.createJob: failed to create job", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create job"))
		return
	}
	slog.Info("Server.createJob: job created", "id", id, "type", req.Type)
	writeJSONResponse(w, http.StatusCreated, models.Queued(id))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status: models.JobStatus(q.Get("status")),
		Type:   q.Get("type"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		filter.Limit = limit
	}
	jobs, err := s.sched.GetJobs(filter)
	if err != nil {
		slog.Error("Server.listJobs: failed to list jobs", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list jobs"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(jobs))
}

// jobHandler serves GET and DELETE on /v1/jobs/{id}.
func (s *Server) jobHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.sched.GetJobStatus(id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
				return
			}
			slog.Error("Server.jobHandler: failed to fetch job", "id", id, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch job"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(job))

	case http.MethodDelete:
		if err := s.sched.CancelJob(id); err != nil {
			switch {
			case errors.Is(err, models.ErrNotFound):
				writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
			case errors.Is(err, models.ErrJobNotCancellable):
				writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			default:
				slog.Error("Server.jobHandler: failed to cancel job", "id", id, "error", err)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel job"))
			}
			return
		}
		slog.Info("Server.jobHandler: job cancelled", "id", id)
		writeJSONResponse(w, http.StatusOK, models.Success(nil))

	default:
		w.Header().Set("Allow", "GET, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) platformHealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.monitor.GetAllPlatformHealth()))
}

func (s *Server) tokenDashboardHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: tenant_id"))
		return
	}
	dash, err := s.tokens.GetTokenDashboard(tenantID)
	if err != nil {
		slog.Error("Server.tokenDashboardHandler: failed to build dashboard", "tenantID", tenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch token dashboard"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(dash))
}

func (s *Server) tokenCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req tenantPlatformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.TenantID == "" || req.Platform == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: tenant_id, platform"))
		return
	}

	health, err := s.tokens.CheckTokenExpiry(r.Context(), req.TenantID, req.Platform)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("No credential for tenant/platform"))
			return
		}
		slog.Error("Server.tokenCheckHandler: check failed", "tenantID", req.TenantID, "platform", req.Platform, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check token"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]models.TokenHealth{"health": health}))
}

func (s *Server) rotationHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: tenant_id"))
		return
	}
	entries, err := s.tokens.GetRotationHistory(tenantID, models.Platform(q.Get("platform")))
	if err != nil {
		slog.Error("Server.rotationHistoryHandler: failed to fetch history", "tenantID", tenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch rotation history"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	alerts, err := s.tokens.GetPendingAlerts(r.URL.Query().Get("tenant_id"))
	if err != nil {
		slog.Error("Server.alertsHandler: failed to list alerts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list alerts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(alerts))
}

// alertActionHandler serves POST /v1/alerts/{id}/ack and POST /v1/alerts/ack-all.
func (s *Server) alertActionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/alerts/")
	if rest == "ack-all" {
		var req tenantPlatformRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if req.TenantID == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: tenant_id"))
			return
		}
		n, err := s.tokens.AcknowledgeAllAlerts(req.TenantID, req.Platform)
		if err != nil {
			slog.Error("Server.alertActionHandler: ack-all failed", "tenantID", req.TenantID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to acknowledge alerts"))
			return
		}
		slog.Info("Server.alertActionHandler: alerts acknowledged", "tenantID", req.TenantID, "count", n)
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"acknowledged": n}))
		return
	}

	id, ok := strings.CutSuffix(rest, "/ack")
	if !ok || id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := s.tokens.AcknowledgeAlert(id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Alert not found"))
			return
		}
		slog.Error("Server.alertActionHandler: ack failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to acknowledge alert"))
		return
	}
	slog.Info("Server.alertActionHandler: alert acknowledged", "id", id)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
