package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Esekyi/mailSage/internal/engine"
	"github.com/Esekyi/mailSage/internal/models"
)

// SendRequest is the request body for POST /api/v1/emails/send
type SendRequest struct {
	To         string            `json:"to"`
	Subject    string            `json:"subject,omitempty"`
	HTMLBody   string            `json:"html_body,omitempty"`
	TextBody   string            `json:"text_body,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	ProviderID string            `json:"provider_id,omitempty"`
	CampaignID string            `json:"campaign_id,omitempty"`
}

// BatchRecipient is one addressee in a batch request
type BatchRecipient struct {
	Email     string            `json:"email"`
	Variables map[string]string `json:"variables,omitempty"`
}

// BatchRequest is the request body for POST /api/v1/emails/batch
type BatchRequest struct {
	Recipients []BatchRecipient  `json:"recipients"`
	Subject    string            `json:"subject,omitempty"`
	HTMLBody   string            `json:"html_body,omitempty"`
	TextBody   string            `json:"text_body,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	ProviderID string            `json:"provider_id,omitempty"`
	CampaignID string            `json:"campaign_id,omitempty"`
}

// SubmitResponse is the response for accepted submissions
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ProgressPayload mirrors the job's aggregate counters. Its field set is a
// compatibility contract with callers; skipped tasks are folded into the
// settled portion of percentage but not broken out here.
type ProgressPayload struct {
	Total      int     `json:"total"`
	Sent       int     `json:"sent"`
	Failed     int     `json:"failed"`
	Pending    int     `json:"pending"`
	Percentage float64 `json:"percentage"`
}

// JobResponse is the response for GET /api/v1/jobs/{id}
type JobResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Progress  ProgressPayload `json:"progress"`
	Error     string          `json:"error,omitempty"`
	StartedAt *time.Time      `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleSend handles POST /api/v1/emails/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.To == "" {
		s.sendError(w, http.StatusBadRequest, "to is required")
		return
	}
	if _, err := mail.ParseAddress(req.To); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid recipient address: %s", req.To))
		return
	}

	s.submit(w, r, engine.SubmitRequest{
		Account:    accountFrom(r.Context()),
		TemplateID: req.TemplateID,
		Subject:    req.Subject,
		HTMLBody:   req.HTMLBody,
		TextBody:   req.TextBody,
		ProviderID: req.ProviderID,
		CampaignID: req.CampaignID,
		Recipients: []engine.Recipient{{Email: req.To, Variables: req.Variables}},
	})
}

// handleSendBatch handles POST /api/v1/emails/batch
func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients is required")
		return
	}
	recipients := make([]engine.Recipient, len(req.Recipients))
	for i, rcpt := range req.Recipients {
		if _, err := mail.ParseAddress(rcpt.Email); err != nil {
			s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid recipient address: %s", rcpt.Email))
			return
		}
		recipients[i] = engine.Recipient{Email: rcpt.Email, Variables: rcpt.Variables}
	}

	s.submit(w, r, engine.SubmitRequest{
		Account:    accountFrom(r.Context()),
		TemplateID: req.TemplateID,
		Subject:    req.Subject,
		HTMLBody:   req.HTMLBody,
		TextBody:   req.TextBody,
		ProviderID: req.ProviderID,
		CampaignID: req.CampaignID,
		Recipients: recipients,
	})
}

// submit runs the shared admission path for both send endpoints
func (s *Server) submit(w http.ResponseWriter, r *http.Request, req engine.SubmitRequest) {
	jobID, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		var admErr *engine.AdmissionError
		if errors.As(err, &admErr) {
			if admErr.RetryAfter > 0 {
				seconds := int(admErr.RetryAfter.Round(time.Second) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
				s.sendError(w, http.StatusTooManyRequests, admErr.Reason)
				return
			}
			s.sendError(w, http.StatusBadRequest, admErr.Reason)
			return
		}
		s.logger.Error("failed to submit job", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	s.logger.Info("job submitted via API",
		"job_id", jobID,
		"recipients", len(req.Recipients),
	)

	s.sendJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:  jobID,
		Status: string(models.JobQueued),
	})
}

// handleJobStatus handles GET /api/v1/jobs/{id}
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.engine.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrJobNotFound) {
			s.sendError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.logger.Error("failed to get job", "job_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	if job.OwnerID != accountFrom(r.Context()).OwnerID {
		s.sendError(w, http.StatusNotFound, "Job not found")
		return
	}

	s.sendJSON(w, http.StatusOK, JobResponse{
		ID:     job.ID,
		Status: string(job.Status),
		Progress: ProgressPayload{
			Total:      job.Progress.Total,
			Sent:       job.Progress.Sent,
			Failed:     job.Progress.Failed,
			Pending:    job.Progress.Pending,
			Percentage: job.Progress.Percentage,
		},
		Error:     job.Error,
		StartedAt: job.StartedAt,
		UpdatedAt: job.UpdatedAt,
	})
}

// handleControl handles POST /api/v1/jobs/{id}/{pause,resume,stop}
func (s *Server) handleControl(action engine.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		// Ownership check before any state change.
		job, err := s.engine.Status(r.Context(), id)
		if err != nil || job.OwnerID != accountFrom(r.Context()).OwnerID {
			s.sendError(w, http.StatusNotFound, "Job not found")
			return
		}

		if err := s.engine.Control(r.Context(), id, action); err != nil {
			var trErr *engine.InvalidTransitionError
			switch {
			case errors.Is(err, engine.ErrJobNotFound):
				s.sendError(w, http.StatusNotFound, "Job not found")
			case errors.As(err, &trErr):
				s.sendError(w, http.StatusConflict, trErr.Error())
			default:
				s.logger.Error("failed to apply job control", "job_id", id, "action", string(action), "error", err)
				s.sendError(w, http.StatusInternalServerError, "Failed to apply control")
			}
			return
		}

		s.sendJSON(w, http.StatusOK, map[string]string{
			"job_id": id,
			"status": string(action.Target()),
		})
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).String(),
	})
}

// sendJSON writes a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError writes a JSON error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
