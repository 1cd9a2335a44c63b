package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"reel/internal/httpkit"
	"reel/internal/models"
	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
	"reel/internal/scripts"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxJobBodyBytes  = scripts.MaxScriptBytes + 64<<10
)

// CreateJobRequest carries either a stored script reference or inline code.
type CreateJobRequest struct {
	ScriptReference string `json:"script_reference,omitempty"`
	ScriptCode      string `json:"script_code,omitempty"`
	SceneName       string `json:"scene_name,omitempty"`
	Quality         string `json:"quality"`
	WebhookURL      string `json:"webhook_url,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	var body CreateJobRequest
	if err := httpkit.DecodeJSON(w, r, maxJobBodyBytes, &body); err != nil {
		return err
	}

	ref := strings.TrimSpace(body.ScriptReference)
	switch {
	case ref != "" && body.ScriptCode != "":
		return errors.ValidationField("script_code", "send either script_reference or script_code, not both")
	case body.ScriptCode != "":
		saved, err := h.scripts.Save(body.ScriptCode, strings.TrimSpace(body.SceneName))
		if err != nil {
			return err
		}
		ref = saved
	}

	id, err := h.jobs.Submit(ctx, models.Request{
		ScriptReference: ref,
		SceneName:       strings.TrimSpace(body.SceneName),
		Quality:         models.Quality(strings.ToLower(strings.TrimSpace(body.Quality))),
		WebhookURL:      strings.TrimSpace(body.WebhookURL),
		Priority:        body.Priority,
	})
	if err != nil {
		return err
	}

	w.Header().Set("Location", "/jobs/"+id)
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{
		"job_id":           id,
		"script_reference": ref,
	})
	return nil
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	filter := ports.ListFilter{Limit: defaultListLimit}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxListLimit {
			return errors.ValidationField("limit", "limit must be between 1 and "+strconv.Itoa(maxListLimit))
		}
		filter.Limit = v
	}
	for _, raw := range strings.Split(q.Get("state"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		st, err := models.ParseState(raw)
		if err != nil {
			return err
		}
		filter.States = append(filter.States, st)
	}

	jobs, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		return err
	}

	out := make([]models.Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": out})
	return nil
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) error {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, job.Status())
	return nil
}

// CancelJob cancels a job that no slot has claimed yet.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")
	ctx := logger.ContextWithJobID(r.Context(), jobID)

	job, err := h.jobs.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	h.log.FromContext(ctx).Info("job cancelled via api")
	httpkit.WriteJSON(w, http.StatusOK, job.Status())
	return nil
}
