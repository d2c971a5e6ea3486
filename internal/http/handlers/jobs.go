package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"photopipe/internal/domain"
)

type jobResponse struct {
	ID             string `json:"id"`
	SKU            string `json:"sku"`
	ContentHash    string `json:"content_hash"`
	SourceImageURL string `json:"source_image_url"`
	Theme          string `json:"theme"`
	Workflow       string `json:"workflow"`
	Status         string `json:"status"`

	CutoutKey      string   `json:"cutout_key,omitempty"`
	MaskKey        string   `json:"mask_key,omitempty"`
	BackgroundKeys []string `json:"background_keys,omitempty"`
	CompositeKeys  []string `json:"composite_keys,omitempty"`
	DerivativeKeys []string `json:"derivative_keys,omitempty"`
	ManifestKey    string   `json:"manifest_key,omitempty"`

	StageDurationsMS map[domain.Stage]int64 `json:"stage_durations_ms,omitempty"`
	StageCostCents   map[domain.Stage]int64 `json:"stage_cost_cents,omitempty"`
	TotalCostCents   int64                  `json:"total_cost_cents"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	FailedStage  string `json:"failed_stage,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:               job.ID,
		SKU:              job.SKU,
		ContentHash:      job.ContentHash,
		SourceImageURL:   job.SourceImageURL,
		Theme:            job.Theme,
		Workflow:         string(job.Workflow),
		Status:           string(job.Status),
		CutoutKey:        job.CutoutKey,
		MaskKey:          job.MaskKey,
		BackgroundKeys:   job.BackgroundKeys,
		CompositeKeys:    job.CompositeKeys,
		DerivativeKeys:   job.DerivativeKeys,
		ManifestKey:      job.ManifestKey,
		StageDurationsMS: job.StageDurations,
		StageCostCents:   job.StageCostCents,
		TotalCostCents:   job.TotalCostCents(),
		ErrorCode:        job.ErrorCode,
		ErrorMessage:     job.ErrorMessage,
		FailedStage:      string(job.FailedStage),
		CreatedAt:        job.CreatedAt,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}

// GetJob serves the status-polling endpoint.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookupJob(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

// ListJobs returns recent jobs, optionally filtered by status.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := domain.ListFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := domain.ParseStatus(raw)
		if !ok {
			a.error(w, http.StatusUnprocessableEntity, domain.ErrCodeValidation, "unknown status filter")
			return
		}
		filter.Status = status
	}
	jobs, err := a.Jobs.List(r.Context(), filter)
	if err != nil {
		a.Logger.Error().Err(err).Msg("jobs: list")
		a.error(w, http.StatusInternalServerError, "InternalError", "could not list jobs")
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": out})
}

// FailJob administratively marks a job FAILED, recording the operator's
// reason. It stops further dispatch but cannot retract vendor tasks already
// in flight.
func (a *App) FailJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookupJob(w, r)
	if !ok {
		return
	}
	if domain.IsTerminal(job.Status) {
		a.error(w, http.StatusConflict, "InvalidState", "job is already terminal")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	stage, _ := domain.StageFor(job.Status)
	code := domain.ErrCodeOperator
	msg := strings.TrimSpace(body.Reason)
	if msg == "" {
		msg = "marked failed by operator"
	}
	updated, err := a.Jobs.Transition(r.Context(), job.ID, job.Status, domain.StatusFailed, domain.Patch{
		ErrorCode:    &code,
		ErrorMessage: &msg,
		FailedStage:  &stage,
	})
	if err != nil {
		a.transitionError(w, err)
		return
	}
	a.json(w, http.StatusOK, toJobResponse(updated))
}

// ResumeJob re-enters a FAILED job at its failed stage, not from the start:
// the pre-stage status is restored and the error fields cleared, so the next
// processor pass re-dispatches exactly the stage that broke.
func (a *App) ResumeJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookupJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.StatusFailed {
		a.error(w, http.StatusConflict, "InvalidState", "only FAILED jobs can be resumed")
		return
	}
	target := domain.StatusNew
	if s, ok := domain.StatusBefore(job.FailedStage); ok {
		target = s
	}
	updated, err := a.Jobs.Transition(r.Context(), job.ID, domain.StatusFailed, target, domain.Patch{ClearError: true})
	if err != nil {
		a.transitionError(w, err)
		return
	}
	a.Logger.Info().
		Str("job_id", updated.ID).
		Str("status", string(updated.Status)).
		Msg("jobs: resumed by operator")
	a.json(w, http.StatusOK, toJobResponse(updated))
}

func (a *App) lookupJob(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := a.Jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "NotFound", "job not found")
			return nil, false
		}
		a.Logger.Error().Err(err).Str("job_id", id).Msg("jobs: lookup")
		a.error(w, http.StatusInternalServerError, "InternalError", "could not load job")
		return nil, false
	}
	return job, true
}

func (a *App) transitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrImmutable):
		a.error(w, http.StatusConflict, "InvalidState", "finished jobs are immutable")
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "Conflict", "job changed concurrently, retry")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "NotFound", "job not found")
	default:
		a.Logger.Error().Err(err).Msg("jobs: transition")
		a.error(w, http.StatusInternalServerError, "InternalError", "could not update job")
	}
}
