package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"photopipe/internal/domain"
)

const (
	signatureHeader = "X-Signature"
	signaturePrefix = "sha256="
	maxIntakeBody   = 1 << 20

	intakeStatusCreated   = "created"
	intakeStatusDuplicate = "duplicate"
)

type intakePayload struct {
	SKU            string `json:"sku"`
	SourceImageURL string `json:"source_image_url"`
	ContentHash    string `json:"content_hash"`
	Theme          string `json:"theme"`
	Workflow       string `json:"workflow"`
}

// intakeResponse tells the delivering system whether this payload created a
// job or resolved to one it already delivered.
type intakeResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// PhotoWebhook is the intake endpoint. The caller signs the raw body with
// HMAC-SHA256 over the shared secret; a valid signature plus a valid payload
// creates at most one job per (sku, content_hash), no matter how many times
// the upstream system retries the delivery.
func (a *App) PhotoWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIntakeBody))
	if err != nil {
		a.error(w, http.StatusRequestEntityTooLarge, domain.ErrCodeValidation, "body too large")
		return
	}
	if !a.verifySignature(r.Header.Get(signatureHeader), body) {
		a.error(w, http.StatusUnauthorized, "InvalidSignature", "missing or invalid webhook signature")
		return
	}

	var payload intakePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		a.error(w, http.StatusUnprocessableEntity, domain.ErrCodeValidation, "malformed JSON payload")
		return
	}
	if msg := validateIntake(&payload); msg != "" {
		a.error(w, http.StatusUnprocessableEntity, domain.ErrCodeValidation, msg)
		return
	}

	job := &domain.Job{
		ID:             uuid.NewString(),
		SKU:            payload.SKU,
		ContentHash:    payload.ContentHash,
		SourceImageURL: payload.SourceImageURL,
		Theme:          payload.Theme,
		Workflow:       domain.ParseWorkflowVariant(payload.Workflow),
		Status:         domain.StatusNew,
	}
	stored, created, err := a.Jobs.CreateIfAbsent(r.Context(), job)
	if err != nil {
		a.Logger.Error().Err(err).Str("sku", payload.SKU).Msg("webhook: create job")
		a.error(w, http.StatusInternalServerError, "InternalError", "could not record job")
		return
	}

	if created {
		a.Logger.Info().Str("job_id", stored.ID).Str("sku", stored.SKU).Msg("webhook: job accepted")
		a.json(w, http.StatusCreated, intakeResponse{JobID: stored.ID, Status: intakeStatusCreated})
		return
	}
	a.json(w, http.StatusOK, intakeResponse{JobID: stored.ID, Status: intakeStatusDuplicate})
}

func (a *App) verifySignature(header string, body []byte) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.Config.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, signaturePrefix)))
}

func validateIntake(p *intakePayload) string {
	p.SKU = strings.TrimSpace(p.SKU)
	p.ContentHash = strings.ToLower(strings.TrimSpace(p.ContentHash))
	p.Theme = strings.TrimSpace(p.Theme)
	p.SourceImageURL = strings.TrimSpace(p.SourceImageURL)

	if p.SKU == "" {
		return "sku is required"
	}
	if p.Theme == "" {
		return "theme is required"
	}
	if p.ContentHash == "" {
		return "content_hash is required"
	}
	if _, err := hex.DecodeString(p.ContentHash); err != nil || len(p.ContentHash)%2 != 0 {
		return "content_hash must be hex"
	}
	u, err := url.Parse(p.SourceImageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "source_image_url must be an absolute http(s) URL"
	}
	return ""
}
