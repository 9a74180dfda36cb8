package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"server/internal/domain"
	"server/internal/provider"
)

// ProviderWebhook receives a provider's push notification for one
// task. Payload shapes differ per provider, so fields are looked up
// through fallback paths. Duplicate deliveries are tolerated downstream.
func (a *App) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable payload")
		return
	}
	jobID, status, err := parseWebhookPayload(providerName, body)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	rec, err := a.Tracker.HandleWebhook(r.Context(), jobID, status)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Unknown task: acknowledge so the provider stops retrying.
			a.Logger.Warn().Str("provider", providerName).Str("task_id", jobID).Msg("webhook for unknown task")
			a.json(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to apply webhook")
		return
	}
	a.Logger.Info().Str("provider", providerName).Str("task_id", jobID).
		Str("status", string(rec.Status)).Msg("webhook applied")
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseWebhookPayload(providerName string, body []byte) (string, *provider.JobStatus, error) {
	payload := gjson.ParseBytes(body)
	jobID := firstString(payload, "data.task_id", "task_id", "output.task_id")
	if jobID == "" {
		return "", nil, errors.New("payload missing task id")
	}
	rawStatus := firstString(payload, "data.task_status", "task_status", "output.task_status")
	status := &provider.JobStatus{Status: normalizeWebhookStatus(rawStatus)}
	if status.Status == domain.StatusCompleted {
		status.VideoURL = firstString(payload,
			"data.task_result.videos.0.url", "task_result.videos.0.url", "output.video_url")
		status.ImageURL = firstString(payload,
			"data.task_result.images.0.url", "task_result.images.0.url", "output.results.0.url")
		if d := firstString(payload,
			"data.task_result.videos.0.duration", "task_result.videos.0.duration"); d != "" {
			if secs, err := strconv.ParseFloat(d, 64); err == nil {
				status.DurationSec = int(secs)
			}
		}
	}
	if status.Status == domain.StatusFailed {
		status.ErrorCode = domain.ErrorCode(domain.ErrGenerationFailed)
		status.ErrorMessage = firstString(payload, "data.task_status_msg", "task_status_msg", "message", "output.message")
		if status.ErrorMessage == "" {
			status.ErrorMessage = "provider reported failure via " + providerName + " webhook"
		}
	}
	return jobID, status, nil
}

func firstString(payload gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := payload.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func normalizeWebhookStatus(raw string) domain.GenerationStatus {
	switch strings.ToLower(raw) {
	case "succeed", "succeeded", "success", "completed":
		return domain.StatusCompleted
	case "failed", "error", "canceled":
		return domain.StatusFailed
	case "submitted", "pending", "queued":
		return domain.StatusQueued
	default:
		return domain.StatusInProgress
	}
}
