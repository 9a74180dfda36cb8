package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/storage"
)

type generateRequest struct {
	Prompt            string `json:"prompt"`
	GenerationType    string `json:"generationType"`
	Feature           string `json:"feature"`
	ModelName         string `json:"modelName"`
	Duration          string `json:"duration"`
	AspectRatio       string `json:"aspectRatio"`
	Resolution        string `json:"resolution"`
	AudioEnabled      bool   `json:"audioEnabled"`
	ImageURL          string `json:"imageUrl"`
	StartFrameURL     string `json:"startFrameUrl"`
	EndFrameURL       string `json:"endFrameUrl"`
	CharacterImageURL string `json:"characterImageUrl"`
	VideoURL          string `json:"videoUrl"`
}

type recordResponse struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Type         string    `json:"type"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Prompt       string    `json:"prompt,omitempty"`
	DurationSec  int       `json:"duration_sec,omitempty"`
	VideoURL     string    `json:"video_url,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toRecordResponse(rec *domain.GenerationRecord) recordResponse {
	return recordResponse{
		ID:           rec.ID,
		Status:       string(rec.Status),
		Type:         string(rec.Type),
		Provider:     rec.Provider,
		Model:        rec.ModelName,
		Prompt:       rec.Prompt,
		DurationSec:  rec.DurationSec,
		VideoURL:     rec.VideoURL,
		ImageURL:     rec.ImageURL,
		ThumbnailURL: rec.ThumbnailURL,
		ErrorCode:    rec.ErrorCode,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// GenerationsCreate accepts either a JSON body with URL references or a
// multipart form carrying uploaded files, and submits one generation.
func (a *App) GenerationsCreate(w http.ResponseWriter, r *http.Request) {
	req, err := a.parseGenerateRequest(r)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	rec, err := a.Tracker.Submit(r.Context(), *req)
	if err != nil {
		a.writeProviderError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, toRecordResponse(rec))
}

func (a *App) GenerationsGet(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return
	}
	a.json(w, http.StatusOK, toRecordResponse(rec))
}

func (a *App) GenerationsList(w http.ResponseWriter, r *http.Request) {
	recs, err := a.Tracker.List(r.Context())
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list generations")
		return
	}
	items := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toRecordResponse(rec))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// GenerationsCheckStatus forces one immediate poll tick. Checking a
// finished generation returns the stored terminal state unchanged.
func (a *App) GenerationsCheckStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Tracker.CheckNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "generation not found")
			return
		}
		a.writeProviderError(w, err)
		return
	}
	a.json(w, http.StatusOK, toRecordResponse(rec))
}

func (a *App) GenerationsDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.Tracker.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to delete generation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) parseGenerateRequest(r *http.Request) (*domain.GenerationRequest, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return a.parseMultipart(r)
	}
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, errors.New("invalid payload")
	}
	return &domain.GenerationRequest{
		Prompt:         body.Prompt,
		Type:           parseGenerationType(body.GenerationType, body.Feature),
		ModelName:      body.ModelName,
		Duration:       body.Duration,
		AspectRatio:    body.AspectRatio,
		Resolution:     body.Resolution,
		AudioEnabled:   body.AudioEnabled,
		Image:          domain.MediaRef{Ref: firstValue(body.ImageURL, body.StartFrameURL)},
		TailImage:      domain.MediaRef{Ref: body.EndFrameURL},
		CharacterImage: domain.MediaRef{Ref: body.CharacterImageURL},
		Video:          domain.MediaRef{Ref: body.VideoURL},
	}, nil
}

// parseGenerationType normalizes the caller's generation type. The
// feature field covers callers that only name the UI feature, and
// hyphenated spellings collapse onto the canonical underscore form.
func parseGenerationType(generationType, feature string) domain.GenerationType {
	raw := generationType
	if raw == "" {
		raw = feature
	}
	raw = strings.ToLower(strings.TrimSpace(raw))
	return domain.GenerationType(strings.ReplaceAll(raw, "-", "_"))
}

func (a *App) parseMultipart(r *http.Request) (*domain.GenerationRequest, error) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		return nil, errors.New("invalid multipart form")
	}
	req := &domain.GenerationRequest{
		Prompt:       r.FormValue("prompt"),
		Type:         parseGenerationType(formFirst(r, "generationType", "type"), r.FormValue("feature")),
		ModelName:    formFirst(r, "modelName", "model"),
		Duration:     r.FormValue("duration"),
		AspectRatio:  formFirst(r, "aspectRatio", "aspect_ratio"),
		Resolution:   r.FormValue("resolution"),
		AudioEnabled: formBool(formFirst(r, "audioEnabled", "audio")),
	}
	// Each media slot accepts an uploaded file under its canonical
	// field name, an older alias, or a URL reference.
	slots := []struct {
		fields    []string
		urlFields []string
		dest      *domain.MediaRef
	}{
		{[]string{"image", "startFrame"}, []string{"imageUrl", "image_url", "startFrameUrl"}, &req.Image},
		{[]string{"endFrame", "tail_image"}, []string{"endFrameUrl", "tail_image_url"}, &req.TailImage},
		{[]string{"characterImage", "character_image"}, []string{"characterImageUrl", "character_image_url"}, &req.CharacterImage},
		{[]string{"video"}, []string{"videoUrl", "video_url"}, &req.Video},
	}
	for _, slot := range slots {
		if url := formFirst(r, slot.urlFields...); url != "" {
			*slot.dest = domain.MediaRef{Ref: url}
			continue
		}
		file, header, err := fileFirst(r, slot.fields...)
		if err != nil {
			return nil, err
		}
		if file == nil {
			continue
		}
		key, err := a.storeUpload(r.Context(), file, header)
		if err != nil {
			return nil, err
		}
		*slot.dest = domain.MediaRef{Ref: key}
	}
	return req, nil
}

// formFirst returns the first non-empty form value among the names.
func formFirst(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.FormValue(name); v != "" {
			return v
		}
	}
	return ""
}

// fileFirst returns the first uploaded file among the field names, or
// nils when none of them carries a file.
func fileFirst(r *http.Request, names ...string) (multipart.File, *multipart.FileHeader, error) {
	for _, name := range names {
		file, header, err := r.FormFile(name)
		if err == nil {
			return file, header, nil
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return nil, nil, errors.New("invalid upload in field " + name)
		}
	}
	return nil, nil, nil
}

func formBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func firstValue(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (a *App) storeUpload(ctx context.Context, file multipart.File, header *multipart.FileHeader) (string, error) {
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", errors.New("failed to read upload")
	}
	key, err := a.Files.Write(ctx, storage.GenerateKey(header.Filename), data)
	if err != nil {
		a.Logger.Error().Err(err).Str("filename", header.Filename).Msg("upload write failed")
		return "", errors.New("failed to store upload")
	}
	return key, nil
}

// writeProviderError maps the error taxonomy onto HTTP statuses.
func (a *App) writeProviderError(w http.ResponseWriter, err error) {
	code := domain.ErrorCode(err)
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, code, err.Error())
	case errors.Is(err, domain.ErrAuthentication):
		a.error(w, http.StatusBadGateway, code, err.Error())
	case errors.Is(err, domain.ErrTransientService):
		a.error(w, http.StatusServiceUnavailable, code, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, code, err.Error())
	default:
		a.error(w, http.StatusInternalServerError, code, err.Error())
	}
}
