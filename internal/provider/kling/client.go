// Package kling adapts the Kling AI video and image generation API to
// the internal provider contract.
package kling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"server/internal/domain"
	"server/internal/media"
	"server/internal/provider"
)

const (
	// ProviderName identifies this adapter in the registry and in
	// GenerationRecord.Provider.
	ProviderName = "kling"

	defaultBaseURL = "https://api.klingai.com"
	tokenLifetime  = 30 * time.Minute
	tokenSkew      = 5 * time.Second
)

type mediaResolver interface {
	Resolve(ctx context.Context, slot string, ref domain.MediaRef, mode media.Mode) (media.Resolved, error)
}

// Options configures the Kling client. Either an access/secret key
// pair (signed JWT auth) or a static API key must be present for the
// adapter to be considered configured.
type Options struct {
	AccessKey      string
	SecretKey      string
	APIKey         string
	BaseURL        string
	CallbackURL    string
	HTTPClient     *http.Client
	Resolver       mediaResolver
	Logger         zerolog.Logger
	RequestTimeout time.Duration
	CallInterval   time.Duration
}

// Client performs HTTP calls against the Kling API.
type Client struct {
	accessKey   string
	secretKey   string
	apiKey      string
	baseURL     string
	callbackURL string
	httpClient  *http.Client
	resolver    mediaResolver
	limiter     *rate.Limiter
	logger      zerolog.Logger
	now         func() time.Time
}

// NewClient constructs a client with sane defaults.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.CallInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.CallInterval), 2)
	}
	return &Client{
		accessKey:   strings.TrimSpace(opts.AccessKey),
		secretKey:   strings.TrimSpace(opts.SecretKey),
		apiKey:      strings.TrimSpace(opts.APIKey),
		baseURL:     normalizeBaseURL(opts.BaseURL),
		callbackURL: strings.TrimSpace(opts.CallbackURL),
		httpClient:  httpClient,
		resolver:    opts.Resolver,
		limiter:     limiter,
		logger:      opts.Logger.With().Str("component", "kling").Logger(),
		now:         time.Now,
	}
}

var versionSuffix = regexp.MustCompile(`/v\d+/?$`)

// normalizeBaseURL strips any trailing version segment so composing
// versioned paths never yields a double-versioned URL.
func normalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(versionSuffix.ReplaceAllString(base, ""), "/")
}

// Name identifies the provider.
func (c *Client) Name() string { return ProviderName }

// IsConfigured reports whether credentials are available.
func (c *Client) IsConfigured() bool {
	return (c.accessKey != "" && c.secretKey != "") || c.apiKey != ""
}

// UsesWebhook reports whether submitted tasks carry a callback URL,
// so their terminal states arrive by push instead of polling.
func (c *Client) UsesWebhook() bool { return c.callbackURL != "" }

// SupportsModel reports whether the friendly name belongs to the Kling
// family. Every generation type has a wire id in the model table.
func (c *Client) SupportsModel(modelName string, genType domain.GenerationType) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(modelName)), "kling")
}

// bearerToken returns a fresh Authorization value. With a key pair a
// short-lived HS256 JWT is minted per request; the lifetime comfortably
// exceeds request latency so no caching is needed. A static API key is
// passed through unchanged.
func (c *Client) bearerToken() (string, error) {
	if c.accessKey != "" && c.secretKey != "" {
		now := c.now()
		claims := jwt.MapClaims{
			"iss": c.accessKey,
			"exp": now.Add(tokenLifetime).Unix(),
			"nbf": now.Add(-tokenSkew).Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(c.secretKey))
		if err != nil {
			return "", fmt.Errorf("kling: sign token: %w", err)
		}
		return signed, nil
	}
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	return "", domain.NewProviderError(domain.ErrAuthentication, "missing_credentials", "kling credentials are not configured")
}

// videoTaskRequest is the wire shape for video task submission. The
// image and image_tail fields accept either a public URL or raw
// base64.
type videoTaskRequest struct {
	ModelName   string   `json:"model_name"`
	Prompt      string   `json:"prompt,omitempty"`
	Image       string   `json:"image,omitempty"`
	ImageTail   string   `json:"image_tail,omitempty"`
	Video       string   `json:"video,omitempty"`
	Duration    string   `json:"duration,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	CfgScale    *float64 `json:"cfg_scale,omitempty"`
	Sound       *bool    `json:"sound,omitempty"`
	CallbackURL string   `json:"callback_url,omitempty"`
}

// imageTaskRequest is the wire shape for image generation submission.
type imageTaskRequest struct {
	ModelName   string `json:"model_name"`
	Prompt      string `json:"prompt"`
	Image       string `json:"image,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type createTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

type taskStatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID        string `json:"task_id"`
		TaskStatus    string `json:"task_status"`
		TaskStatusMsg string `json:"task_status_msg"`
		TaskResult    struct {
			Videos []struct {
				ID       string `json:"id"`
				URL      string `json:"url"`
				Duration string `json:"duration"`
			} `json:"videos"`
			Images []struct {
				Index int    `json:"index"`
				URL   string `json:"url"`
			} `json:"images"`
		} `json:"task_result"`
	} `json:"data"`
}

// taskPath maps a task type to its versioned API path.
func taskPath(taskType string) string {
	switch taskType {
	case "text2video":
		return "/v1/videos/text2video"
	case "image2video":
		return "/v1/videos/image2video"
	case "video2video":
		return "/v1/videos/video2video"
	case "motion-control":
		return "/v1/videos/motion-control"
	case "generations":
		return "/v1/images/generations"
	default:
		return "/v1/videos/" + taskType
	}
}

func taskTypeFor(genType domain.GenerationType) string {
	switch genType {
	case domain.GenerationTextToVideo:
		return "text2video"
	case domain.GenerationImageToVideo:
		return "image2video"
	case domain.GenerationVideoToVideo, domain.GenerationVideoEdit:
		return "video2video"
	case domain.GenerationMotionControl:
		return "motion-control"
	default:
		return "generations"
	}
}

// Submit validates the request, resolves media slots, and creates one
// provider task. Transient failures are retried with linear backoff.
func (c *Client) Submit(ctx context.Context, req domain.GenerationRequest) (*provider.ProviderJob, error) {
	taskType := taskTypeFor(req.Type)
	body, err := c.buildPayload(ctx, req, taskType)
	if err != nil {
		return nil, err
	}
	job, err := provider.Retry(ctx, provider.DefaultMaxAttempts, provider.DefaultBackoffUnit, func(ctx context.Context) (*provider.ProviderJob, error) {
		return c.createTask(ctx, taskType, body)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("task_type", taskType).Str("task_id", job.ID).Msg("task created")
	return job, nil
}

func (c *Client) buildPayload(ctx context.Context, req domain.GenerationRequest, taskType string) ([]byte, error) {
	wireID := resolveWireModel(req.ModelName, req.Type)

	if taskType == "generations" {
		payload := imageTaskRequest{
			ModelName:   wireID,
			Prompt:      req.Prompt,
			AspectRatio: req.AspectRatio,
			Resolution:  req.Resolution,
			CallbackURL: c.callbackURL,
		}
		if req.Type == domain.GenerationImageToImage {
			resolved, err := c.resolveSlot(ctx, "image", req.Image, media.ModeAuto)
			if err != nil {
				return nil, err
			}
			payload.Image = resolved
		}
		return json.Marshal(payload)
	}

	payload := videoTaskRequest{
		ModelName:   wireID,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		CallbackURL: c.callbackURL,
	}

	duration := snapDuration(req.Duration)
	hasTail := !req.TailImage.IsZero()
	if hasTail {
		duration = tailFrameDuration
	}
	payload.Duration = strconv.Itoa(duration)

	// Only the legacy v1 line accepts cfg_scale; the audio toggle
	// exists from v2.1 on. Gate on the resolved wire id, never the
	// friendly name.
	if isV1Family(wireID) {
		scale := 0.5
		payload.CfgScale = &scale
	}
	if supportsAudio(wireID) {
		sound := req.AudioEnabled
		payload.Sound = &sound
	}

	switch taskType {
	case "image2video":
		if req.Image.IsZero() {
			return nil, domain.NewProviderError(domain.ErrValidation, "missing_media", "image: reference is required for image-to-video")
		}
		// A tail frame forces the primary image onto the inline path;
		// the tail itself resolves by its own locality.
		primaryMode := media.ModeAuto
		if hasTail {
			primaryMode = media.ModeInline
		}
		resolved, err := c.resolveSlot(ctx, "image", req.Image, primaryMode)
		if err != nil {
			return nil, err
		}
		payload.Image = resolved
		if hasTail {
			tail, err := c.resolveSlot(ctx, "tail image", req.TailImage, media.ModeAuto)
			if err != nil {
				return nil, err
			}
			payload.ImageTail = tail
		}
	case "video2video":
		if req.Video.IsZero() {
			return nil, domain.NewProviderError(domain.ErrValidation, "missing_media", "video: reference is required for video-to-video")
		}
		resolved, err := c.resolveSlot(ctx, "video", req.Video, media.ModeAuto)
		if err != nil {
			return nil, err
		}
		payload.Video = resolved
	case "motion-control":
		if req.CharacterImage.IsZero() {
			return nil, domain.NewProviderError(domain.ErrValidation, "missing_media", "character image: reference is required for motion control")
		}
		resolved, err := c.resolveSlot(ctx, "character image", req.CharacterImage, media.ModeAuto)
		if err != nil {
			return nil, err
		}
		payload.Image = resolved
		if !req.Video.IsZero() {
			video, err := c.resolveSlot(ctx, "video", req.Video, media.ModeAuto)
			if err != nil {
				return nil, err
			}
			payload.Video = video
		}
	}

	return json.Marshal(payload)
}

func (c *Client) resolveSlot(ctx context.Context, slot string, ref domain.MediaRef, mode media.Mode) (string, error) {
	if c.resolver == nil {
		if media.IsRemote(ref) {
			return ref.Ref, nil
		}
		return "", domain.NewProviderError(domain.ErrValidation, "missing_media", slot+": local media requires a resolver")
	}
	resolved, err := c.resolver.Resolve(ctx, slot, ref, mode)
	if err != nil {
		return "", err
	}
	if resolved.IsInline() {
		return resolved.Base64, nil
	}
	return resolved.URL, nil
}

func (c *Client) createTask(ctx context.Context, taskType string, body []byte) (*provider.ProviderJob, error) {
	raw, err := c.do(ctx, http.MethodPost, taskPath(taskType), body)
	if err != nil {
		return nil, err
	}
	var decoded createTaskResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, domain.NewProviderError(domain.ErrUnknownProvider, "bad_response", fmt.Sprintf("kling: decode response: %v", err))
	}
	if decoded.Code != 0 {
		return nil, mapAPICode(decoded.Code, decoded.Message)
	}
	if decoded.Data.TaskID == "" {
		return nil, domain.NewProviderError(domain.ErrUnknownProvider, "missing_task_id", "kling: response carried no task id")
	}
	return &provider.ProviderJob{
		ID:        decoded.Data.TaskID,
		Provider:  ProviderName,
		TaskType:  taskType,
		Payload:   body,
		CreatedAt: c.now(),
	}, nil
}

// PollStatus fetches one task's state and maps it onto the internal
// status model.
func (c *Client) PollStatus(ctx context.Context, jobID, taskType string) (*provider.JobStatus, error) {
	raw, err := c.do(ctx, http.MethodGet, taskPath(taskType)+"/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	var decoded taskStatusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, domain.NewProviderError(domain.ErrUnknownProvider, "bad_response", fmt.Sprintf("kling: decode status: %v", err))
	}
	if decoded.Code != 0 {
		return nil, mapAPICode(decoded.Code, decoded.Message)
	}
	status := &provider.JobStatus{}
	switch decoded.Data.TaskStatus {
	case "submitted":
		status.Status = domain.StatusQueued
	case "processing":
		status.Status = domain.StatusInProgress
	case "succeed":
		status.Status = domain.StatusCompleted
	case "failed":
		status.Status = domain.StatusFailed
		status.ErrorCode = "generation_failed"
		status.ErrorMessage = firstNonEmpty(decoded.Data.TaskStatusMsg, decoded.Message)
	default:
		status.Status = domain.StatusInProgress
	}
	if videos := decoded.Data.TaskResult.Videos; len(videos) > 0 {
		status.VideoURL = videos[0].URL
		if d, err := strconv.ParseFloat(videos[0].Duration, 64); err == nil {
			status.DurationSec = int(d)
		}
	}
	if images := decoded.Data.TaskResult.Images; len(images) > 0 {
		status.ImageURL = images[0].URL
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	token, err := c.bearerToken()
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("kling: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Network-level failures (including client timeouts) are
		// eligible for the retry policy.
		return nil, domain.NewProviderError(domain.ErrTransientService, "network_error", err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewProviderError(domain.ErrTransientService, "read_error", err.Error())
	}
	if resp.StatusCode >= 300 {
		return nil, mapHTTPStatus(resp.StatusCode, raw)
	}
	return raw, nil
}

// mapHTTPStatus classifies non-2xx responses into the error taxonomy,
// preserving the provider's own message as faithfully as possible.
func mapHTTPStatus(status int, body []byte) error {
	msg := extractMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewProviderError(domain.ErrAuthentication, strconv.Itoa(status), firstNonEmpty(msg, "check provider credentials"))
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.NewProviderError(domain.ErrTransientService, strconv.Itoa(status), firstNonEmpty(msg, "provider temporarily unavailable"))
	case status == http.StatusBadRequest:
		return domain.NewProviderError(domain.ErrValidation, strconv.Itoa(status), firstNonEmpty(msg, "provider rejected the request"))
	default:
		return domain.NewProviderError(domain.ErrUnknownProvider, strconv.Itoa(status), firstNonEmpty(msg, fmt.Sprintf("status %d", status)))
	}
}

// mapAPICode classifies Kling application-level error codes.
func mapAPICode(code int, message string) error {
	codeStr := strconv.Itoa(code)
	switch {
	case code >= 1000 && code <= 1004:
		return domain.NewProviderError(domain.ErrAuthentication, codeStr, firstNonEmpty(message, "check provider credentials"))
	case code == 1102 || code == 1103:
		// Account balance / resource pack exhaustion; terminal for this run.
		return domain.NewProviderError(domain.ErrGenerationFailed, codeStr, firstNonEmpty(message, "account quota exceeded"))
	case code == 1302 || code == 1303 || code == 1304:
		return domain.NewProviderError(domain.ErrTransientService, codeStr, firstNonEmpty(message, "rate limited"))
	case code == 1201 || code == 1200:
		return domain.NewProviderError(domain.ErrValidation, codeStr, firstNonEmpty(message, "invalid request parameters"))
	default:
		return domain.NewProviderError(domain.ErrUnknownProvider, codeStr, firstNonEmpty(message, "unexpected provider error"))
	}
}

// extractMessage pulls a human-readable message out of an arbitrary
// provider error payload.
func extractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	for _, path := range []string{"message", "error.message", "msg", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 512 {
		trimmed = trimmed[:512]
	}
	return trimmed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ provider.Adapter = (*Client)(nil)
