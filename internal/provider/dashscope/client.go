// Package dashscope adapts the DashScope API (Qwen image models, Wan
// video models) to the internal provider contract. Submission uses the
// async task API so the shared poll loop drives completion.
package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"server/internal/domain"
	"server/internal/media"
	"server/internal/provider"
)

// ProviderName identifies this adapter.
const ProviderName = "dashscope"

const defaultBaseURL = "https://dashscope-intl.aliyuncs.com/api/v1"

// ErrMissingAPIKey indicates the client was configured without credentials.
var ErrMissingAPIKey = errors.New("dashscope: api key is required")

type mediaResolver interface {
	Resolve(ctx context.Context, slot string, ref domain.MediaRef, mode media.Mode) (media.Resolved, error)
}

// Options configures the DashScope client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Resolver       mediaResolver
	Logger         zerolog.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the DashScope task API. The API has no
// callback mechanism, so task state always arrives via PollStatus.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	resolver   mediaResolver
	logger     zerolog.Logger
}

// NewClient constructs a client with sane defaults and injected
// dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    normalizeBaseURL(opts.BaseURL),
		httpClient: httpClient,
		resolver:   opts.Resolver,
		logger:     opts.Logger.With().Str("component", "dashscope").Logger(),
	}
}

var apiVersionSuffix = regexp.MustCompile(`/api/v\d+$`)

// normalizeBaseURL ensures the base URL carries the /api/v{n} prefix
// every endpoint path hangs off, so an override pointing at a bare
// host still produces correct request paths.
func normalizeBaseURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case raw == "":
		return defaultBaseURL
	case apiVersionSuffix.MatchString(raw):
		return raw
	case strings.HasSuffix(raw, "/api"):
		return raw + "/v1"
	default:
		return raw + "/api/v1"
	}
}

// Name identifies the provider.
func (c *Client) Name() string { return ProviderName }

// IsConfigured reports whether the client can perform remote calls.
func (c *Client) IsConfigured() bool { return c.apiKey != "" }

// SupportsModel reports whether the friendly name belongs to the Qwen
// or Wan families served by this adapter.
func (c *Client) SupportsModel(modelName string, genType domain.GenerationType) bool {
	name := strings.ToLower(strings.TrimSpace(modelName))
	if strings.HasPrefix(name, "wan") {
		return genType.IsVideo()
	}
	if strings.HasPrefix(name, "qwen") {
		return !genType.IsVideo()
	}
	return false
}

type generationMessage struct {
	Role    string              `json:"role"`
	Content []generationContent `json:"content"`
}

type generationContent struct {
	Text        string `json:"text,omitempty"`
	Image       string `json:"image,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

type imageTaskRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []generationMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		Size      string `json:"size,omitempty"`
		Watermark *bool  `json:"watermark,omitempty"`
	} `json:"parameters"`
}

type videoTaskRequest struct {
	Model string `json:"model"`
	Input struct {
		Prompt      string `json:"prompt,omitempty"`
		ImgURL      string `json:"img_url,omitempty"`
		ImageBase64 string `json:"image_base64,omitempty"`
	} `json:"input"`
	Parameters struct {
		Duration int    `json:"duration,omitempty"`
		Size     string `json:"size,omitempty"`
		Audio    *bool  `json:"audio,omitempty"`
	} `json:"parameters"`
}

type taskEnvelope struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Results    []struct {
			URL string `json:"url"`
		} `json:"results"`
		VideoURL string `json:"video_url"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Submit validates the request, resolves media, and creates one async
// task. Transient failures are retried with linear backoff.
func (c *Client) Submit(ctx context.Context, req domain.GenerationRequest) (*provider.ProviderJob, error) {
	if !c.IsConfigured() {
		return nil, domain.NewProviderError(domain.ErrAuthentication, "missing_credentials", ErrMissingAPIKey.Error())
	}
	var (
		body     []byte
		taskType string
		err      error
	)
	if req.Type.IsVideo() {
		taskType = "video-synthesis"
		body, err = c.buildVideoPayload(ctx, req)
	} else {
		taskType = "multimodal-generation"
		body, err = c.buildImagePayload(ctx, req)
	}
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

func (c *Client) buildImagePayload(ctx context.Context, req domain.GenerationRequest) ([]byte, error) {
	model := resolveWireModel(req.ModelName, req.Type)
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, domain.NewProviderError(domain.ErrValidation, "missing_prompt", "prompt is required for image generation")
	}
	content := []generationContent{{Text: prompt}}
	if req.Type == domain.GenerationImageToImage {
		if req.Image.IsZero() {
			return nil, domain.NewProviderError(domain.ErrValidation, "missing_media", "image: reference is required for image-to-image")
		}
		// Advanced models refuse URL references and demand inline
		// bytes for every image, public or not.
		mode := media.ModeAuto
		if alwaysInline(model) {
			mode = media.ModeInline
		}
		resolved, err := c.resolveSlot(ctx, "image", req.Image, mode)
		if err != nil {
			return nil, err
		}
		if resolved.IsInline() {
			content = append(content, generationContent{ImageBase64: resolved.Base64})
		} else {
			content = append(content, generationContent{Image: resolved.URL})
		}
	}
	payload := imageTaskRequest{Model: model}
	payload.Input.Messages = []generationMessage{{Role: "user", Content: content}}
	if size := sizeForAspect(req.AspectRatio); size != "" {
		payload.Parameters.Size = size
	}
	watermark := false
	payload.Parameters.Watermark = &watermark
	return json.Marshal(payload)
}

func (c *Client) buildVideoPayload(ctx context.Context, req domain.GenerationRequest) ([]byte, error) {
	model := resolveWireModel(req.ModelName, req.Type)
	payload := videoTaskRequest{Model: model}
	payload.Input.Prompt = strings.TrimSpace(req.Prompt)
	if req.Type == domain.GenerationImageToVideo {
		if req.Image.IsZero() {
			return nil, domain.NewProviderError(domain.ErrValidation, "missing_media", "image: reference is required for image-to-video")
		}
		resolved, err := c.resolveSlot(ctx, "image", req.Image, media.ModeAuto)
		if err != nil {
			return nil, err
		}
		if resolved.IsInline() {
			payload.Input.ImageBase64 = resolved.Base64
		} else {
			payload.Input.ImgURL = resolved.URL
		}
	} else if payload.Input.Prompt == "" {
		return nil, domain.NewProviderError(domain.ErrValidation, "missing_prompt", "prompt is required for text-to-video")
	}
	payload.Parameters.Duration = snapDuration(req.Duration)
	if size := sizeForAspect(req.AspectRatio); size != "" {
		payload.Parameters.Size = size
	}
	audio := req.AudioEnabled
	payload.Parameters.Audio = &audio
	return json.Marshal(payload)
}

func (c *Client) resolveSlot(ctx context.Context, slot string, ref domain.MediaRef, mode media.Mode) (media.Resolved, error) {
	if c.resolver == nil {
		if media.IsRemote(ref) && mode == media.ModeAuto {
			return media.Resolved{URL: ref.Ref}, nil
		}
		return media.Resolved{}, domain.NewProviderError(domain.ErrValidation, "media_encode_failed", slot+": local media requires a resolver")
	}
	return c.resolver.Resolve(ctx, slot, ref, mode)
}

func (c *Client) createTask(ctx context.Context, taskType string, body []byte) (*provider.ProviderJob, error) {
	endpoint := c.baseURL + "/services/aigc/" + taskType + "/generation"
	if taskType == "video-synthesis" {
		endpoint = c.baseURL + "/services/aigc/video-generation/video-synthesis"
	}
	raw, err := c.do(ctx, http.MethodPost, endpoint, body, true)
	if err != nil {
		return nil, err
	}
	var decoded taskEnvelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, domain.NewProviderError(domain.ErrUnknownProvider, "bad_response", fmt.Sprintf("dashscope: decode response: %v", err))
	}
	if decoded.Code != "" {
		return nil, mapAPICode(decoded.Code, decoded.Message)
	}
	if decoded.Output.TaskID == "" {
		return nil, domain.NewProviderError(domain.ErrUnknownProvider, "missing_task_id", "dashscope: response carried no task id")
	}
	return &provider.ProviderJob{
		ID:        decoded.Output.TaskID,
		Provider:  ProviderName,
		TaskType:  taskType,
		Payload:   body,
		CreatedAt: time.Now(),
	}, nil
}

// PollStatus fetches one task's state from the shared tasks endpoint
// and maps it onto the internal status model.
func (c *Client) PollStatus(ctx context.Context, jobID, taskType string) (*provider.JobStatus, error) {
	raw, err := c.do(ctx, http.MethodGet, c.baseURL+"/tasks/"+jobID, nil, false)
	if err != nil {
		return nil, err
	}
	var decoded taskEnvelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, domain.NewProviderError(domain.ErrUnknownProvider, "bad_response", fmt.Sprintf("dashscope: decode status: %v", err))
	}
	status := &provider.JobStatus{}
	switch decoded.Output.TaskStatus {
	case "PENDING":
		status.Status = domain.StatusQueued
	case "RUNNING":
		status.Status = domain.StatusInProgress
	case "SUCCEEDED":
		status.Status = domain.StatusCompleted
	case "FAILED", "CANCELED":
		status.Status = domain.StatusFailed
		status.ErrorCode = firstNonEmpty(decoded.Output.Code, "generation_failed")
		status.ErrorMessage = firstNonEmpty(decoded.Output.Message, decoded.Message)
	default:
		status.Status = domain.StatusInProgress
	}
	if decoded.Output.VideoURL != "" {
		status.VideoURL = decoded.Output.VideoURL
	}
	if len(decoded.Output.Results) > 0 {
		if taskType == "video-synthesis" && status.VideoURL == "" {
			status.VideoURL = decoded.Output.Results[0].URL
		} else if taskType != "video-synthesis" {
			status.ImageURL = decoded.Output.Results[0].URL
		}
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, async bool) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("dashscope: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if async {
		req.Header.Set("X-DashScope-Async", "enable")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
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

func mapHTTPStatus(status int, body []byte) error {
	code := gjson.GetBytes(body, "code").String()
	msg := firstNonEmpty(gjson.GetBytes(body, "message").String(), strings.TrimSpace(string(body)))
	if code != "" {
		return mapAPICode(code, msg)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewProviderError(domain.ErrAuthentication, fmt.Sprint(status), firstNonEmpty(msg, "check provider credentials"))
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.NewProviderError(domain.ErrTransientService, fmt.Sprint(status), firstNonEmpty(msg, "provider temporarily unavailable"))
	case status == http.StatusBadRequest:
		return domain.NewProviderError(domain.ErrValidation, fmt.Sprint(status), firstNonEmpty(msg, "provider rejected the request"))
	default:
		return domain.NewProviderError(domain.ErrUnknownProvider, fmt.Sprint(status), firstNonEmpty(msg, fmt.Sprintf("status %d", status)))
	}
}

// mapAPICode classifies DashScope application error codes.
func mapAPICode(code, message string) error {
	switch {
	case code == "InvalidApiKey" || code == "AccessDenied":
		return domain.NewProviderError(domain.ErrAuthentication, code, firstNonEmpty(message, "check provider credentials"))
	case strings.HasPrefix(code, "Throttling") || code == "InternalError" || code == "ServiceUnavailable":
		return domain.NewProviderError(domain.ErrTransientService, code, firstNonEmpty(message, "provider temporarily unavailable"))
	case code == "InvalidParameter" || strings.HasPrefix(code, "InvalidParameter"):
		return domain.NewProviderError(domain.ErrValidation, code, firstNonEmpty(message, "invalid request parameters"))
	case code == "DataInspectionFailed":
		return domain.NewProviderError(domain.ErrGenerationFailed, code, firstNonEmpty(message, "content rejected"))
	default:
		return domain.NewProviderError(domain.ErrUnknownProvider, code, firstNonEmpty(message, "unexpected provider error"))
	}
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
