package kling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/media"
)

type captureTransport struct {
	requests []*http.Request
	bodies   [][]byte
	status   int
	response string
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.requests = append(t.requests, req)
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	t.bodies = append(t.bodies, body)
	status := t.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(t.response)),
		Request:    req,
	}, nil
}

type stubResolver struct {
	inline map[string]string
}

func (s *stubResolver) Resolve(ctx context.Context, slot string, ref domain.MediaRef, mode media.Mode) (media.Resolved, error) {
	if mode == media.ModeAuto && media.IsRemote(ref) {
		return media.Resolved{URL: ref.Ref}, nil
	}
	encoded, ok := s.inline[ref.Ref]
	if !ok {
		return media.Resolved{}, domain.NewProviderError(domain.ErrValidation, "media_encode_failed", slot+": missing")
	}
	return media.Resolved{Base64: encoded, MIME: "image/png"}, nil
}

func newTestClient(t *testing.T, transport *captureTransport, opts Options) *Client {
	t.Helper()
	if transport.response == "" {
		transport.response = `{"code":0,"message":"ok","data":{"task_id":"task-123"}}`
	}
	opts.HTTPClient = &http.Client{Transport: transport}
	opts.Logger = zerolog.New(io.Discard)
	if opts.AccessKey == "" && opts.APIKey == "" {
		opts.AccessKey = "ak"
		opts.SecretKey = "sk"
	}
	if opts.Resolver == nil {
		opts.Resolver = &stubResolver{inline: map[string]string{}}
	}
	return NewClient(opts)
}

func TestSnapDurationBuckets(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"3s", 5},
		{"5s", 5},
		{"7s", 5},
		{"7.4s", 5},
		{"7.5s", 10},
		{"8s", 10},
		{"10s", 10},
		{"30s", 10},
		{"", 5},
		{"garbage", 5},
	}
	for _, tc := range cases {
		if got := snapDuration(tc.in); got != tc.want {
			t.Fatalf("snapDuration(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestSnapDurationMonotonic(t *testing.T) {
	prev := 0
	for s := 1; s <= 30; s++ {
		got := snapDuration(fmt.Sprintf("%ds", s))
		if got < prev {
			t.Fatalf("snap not monotonic: %ds -> %d after %d", s, got, prev)
		}
		prev = got
	}
}

func TestResolveWireModelBranchesOnGenerationType(t *testing.T) {
	if got := resolveWireModel("Kling 1.6", domain.GenerationImageToVideo); got != "kling-v1-6" {
		t.Fatalf("video wire id = %q", got)
	}
	if got := resolveWireModel("Kling 1.6", domain.GenerationTextToImage); got != "kling-v1-5" {
		t.Fatalf("image wire id = %q", got)
	}
	if got := resolveWireModel("No Such Model", domain.GenerationTextToVideo); got != defaultVideoModelID {
		t.Fatalf("fallback video id = %q", got)
	}
	if got := resolveWireModel("No Such Model", domain.GenerationTextToImage); got != defaultImageModelID {
		t.Fatalf("fallback image id = %q", got)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", defaultBaseURL},
		{"https://api.klingai.com", "https://api.klingai.com"},
		{"https://api.klingai.com/", "https://api.klingai.com"},
		{"https://api.klingai.com/v1", "https://api.klingai.com"},
		{"https://api.klingai.com/v1/", "https://api.klingai.com"},
		{"https://proxy.example.com/kling/v2", "https://proxy.example.com/kling"},
	}
	for _, tc := range cases {
		if got := normalizeBaseURL(tc.in); got != tc.want {
			t.Fatalf("normalizeBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSubmitComposesSingleVersionPath(t *testing.T) {
	transport := &captureTransport{}
	c := newTestClient(t, transport, Options{BaseURL: "https://api.klingai.com/v1"})

	_, err := c.Submit(context.Background(), domain.GenerationRequest{
		Type:      domain.GenerationTextToVideo,
		ModelName: "Kling 2.1",
		Prompt:    "a quiet street at dawn",
		Duration:  "5s",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	url := transport.requests[0].URL.String()
	if url != "https://api.klingai.com/v1/videos/text2video" {
		t.Fatalf("url = %q", url)
	}
	if strings.Count(url, "/v1/") != 1 {
		t.Fatalf("double-versioned url: %q", url)
	}
}

func TestSubmitSignsFreshJWTPerRequest(t *testing.T) {
	transport := &captureTransport{}
	c := newTestClient(t, transport, Options{})
	base := time.Unix(1700000000, 0)
	c.now = func() time.Time { return base }

	req := domain.GenerationRequest{Type: domain.GenerationTextToVideo, ModelName: "Kling 2.1", Prompt: "p"}
	if _, err := c.Submit(context.Background(), req); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	base = base.Add(time.Minute)
	if _, err := c.Submit(context.Background(), req); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	var tokens []string
	for _, r := range transport.requests {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			t.Fatalf("authorization = %q", auth)
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if parts := strings.Split(token, "."); len(parts) != 3 {
			t.Fatalf("token is not a JWT: %q", token)
		}
		tokens = append(tokens, token)
	}
	if tokens[0] == tokens[1] {
		t.Fatalf("expected a syntactically fresh token per request")
	}
}

func TestSubmitCapabilityGatingByWireModel(t *testing.T) {
	cases := []struct {
		model     string
		wantScale bool
		wantSound bool
	}{
		{"Kling 1.0", true, false},
		{"Kling 1.6", true, false},
		{"Kling 2.0", false, false},
		{"Kling 2.1", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.model, func(t *testing.T) {
			transport := &captureTransport{}
			c := newTestClient(t, transport, Options{})
			_, err := c.Submit(context.Background(), domain.GenerationRequest{
				Type:         domain.GenerationTextToVideo,
				ModelName:    tc.model,
				Prompt:       "p",
				AudioEnabled: true,
			})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			var payload map[string]any
			if err := json.Unmarshal(transport.bodies[0], &payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if _, ok := payload["cfg_scale"]; ok != tc.wantScale {
				t.Fatalf("cfg_scale present=%v, want %v (payload %s)", ok, tc.wantScale, transport.bodies[0])
			}
			if _, ok := payload["sound"]; ok != tc.wantSound {
				t.Fatalf("sound present=%v, want %v (payload %s)", ok, tc.wantSound, transport.bodies[0])
			}
		})
	}
}

func TestSubmitTailImageForcesDurationAndInlinePrimary(t *testing.T) {
	transport := &captureTransport{}
	resolver := &stubResolver{inline: map[string]string{
		"https://cdn.example.com/start.png": "U1RBUlQ=",
	}}
	c := newTestClient(t, transport, Options{Resolver: resolver})

	_, err := c.Submit(context.Background(), domain.GenerationRequest{
		Type:      domain.GenerationImageToVideo,
		ModelName: "Kling 1.6",
		Prompt:    "p",
		Duration:  "10s",
		Image:     domain.MediaRef{Ref: "https://cdn.example.com/start.png"},
		TailImage: domain.MediaRef{Ref: "https://cdn.example.com/end.png"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var payload videoTaskRequest
	if err := json.Unmarshal(transport.bodies[0], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Duration != "5" {
		t.Fatalf("duration = %q, want forced 5", payload.Duration)
	}
	if payload.Image != "U1RBUlQ=" {
		t.Fatalf("primary image = %q, want inline base64", payload.Image)
	}
	if payload.ImageTail != "https://cdn.example.com/end.png" {
		t.Fatalf("tail image = %q, want remote pass-through", payload.ImageTail)
	}
}

func TestSubmitIncludesCallbackWhenConfigured(t *testing.T) {
	transport := &captureTransport{}
	c := newTestClient(t, transport, Options{CallbackURL: "https://app.example.com/webhooks/kling"})
	_, err := c.Submit(context.Background(), domain.GenerationRequest{
		Type: domain.GenerationTextToVideo, ModelName: "Kling 2.1", Prompt: "p",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var payload videoTaskRequest
	if err := json.Unmarshal(transport.bodies[0], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CallbackURL != "https://app.example.com/webhooks/kling" {
		t.Fatalf("callback_url = %q", payload.CallbackURL)
	}
}

func TestSubmitMissingImageFailsFast(t *testing.T) {
	transport := &captureTransport{}
	c := newTestClient(t, transport, Options{})
	_, err := c.Submit(context.Background(), domain.GenerationRequest{
		Type: domain.GenerationImageToVideo, ModelName: "Kling 1.6", Prompt: "p",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(transport.requests) != 0 {
		t.Fatalf("expected no network call, got %d", len(transport.requests))
	}
}

func TestMapHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   error
	}{
		{http.StatusUnauthorized, domain.ErrAuthentication},
		{http.StatusForbidden, domain.ErrAuthentication},
		{http.StatusTooManyRequests, domain.ErrTransientService},
		{http.StatusServiceUnavailable, domain.ErrTransientService},
		{http.StatusBadRequest, domain.ErrValidation},
		{http.StatusTeapot, domain.ErrUnknownProvider},
	}
	for _, tc := range cases {
		err := mapHTTPStatus(tc.status, []byte(`{"message":"from provider"}`))
		if !errors.Is(err, tc.kind) {
			t.Fatalf("status %d: err = %v, want kind %v", tc.status, err, tc.kind)
		}
		if !strings.Contains(err.Error(), "from provider") {
			t.Fatalf("status %d: provider message dropped: %v", tc.status, err)
		}
	}
}

func TestExtractMessageFromArbitraryPayloads(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"message":"plain"}`, "plain"},
		{`{"error":{"message":"nested"}}`, "nested"},
		{`{"msg":"short"}`, "short"},
		{`{"error":"stringy"}`, "stringy"},
		{`not json at all`, "not json at all"},
	}
	for _, tc := range cases {
		if got := extractMessage([]byte(tc.body)); got != tc.want {
			t.Fatalf("extractMessage(%q) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestPollStatusMapsTerminalStates(t *testing.T) {
	succeed := `{"code":0,"message":"ok","data":{"task_id":"t1","task_status":"succeed",` +
		`"task_result":{"videos":[{"id":"v1","url":"https://cdn.example.com/out.mp4","duration":"5.1"}]}}}`
	transport := &captureTransport{response: succeed}
	c := newTestClient(t, transport, Options{})

	status, err := c.PollStatus(context.Background(), "t1", "image2video")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.Status != domain.StatusCompleted {
		t.Fatalf("status = %q", status.Status)
	}
	if status.VideoURL != "https://cdn.example.com/out.mp4" || status.DurationSec != 5 {
		t.Fatalf("result = %+v", status)
	}
	if got := transport.requests[0].URL.Path; got != "/v1/videos/image2video/t1" {
		t.Fatalf("poll path = %q", got)
	}

	failed := `{"code":0,"message":"ok","data":{"task_id":"t2","task_status":"failed","task_status_msg":"content policy"}}`
	transport = &captureTransport{response: failed}
	c = newTestClient(t, transport, Options{})
	status, err = c.PollStatus(context.Background(), "t2", "image2video")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.Status != domain.StatusFailed || status.ErrorMessage != "content policy" {
		t.Fatalf("failed status = %+v", status)
	}
}

func TestIsConfigured(t *testing.T) {
	if (NewClient(Options{})).IsConfigured() {
		t.Fatalf("empty options should not be configured")
	}
	if !(NewClient(Options{AccessKey: "a", SecretKey: "b"})).IsConfigured() {
		t.Fatalf("key pair should be configured")
	}
	if !(NewClient(Options{APIKey: "static"})).IsConfigured() {
		t.Fatalf("static key should be configured")
	}
}
