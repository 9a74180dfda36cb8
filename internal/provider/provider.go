// Package provider defines the contract every generative-AI provider
// adapter satisfies, plus the shared retry policy for transient
// upstream failures.
package provider

import (
	"context"
	"time"

	"server/internal/domain"
)

// ProviderJob is the provider's view of one in-flight unit of work.
// It is created by the adapter that submitted it and never mutated.
type ProviderJob struct {
	ID        string
	Provider  string
	TaskType  string
	Payload   []byte
	CreatedAt time.Time
}

// JobStatus is the normalized result of polling one provider job.
type JobStatus struct {
	Status       domain.GenerationStatus
	VideoURL     string
	ImageURL     string
	ThumbnailURL string
	DurationSec  int
	ErrorCode    string
	ErrorMessage string
}

// Adapter translates internal generation requests into one provider's
// wire format and maps its responses back into provider-agnostic
// shapes.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req domain.GenerationRequest) (*ProviderJob, error)
	PollStatus(ctx context.Context, jobID, taskType string) (*JobStatus, error)
	IsConfigured() bool
}

// Registry holds the adapters constructed at process start, keyed by
// provider name.
type Registry map[string]Adapter

// ForModel returns the adapter advertising support for the friendly
// model name and generation type, or nil when none does.
func (r Registry) ForModel(modelName string, genType domain.GenerationType) Adapter {
	for _, a := range r {
		s, ok := a.(ModelSupporter)
		if !ok {
			continue
		}
		if s.SupportsModel(modelName, genType) {
			return a
		}
	}
	return nil
}

// ModelSupporter is implemented by adapters that can report which
// friendly model names and generation types they serve.
type ModelSupporter interface {
	SupportsModel(modelName string, genType domain.GenerationType) bool
}

// WebhookSubscriber is implemented by adapters that register a
// callback URL with the provider on submit. Jobs owned by adapters
// that do not advertise this are always driven by polling, even when
// a callback URL is configured globally.
type WebhookSubscriber interface {
	UsesWebhook() bool
}

// UsesWebhook reports whether the adapter will have terminal states
// pushed to it by the provider.
func UsesWebhook(a Adapter) bool {
	w, ok := a.(WebhookSubscriber)
	return ok && w.UsesWebhook()
}
