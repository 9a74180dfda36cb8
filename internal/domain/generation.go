package domain

import "time"

// GenerationType enumerates the supported generation features.
type GenerationType string

const (
	GenerationTextToVideo   GenerationType = "text_to_video"
	GenerationImageToVideo  GenerationType = "image_to_video"
	GenerationVideoEdit     GenerationType = "video_edit"
	GenerationMotionControl GenerationType = "motion_control"
	GenerationVideoToVideo  GenerationType = "video_to_video"
	GenerationTextToImage   GenerationType = "text_to_image"
	GenerationImageToImage  GenerationType = "image_to_image"
)

// IsVideo reports whether the generation produces a video asset.
func (t GenerationType) IsVideo() bool {
	switch t {
	case GenerationTextToVideo, GenerationImageToVideo, GenerationMotionControl, GenerationVideoToVideo, GenerationVideoEdit:
		return true
	}
	return false
}

// GenerationStatus enumerates the lifecycle states of a generation record.
type GenerationStatus string

const (
	StatusQueued     GenerationStatus = "queued"
	StatusInProgress GenerationStatus = "in_progress"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
)

// Terminal reports whether no further transition may occur.
func (s GenerationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MediaRef points at one input asset. A reference with an http/https
// scheme is remote; anything else is a filename in local storage.
type MediaRef struct {
	Ref string
}

// IsZero reports whether the reference is unset.
func (m MediaRef) IsZero() bool { return m.Ref == "" }

// GenerationRequest captures user intent for one generation job.
type GenerationRequest struct {
	Prompt         string
	Type           GenerationType
	ModelName      string
	Duration       string
	AspectRatio    string
	Resolution     string
	AudioEnabled   bool
	Image          MediaRef
	TailImage      MediaRef
	CharacterImage MediaRef
	Video          MediaRef
}

// GenerationRecord is the provider-independent view of one job. It is
// created non-terminal at submission and transitions exactly once to a
// terminal state via poll or webhook.
type GenerationRecord struct {
	ID            string
	Status        GenerationStatus
	Type          GenerationType
	Provider      string
	ModelName     string
	ProviderJobID string
	Prompt        string
	DurationSec   int
	VideoURL      string
	ImageURL      string
	ThumbnailURL  string
	ErrorCode     string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
