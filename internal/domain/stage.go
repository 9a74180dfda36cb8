package domain

import "time"

// Stage is one named image step in a multi-stage workflow.
type Stage struct {
	Key    string
	Index  int
	Prompt string
}

// StageOutcome records the result of generating one stage image.
type StageOutcome struct {
	Key          string
	Index        int
	Succeeded    bool
	ImageURL     string
	RecordID     string
	ErrorMessage string
}

// StagePlan is an ordered sequence of stage images built from one
// reference image. Stages are generated sequentially because each one
// chains on the image produced by its predecessor.
type StagePlan struct {
	ID             string
	Kind           string
	ReferenceImage MediaRef
	ImageModel     string
	VideoModel     string
	Stages         []Stage
	Outcomes       []StageOutcome
	CreatedAt      time.Time
}

// TransitionVideoPlan bridges two adjacent stage images with one
// video generation.
type TransitionVideoPlan struct {
	PlanID      string
	VideoNumber int
	FromKey     string
	ToKey       string
	FromImage   string
	ToImage     string
	Prompt      string
	RecordID    string
}

// MergedVideoResult is the output of concatenating the completed
// transition videos of one plan, in order.
type MergedVideoResult struct {
	ID           string
	RecordIDs    []string
	VideoURL     string
	ThumbnailURL string
	DurationSec  int
	Partial      bool
	CreatedAt    time.Time
}
