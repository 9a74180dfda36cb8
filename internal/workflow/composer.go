// Package workflow composes multi-stage products out of the single-job
// primitive: staged image sequences, transition videos between
// consecutive stages, and the final concatenated video.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"server/internal/domain"
)

// JobRunner is what the composer needs from the jobs tracker.
type JobRunner interface {
	Submit(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationRecord, error)
	Await(ctx context.Context, id string) (*domain.GenerationRecord, error)
	Get(ctx context.Context, id string) (*domain.GenerationRecord, error)
}

// DefaultVideoConcurrency caps how many transition videos are in
// flight at once. Submissions beyond the cap queue rather than fail.
const DefaultVideoConcurrency = 2

// PlanInput describes one multi-stage run.
type PlanInput struct {
	Kind           string
	ReferenceImage domain.MediaRef
	ImageModel     string
	VideoModel     string
	AspectRatio    string
	Stages         []domain.Stage
}

// Run is the composer's live view of one plan: the stage outcomes, the
// transition video plans, and the merge state.
type Run struct {
	Plan        *domain.StagePlan
	Transitions []*domain.TransitionVideoPlan

	// mu guards the merge state, which is read by status handlers
	// while the notifier goroutine fires the merge.
	mu sync.Mutex
	// fired flips exactly once, when auto-merge claims its slot. It is
	// never reset, so a failed merge does not re-fire when late status
	// events arrive.
	fired bool
	// merged is set together with the outcome, so readers never see a
	// fired merge without its result.
	merged bool
	result *domain.MergedVideoResult
	err    error
}

// tryFireMerge claims the single merge slot. Only the first caller
// gets true; every later caller is a duplicate event.
func (r *Run) tryFireMerge() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fired {
		return false
	}
	r.fired = true
	return true
}

func (r *Run) mergeFired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired
}

func (r *Run) setMergeResult(result *domain.MergedVideoResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result, r.err = result, err
	r.merged = true
}

// MergeResult returns the merge outcome, if the merge has completed.
func (r *Run) MergeResult() (*domain.MergedVideoResult, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.merged {
		return nil, nil, false
	}
	return r.result, r.err, true
}

// Composer builds stage plans and drives them to a merged video.
type Composer struct {
	jobs        JobRunner
	merger      *Merger
	concurrency int64
	logger      zerolog.Logger

	mu       sync.Mutex
	runs     map[string]*Run
	byRecord map[string]string
}

// NewComposer wires a composer over the jobs tracker and merger.
func NewComposer(jobs JobRunner, merger *Merger, concurrency int, logger zerolog.Logger) *Composer {
	if concurrency <= 0 {
		concurrency = DefaultVideoConcurrency
	}
	return &Composer{
		jobs:        jobs,
		merger:      merger,
		concurrency: int64(concurrency),
		logger:      logger.With().Str("component", "workflow").Logger(),
		runs:        make(map[string]*Run),
		byRecord:    make(map[string]string),
	}
}

// RunStagePlan generates the stage images sequentially (each stage
// chains on its predecessor's output), derives transition videos for
// consecutive successful pairs, submits them with bounded concurrency,
// and arms the auto-merge watcher. Stage outcomes are reported even
// when some stages fail.
func (c *Composer) RunStagePlan(ctx context.Context, input PlanInput) (*Run, error) {
	if input.ReferenceImage.IsZero() {
		return nil, domain.NewProviderError(domain.ErrValidation, "missing_media", "reference image is required")
	}
	if len(input.Stages) < 2 {
		return nil, domain.NewProviderError(domain.ErrValidation, "too_few_stages", "a stage plan needs at least two stages")
	}
	plan := &domain.StagePlan{
		ID:             uuid.NewString(),
		Kind:           input.Kind,
		ReferenceImage: input.ReferenceImage,
		ImageModel:     input.ImageModel,
		VideoModel:     input.VideoModel,
		Stages:         input.Stages,
		CreatedAt:      time.Now(),
	}
	run := &Run{Plan: plan}
	c.mu.Lock()
	c.runs[plan.ID] = run
	c.mu.Unlock()

	c.generateStages(ctx, run, input)
	c.submitTransitions(ctx, run, input)
	return run, nil
}

// generateStages walks the stages in order. A failed stage ends the
// walk: later stages chain on the failed output and cannot proceed,
// but every attempted stage gets an outcome.
func (c *Composer) generateStages(ctx context.Context, run *Run, input PlanInput) {
	current := input.ReferenceImage
	for _, stage := range run.Plan.Stages {
		rec, err := c.generateStageImage(ctx, stage, current, input)
		if err != nil {
			run.Plan.Outcomes = append(run.Plan.Outcomes, domain.StageOutcome{
				Key: stage.Key, Index: stage.Index, Succeeded: false, ErrorMessage: err.Error(),
			})
			c.logger.Warn().Err(err).Str("plan_id", run.Plan.ID).Str("stage", stage.Key).Msg("stage image failed")
			return
		}
		run.Plan.Outcomes = append(run.Plan.Outcomes, domain.StageOutcome{
			Key: stage.Key, Index: stage.Index, Succeeded: true, ImageURL: rec.ImageURL, RecordID: rec.ID,
		})
		current = domain.MediaRef{Ref: rec.ImageURL}
	}
}

func (c *Composer) generateStageImage(ctx context.Context, stage domain.Stage, ref domain.MediaRef, input PlanInput) (*domain.GenerationRecord, error) {
	rec, err := c.jobs.Submit(ctx, domain.GenerationRequest{
		Prompt:      stage.Prompt,
		Type:        domain.GenerationImageToImage,
		ModelName:   input.ImageModel,
		AspectRatio: input.AspectRatio,
		Image:       ref,
	})
	if err != nil {
		return nil, err
	}
	final, err := c.jobs.Await(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if final.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("stage %s: %s", stage.Key, firstNonEmpty(final.ErrorMessage, "generation failed"))
	}
	if final.ImageURL == "" {
		return nil, fmt.Errorf("stage %s: completed without an image", stage.Key)
	}
	return final, nil
}

// submitTransitions derives one video per consecutive pair of
// successful stages and submits them under the concurrency cap.
func (c *Composer) submitTransitions(ctx context.Context, run *Run, input PlanInput) {
	outcomes := run.Plan.Outcomes
	for i := 0; i+1 < len(outcomes); i++ {
		from, to := outcomes[i], outcomes[i+1]
		if !from.Succeeded || !to.Succeeded {
			continue
		}
		run.Transitions = append(run.Transitions, &domain.TransitionVideoPlan{
			PlanID:      run.Plan.ID,
			VideoNumber: i + 1,
			FromKey:     from.Key,
			ToKey:       to.Key,
			FromImage:   from.ImageURL,
			ToImage:     to.ImageURL,
			Prompt:      TransitionPrompt(run.Plan.Kind, from.Key, to.Key),
		})
	}
	if len(run.Transitions) == 0 {
		return
	}

	sem := semaphore.NewWeighted(c.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for _, tv := range run.Transitions {
		tv := tv
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			rec, err := c.jobs.Submit(gctx, domain.GenerationRequest{
				Prompt:      tv.Prompt,
				Type:        domain.GenerationImageToVideo,
				ModelName:   input.VideoModel,
				AspectRatio: input.AspectRatio,
				Duration:    "5s",
				Image:       domain.MediaRef{Ref: tv.FromImage},
				TailImage:   domain.MediaRef{Ref: tv.ToImage},
			})
			if err != nil {
				c.logger.Warn().Err(err).Str("plan_id", tv.PlanID).Int("video", tv.VideoNumber).Msg("transition submit failed")
				return nil
			}
			// RecordID is read under the composer lock by the merge
			// watcher, so the write takes the same lock.
			c.mu.Lock()
			tv.RecordID = rec.ID
			c.byRecord[rec.ID] = tv.PlanID
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// GenerationFinished lets the composer act as the tracker's notifier:
// every terminal record belonging to a run re-evaluates that run's
// auto-merge condition. Duplicate deliveries are harmless.
func (c *Composer) GenerationFinished(rec *domain.GenerationRecord) {
	c.mu.Lock()
	planID, ok := c.byRecord[rec.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.MaybeAutoMerge(context.Background(), planID)
}

// MaybeAutoMerge fires the merge exactly once, when every planned
// transition video is completed. It never re-fires, even if the merge
// itself failed and later duplicate events arrive.
func (c *Composer) MaybeAutoMerge(ctx context.Context, planID string) {
	c.mu.Lock()
	run, ok := c.runs[planID]
	if !ok || len(run.Transitions) == 0 {
		c.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(run.Transitions))
	for _, tv := range run.Transitions {
		if tv.RecordID == "" {
			c.mu.Unlock()
			return
		}
		ids = append(ids, tv.RecordID)
	}
	c.mu.Unlock()

	if run.mergeFired() {
		return
	}
	for _, id := range ids {
		rec, err := c.jobs.Get(ctx, id)
		if err != nil || rec.Status != domain.StatusCompleted {
			return
		}
	}
	if !run.tryFireMerge() {
		return
	}

	result, err := c.merger.Merge(ctx, ids, false)
	run.setMergeResult(result, err)
	if err != nil {
		c.logger.Error().Err(err).Str("plan_id", planID).Msg("auto-merge failed")
		return
	}
	c.logger.Info().Str("plan_id", planID).Str("video_url", result.VideoURL).
		Int("duration_sec", result.DurationSec).Msg("auto-merge completed")
}

// AwaitTransitions blocks until every submitted transition video is
// terminal, then re-evaluates auto-merge. Intended to be run in its
// own goroutine by callers that do not use the notifier wiring.
func (c *Composer) AwaitTransitions(ctx context.Context, planID string) {
	c.mu.Lock()
	run, ok := c.runs[planID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	ids := make([]string, 0, len(run.Transitions))
	for _, tv := range run.Transitions {
		if tv.RecordID != "" {
			ids = append(ids, tv.RecordID)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		if _, err := c.jobs.Await(ctx, id); err != nil {
			return
		}
	}
	c.MaybeAutoMerge(ctx, planID)
}

// RunStatus returns the current view of one run.
func (c *Composer) RunStatus(planID string) (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[planID]
	return run, ok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
