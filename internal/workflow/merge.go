package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
)

// RecordGetter resolves record ids to their stored state.
type RecordGetter interface {
	Get(ctx context.Context, id string) (*domain.GenerationRecord, error)
}

// Merger concatenates completed generation videos into one file.
type Merger struct {
	records  RecordGetter
	stitcher Stitcher
	logger   zerolog.Logger
}

// NewMerger wires a merger over the record store and a stitcher.
func NewMerger(records RecordGetter, stitcher Stitcher, logger zerolog.Logger) *Merger {
	return &Merger{
		records:  records,
		stitcher: stitcher,
		logger:   logger.With().Str("component", "merge").Logger(),
	}
}

// Merge concatenates the videos behind the given record ids, in the
// order given. Every id must name a completed video record unless
// partial is set, in which case non-completed records are skipped. A
// merge with nothing completed fails either way.
func (m *Merger) Merge(ctx context.Context, recordIDs []string, partial bool) (*domain.MergedVideoResult, error) {
	if len(recordIDs) == 0 {
		return nil, domain.NewProviderError(domain.ErrValidation, "empty_merge", "no video ids to merge")
	}
	var (
		inputs   []StitchInput
		included []string
		duration int
	)
	for _, id := range recordIDs {
		rec, err := m.records.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("merge input %s: %w", id, err)
		}
		if rec.Status != domain.StatusCompleted || rec.VideoURL == "" {
			if !partial {
				return nil, domain.NewProviderError(domain.ErrValidation, "incomplete_input",
					fmt.Sprintf("video %s is %s, not completed", id, rec.Status))
			}
			m.logger.Warn().Str("record_id", id).Str("status", string(rec.Status)).Msg("skipping incomplete video")
			continue
		}
		inputs = append(inputs, StitchInput{RecordID: id, VideoURL: rec.VideoURL})
		included = append(included, id)
		duration += rec.DurationSec
	}
	if len(inputs) == 0 {
		return nil, domain.NewProviderError(domain.ErrValidation, "empty_merge", "no completed videos to merge")
	}

	out, err := m.stitcher.Stitch(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("stitch %d videos: %w", len(inputs), err)
	}
	result := &domain.MergedVideoResult{
		ID:           uuid.NewString(),
		RecordIDs:    included,
		VideoURL:     out.VideoURL,
		ThumbnailURL: out.ThumbnailURL,
		DurationSec:  duration,
		Partial:      len(included) < len(recordIDs),
		CreatedAt:    time.Now(),
	}
	m.logger.Info().Str("merge_id", result.ID).Int("inputs", len(included)).
		Int("duration_sec", duration).Bool("partial", result.Partial).Msg("videos merged")
	return result, nil
}
