package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/provider"
)

// Notifier receives exactly one call per record when it reaches a
// terminal state, whether via poll or webhook.
type Notifier interface {
	GenerationFinished(rec *domain.GenerationRecord)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) GenerationFinished(*domain.GenerationRecord) {}

// Options configures a Tracker.
type Options struct {
	Store        RecordStore
	Adapters     provider.Registry
	PollInterval time.Duration
	MaxAttempts  int
	// WebhookConfigured suppresses the automatic poll loop for records
	// whose adapter registers a callback URL with the provider;
	// terminal state for those arrives via HandleWebhook. Adapters
	// that do not advertise webhook delivery are always polled.
	// Manual CheckNow still works either way.
	WebhookConfigured bool
	Notifier          Notifier
	Logger            zerolog.Logger
}

// Tracker drives every GenerationRecord from submission to a terminal
// state. Each record gets its own poll goroutine so one slow provider
// call never blocks another record's tick.
type Tracker struct {
	store       RecordStore
	adapters    provider.Registry
	interval    time.Duration
	maxAttempts int
	useWebhook  bool
	notifier    Notifier
	logger      zerolog.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	taskType string
	provider string
	done     chan struct{}

	// mu serializes terminal transitions for this record; terminal is
	// set only after the store write succeeds, so a failed write can
	// be retried by the next delivery.
	mu       sync.Mutex
	terminal bool
}

// NewTracker builds a tracker with provider-appropriate defaults.
func NewTracker(opts Options) *Tracker {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 120
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Tracker{
		store:       opts.Store,
		adapters:    opts.Adapters,
		interval:    interval,
		maxAttempts: maxAttempts,
		useWebhook:  opts.WebhookConfigured,
		notifier:    notifier,
		logger:      opts.Logger.With().Str("component", "jobs").Logger(),
		watches:     make(map[string]*watch),
	}
}

// Submit validates the model/type pairing, submits to the owning
// adapter, persists a non-terminal record, and starts its poll loop
// unless a webhook will push the terminal state instead.
func (t *Tracker) Submit(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationRecord, error) {
	adapter := t.adapters.ForModel(req.ModelName, req.Type)
	if adapter == nil {
		return nil, domain.NewProviderError(domain.ErrValidation, "unsupported_model",
			"model "+req.ModelName+" does not support "+string(req.Type))
	}
	if !adapter.IsConfigured() {
		return nil, domain.NewProviderError(domain.ErrAuthentication, "missing_credentials",
			"provider "+adapter.Name()+" is not configured")
	}
	job, err := adapter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	rec := &domain.GenerationRecord{
		ID:            uuid.NewString(),
		Status:        domain.StatusInProgress,
		Type:          req.Type,
		Provider:      job.Provider,
		ModelName:     req.ModelName,
		ProviderJobID: job.ID,
		Prompt:        req.Prompt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	w := &watch{taskType: job.TaskType, provider: job.Provider, done: make(chan struct{})}
	t.mu.Lock()
	t.watches[rec.ID] = w
	t.mu.Unlock()

	if !t.webhookDelivers(adapter) {
		go t.pollLoop(rec.ID)
	}
	t.logger.Info().Str("record_id", rec.ID).Str("provider", job.Provider).
		Str("task_id", job.ID).Msg("generation submitted")
	return rec, nil
}

// Track registers an existing non-terminal record (e.g. loaded from
// the Postgres store after a restart) and resumes polling it.
func (t *Tracker) Track(rec *domain.GenerationRecord, taskType string) {
	if rec.Status.Terminal() {
		return
	}
	t.mu.Lock()
	if _, ok := t.watches[rec.ID]; ok {
		t.mu.Unlock()
		return
	}
	t.watches[rec.ID] = &watch{taskType: taskType, provider: rec.Provider, done: make(chan struct{})}
	t.mu.Unlock()
	if !t.webhookDelivers(t.adapters[rec.Provider]) {
		go t.pollLoop(rec.ID)
	}
}

// webhookDelivers reports whether terminal state for this adapter's
// jobs will be pushed, making the poll loop redundant.
func (t *Tracker) webhookDelivers(adapter provider.Adapter) bool {
	return t.useWebhook && adapter != nil && provider.UsesWebhook(adapter)
}

func (t *Tracker) pollLoop(id string) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		<-ticker.C
		rec, err := t.CheckNow(context.Background(), id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return
			}
			t.logger.Warn().Err(err).Str("record_id", id).Int("attempt", attempt).Msg("poll tick failed")
			continue
		}
		if rec.Status.Terminal() {
			return
		}
	}
	// Exhausting the attempt budget is its own failure mode, distinct
	// from a provider-reported failure.
	t.logger.Error().Str("record_id", id).Int("max_attempts", t.maxAttempts).
		Msg("provider never reached a terminal state")
	t.markTerminal(context.Background(), id, &provider.JobStatus{
		Status:       domain.StatusFailed,
		ErrorCode:    domain.ErrorCode(domain.ErrPollTimeout),
		ErrorMessage: "no terminal state after maximum poll attempts",
	})
}

// CheckNow performs one immediate poll tick. Polling a record that is
// already terminal is a no-op returning the stored terminal state.
func (t *Tracker) CheckNow(ctx context.Context, id string) (*domain.GenerationRecord, error) {
	rec, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	t.mu.Lock()
	w := t.watches[id]
	t.mu.Unlock()
	if w == nil {
		return rec, nil
	}
	adapter, ok := t.adapters[w.provider]
	if !ok {
		return rec, nil
	}
	status, err := adapter.PollStatus(ctx, rec.ProviderJobID, w.taskType)
	if err != nil {
		if domain.Retryable(err) {
			// Transient: leave the record in flight for the next tick.
			return rec, nil
		}
		return t.markTerminal(ctx, id, &provider.JobStatus{
			Status:       domain.StatusFailed,
			ErrorCode:    domain.ErrorCode(err),
			ErrorMessage: err.Error(),
		})
	}
	if status.Status.Terminal() {
		return t.markTerminal(ctx, id, status)
	}
	if status.Status != rec.Status {
		rec.Status = status.Status
		rec.UpdatedAt = time.Now()
		if err := t.store.Update(ctx, rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// HandleWebhook applies an out-of-band terminal payload for the given
// provider job. Whichever of poll and webhook observes the terminal
// state first wins; the loser is a harmless duplicate.
func (t *Tracker) HandleWebhook(ctx context.Context, providerJobID string, status *provider.JobStatus) (*domain.GenerationRecord, error) {
	rec, err := t.store.GetByProviderJobID(ctx, providerJobID)
	if err != nil {
		return nil, err
	}
	if !status.Status.Terminal() {
		if status.Status != rec.Status && !rec.Status.Terminal() {
			rec.Status = status.Status
			rec.UpdatedAt = time.Now()
			if err := t.store.Update(ctx, rec); err != nil {
				return nil, err
			}
		}
		return rec, nil
	}
	return t.markTerminal(ctx, rec.ID, status)
}

// markTerminal transitions a record to its terminal state exactly
// once. Duplicate deliveries return the stored record without firing
// side effects again. The terminal flag flips only after the store
// write succeeds, so a failed write leaves the record open for the
// next delivery to retry.
func (t *Tracker) markTerminal(ctx context.Context, id string, status *provider.JobStatus) (*domain.GenerationRecord, error) {
	t.mu.Lock()
	w := t.watches[id]
	t.mu.Unlock()
	if w != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.terminal {
			return t.store.Get(ctx, id)
		}
	}

	rec, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		if w != nil {
			w.terminal = true
			close(w.done)
		}
		return rec, nil
	}
	rec.Status = status.Status
	rec.VideoURL = status.VideoURL
	rec.ImageURL = status.ImageURL
	rec.ThumbnailURL = status.ThumbnailURL
	rec.DurationSec = status.DurationSec
	rec.ErrorCode = status.ErrorCode
	rec.ErrorMessage = status.ErrorMessage
	rec.UpdatedAt = time.Now()
	if err := t.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	if w != nil {
		w.terminal = true
		close(w.done)
	}
	event := t.logger.Info()
	if rec.Status == domain.StatusFailed {
		event = t.logger.Error().Str("error_code", rec.ErrorCode).Str("error", rec.ErrorMessage)
	}
	event.Str("record_id", rec.ID).Str("status", string(rec.Status)).Msg("generation finished")
	t.notifier.GenerationFinished(rec)
	return rec, nil
}

// Await blocks until the record reaches a terminal state or the
// context ends, and returns the terminal record.
func (t *Tracker) Await(ctx context.Context, id string) (*domain.GenerationRecord, error) {
	t.mu.Lock()
	w := t.watches[id]
	t.mu.Unlock()
	if w == nil {
		rec, err := t.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		return nil, domain.ErrNotFound
	}
	select {
	case <-w.done:
		return t.store.Get(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the stored record.
func (t *Tracker) Get(ctx context.Context, id string) (*domain.GenerationRecord, error) {
	return t.store.Get(ctx, id)
}

// List returns all stored records, newest first.
func (t *Tracker) List(ctx context.Context) ([]*domain.GenerationRecord, error) {
	return t.store.List(ctx)
}

// Delete drops the record and its watch. The in-flight provider job,
// if any, is not told to stop; abandonment is implicit.
func (t *Tracker) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	delete(t.watches, id)
	t.mu.Unlock()
	return t.store.Delete(ctx, id)
}
