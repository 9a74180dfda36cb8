package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/provider"
)

type fakeAdapter struct {
	mu       sync.Mutex
	name     string
	webhook  bool
	statuses []*provider.JobStatus
	pollErr  error
	polls    int
}

func (f *fakeAdapter) Name() string       { return f.name }
func (f *fakeAdapter) IsConfigured() bool { return true }
func (f *fakeAdapter) UsesWebhook() bool  { return f.webhook }

func (f *fakeAdapter) SupportsModel(modelName string, genType domain.GenerationType) bool {
	return true
}

func (f *fakeAdapter) Submit(ctx context.Context, req domain.GenerationRequest) (*provider.ProviderJob, error) {
	return &provider.ProviderJob{ID: "job-1", Provider: f.name, TaskType: "image2video", CreatedAt: time.Now()}, nil
}

func (f *fakeAdapter) PollStatus(ctx context.Context, jobID, taskType string) (*provider.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	idx := f.polls - 1
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	return f.statuses[idx], nil
}

func (f *fakeAdapter) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type countingNotifier struct {
	count atomic.Int32
	last  atomic.Value
}

func (n *countingNotifier) GenerationFinished(rec *domain.GenerationRecord) {
	n.count.Add(1)
	n.last.Store(rec)
}

func newTestTracker(adapter *fakeAdapter, notifier Notifier, maxAttempts int, webhook bool) *Tracker {
	adapter.webhook = webhook
	return newTestTrackerWithStore(NewMemoryStore(), adapter, notifier, maxAttempts, webhook)
}

func newTestTrackerWithStore(store RecordStore, adapter *fakeAdapter, notifier Notifier, maxAttempts int, webhook bool) *Tracker {
	return NewTracker(Options{
		Store:             store,
		Adapters:          provider.Registry{adapter.name: adapter},
		PollInterval:      10 * time.Millisecond,
		MaxAttempts:       maxAttempts,
		WebhookConfigured: webhook,
		Notifier:          notifier,
		Logger:            zerolog.New(io.Discard),
	})
}

func submitOne(t *testing.T, tr *Tracker) *domain.GenerationRecord {
	t.Helper()
	rec, err := tr.Submit(context.Background(), domain.GenerationRequest{
		Type:      domain.GenerationImageToVideo,
		ModelName: "Kling 1.6",
		Prompt:    "p",
		Image:     domain.MediaRef{Ref: "https://cdn.example.com/a.png"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Status.Terminal() {
		t.Fatalf("record born terminal: %+v", rec)
	}
	return rec
}

func TestPollDrivesRecordToCompletion(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", statuses: []*provider.JobStatus{
		{Status: domain.StatusInProgress},
		{Status: domain.StatusCompleted, VideoURL: "https://cdn.example.com/out.mp4", DurationSec: 5},
	}}
	notifier := &countingNotifier{}
	tr := newTestTracker(adapter, notifier, 50, false)

	rec := submitOne(t, tr)
	final, err := tr.Await(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if final.Status != domain.StatusCompleted || final.VideoURL == "" || final.DurationSec != 5 {
		t.Fatalf("final = %+v", final)
	}
	if got := notifier.count.Load(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

func TestTerminalRecordIsNeverResurrected(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", statuses: []*provider.JobStatus{
		{Status: domain.StatusCompleted, VideoURL: "https://cdn.example.com/out.mp4"},
	}}
	notifier := &countingNotifier{}
	tr := newTestTracker(adapter, notifier, 50, false)

	rec := submitOne(t, tr)
	if _, err := tr.Await(context.Background(), rec.ID); err != nil {
		t.Fatalf("await: %v", err)
	}
	pollsAtTerminal := adapter.pollCount()

	// Further manual ticks are no-ops: same terminal state, no extra
	// provider calls, no duplicate notifications.
	for i := 0; i < 3; i++ {
		got, err := tr.CheckNow(context.Background(), rec.ID)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if got.Status != domain.StatusCompleted {
			t.Fatalf("check %d: status = %q", i, got.Status)
		}
	}
	if adapter.pollCount() != pollsAtTerminal {
		t.Fatalf("polls after terminal: %d -> %d", pollsAtTerminal, adapter.pollCount())
	}
	if got := notifier.count.Load(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

func TestWebhookAndPollDeliverTerminalOnce(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", statuses: []*provider.JobStatus{
		{Status: domain.StatusInProgress},
	}}
	notifier := &countingNotifier{}
	tr := newTestTracker(adapter, notifier, 1000, true)

	rec := submitOne(t, tr)
	terminal := &provider.JobStatus{Status: domain.StatusCompleted, VideoURL: "https://cdn.example.com/w.mp4"}

	// Duplicate webhook deliveries for the same provider job.
	for i := 0; i < 3; i++ {
		got, err := tr.HandleWebhook(context.Background(), "job-1", terminal)
		if err != nil {
			t.Fatalf("webhook %d: %v", i, err)
		}
		if got.Status != domain.StatusCompleted {
			t.Fatalf("webhook %d: status = %q", i, got.Status)
		}
	}
	// A late poll tick after the webhook is a harmless duplicate.
	if _, err := tr.CheckNow(context.Background(), rec.ID); err != nil {
		t.Fatalf("late poll: %v", err)
	}
	if got := notifier.count.Load(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

func TestPollTimeoutIsDistinctFailure(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", statuses: []*provider.JobStatus{
		{Status: domain.StatusInProgress},
	}}
	notifier := &countingNotifier{}
	tr := newTestTracker(adapter, notifier, 3, false)

	rec := submitOne(t, tr)
	final, err := tr.Await(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if final.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.ErrorCode != "poll_timeout" {
		t.Fatalf("error code = %q, want poll_timeout", final.ErrorCode)
	}
}

func TestAuthFailureDuringPollMarksFailed(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "fake",
		pollErr: domain.NewProviderError(domain.ErrAuthentication, "401", "key revoked"),
	}
	tr := newTestTracker(adapter, &countingNotifier{}, 50, false)

	rec := submitOne(t, tr)
	final, err := tr.Await(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if final.Status != domain.StatusFailed || final.ErrorCode != "authentication_error" {
		t.Fatalf("final = %+v", final)
	}
	// Never retried: a single poll observed the auth failure.
	if adapter.pollCount() != 1 {
		t.Fatalf("polls = %d, want 1", adapter.pollCount())
	}
}

func TestTransientPollErrorKeepsPolling(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", statuses: []*provider.JobStatus{
		{Status: domain.StatusCompleted, VideoURL: "u"},
	}}
	adapter.pollErr = domain.NewProviderError(domain.ErrTransientService, "503", "blip")
	tr := newTestTracker(adapter, &countingNotifier{}, 50, false)

	rec := submitOne(t, tr)
	time.Sleep(35 * time.Millisecond)
	adapter.mu.Lock()
	adapter.pollErr = nil
	adapter.mu.Unlock()

	final, err := tr.Await(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if final.Status != domain.StatusCompleted {
		t.Fatalf("final = %+v", final)
	}
}

func TestWebhookModeStillPollsAdaptersWithoutCallback(t *testing.T) {
	// The callback URL is configured globally, but this adapter never
	// registers it with the provider, so its records must keep polling
	// or they would stay in flight forever.
	adapter := &fakeAdapter{name: "fake", statuses: []*provider.JobStatus{
		{Status: domain.StatusInProgress},
		{Status: domain.StatusCompleted, VideoURL: "https://cdn.example.com/out.mp4"},
	}}
	notifier := &countingNotifier{}
	tr := newTestTrackerWithStore(NewMemoryStore(), adapter, notifier, 50, true)

	rec := submitOne(t, tr)
	final, err := tr.Await(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if final.Status != domain.StatusCompleted {
		t.Fatalf("final = %+v", final)
	}
	if adapter.pollCount() == 0 {
		t.Fatal("adapter was never polled")
	}
	if got := notifier.count.Load(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

// flakyStore fails a fixed number of updates before recovering.
type flakyStore struct {
	*MemoryStore
	failUpdates atomic.Int32
}

func (s *flakyStore) Update(ctx context.Context, rec *domain.GenerationRecord) error {
	if s.failUpdates.Add(-1) >= 0 {
		return errors.New("store offline")
	}
	return s.MemoryStore.Update(ctx, rec)
}

func TestTerminalDeliveryRetriesAfterStoreFailure(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", webhook: true, statuses: []*provider.JobStatus{
		{Status: domain.StatusInProgress},
	}}
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failUpdates.Store(1)
	notifier := &countingNotifier{}
	tr := newTestTrackerWithStore(store, adapter, notifier, 1000, true)

	rec := submitOne(t, tr)
	terminal := &provider.JobStatus{Status: domain.StatusCompleted, VideoURL: "https://cdn.example.com/w.mp4"}

	// First delivery hits the store failure and must not latch the
	// record as delivered.
	if _, err := tr.HandleWebhook(context.Background(), "job-1", terminal); err == nil {
		t.Fatal("expected store failure to surface")
	}
	stored, err := tr.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status.Terminal() {
		t.Fatalf("record terminal after failed write: %+v", stored)
	}
	if got := notifier.count.Load(); got != 0 {
		t.Fatalf("notifications after failed write = %d, want 0", got)
	}

	// The provider retries the delivery; this one must succeed.
	got, err := tr.HandleWebhook(context.Background(), "job-1", terminal)
	if err != nil {
		t.Fatalf("retry delivery: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if _, err := tr.Await(context.Background(), rec.ID); err != nil {
		t.Fatalf("await: %v", err)
	}
	if got := notifier.count.Load(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

func TestSubmitRejectsUnsupportedModel(t *testing.T) {
	tr := NewTracker(Options{
		Store:    NewMemoryStore(),
		Adapters: provider.Registry{},
		Logger:   zerolog.New(io.Discard),
	})
	_, err := tr.Submit(context.Background(), domain.GenerationRequest{
		Type: domain.GenerationTextToVideo, ModelName: "Unknown",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}
