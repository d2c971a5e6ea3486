package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"photopipe/internal/adapter/repo"
	"photopipe/internal/domain"
	"photopipe/internal/objstore"
	"photopipe/internal/providers"
)

// fakeOp is a scriptable provider operation: pending for a fixed number of
// polls, then done with canned outputs, or failing on demand.
type fakeOp struct {
	kind         providers.Kind
	pendingPolls int
	outputs      [][]byte
	submitErr    error
	failReason   string

	mu      sync.Mutex
	submits int
	polls   int
	inputs  []providers.Input
}

func (f *fakeOp) Submit(ctx context.Context, in providers.Input) (providers.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.inputs = append(f.inputs, in)
	if f.submitErr != nil {
		return providers.Handle{}, f.submitErr
	}
	return providers.Handle{TaskID: fmt.Sprintf("task-%d", f.submits), Kind: f.kind, SubmittedAt: time.Now()}, nil
}

func (f *fakeOp) Poll(ctx context.Context, h providers.Handle) (providers.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.failReason != "" {
		return providers.PollResult{State: providers.StateFailed, Reason: f.failReason}, nil
	}
	if f.polls <= f.pendingPolls {
		return providers.PollResult{State: providers.StatePending}, nil
	}
	return providers.PollResult{State: providers.StateDone, Inline: f.outputs}, nil
}

func (f *fakeOp) Fetch(ctx context.Context, resultURL string) ([]byte, error) {
	return nil, errors.New("fake op serves inline results only")
}

func (f *fakeOp) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// memObjects is a map-backed object store counting writes.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	putErr  error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.puts++
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjects) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object at %s", key)
	}
	return append([]byte(nil), data...), nil
}

func (m *memObjects) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memObjects) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

func (m *memObjects) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *memObjects) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

var _ objstore.Store = (*memObjects)(nil)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

func fastBackoff(maxAttempts int) providers.Backoff {
	return providers.Backoff{
		Initial:     time.Millisecond,
		Multiplier:  2,
		Cap:         10 * time.Millisecond,
		MaxAttempts: maxAttempts,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func testConfig(maxStageAttempts int) Config {
	cfg := DefaultConfig()
	cfg.MaxStageAttempts = maxStageAttempts
	cfg.BackgroundVariants = 2
	cfg.Backoff = fastBackoff(5)
	return cfg
}

func seedJob(t *testing.T, store domain.JobStore, job *domain.Job) *domain.Job {
	t.Helper()
	stored, created, err := store.CreateIfAbsent(context.Background(), job)
	if err != nil || !created {
		t.Fatalf("seed job: created=%v err=%v", created, err)
	}
	return stored
}

func cutoutJob() *domain.Job {
	return &domain.Job{
		ID:             uuid.NewString(),
		SKU:            "MUG-042",
		ContentHash:    "c0ffee",
		SourceImageURL: "https://shop.example/raw/mug.jpg",
		Theme:          "rustic-kitchen",
		Workflow:       domain.WorkflowCutoutComposite,
		Status:         domain.StatusNew,
	}
}

func TestCutoutWorkflowRunsToDone(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryJobStore()
	objects := newMemObjects()

	segment := &fakeOp{
		kind:         providers.KindSegment,
		pendingPolls: 2, // done on the third poll
		outputs:      [][]byte{pngBytes(t, 64, 48), pngBytes(t, 64, 48)},
	}
	background := &fakeOp{
		kind:    providers.KindBackground,
		outputs: [][]byte{pngBytes(t, 80, 60), pngBytes(t, 80, 60)},
	}
	composite := &fakeOp{
		kind:    providers.KindComposite,
		outputs: [][]byte{pngBytes(t, 96, 72)},
	}

	p := NewProcessor(store, objects, Operations{
		Segment:    segment,
		Background: background,
		Composite:  composite,
	}, testConfig(3), zerolog.Nop())

	job := seedJob(t, store, cutoutJob())

	if err := p.RunOnce(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusBackgroundRemoved {
		t.Fatalf("after segment status = %s", got.Status)
	}
	if got.CutoutKey == "" || got.MaskKey == "" {
		t.Fatalf("segment keys not recorded: %+v", got)
	}
	if ok, _ := objects.Exists(ctx, got.CutoutKey); !ok {
		t.Fatalf("cutout bytes not persisted at %s", got.CutoutKey)
	}
	if got.StartedAt == nil {
		t.Fatal("StartedAt not set on leaving NEW")
	}

	// Five more passes walk the remaining stages to DONE.
	for i := 0; i < 5; i++ {
		if err := p.RunOnce(ctx); err != nil {
			t.Fatalf("pass %d: %v", i+2, err)
		}
	}
	got, _ = store.Get(ctx, job.ID)
	if got.Status != domain.StatusDone {
		t.Fatalf("final status = %s, want DONE", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if len(got.BackgroundKeys) != 2 || len(got.CompositeKeys) != 2 {
		t.Fatalf("keys = %d backgrounds, %d composites", len(got.BackgroundKeys), len(got.CompositeKeys))
	}
	if len(got.DerivativeKeys) != 18 {
		t.Fatalf("derivatives = %d, want 18", len(got.DerivativeKeys))
	}
	// 5 + 2*4 + 2*8 cents across the vendor stages.
	if got.TotalCostCents() != 29 {
		t.Fatalf("total cost = %d, want 29", got.TotalCostCents())
	}
	if len(got.StageDurations) != 6 {
		t.Fatalf("stage durations recorded for %d stages, want 6", len(got.StageDurations))
	}

	raw, err := objects.Get(ctx, got.ManifestKey)
	if err != nil {
		t.Fatalf("manifest not persisted: %v", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("manifest decode: %v", err)
	}
	if m.SKU != "MUG-042" || len(m.Derivatives) != 18 || m.TotalCostCents != 29 {
		t.Fatalf("manifest = %+v", m)
	}
}

func TestTransientExhaustionFailsWithFatalCode(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryJobStore()
	objects := newMemObjects()

	// Never completes: every await exhausts its poll budget.
	segment := &fakeOp{kind: providers.KindSegment, pendingPolls: 1 << 30}
	cfg := testConfig(3)
	cfg.Backoff = fastBackoff(2)

	p := NewProcessor(store, objects, Operations{Segment: segment}, cfg, zerolog.Nop())
	job := seedJob(t, store, cutoutJob())

	for pass := 1; pass <= 2; pass++ {
		if err := p.RunOnce(ctx); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		got, _ := store.Get(ctx, job.ID)
		if got.Status != domain.StatusNew {
			t.Fatalf("pass %d status = %s, want NEW while budget remains", pass, got.Status)
		}
		if got.ErrorCode != "" {
			t.Fatalf("pass %d recorded error %q before budget exhausted", pass, got.ErrorCode)
		}
	}

	if err := p.RunOnce(ctx); err != nil {
		t.Fatalf("final pass: %v", err)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorCode != domain.ErrCodeFatalProvider {
		t.Fatalf("error code = %q, want %q", got.ErrorCode, domain.ErrCodeFatalProvider)
	}
	if got.FailedStage != domain.StageSegment {
		t.Fatalf("failed stage = %q", got.FailedStage)
	}
	if got.ErrorMessage == "" {
		t.Fatal("error message empty")
	}
}

func TestFatalFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryJobStore()
	segment := &fakeOp{
		kind:      providers.KindSegment,
		submitErr: providers.Fatalf(providers.KindSegment, "unsupported image format"),
	}
	p := NewProcessor(store, newMemObjects(), Operations{Segment: segment}, testConfig(3), zerolog.Nop())
	job := seedJob(t, store, cutoutJob())

	if err := p.RunOnce(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED on first pass", got.Status)
	}
	if got.ErrorCode != domain.ErrCodeFatalProvider {
		t.Fatalf("error code = %q", got.ErrorCode)
	}
	if segment.submitCount() != 1 {
		t.Fatalf("submits = %d, want 1", segment.submitCount())
	}
}

func TestStorageFailureRecordsStorageCode(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryJobStore()
	objects := newMemObjects()
	objects.putErr = errors.New("bucket unavailable")

	segment := &fakeOp{kind: providers.KindSegment, outputs: [][]byte{pngBytes(t, 8, 8)}}
	cfg := testConfig(1)
	p := NewProcessor(store, objects, Operations{Segment: segment}, cfg, zerolog.Nop())
	job := seedJob(t, store, cutoutJob())

	if err := p.RunOnce(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorCode != domain.ErrCodeStorage {
		t.Fatalf("error code = %q, want %q", got.ErrorCode, domain.ErrCodeStorage)
	}
}

func TestSingleStepEditPassesThroughToComposite(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryJobStore()
	objects := newMemObjects()

	segment := &fakeOp{kind: providers.KindSegment}
	background := &fakeOp{kind: providers.KindBackground}
	composite := &fakeOp{
		kind:    providers.KindComposite,
		outputs: [][]byte{pngBytes(t, 32, 32), pngBytes(t, 32, 32)},
	}
	p := NewProcessor(store, objects, Operations{
		Segment:    segment,
		Background: background,
		Composite:  composite,
	}, testConfig(3), zerolog.Nop())

	job := cutoutJob()
	job.Workflow = domain.WorkflowSingleStepEdit
	seeded := seedJob(t, store, job)

	for i := 0; i < 3; i++ {
		if err := p.RunOnce(ctx); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
	}
	got, _ := store.Get(ctx, seeded.ID)
	if got.Status != domain.StatusComposited {
		t.Fatalf("status = %s, want COMPOSITED after 3 passes", got.Status)
	}
	if got.CutoutKey != "" || len(got.BackgroundKeys) != 0 {
		t.Fatalf("single-step job recorded cutout/background outputs: %+v", got)
	}
	if len(got.CompositeKeys) != 2 {
		t.Fatalf("composites = %d, want 2", len(got.CompositeKeys))
	}
	if segment.submitCount() != 0 || background.submitCount() != 0 {
		t.Fatalf("segment/background submitted %d/%d times, want 0/0",
			segment.submitCount(), background.submitCount())
	}
	if composite.submitCount() != 1 {
		t.Fatalf("composite submits = %d, want 1", composite.submitCount())
	}
	if composite.inputs[0].SourceURL != job.SourceImageURL {
		t.Fatalf("edit input = %+v, want source URL forwarded", composite.inputs[0])
	}
}

// recordingStore observes the filters a scheduler pass lists with.
type recordingStore struct {
	domain.JobStore
	mu      sync.Mutex
	filters []domain.ListFilter
}

func (s *recordingStore) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	s.filters = append(s.filters, filter)
	s.mu.Unlock()
	return s.JobStore.List(ctx, filter)
}

func TestRunOnceListsOnlyActionableJobs(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{JobStore: repo.NewMemoryJobStore()}

	finished := cutoutJob()
	finished.Status = domain.StatusDone
	seedJob(t, store, finished)

	segment := &fakeOp{kind: providers.KindSegment, outputs: [][]byte{pngBytes(t, 8, 8)}}
	p := NewProcessor(store, newMemObjects(), Operations{Segment: segment}, testConfig(3), zerolog.Nop())

	if err := p.RunOnce(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if len(store.filters) != 1 || !store.filters[0].Actionable {
		t.Fatalf("filters = %+v, want a single actionable listing", store.filters)
	}
	if segment.submitCount() != 0 {
		t.Fatalf("submits = %d, a finished job must not be dispatched", segment.submitCount())
	}
}

func TestConflictingPassDropsStaleResult(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryJobStore()
	objects := newMemObjects()
	segment := &fakeOp{kind: providers.KindSegment, outputs: [][]byte{pngBytes(t, 8, 8)}}
	p := NewProcessor(store, objects, Operations{Segment: segment}, testConfig(3), zerolog.Nop())
	job := seedJob(t, store, cutoutJob())

	// Another pass advanced the job while ours held a stale snapshot.
	stale := job.Clone()
	if _, err := store.Transition(ctx, job.ID, domain.StatusNew, domain.StatusBackgroundRemoved, domain.Patch{}); err != nil {
		t.Fatalf("advance elsewhere: %v", err)
	}
	p.process(ctx, stale)

	got, _ := store.Get(ctx, job.ID)
	if got.Status != domain.StatusBackgroundRemoved {
		t.Fatalf("status = %s, stale pass must not move the job", got.Status)
	}
}
