package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"photopipe/internal/domain"
	"photopipe/internal/infra"
	"photopipe/internal/objstore"
	"photopipe/internal/providers"
)

// Operations bundles the external AI calls the stages depend on.
type Operations struct {
	Segment    providers.Operation
	Background providers.Operation
	Composite  providers.Operation
}

// CostTable prices vendor calls in cents so jobs can report spend.
type CostTable struct {
	SegmentCents            int64
	BackgroundCentsPerImage int64
	CompositeCentsPerImage  int64
}

// Config tunes the scheduling loop and the per-stage retry budget.
type Config struct {
	// PollInterval is the pause between scheduler passes.
	PollInterval time.Duration
	// Concurrency bounds simultaneously in-flight jobs per pass.
	Concurrency int
	// MaxStageAttempts is the job-level retry budget: a stage failing
	// transiently this many times is converted to a fatal failure.
	MaxStageAttempts int
	// BackgroundVariants is how many themed backgrounds to request.
	BackgroundVariants int
	// Backoff is the poll policy handed to every provider await.
	Backoff providers.Backoff
	Cost    CostTable
}

// DefaultConfig matches a single modest worker against slow vendors.
func DefaultConfig() Config {
	return Config{
		PollInterval:       5 * time.Second,
		Concurrency:        1,
		MaxStageAttempts:   3,
		BackgroundVariants: 3,
		Backoff:            providers.DefaultBackoff(),
		Cost: CostTable{
			SegmentCents:            5,
			BackgroundCentsPerImage: 4,
			CompositeCentsPerImage:  8,
		},
	}
}

type stageFunc func(ctx context.Context, job *domain.Job) (domain.Patch, error)

// Processor drives every non-terminal job one stage forward per pass. The
// job row is the single source of truth: claims happen through the store's
// atomic Transition, so two passes racing on the same job resolve to one
// winner and one conflict.
type Processor struct {
	jobs    domain.JobStore
	objects objstore.Store
	ops     Operations
	cfg     Config
	logger  infra.Logger

	mu       sync.Mutex
	attempts map[string]int
}

// NewProcessor wires a processor over the given store, object store and
// provider operations.
func NewProcessor(jobs domain.JobStore, objects objstore.Store, ops Operations, cfg Config, logger infra.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxStageAttempts <= 0 {
		cfg.MaxStageAttempts = 3
	}
	if cfg.BackgroundVariants <= 0 {
		cfg.BackgroundVariants = 1
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = providers.DefaultBackoff()
	}
	return &Processor{
		jobs:     jobs,
		objects:  objects,
		ops:      ops,
		cfg:      cfg,
		logger:   logger,
		attempts: make(map[string]int),
	}
}

// Run blocks on the scheduling loop until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error().Err(err).Msg("scheduler pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single scheduler pass: list actionable jobs and advance
// each by exactly one stage, bounded by the configured concurrency.
func (p *Processor) RunOnce(ctx context.Context) error {
	jobs, err := p.jobs.List(ctx, domain.ListFilter{Actionable: true})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, job := range jobs {
		if domain.IsTerminal(job.Status) {
			continue
		}
		job := job
		g.Go(func() error {
			p.process(gctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (p *Processor) process(ctx context.Context, job *domain.Job) {
	stage, ok := domain.StageFor(job.Status)
	if !ok {
		return
	}
	handler := p.handler(stage)
	if handler == nil {
		return
	}
	log := p.logger.With().
		Str("job_id", job.ID).
		Str("sku", job.SKU).
		Str("stage", string(stage)).
		Logger()

	start := time.Now()
	patch, err := handler(ctx, job)
	elapsed := time.Since(start)
	if err != nil {
		p.handleFailure(ctx, &log, job, stage, err)
		return
	}

	next, ok := domain.NextStatus(job.Status)
	if !ok {
		return
	}
	patch.StageDuration = &domain.StageSample{Stage: stage, Value: elapsed.Milliseconds()}
	now := time.Now().UTC()
	if job.Status == domain.StatusNew && job.StartedAt == nil {
		patch.StartedAt = &now
	}
	if next == domain.StatusDone {
		patch.CompletedAt = &now
	}

	if _, err := p.jobs.Transition(ctx, job.ID, job.Status, next, patch); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Warn().Msg("job advanced by another pass, dropping stage result")
			return
		}
		log.Error().Err(err).Msg("record stage result")
		return
	}
	p.clearAttempts(job.ID, stage)
	log.Info().
		Str("next", string(next)).
		Dur("elapsed", elapsed).
		Msg("stage complete")
}

// handleFailure applies the outcome classification: transient failures leave
// the status untouched and burn one attempt; fatal failures, and transient
// ones past the budget, move the job to FAILED with the reason recorded.
func (p *Processor) handleFailure(ctx context.Context, log *infra.Logger, job *domain.Job, stage domain.Stage, err error) {
	if isRetryable(err) {
		attempts := p.bumpAttempts(job.ID, stage)
		if attempts < p.cfg.MaxStageAttempts {
			log.Warn().Err(err).
				Int("attempt", attempts).
				Int("budget", p.cfg.MaxStageAttempts).
				Msg("transient stage failure, will retry")
			return
		}
		log.Error().Err(err).
			Int("attempts", attempts).
			Msg("retry budget exhausted")
	} else {
		log.Error().Err(err).Msg("fatal stage failure")
	}

	code := errorCode(err)
	msg := err.Error()
	stack := fmt.Sprintf("%+v", err)
	failedStage := stage
	patch := domain.Patch{
		ErrorCode:    &code,
		ErrorMessage: &msg,
		ErrorStack:   &stack,
		FailedStage:  &failedStage,
	}
	if _, terr := p.jobs.Transition(ctx, job.ID, job.Status, domain.StatusFailed, patch); terr != nil && !errors.Is(terr, domain.ErrConflict) {
		log.Error().Err(terr).Msg("record job failure")
		return
	}
	p.clearAttempts(job.ID, stage)
}

func (p *Processor) handler(stage domain.Stage) stageFunc {
	switch stage {
	case domain.StageSegment:
		return p.runSegment
	case domain.StageBackground:
		return p.runBackground
	case domain.StageComposite:
		return p.runComposite
	case domain.StageDerivatives:
		return p.runDerivatives
	case domain.StagePublish:
		return p.runPublish
	case domain.StageFinalize:
		return p.runFinalize
	default:
		return nil
	}
}

func attemptKey(jobID string, stage domain.Stage) string {
	return jobID + "|" + string(stage)
}

func (p *Processor) bumpAttempts(jobID string, stage domain.Stage) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := attemptKey(jobID, stage)
	p.attempts[key]++
	return p.attempts[key]
}

func (p *Processor) clearAttempts(jobID string, stage domain.Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, attemptKey(jobID, stage))
}
