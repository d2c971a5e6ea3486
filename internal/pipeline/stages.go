package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"photopipe/internal/domain"
	"photopipe/internal/objstore"
	"photopipe/internal/providers"
)

// Stage handlers. Each is a pure function of the job snapshot plus the
// injected provider and object-store clients, returns the patch to apply on
// success, and is safe to re-run: every write lands on a deterministic key.

func (p *Processor) runSegment(ctx context.Context, job *domain.Job) (domain.Patch, error) {
	if job.Workflow == domain.WorkflowSingleStepEdit {
		// The editing model works straight from the source photo; nothing to
		// segment.
		return domain.Patch{}, nil
	}

	h, err := p.ops.Segment.Submit(ctx, providers.Input{SourceURL: job.SourceImageURL})
	if err != nil {
		return domain.Patch{}, err
	}
	outputs, err := providers.Await(ctx, p.ops.Segment, h, p.cfg.Backoff)
	if err != nil {
		return domain.Patch{}, err
	}

	cutoutKey := objstore.CutoutKey(job.SKU, job.ContentHash)
	if err := p.objects.Put(ctx, cutoutKey, outputs[0], "image/png"); err != nil {
		return domain.Patch{}, wrapStorage(err)
	}
	patch := domain.Patch{
		CutoutKey: &cutoutKey,
		StageCost: &domain.StageSample{Stage: domain.StageSegment, Value: p.cfg.Cost.SegmentCents},
	}
	if len(outputs) > 1 {
		maskKey := objstore.MaskKey(job.SKU, job.ContentHash)
		if err := p.objects.Put(ctx, maskKey, outputs[1], "image/png"); err != nil {
			return domain.Patch{}, wrapStorage(err)
		}
		patch.MaskKey = &maskKey
	}
	return patch, nil
}

func (p *Processor) runBackground(ctx context.Context, job *domain.Job) (domain.Patch, error) {
	if job.Workflow == domain.WorkflowSingleStepEdit {
		return domain.Patch{}, nil
	}

	h, err := p.ops.Background.Submit(ctx, providers.Input{
		Theme:    job.Theme,
		Variants: p.cfg.BackgroundVariants,
	})
	if err != nil {
		return domain.Patch{}, err
	}
	outputs, err := providers.Await(ctx, p.ops.Background, h, p.cfg.Backoff)
	if err != nil {
		return domain.Patch{}, err
	}

	keys := make([]string, 0, len(outputs))
	for i, data := range outputs {
		key := objstore.BackgroundKey(job.SKU, job.ContentHash, job.Theme, i+1)
		if err := p.objects.Put(ctx, key, data, "image/png"); err != nil {
			return domain.Patch{}, wrapStorage(err)
		}
		keys = append(keys, key)
	}
	return domain.Patch{
		BackgroundKeys: keys,
		StageCost: &domain.StageSample{
			Stage: domain.StageBackground,
			Value: int64(len(keys)) * p.cfg.Cost.BackgroundCentsPerImage,
		},
	}, nil
}

func (p *Processor) runComposite(ctx context.Context, job *domain.Job) (domain.Patch, error) {
	if job.Workflow == domain.WorkflowSingleStepEdit {
		return p.runSingleStepEdit(ctx, job)
	}

	cutout, err := p.objects.Get(ctx, job.CutoutKey)
	if err != nil {
		return domain.Patch{}, wrapStorage(err)
	}
	keys := make([]string, 0, len(job.BackgroundKeys))
	for i, bgKey := range job.BackgroundKeys {
		background, err := p.objects.Get(ctx, bgKey)
		if err != nil {
			return domain.Patch{}, wrapStorage(err)
		}
		h, err := p.ops.Composite.Submit(ctx, providers.Input{
			Image:    cutout,
			RefImage: background,
			Theme:    job.Theme,
		})
		if err != nil {
			return domain.Patch{}, err
		}
		outputs, err := providers.Await(ctx, p.ops.Composite, h, p.cfg.Backoff)
		if err != nil {
			return domain.Patch{}, err
		}
		key := objstore.CompositeKey(job.SKU, job.ContentHash, job.Theme, i+1)
		if err := p.objects.Put(ctx, key, outputs[0], "image/png"); err != nil {
			return domain.Patch{}, wrapStorage(err)
		}
		keys = append(keys, key)
	}
	return domain.Patch{
		CompositeKeys: keys,
		StageCost: &domain.StageSample{
			Stage: domain.StageComposite,
			Value: int64(len(keys)) * p.cfg.Cost.CompositeCentsPerImage,
		},
	}, nil
}

// runSingleStepEdit is the composite stage of the single-step workflow: one
// editing call replaces segmentation, background generation and compositing.
func (p *Processor) runSingleStepEdit(ctx context.Context, job *domain.Job) (domain.Patch, error) {
	h, err := p.ops.Composite.Submit(ctx, providers.Input{
		SourceURL: job.SourceImageURL,
		Theme:     job.Theme,
	})
	if err != nil {
		return domain.Patch{}, err
	}
	outputs, err := providers.Await(ctx, p.ops.Composite, h, p.cfg.Backoff)
	if err != nil {
		return domain.Patch{}, err
	}
	keys := make([]string, 0, len(outputs))
	for i, data := range outputs {
		key := objstore.CompositeKey(job.SKU, job.ContentHash, job.Theme, i+1)
		if err := p.objects.Put(ctx, key, data, "image/png"); err != nil {
			return domain.Patch{}, wrapStorage(err)
		}
		keys = append(keys, key)
	}
	return domain.Patch{
		CompositeKeys: keys,
		StageCost: &domain.StageSample{
			Stage: domain.StageComposite,
			Value: int64(len(keys)) * p.cfg.Cost.CompositeCentsPerImage,
		},
	}, nil
}

func (p *Processor) runDerivatives(ctx context.Context, job *domain.Job) (domain.Patch, error) {
	keys, err := p.fanOut(ctx, job)
	if err != nil {
		return domain.Patch{}, err
	}
	return domain.Patch{DerivativeKeys: keys}, nil
}

// manifest is the published JSON index of every output the job produced.
// Collaborators read it from its deterministic key instead of querying the
// job store.
type manifest struct {
	SKU            string    `json:"sku"`
	ContentHash    string    `json:"contentHash"`
	Theme          string    `json:"theme"`
	Workflow       string    `json:"workflow"`
	Cutout         string    `json:"cutout,omitempty"`
	Mask           string    `json:"mask,omitempty"`
	Backgrounds    []string  `json:"backgrounds,omitempty"`
	Composites     []string  `json:"composites"`
	Derivatives    []string  `json:"derivatives"`
	TotalCostCents int64     `json:"totalCostCents"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

func (p *Processor) runPublish(ctx context.Context, job *domain.Job) (domain.Patch, error) {
	m := manifest{
		SKU:            job.SKU,
		ContentHash:    job.ContentHash,
		Theme:          job.Theme,
		Workflow:       string(job.Workflow),
		Cutout:         job.CutoutKey,
		Mask:           job.MaskKey,
		Backgrounds:    job.BackgroundKeys,
		Composites:     job.CompositeKeys,
		Derivatives:    job.DerivativeKeys,
		TotalCostCents: job.TotalCostCents(),
		GeneratedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return domain.Patch{}, fatalf("encode manifest: %v", err)
	}
	key := objstore.ManifestKey(job.SKU, job.ContentHash, job.Theme)
	if err := p.objects.Put(ctx, key, data, "application/json"); err != nil {
		return domain.Patch{}, wrapStorage(err)
	}
	return domain.Patch{ManifestKey: &key}, nil
}

func (p *Processor) runFinalize(ctx context.Context, job *domain.Job) (domain.Patch, error) {
	// Everything durable is already written; this hop only closes the job.
	return domain.Patch{}, nil
}
