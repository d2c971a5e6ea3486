package domain

import (
	"strings"
	"time"
)

// WorkflowVariant selects how the pipeline turns a raw photo into composites.
type WorkflowVariant string

const (
	// WorkflowCutoutComposite segments the product, generates themed
	// backgrounds, then composites the cutout onto each background.
	WorkflowCutoutComposite WorkflowVariant = "cutout-composite"
	// WorkflowSingleStepEdit asks a single editing model to replace the
	// background in one operation.
	WorkflowSingleStepEdit WorkflowVariant = "single-step-edit"
)

// ParseWorkflowVariant sanitizes free-form input into a supported variant.
func ParseWorkflowVariant(value string) WorkflowVariant {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(WorkflowSingleStepEdit):
		return WorkflowSingleStepEdit
	default:
		return WorkflowCutoutComposite
	}
}

// JobStatus enumerates pipeline lifecycle states in pipeline order.
type JobStatus string

const (
	StatusNew               JobStatus = "NEW"
	StatusBackgroundRemoved JobStatus = "BACKGROUND_REMOVED"
	StatusBackgroundReady   JobStatus = "BACKGROUND_READY"
	StatusComposited        JobStatus = "COMPOSITED"
	StatusDerivativesReady  JobStatus = "DERIVATIVES_READY"
	StatusPublished         JobStatus = "PUBLISHED"
	StatusDone              JobStatus = "DONE"
	StatusFailed            JobStatus = "FAILED"
)

var statusOrder = []JobStatus{
	StatusNew,
	StatusBackgroundRemoved,
	StatusBackgroundReady,
	StatusComposited,
	StatusDerivativesReady,
	StatusPublished,
	StatusDone,
}

// Stage names one pipeline step; each non-terminal status is advanced by
// exactly one stage.
type Stage string

const (
	StageSegment     Stage = "segment"
	StageBackground  Stage = "background"
	StageComposite   Stage = "composite"
	StageDerivatives Stage = "derivatives"
	StagePublish     Stage = "publish"
	StageFinalize    Stage = "finalize"
)

// StageFor returns the stage that advances a job out of the given status.
func StageFor(status JobStatus) (Stage, bool) {
	switch status {
	case StatusNew:
		return StageSegment, true
	case StatusBackgroundRemoved:
		return StageBackground, true
	case StatusBackgroundReady:
		return StageComposite, true
	case StatusComposited:
		return StageDerivatives, true
	case StatusDerivativesReady:
		return StagePublish, true
	case StatusPublished:
		return StageFinalize, true
	default:
		return "", false
	}
}

// StatusBefore returns the status a job occupies before the given stage runs.
// It is the re-entry point for an operator resume after a failure.
func StatusBefore(stage Stage) (JobStatus, bool) {
	switch stage {
	case StageSegment:
		return StatusNew, true
	case StageBackground:
		return StatusBackgroundRemoved, true
	case StageComposite:
		return StatusBackgroundReady, true
	case StageDerivatives:
		return StatusComposited, true
	case StagePublish:
		return StatusDerivativesReady, true
	case StageFinalize:
		return StatusPublished, true
	default:
		return "", false
	}
}

// NextStatus returns the status following s in pipeline order.
func NextStatus(s JobStatus) (JobStatus, bool) {
	for i, status := range statusOrder {
		if status == s && i+1 < len(statusOrder) {
			return statusOrder[i+1], true
		}
	}
	return "", false
}

// IsTerminal reports whether a status has no outgoing automatic transitions.
func IsTerminal(s JobStatus) bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransition reports whether moving from one status to another is legal.
// Forward moves advance exactly one step; FAILED is reachable from every
// non-terminal state. Operator resume (FAILED back into the pipeline) is
// handled separately because it is never automatic.
func CanTransition(from, to JobStatus) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StatusFailed {
		return true
	}
	next, ok := NextStatus(from)
	return ok && next == to
}

// ParseStatus converts a string into a known JobStatus.
func ParseStatus(value string) (JobStatus, bool) {
	normalized := JobStatus(strings.ToUpper(strings.TrimSpace(value)))
	for _, s := range statusOrder {
		if s == normalized {
			return s, true
		}
	}
	if normalized == StatusFailed {
		return StatusFailed, true
	}
	return "", false
}

// ContentKey is the idempotency identity of a job: one SKU photographed once.
type ContentKey struct {
	SKU         string
	ContentHash string
}

// Job is the unit of work driven through the pipeline. A job is created by
// webhook intake with StatusNew and mutated exclusively by the processor.
type Job struct {
	ID             string
	SKU            string
	ContentHash    string
	SourceImageURL string
	Theme          string
	Workflow       WorkflowVariant

	Status JobStatus

	// Stage output references, all deterministic object-store keys.
	CutoutKey      string
	MaskKey        string
	BackgroundKeys []string
	CompositeKeys  []string
	DerivativeKeys []string
	ManifestKey    string

	// StageDurations records wall time per completed stage in milliseconds.
	StageDurations map[Stage]int64
	// StageCostCents records vendor spend per completed stage in cents.
	StageCostCents map[Stage]int64

	ErrorCode    string
	ErrorMessage string
	ErrorStack   string
	FailedStage  Stage

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Key returns the job's content identity tuple.
func (j *Job) Key() ContentKey {
	return ContentKey{SKU: j.SKU, ContentHash: j.ContentHash}
}

// TotalCostCents sums the recorded per-stage costs.
func (j *Job) TotalCostCents() int64 {
	var total int64
	for _, c := range j.StageCostCents {
		total += c
	}
	return total
}

// Clone returns a deep copy so stores can hand out jobs without aliasing.
func (j *Job) Clone() *Job {
	cp := *j
	cp.BackgroundKeys = append([]string(nil), j.BackgroundKeys...)
	cp.CompositeKeys = append([]string(nil), j.CompositeKeys...)
	cp.DerivativeKeys = append([]string(nil), j.DerivativeKeys...)
	if j.StageDurations != nil {
		cp.StageDurations = make(map[Stage]int64, len(j.StageDurations))
		for k, v := range j.StageDurations {
			cp.StageDurations[k] = v
		}
	}
	if j.StageCostCents != nil {
		cp.StageCostCents = make(map[Stage]int64, len(j.StageCostCents))
		for k, v := range j.StageCostCents {
			cp.StageCostCents[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
