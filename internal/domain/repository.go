package domain

import (
	"context"
	"time"
)

// ListFilter narrows job listings.
type ListFilter struct {
	Status JobStatus
	Limit  int
	// Actionable selects only non-terminal jobs, oldest first, so a bounded
	// page can never hide old unfinished work behind newer rows.
	Actionable bool
}

// Patch carries the mutable fields applied alongside a status transition.
// Nil slice/map fields leave the stored value untouched.
type Patch struct {
	CutoutKey      *string
	MaskKey        *string
	BackgroundKeys []string
	CompositeKeys  []string
	DerivativeKeys []string
	ManifestKey    *string

	StageDuration *StageSample
	StageCost     *StageSample

	ErrorCode    *string
	ErrorMessage *string
	ErrorStack   *string
	FailedStage  *Stage
	ClearError   bool

	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StageSample is one per-stage measurement (duration in ms or cost in cents).
type StageSample struct {
	Stage Stage
	Value int64
}

// JobStore defines persistence for jobs. Both implementations (Postgres and
// in-memory) must provide atomic CreateIfAbsent and Transition semantics.
type JobStore interface {
	// CreateIfAbsent inserts the job unless a row with the same content key
	// already exists; in that case the existing job is returned and created
	// is false. Concurrent duplicate creations resolve to one row.
	CreateIfAbsent(ctx context.Context, job *Job) (stored *Job, created bool, err error)

	Get(ctx context.Context, id string) (*Job, error)
	GetByContentKey(ctx context.Context, key ContentKey) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)

	// Transition atomically moves a job from expected to next, applying the
	// patch in the same write. It returns ErrConflict when the stored status
	// no longer matches expected.
	Transition(ctx context.Context, id string, expected, next JobStatus, patch Patch) (*Job, error)
}
