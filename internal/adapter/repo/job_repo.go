package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"photopipe/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               uuid PRIMARY KEY,
    sku              text NOT NULL,
    content_hash     text NOT NULL,
    source_image_url text NOT NULL,
    theme            text NOT NULL,
    workflow         text NOT NULL,
    status           text NOT NULL,
    cutout_key       text NOT NULL DEFAULT '',
    mask_key         text NOT NULL DEFAULT '',
    background_keys  text[] NOT NULL DEFAULT '{}',
    composite_keys   text[] NOT NULL DEFAULT '{}',
    derivative_keys  text[] NOT NULL DEFAULT '{}',
    manifest_key     text NOT NULL DEFAULT '',
    stage_durations  jsonb NOT NULL DEFAULT '{}',
    stage_costs      jsonb NOT NULL DEFAULT '{}',
    error_code       text NOT NULL DEFAULT '',
    error_message    text NOT NULL DEFAULT '',
    error_stack      text NOT NULL DEFAULT '',
    failed_stage     text NOT NULL DEFAULT '',
    created_at       timestamptz NOT NULL DEFAULT now(),
    started_at       timestamptz,
    completed_at     timestamptz,
    updated_at       timestamptz NOT NULL DEFAULT now(),
    UNIQUE (sku, content_hash)
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status, created_at);
`

const jobColumns = `id, sku, content_hash, source_image_url, theme, workflow, status,
cutout_key, mask_key, background_keys, composite_keys, derivative_keys, manifest_key,
stage_durations, stage_costs,
error_code, error_message, error_stack, failed_stage,
created_at, started_at, completed_at, updated_at`

// JobRepositoryPG implements domain.JobStore on PostgreSQL.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a job store backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// EnsureSchema creates the jobs table and indexes when missing.
func (r *JobRepositoryPG) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

// CreateIfAbsent inserts the job unless its content key already exists. The
// unique (sku, content_hash) constraint makes concurrent duplicate creations
// collapse onto a single row; losers read the winner's row back.
func (r *JobRepositoryPG) CreateIfAbsent(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	durations, costs, err := marshalStageMaps(job)
	if err != nil {
		return nil, false, err
	}
	query := `
INSERT INTO jobs (id, sku, content_hash, source_image_url, theme, workflow, status, stage_durations, stage_costs, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
ON CONFLICT (sku, content_hash) DO NOTHING
RETURNING ` + jobColumns + `;
`
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, query,
		job.ID, job.SKU, job.ContentHash, job.SourceImageURL, job.Theme, job.Workflow, job.Status,
		durations, costs, now,
	)
	stored, err := scanJob(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	existing, err := r.GetByContentKey(ctx, job.Key())
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get fetches a job by its identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return job, err
}

// GetByContentKey fetches a job by its idempotency tuple.
func (r *JobRepositoryPG) GetByContentKey(ctx context.Context, key domain.ContentKey) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE sku = $1 AND content_hash = $2;`
	job, err := scanJob(r.pool.QueryRow(ctx, query, key.SKU, key.ContentHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return job, err
}

// List returns jobs matching the filter, newest first. Actionable listings
// instead return only non-terminal jobs oldest first: terminal rows are kept
// forever, so a newest-first page would eventually push an old unfinished
// job out of every scheduler pass.
func (r *JobRepositoryPG) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case filter.Actionable:
		query := `SELECT ` + jobColumns + ` FROM jobs WHERE status NOT IN ($1, $2) ORDER BY created_at ASC LIMIT $3;`
		rows, err = r.pool.Query(ctx, query, string(domain.StatusDone), string(domain.StatusFailed), limit)
	case filter.Status != "":
		query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2;`
		rows, err = r.pool.Query(ctx, query, filter.Status, limit)
	default:
		query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1;`
		rows, err = r.pool.Query(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Transition atomically moves a job between statuses, applying the patch in
// the same transaction. The row is locked, the expected status verified, and
// the write committed; a mismatch surfaces as domain.ErrConflict so a second
// processor pass cannot double-advance the job.
func (r *JobRepositoryPG) Transition(ctx context.Context, id string, expected, next domain.JobStatus, patch domain.Patch) (*domain.Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE;`
	job, err := scanJob(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if job.Status == domain.StatusDone {
		return nil, domain.ErrImmutable
	}
	if job.Status != expected {
		return nil, domain.ErrConflict
	}

	applyPatch(job, patch)
	job.Status = next
	job.UpdatedAt = time.Now().UTC()

	durations, costs, err := marshalStageMaps(job)
	if err != nil {
		return nil, err
	}
	update := `
UPDATE jobs SET
    status = $2,
    cutout_key = $3, mask_key = $4,
    background_keys = $5, composite_keys = $6, derivative_keys = $7, manifest_key = $8,
    stage_durations = $9, stage_costs = $10,
    error_code = $11, error_message = $12, error_stack = $13, failed_stage = $14,
    started_at = $15, completed_at = $16, updated_at = $17
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, update,
		job.ID, job.Status,
		job.CutoutKey, job.MaskKey,
		job.BackgroundKeys, job.CompositeKeys, job.DerivativeKeys, job.ManifestKey,
		durations, costs,
		job.ErrorCode, job.ErrorMessage, job.ErrorStack, string(job.FailedStage),
		job.StartedAt, job.CompletedAt, job.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return job, nil
}

// applyPatch mutates job with the non-nil patch fields. Shared with the
// in-memory store so both backends patch identically.
func applyPatch(job *domain.Job, patch domain.Patch) {
	if patch.CutoutKey != nil {
		job.CutoutKey = *patch.CutoutKey
	}
	if patch.MaskKey != nil {
		job.MaskKey = *patch.MaskKey
	}
	if patch.BackgroundKeys != nil {
		job.BackgroundKeys = append([]string(nil), patch.BackgroundKeys...)
	}
	if patch.CompositeKeys != nil {
		job.CompositeKeys = append([]string(nil), patch.CompositeKeys...)
	}
	if patch.DerivativeKeys != nil {
		job.DerivativeKeys = append([]string(nil), patch.DerivativeKeys...)
	}
	if patch.ManifestKey != nil {
		job.ManifestKey = *patch.ManifestKey
	}
	if patch.StageDuration != nil {
		if job.StageDurations == nil {
			job.StageDurations = map[domain.Stage]int64{}
		}
		job.StageDurations[patch.StageDuration.Stage] = patch.StageDuration.Value
	}
	if patch.StageCost != nil {
		if job.StageCostCents == nil {
			job.StageCostCents = map[domain.Stage]int64{}
		}
		job.StageCostCents[patch.StageCost.Stage] = patch.StageCost.Value
	}
	if patch.ClearError {
		job.ErrorCode = ""
		job.ErrorMessage = ""
		job.ErrorStack = ""
		job.FailedStage = ""
	}
	if patch.ErrorCode != nil {
		job.ErrorCode = *patch.ErrorCode
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ErrorStack != nil {
		job.ErrorStack = *patch.ErrorStack
	}
	if patch.FailedStage != nil {
		job.FailedStage = *patch.FailedStage
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		job.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		job.CompletedAt = &t
	}
}

func marshalStageMaps(job *domain.Job) ([]byte, []byte, error) {
	durations, err := json.Marshal(orEmpty(job.StageDurations))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal stage durations: %w", err)
	}
	costs, err := json.Marshal(orEmpty(job.StageCostCents))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal stage costs: %w", err)
	}
	return durations, costs, nil
}

func orEmpty(m map[domain.Stage]int64) map[domain.Stage]int64 {
	if m == nil {
		return map[domain.Stage]int64{}
	}
	return m
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		durations   []byte
		costs       []byte
		failedStage string
	)
	if err := row.Scan(
		&job.ID, &job.SKU, &job.ContentHash, &job.SourceImageURL, &job.Theme, &job.Workflow, &job.Status,
		&job.CutoutKey, &job.MaskKey,
		&job.BackgroundKeys, &job.CompositeKeys, &job.DerivativeKeys, &job.ManifestKey,
		&durations, &costs,
		&job.ErrorCode, &job.ErrorMessage, &job.ErrorStack, &failedStage,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.FailedStage = domain.Stage(failedStage)
	if err := json.Unmarshal(durations, &job.StageDurations); err != nil {
		return nil, fmt.Errorf("decode stage durations: %w", err)
	}
	if err := json.Unmarshal(costs, &job.StageCostCents); err != nil {
		return nil, fmt.Errorf("decode stage costs: %w", err)
	}
	return &job, nil
}

var _ domain.JobStore = (*JobRepositoryPG)(nil)
