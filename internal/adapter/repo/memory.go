package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"photopipe/internal/domain"
)

// MemoryJobStore is an in-process domain.JobStore with the same atomicity
// guarantees as the PostgreSQL store. It backs tests and local runs without
// a database.
type MemoryJobStore struct {
	mu    sync.Mutex
	byID  map[string]*domain.Job
	byKey map[domain.ContentKey]string
}

// NewMemoryJobStore creates an empty in-memory store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		byID:  make(map[string]*domain.Job),
		byKey: make(map[domain.ContentKey]string),
	}
}

func (s *MemoryJobStore) CreateIfAbsent(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[job.Key()]; ok {
		return s.byID[id].Clone(), false, nil
	}
	stored := job.Clone()
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.byID[stored.ID] = stored
	s.byKey[stored.Key()] = stored.ID
	return stored.Clone(), true, nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) GetByContentKey(ctx context.Context, key domain.ContentKey) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryJobStore) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*domain.Job
	for _, job := range s.byID {
		if filter.Actionable && domain.IsTerminal(job.Status) {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	// Actionable listings are oldest first so bounded pages cannot starve
	// old unfinished jobs; everything else is newest first for operators.
	sort.Slice(jobs, func(i, j int) bool {
		if filter.Actionable {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *MemoryJobStore) Transition(ctx context.Context, id string, expected, next domain.JobStatus, patch domain.Patch) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
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
	return job.Clone(), nil
}

var _ domain.JobStore = (*MemoryJobStore)(nil)
