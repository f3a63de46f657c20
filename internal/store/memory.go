package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dubflow/internal/pipeline"
)

// Memory is a process-local job store. It backs tests and the
// `driver: memory` configuration for throwaway deployments.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*pipeline.Job
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*pipeline.Job)}
}

func (m *Memory) Create(ctx context.Context, job *pipeline.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*pipeline.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", pipeline.ErrNotFound, id)
	}
	return job.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, id string, upd pipeline.Update) (*pipeline.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", pipeline.ErrNotFound, id)
	}
	applyUpdate(job, upd)
	job.UpdatedAt = time.Now().UTC()
	return job.Clone(), nil
}

// List returns all jobs, newest first.
func (m *Memory) List(ctx context.Context) ([]*pipeline.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*pipeline.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (m *Memory) Close() error { return nil }
