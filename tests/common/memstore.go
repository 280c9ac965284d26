package common

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-orchestrator/meridian/internal/interfaces"
	"github.com/meridian-orchestrator/meridian/internal/models"
)

// MemStore is an in-memory interfaces.Store for unit tests that exercise
// the scheduling components without a SurrealDB container. Transition
// guards match the real store: SetSuccess is a no-op once SUCCESS, Requeue
// only applies to RUNNING jobs, a terminal run status is never overwritten,
// and the attempt count advances on SetRetrying/SetFailed rather than
// SetRunning.
type MemStore struct {
	mu        sync.Mutex
	pipelines map[string]*models.Pipeline
	runs      map[string]*models.Run
	jobs      map[string]*models.Job
	taskLogs  map[string][]*models.TaskLog

	// SuccessTransitions counts SUCCESS transitions per job id so tests can
	// assert the at-most-once property under duplicate deliveries.
	SuccessTransitions map[string]int
}

func NewMemStore() *MemStore {
	return &MemStore{
		pipelines:          make(map[string]*models.Pipeline),
		runs:               make(map[string]*models.Run),
		jobs:               make(map[string]*models.Job),
		taskLogs:           make(map[string][]*models.TaskLog),
		SuccessTransitions: make(map[string]int),
	}
}

func (m *MemStore) PipelineStore() interfaces.PipelineStore { return (*memPipelineStore)(m) }
func (m *MemStore) RunStore() interfaces.RunStore           { return (*memRunStore)(m) }
func (m *MemStore) JobStore() interfaces.JobStore           { return (*memJobStore)(m) }
func (m *MemStore) TaskLogStore() interfaces.TaskLogStore   { return (*memTaskLogStore)(m) }

func (m *MemStore) Ping(ctx context.Context) error { return nil }
func (m *MemStore) Close() error                   { return nil }

// Job returns a copy of the stored job, for assertions.
func (m *MemStore) Job(id string) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// Run returns a copy of the stored run, for assertions.
func (m *MemStore) Run(id string) *models.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// TaskLogs returns the stored logs for a job, for assertions.
func (m *MemStore) TaskLogs(jobID string) []*models.TaskLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.TaskLog(nil), m.taskLogs[jobID]...)
}

type memPipelineStore MemStore

func (s *memPipelineStore) Create(ctx context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *memPipelineStore) GetByName(ctx context.Context, name string) (*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pipelines {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *memPipelineStore) GetByID(ctx context.Context, id string) (*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pipelines[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, interfaces.ErrNotFound
}

func (s *memPipelineStore) List(ctx context.Context) ([]*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memRunStore MemStore

func (s *memRunStore) Create(ctx context.Context, r *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = models.RunStatusPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *memRunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, interfaces.ErrNotFound
}

func (s *memRunStore) SetStatus(ctx context.Context, id string, status models.RunStatus, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	if r.IsTerminal() {
		return nil
	}
	r.Status = status
	switch status {
	case models.RunStatusRunning:
		r.StartedAt = when
	case models.RunStatusSuccess, models.RunStatusFailed, models.RunStatusCancelled:
		r.CompletedAt = when
	}
	return nil
}

func (s *memRunStore) ListByPipeline(ctx context.Context, pipelineID string) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Run
	for _, r := range s.runs {
		if r.PipelineID == pipelineID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memJobStore MemStore

func (s *memJobStore) CreateBatch(ctx context.Context, jobs []*models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, j := range jobs {
		if j.ID == "" {
			j.ID = uuid.New().String()
		}
		if j.Status == "" {
			j.Status = models.JobStatusPending
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		j.UpdatedAt = now
		cp := *j
		s.jobs[j.ID] = &cp
	}
	return nil
}

func (s *memJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		cp := *j
		return &cp, nil
	}
	return nil, interfaces.ErrNotFound
}

func (s *memJobStore) ListByRun(ctx context.Context, runID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.RunID == runID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memJobStore) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memJobStore) SetQueued(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	if j.Status == models.JobStatusPending {
		j.Status = models.JobStatusQueued
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *memJobStore) SetRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	now := time.Now()
	j.Status = models.JobStatusRunning
	j.StartedAt = now
	j.UpdatedAt = now
	return nil
}

func (s *memJobStore) SetSuccess(ctx context.Context, id string, result interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	if j.Status == models.JobStatusSuccess {
		return nil
	}
	now := time.Now()
	j.Status = models.JobStatusSuccess
	j.Result = result
	j.CompletedAt = now
	j.UpdatedAt = now
	s.SuccessTransitions[id]++
	return nil
}

func (s *memJobStore) SetRetrying(ctx context.Context, id string, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	j.Status = models.JobStatusRetrying
	j.Error = errText
	j.Attempts++
	j.UpdatedAt = time.Now()
	return nil
}

func (s *memJobStore) SetFailed(ctx context.Context, id string, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	now := time.Now()
	j.Status = models.JobStatusFailed
	j.Error = errText
	j.Attempts++
	j.CompletedAt = now
	j.UpdatedAt = now
	return nil
}

func (s *memJobStore) SetCancelled(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return nil
	}
	now := time.Now()
	j.Status = models.JobStatusCancelled
	j.CompletedAt = now
	j.UpdatedAt = now
	return nil
}

func (s *memJobStore) Requeue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	if j.Status == models.JobStatusRunning {
		j.Status = models.JobStatusQueued
		j.UpdatedAt = time.Now()
	}
	return nil
}

type memTaskLogStore MemStore

func (s *memTaskLogStore) Append(ctx context.Context, log *models.TaskLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	cp := *log
	s.taskLogs[log.JobID] = append(s.taskLogs[log.JobID], &cp)
	return nil
}

func (s *memTaskLogStore) ListByJob(ctx context.Context, jobID string) ([]*models.TaskLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.TaskLog(nil), s.taskLogs[jobID]...), nil
}

var _ interfaces.Store = (*MemStore)(nil)
