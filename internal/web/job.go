package web

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a background job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusError     JobStatus = "error"
)

// Job represents a background inbox scan
type Job struct {
	ID          string
	Status      JobStatus
	Progress    int
	Examined    int
	Found       int
	Saved       int
	Total       int
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string

	ctx        context.Context
	cancelFunc context.CancelFunc
	mu         sync.Mutex
}

// SetTotal records how many messages the scan will examine
func (j *Job) SetTotal(total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Total = total
}

// Update adds the outcome of one processed batch
func (j *Job) Update(examined, found, saved int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.Examined += examined
	j.Found += found
	j.Saved += saved
	if j.Total > 0 {
		j.Progress = (j.Examined * 100) / j.Total
	}
}

// Complete marks the job as completed
func (j *Job) Complete() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != JobStatusRunning {
		return
	}
	j.Status = JobStatusCompleted
	j.CompletedAt = time.Now()
	j.Progress = 100
}

// StopWithError stops the job due to an error
func (j *Job) StopWithError(errorMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != JobStatusRunning {
		return
	}
	j.Status = JobStatusError
	j.CompletedAt = time.Now()
	j.Error = errorMsg
}

// Cancel cancels the job
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status == JobStatusRunning {
		j.Status = JobStatusCancelled
		j.CompletedAt = time.Now()
		if j.cancelFunc != nil {
			j.cancelFunc()
		}
	}
}

// IsCancelled returns true if the job was cancelled
func (j *Job) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == JobStatusCancelled
}

// Context returns the job's context
func (j *Job) Context() context.Context {
	return j.ctx
}

// JobView is the serialized form of a job
type JobView struct {
	ID          string     `json:"id"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Examined    int        `json:"examined"`
	Found       int        `json:"found"`
	Saved       int        `json:"saved"`
	Total       int        `json:"total"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// View returns a copy safe to serialize while the job runs
func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := JobView{
		ID:        j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Examined:  j.Examined,
		Found:     j.Found,
		Saved:     j.Saved,
		Total:     j.Total,
		StartedAt: j.StartedAt,
		Error:     j.Error,
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		v.CompletedAt = &completed
	}
	return v
}

// JobManager manages background jobs
type JobManager struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*Job),
	}
}

// Create starts tracking a new running job
func (jm *JobManager) Create() *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	job := &Job{
		ID:         uuid.New().String(),
		Status:     JobStatusRunning,
		StartedAt:  time.Now(),
		ctx:        ctx,
		cancelFunc: cancel,
	}

	jm.jobs[job.ID] = job
	return job
}

// Get returns a job by ID, or nil if not found
func (jm *JobManager) Get(id string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return jm.jobs[id]
}

// GetActive returns the currently running job, or nil if none
func (jm *JobManager) GetActive() *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	for _, job := range jm.jobs {
		job.mu.Lock()
		running := job.Status == JobStatusRunning
		job.mu.Unlock()
		if running {
			return job
		}
	}
	return nil
}

// Cleanup removes finished jobs older than maxAge
func (jm *JobManager) Cleanup(maxAge time.Duration) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range jm.jobs {
		job.mu.Lock()
		done := job.Status != JobStatusRunning && job.CompletedAt.Before(cutoff)
		job.mu.Unlock()
		if done {
			delete(jm.jobs, id)
		}
	}
}
