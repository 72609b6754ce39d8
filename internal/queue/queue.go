// Package queue runs post-trip jobs on a worker pool. A job carries the summary of a
// finished tracking session; the processor persists and exports it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/arrival-worker/internal/metrics"
	"github.com/stuartshay/arrival-worker/internal/tracking"
)

const (
	// DefaultCapacity of the pending job buffer
	DefaultCapacity = 100
	// DefaultRetention is the number of finished jobs kept for GetJob and ListJobs
	DefaultRetention = 500
)

var (
	// ErrJobNotFound is returned for an unknown or pruned job ID
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueFull is returned by Enqueue when every pending slot is taken
	ErrQueueFull = errors.New("queue is full")
	// ErrShutdown is returned by Enqueue after Shutdown
	ErrShutdown = errors.New("queue is shut down")
)

// JobStatus represents the state of a trip job
type JobStatus string

// Job status constants define the lifecycle states
const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is the post-processing of one finished session
type Job struct {
	ID           string
	DeviceID     string
	Trip         tracking.TripSummary
	Status       JobStatus
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	Result       *JobResult
}

// JobResult contains the output of a completed trip job
type JobResult struct {
	TripID           int64
	CSVPath          string
	ProcessingTimeMS int64
}

// ProcessFunc processes a job
type ProcessFunc func(ctx context.Context, job *Job) (*JobResult, error)

// Option configures a Queue
type Option func(*Queue)

// WithCapacity sets the pending job buffer size
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithRetention sets how many finished jobs are kept; older ones are pruned as new
// jobs finish. Zero keeps every job.
func WithRetention(n int) Option {
	return func(q *Queue) { q.retention = n }
}

// WithClock sets the clock used for job timestamps
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// Queue manages trip jobs with a worker pool
type Queue struct {
	mu           sync.RWMutex
	jobs         map[string]*Job
	pendingQueue chan *Job
	workers      int
	capacity     int
	retention    int
	processor    ProcessFunc
	clock        clockwork.Clock
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewQueue creates a job queue and starts its workers
func NewQueue(workers int, processor ProcessFunc, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:      make(map[string]*Job),
		workers:   workers,
		capacity:  DefaultCapacity,
		retention: DefaultRetention,
		processor: processor,
		clock:     clockwork.NewRealClock(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.pendingQueue = make(chan *Job, q.capacity)

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	return q
}

// Enqueue adds a trip job to the queue
func (q *Queue) Enqueue(deviceID string, trip tracking.TripSummary) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx.Err() != nil {
		return "", ErrShutdown
	}

	job := &Job{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		Trip:     trip,
		Status:   StatusQueued,
		QueuedAt: q.clock.Now().UTC(),
	}
	q.jobs[job.ID] = job

	// Add to pending queue (non-blocking)
	select {
	case q.pendingQueue <- job:
		return job.ID, nil
	default:
		job.Status = StatusFailed
		job.ErrorMessage = ErrQueueFull.Error()
		now := job.QueuedAt
		job.CompletedAt = &now
		q.prune()
		return "", ErrQueueFull
	}
}

// RecordTrip enqueues the trip of a finished session
func (q *Queue) RecordTrip(deviceID string, trip tracking.TripSummary) error {
	jobID, err := q.Enqueue(deviceID, trip)
	if err != nil {
		return err
	}
	log.Debug().
		Str("job_id", jobID).
		Str("session_id", trip.SessionID).
		Msg("Trip job queued")
	return nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(jobID string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, exists := q.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return copyJob(job), nil
}

// copyJob returns a copy to prevent external mutation
func copyJob(job *Job) *Job {
	jobCopy := *job
	if job.StartedAt != nil {
		startedCopy := *job.StartedAt
		jobCopy.StartedAt = &startedCopy
	}
	if job.CompletedAt != nil {
		completedCopy := *job.CompletedAt
		jobCopy.CompletedAt = &completedCopy
	}
	if job.Result != nil {
		resultCopy := *job.Result
		jobCopy.Result = &resultCopy
	}
	return &jobCopy
}

// ListJobs returns jobs filtered by status, newest first
func (q *Queue) ListJobs(status JobStatus, limit, offset int) []*Job {
	q.mu.RLock()
	var filtered []*Job
	for _, job := range q.jobs {
		if status == "" || job.Status == status {
			filtered = append(filtered, copyJob(job))
		}
	}
	q.mu.RUnlock()

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].QueuedAt.Equal(filtered[j].QueuedAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].QueuedAt.After(filtered[j].QueuedAt)
	})

	start := offset
	if start > len(filtered) {
		return []*Job{}
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end]
}

// GetStats returns queue statistics
func (q *Queue) GetStats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":      len(q.jobs),
		"queued":     0,
		"processing": 0,
		"completed":  0,
		"failed":     0,
	}
	for _, job := range q.jobs {
		stats[string(job.Status)]++
	}
	return stats
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.pendingQueue:
			q.processJob(id, job)
		}
	}
}

// processJob executes a single job
func (q *Queue) processJob(worker int, job *Job) {
	startTime := q.clock.Now()

	q.mu.Lock()
	job.Status = StatusProcessing
	now := startTime.UTC()
	job.StartedAt = &now
	q.mu.Unlock()

	result, err := q.processor(q.ctx, job)
	elapsed := q.clock.Since(startTime)

	q.mu.Lock()
	defer q.mu.Unlock()

	completedAt := q.clock.Now().UTC()
	job.CompletedAt = &completedAt
	defer q.prune()

	if err != nil {
		job.Status = StatusFailed
		job.ErrorMessage = err.Error()
		metrics.JobDuration.WithLabelValues("trip", "failed").Observe(elapsed.Seconds())
		log.Error().
			Err(err).
			Int("worker", worker).
			Str("job_id", job.ID).
			Str("session_id", job.Trip.SessionID).
			Msg("Trip job failed")
		return
	}

	job.Status = StatusCompleted
	job.Result = result
	if result != nil {
		result.ProcessingTimeMS = elapsed.Milliseconds()
	}
	metrics.JobDuration.WithLabelValues("trip", "completed").Observe(elapsed.Seconds())
}

// prune drops the oldest finished jobs beyond the retention limit. Callers hold q.mu.
func (q *Queue) prune() {
	if q.retention <= 0 {
		return
	}
	var finished []*Job
	for _, job := range q.jobs {
		if job.CompletedAt != nil {
			finished = append(finished, job)
		}
	}
	excess := len(finished) - q.retention
	if excess <= 0 {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].CompletedAt.Before(*finished[j].CompletedAt)
	})
	for _, job := range finished[:excess] {
		delete(q.jobs, job.ID)
	}
	log.Debug().Int("pruned", excess).Msg("Finished trip jobs pruned")
}

// Shutdown stops the workers, waiting up to timeout for jobs in progress
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded after %s", timeout)
	}
}
