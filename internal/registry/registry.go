// Package registry tracks the in-flight jobs of execution requests and
// enforces the bounded worker pool. Excess submissions queue FIFO on the
// pool semaphore instead of spawning unbounded goroutines.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
)

// CancelToken is the concrete write-once cancellation signal handed to the
// reader and runner. Set is idempotent.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Set requests cancellation. Safe to call any number of times from any
// goroutine.
func (t *CancelToken) Set() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether Set has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once Set has been called.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

var _ schemas.CancelToken = (*CancelToken)(nil)

// RunFunc is the work body of a job: the runner closure the coordinator
// submits. jobID attributes emitted events; stats is the job's own counters
// and the run body is their only writer while the job is Running. A nil
// result with a nil error means the token stopped it.
type RunFunc func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error)

// Job is one running instance of one insight within one request. Mutable
// state is confined to the job's own goroutine; outside readers use the
// accessors, which only return meaningful stats once the job is terminal.
type Job struct {
	ID        string
	RequestID string
	InsightID string

	token *CancelToken
	done  chan struct{}

	mu     sync.Mutex
	state  schemas.JobState
	stats  schemas.JobStats
	result *schemas.InsightResult
	err    error
}

// State returns the job's current lifecycle state.
func (j *Job) State() schemas.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Token exposes the job's cancellation token.
func (j *Job) Token() schemas.CancelToken { return j.token }

// Outcome snapshots the terminal record for aggregation. Callers wait on
// Done first.
func (j *Job) Outcome() *schemas.InsightOutcome {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := &schemas.InsightOutcome{
		InsightID: j.InsightID,
		State:     j.state,
		Stats:     j.stats,
		Result:    j.result,
	}
	if !j.stats.StartedAt.IsZero() && !j.stats.FinishedAt.IsZero() {
		out.ExecutionTime = j.stats.FinishedAt.Sub(j.stats.StartedAt)
	}
	if j.err != nil {
		out.Error = j.err.Error()
	}
	return out
}

// setRunning moves Pending -> Running and stamps StartedAt.
func (j *Job) setRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = schemas.JobRunning
	j.stats.StartedAt = time.Now().UTC()
}

// finish moves the job to its single terminal state. States only move
// forward; finish is called exactly once, by the job's own goroutine.
func (j *Job) finish(state schemas.JobState, result *schemas.InsightResult, err error) {
	j.mu.Lock()
	j.state = state
	j.stats.FinishedAt = time.Now().UTC()
	j.result = result
	j.err = err
	j.mu.Unlock()
	close(j.done)
}

// Registry owns the pool and the job table.
type Registry struct {
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu        sync.Mutex
	jobs      map[string]*Job
	cancelled map[string]struct{}
}

// New creates a registry whose pool admits maxConcurrent running jobs.
func New(logger *zap.Logger, maxConcurrent int64) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Registry{
		logger:    logger.With(zap.String("component", "job_registry")),
		sem:       semaphore.NewWeighted(maxConcurrent),
		jobs:      make(map[string]*Job),
		cancelled: make(map[string]struct{}),
	}
}

// Submit registers a job and starts its goroutine. The goroutine waits its
// FIFO turn on the pool, runs fn, and records the terminal state: Failed on
// error, Completed when fn produced a result, Cancelled when the run stopped
// for the token. ctx cancellation while queued also ends the job as
// Cancelled.
func (r *Registry) Submit(ctx context.Context, requestID, insightID string, fn RunFunc) *Job {
	job := &Job{
		ID:        uuid.New().String(),
		RequestID: requestID,
		InsightID: insightID,
		token:     NewCancelToken(),
		done:      make(chan struct{}),
		state:     schemas.JobPending,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	if _, ok := r.cancelled[requestID]; ok {
		// CancelAll already ran for this request; a job submitted afterwards
		// must not start either.
		job.token.Set()
	}
	r.mu.Unlock()

	logger := r.logger.With(
		zap.String("job_id", job.ID),
		zap.String("request_id", requestID),
		zap.String("insight_id", insightID))
	logger.Debug("Job submitted")

	go func() {
		// FIFO admission: semaphore waiters are served in arrival order.
		if err := r.sem.Acquire(ctx, 1); err != nil {
			logger.Info("Job cancelled while queued", zap.Error(err))
			job.finish(schemas.JobCancelled, nil, nil)
			return
		}
		defer r.sem.Release(1)

		if job.token.Cancelled() || ctx.Err() != nil {
			logger.Info("Job cancelled before start")
			job.finish(schemas.JobCancelled, nil, nil)
			return
		}

		job.setRunning()
		logger.Debug("Job running")

		result, err := fn(job.ID, job.token, &job.stats)
		switch {
		case err != nil:
			logger.Error("Job failed", zap.Error(err))
			job.finish(schemas.JobFailed, nil, err)
		case result != nil:
			// The run finished with a result. A token that fired after the
			// last cancellation check must not retract it: the consumer may
			// already hold the job's InsightCompleted event.
			job.finish(schemas.JobCompleted, result, nil)
		default:
			// Nil result, nil error: the run observed the token and stopped.
			job.finish(schemas.JobCancelled, nil, nil)
		}
	}()

	return job
}

// Cancel sets the cancel token of one job. Idempotent: cancelling an
// unknown or already-terminal job is a no-op, not an error.
func (r *Registry) Cancel(jobID string) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return
	}
	job.token.Set()
	r.logger.Debug("Cancel requested", zap.String("job_id", jobID))
}

// CancelAll sets the cancel token of every job belonging to a request, used
// when a client disconnects or aborts the whole request. Idempotent.
func (r *Registry) CancelAll(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Remember the request so that jobs still being submitted for it come up
	// pre-cancelled. The marker is dropped in Remove.
	r.cancelled[requestID] = struct{}{}
	for _, job := range r.jobs {
		if job.RequestID == requestID {
			job.token.Set()
		}
	}
}

// Remove drops a request's jobs from the table once its response has been
// fully delivered. Jobs are never reused across requests.
func (r *Registry) Remove(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, requestID)
	for id, job := range r.jobs {
		if job.RequestID == requestID {
			delete(r.jobs, id)
		}
	}
}
