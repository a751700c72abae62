// Package coordinator is the engine's public entry point. It turns an
// ExecutionRequest into a fan-out of jobs over the bounded pool, merges
// their event streams into one ordered sequence, and delivers the final
// aggregated summary once every job is terminal.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
	"github.com/xkilldash9x/loupe-cli/internal/bus"
	"github.com/xkilldash9x/loupe-cli/internal/config"
	"github.com/xkilldash9x/loupe-cli/internal/registry"
	"github.com/xkilldash9x/loupe-cli/internal/runner"
)

// Coordinator wires the insight registry, job registry, and runner together.
// One Coordinator serves many concurrent requests.
type Coordinator struct {
	cfg      config.EngineConfig
	logger   *zap.Logger
	insights schemas.InsightSource
	jobs     *registry.Registry
	runner   *runner.Runner
}

// New builds a Coordinator with its collaborators.
func New(cfg config.EngineConfig, logger *zap.Logger, insights schemas.InsightSource) (*Coordinator, error) {
	if logger == nil {
		return nil, fmt.Errorf("cannot initialize coordinator with nil logger")
	}
	if insights == nil {
		return nil, fmt.Errorf("cannot initialize coordinator with nil insight source")
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "coordinator")),
		insights: insights,
		jobs:     registry.New(logger, cfg.WorkerConcurrency),
		runner:   runner.New(cfg, logger),
	}, nil
}

// Execute resolves the request's paths once, synchronously, fans out one job
// per insight id, and returns the merged event stream plus the summary
// promise. The event channel closes exactly when all jobs are terminal; the
// summary channel then yields once and closes. An error is returned only
// when nothing at all can run.
func (c *Coordinator) Execute(ctx context.Context, req schemas.ExecutionRequest) (<-chan schemas.ProgressEvent, <-chan *schemas.ExecutionSummary, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if len(req.InsightIDs) == 0 {
		return nil, nil, fmt.Errorf("execution request %s names no insights", req.RequestID)
	}
	if len(req.Paths) == 0 {
		return nil, nil, fmt.Errorf("execution request %s names no paths", req.RequestID)
	}

	logger := c.logger.With(zap.String("request_id", req.RequestID))

	// Separate the insight ids that exist from the ones that don't. Unknown
	// ids degrade to request-level errors as long as one insight remains.
	var specs []schemas.InsightSpec
	var unknown []string
	for _, id := range req.InsightIDs {
		if spec, ok := c.insights.Get(id); ok {
			specs = append(specs, spec)
		} else {
			unknown = append(unknown, id)
		}
	}
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("execution request %s: no requested insight id is registered", req.RequestID)
	}

	// Path resolution happens before any job is scheduled; its errors become
	// the first events on the stream.
	fileSet, resolutionErrs := resolvePaths(req.Paths)
	if len(fileSet.Files) == 0 && len(resolutionErrs) == len(req.Paths) {
		return nil, nil, fmt.Errorf("execution request %s: no path resolved", req.RequestID)
	}
	for _, spec := range specs {
		applyFileFilter(fileSet, spec)
	}

	logger.Info("Execution request accepted",
		zap.Int("insights", len(specs)),
		zap.Int("files", len(fileSet.Files)))

	eventBus := bus.New(logger, c.cfg.BusBuffer)
	finalCh := make(chan *schemas.ExecutionSummary, 1)

	// Request-level events are buffered and emitted only after the channels
	// have been handed out. Emitting here would block Execute itself once the
	// errors outnumber the bus buffer, with no consumer attached yet to drain
	// them.
	preEvents := make([]schemas.ProgressEvent, 0, len(unknown)+len(resolutionErrs))
	for _, id := range unknown {
		preEvents = append(preEvents, schemas.ErrorEvent{
			Severity: schemas.SeverityError,
			Message:  fmt.Sprintf("unknown insight id %q", id),
		})
	}
	for _, ev := range resolutionErrs {
		preEvents = append(preEvents, ev)
	}

	started := time.Now().UTC()

	go func() {
		defer close(finalCh)

		for _, ev := range preEvents {
			eventBus.Emit(ev)
		}

		jobs := make([]*registry.Job, 0, len(specs))
		for _, spec := range specs {
			files := fileSet.ForInsight(spec.ID)
			job := c.jobs.Submit(ctx, req.RequestID, spec.ID,
				func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
					return c.runner.Run(spec, jobID, files, token, eventBus, stats)
				})
			jobs = append(jobs, job)
		}

		summary := &schemas.ExecutionSummary{
			RequestID: req.RequestID,
			Outcomes:  make(map[string]*schemas.InsightOutcome, len(jobs)),
		}

		var firstStart, lastFinish time.Time
		for _, job := range jobs {
			<-job.Done()
			outcome := job.Outcome()
			if outcome.State == schemas.JobCancelled && outcome.Stats.StartedAt.IsZero() {
				// The job was cancelled before it ever ran, so the runner
				// never emitted its terminal event. The stream still owes the
				// consumer one Cancelled per cancelled job.
				eventBus.Emit(schemas.Cancelled{JobID: job.ID})
			}
			summary.Outcomes[job.InsightID] = outcome

			if !outcome.Stats.StartedAt.IsZero() &&
				(firstStart.IsZero() || outcome.Stats.StartedAt.Before(firstStart)) {
				firstStart = outcome.Stats.StartedAt
			}
			if outcome.Stats.FinishedAt.After(lastFinish) {
				lastFinish = outcome.Stats.FinishedAt
			}
		}

		if !firstStart.IsZero() && lastFinish.After(firstStart) {
			summary.TotalTime = lastFinish.Sub(firstStart)
		} else {
			// No job ever started (all cancelled while pending); fall back to
			// the coordinator's own clock so the field stays meaningful.
			summary.TotalTime = time.Since(started)
		}

		// All producers are terminal: safe to end the stream.
		eventBus.Close()
		c.jobs.Remove(req.RequestID)

		logger.Info("Execution request finished",
			zap.Duration("total_time", summary.TotalTime),
			zap.Int("jobs", len(jobs)))
		finalCh <- summary
	}()

	return eventBus.Events(), finalCh, nil
}

// Cancel requests cooperative abort of every job of a request. Idempotent;
// jobs stop within one Unit's processing time, never instantaneously.
func (c *Coordinator) Cancel(requestID string) {
	c.logger.Info("Cancellation requested", zap.String("request_id", requestID))
	c.jobs.CancelAll(requestID)
}

var _ schemas.Coordinator = (*Coordinator)(nil)
