package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitTerminal blocks until the job finishes or the test times out.
func waitTerminal(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for job %s to reach a terminal state", job.ID)
	}
}

func TestCancelToken_SetIsIdempotent(t *testing.T) {
	token := NewCancelToken()
	assert.False(t, token.Cancelled())

	token.Set()
	assert.True(t, token.Cancelled())
	assert.NotPanics(t, token.Set)

	select {
	case <-token.Done():
	default:
		t.Fatal("Done channel must be closed after Set")
	}
}

func TestSubmit_CompletedJobCarriesResult(t *testing.T) {
	reg := New(zaptest.NewLogger(t), 2)

	var seenJobID string
	job := reg.Submit(context.Background(), "req-1", "error_detector",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			seenJobID = jobID
			stats.FilesProcessed = 2
			stats.Matches = 7
			return &schemas.InsightResult{InsightID: "error_detector", MatchCount: 7}, nil
		})
	waitTerminal(t, job)

	assert.Equal(t, job.ID, seenJobID, "run body must receive the job's own id")
	assert.Equal(t, schemas.JobCompleted, job.State())

	outcome := job.Outcome()
	assert.Equal(t, "error_detector", outcome.InsightID)
	assert.Equal(t, schemas.JobCompleted, outcome.State)
	assert.Equal(t, int64(7), outcome.Stats.Matches)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, int64(7), outcome.Result.MatchCount)
	assert.Empty(t, outcome.Error)
	assert.False(t, outcome.Stats.StartedAt.IsZero())
	assert.False(t, outcome.Stats.FinishedAt.IsZero())
	assert.GreaterOrEqual(t, outcome.ExecutionTime, time.Duration(0))
}

func TestSubmit_FailedJobRecordsError(t *testing.T) {
	reg := New(zaptest.NewLogger(t), 2)

	boom := errors.New("pattern does not compile")
	j := reg.Submit(context.Background(), "req-1", "broken",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			return nil, boom
		})
	waitTerminal(t, j)

	assert.Equal(t, schemas.JobFailed, j.State())
	outcome := j.Outcome()
	assert.Equal(t, "pattern does not compile", outcome.Error)
	assert.Nil(t, outcome.Result)
}

func TestSubmit_TokenFiredDuringRunEndsCancelled(t *testing.T) {
	reg := New(zaptest.NewLogger(t), 1)

	j := reg.Submit(context.Background(), "req-1", "slow",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			<-token.Done()
			// A cancelled run returns nil, nil by contract.
			return nil, nil
		})

	reg.Cancel(j.ID)
	waitTerminal(t, j)
	assert.Equal(t, schemas.JobCancelled, j.State())
}

func TestSubmit_TokenFiredAfterCompletionKeepsResult(t *testing.T) {
	reg := New(zaptest.NewLogger(t), 1)

	j := reg.Submit(context.Background(), "req-1", "racy",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			// The run finished its work; only then does cancellation land.
			reg.Cancel(jobID)
			return &schemas.InsightResult{InsightID: "racy", MatchCount: 3}, nil
		})
	waitTerminal(t, j)

	assert.Equal(t, schemas.JobCompleted, j.State(),
		"a cancel that loses the race to completion must not retract the result")
	outcome := j.Outcome()
	require.NotNil(t, outcome.Result)
	assert.Equal(t, int64(3), outcome.Result.MatchCount)
}

func TestCancelAll_BeforeSubmitPreCancelsLateJobs(t *testing.T) {
	reg := New(zaptest.NewLogger(t), 2)

	reg.CancelAll("req-early")

	ran := false
	j := reg.Submit(context.Background(), "req-early", "late",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			ran = true
			return &schemas.InsightResult{}, nil
		})
	waitTerminal(t, j)

	assert.Equal(t, schemas.JobCancelled, j.State())
	assert.False(t, ran, "a job submitted after its request was cancelled must never run")

	// Remove retires the request; a fresh submission under the same id runs.
	reg.Remove("req-early")
	fresh := reg.Submit(context.Background(), "req-early", "fresh",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			return &schemas.InsightResult{}, nil
		})
	waitTerminal(t, fresh)
	assert.Equal(t, schemas.JobCompleted, fresh.State())
}

func TestSubmit_QueuedJobCancelledBeforeStart(t *testing.T) {
	reg := New(zaptest.NewLogger(t), 1)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := reg.Submit(context.Background(), "req-1", "blocker",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			close(started)
			<-release
			return &schemas.InsightResult{}, nil
		})

	// Make sure the blocker holds the pool before anything else is submitted.
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for blocker job to start")
	}

	ran := false
	queued := reg.Submit(context.Background(), "req-1", "queued",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			ran = true
			return &schemas.InsightResult{}, nil
		})

	// The pool admits one job; cancel the queued one before it can start.
	reg.Cancel(queued.ID)
	close(release)

	waitTerminal(t, blocker)
	waitTerminal(t, queued)

	assert.Equal(t, schemas.JobCompleted, blocker.State())
	assert.Equal(t, schemas.JobCancelled, queued.State())
	assert.False(t, ran, "a job cancelled while queued must never run")
	assert.True(t, queued.Outcome().Stats.StartedAt.IsZero())
}

func TestSubmit_ContextCancelDrainsQueue(t *testing.T) {
	reg := New(zaptest.NewLogger(t), 1)
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := reg.Submit(context.Background(), "req-1", "blocker",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			close(started)
			<-release
			return &schemas.InsightResult{}, nil
		})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for blocker job to start")
	}

	queued := reg.Submit(ctx, "req-1", "queued",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			return &schemas.InsightResult{}, nil
		})

	cancel()
	waitTerminal(t, queued)
	assert.Equal(t, schemas.JobCancelled, queued.State())

	close(release)
	waitTerminal(t, blocker)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	const limit = 2
	reg := New(zaptest.NewLogger(t), limit)

	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})

	var jobs []*Job
	for i := 0; i < 6; i++ {
		jobs = append(jobs, reg.Submit(context.Background(), "req-1", "insight",
			func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()

				<-release

				mu.Lock()
				running--
				mu.Unlock()
				return &schemas.InsightResult{}, nil
			}))
	}

	// Give the pool time to admit as much as it will.
	time.Sleep(100 * time.Millisecond)
	close(release)
	for _, j := range jobs {
		waitTerminal(t, j)
	}

	assert.LessOrEqual(t, peak, limit, "pool must never run more than %d jobs at once", limit)
	assert.Positive(t, peak)
}

func TestCancelAllAndRemove_ScopeToRequest(t *testing.T) {
	reg := New(zaptest.NewLogger(t), 4)

	mine := reg.Submit(context.Background(), "req-mine", "a",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			<-token.Done()
			return nil, nil
		})
	theirsDone := make(chan struct{})
	theirs := reg.Submit(context.Background(), "req-theirs", "b",
		func(jobID string, token schemas.CancelToken, stats *schemas.JobStats) (*schemas.InsightResult, error) {
			<-theirsDone
			return &schemas.InsightResult{}, nil
		})

	reg.CancelAll("req-mine")
	waitTerminal(t, mine)
	assert.Equal(t, schemas.JobCancelled, mine.State())
	assert.False(t, theirs.Token().Cancelled(), "cancellation must not leak across requests")

	close(theirsDone)
	waitTerminal(t, theirs)

	// Remove is idempotent and scoped the same way.
	reg.Remove("req-mine")
	reg.Remove("req-mine")
	assert.NotPanics(t, func() { reg.Cancel(mine.ID) })
}

func TestCancel_UnknownJobIsNoOp(t *testing.T) {
	reg := New(zaptest.NewLogger(t), 1)
	assert.NotPanics(t, func() { reg.Cancel("no-such-job") })
}
