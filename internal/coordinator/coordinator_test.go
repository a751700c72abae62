package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
	"github.com/xkilldash9x/loupe-cli/internal/config"
	"github.com/xkilldash9x/loupe-cli/internal/insight"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// setupCoordinator builds a coordinator over an inline insight registry.
func setupCoordinator(t *testing.T, specs ...schemas.InsightSpec) *Coordinator {
	t.Helper()
	reg := insight.NewRegistry()
	for _, spec := range specs {
		require.NoError(t, reg.Add(spec))
	}
	c, err := New(config.Default().EngineCfg, zaptest.NewLogger(t), reg)
	require.NoError(t, err)
	return c
}

func errorSpec() schemas.InsightSpec {
	return schemas.InsightSpec{
		ID:      "error_detector",
		Matcher: schemas.MatcherSpec{Pattern: `ERROR`, CaseSensitive: true},
	}
}

func warningSpec() schemas.InsightSpec {
	return schemas.InsightSpec{
		ID:      "warning_detector",
		Matcher: schemas.MatcherSpec{Pattern: `WARN`, CaseSensitive: true},
	}
}

// drain consumes the full event stream and then the summary, enforcing the
// stream contract: events close first, the summary follows exactly once.
func drain(t *testing.T, events <-chan schemas.ProgressEvent, final <-chan *schemas.ExecutionSummary) ([]schemas.ProgressEvent, *schemas.ExecutionSummary) {
	t.Helper()

	var evs []schemas.ProgressEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				select {
				case summary := <-final:
					require.NotNil(t, summary)
					return evs, summary
				case <-timeout:
					t.Fatal("Timeout waiting for summary after event stream closed")
				}
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatal("Timeout draining event stream")
		}
	}
}

func writeLogs(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestExecute_TwoInsightsOverOneFolder(t *testing.T) {
	dir := writeLogs(t, map[string]string{
		"app.log":    "ERROR boom\nall fine\nWARN slow\n",
		"worker.log": "ERROR again\n",
	})
	c := setupCoordinator(t, errorSpec(), warningSpec())

	events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
		RequestID:  "req-1",
		Paths:      []string{dir},
		InsightIDs: []string{"error_detector", "warning_detector"},
	})
	require.NoError(t, err)

	evs, summary := drain(t, events, final)
	assert.NotEmpty(t, evs)

	assert.Equal(t, "req-1", summary.RequestID)
	require.Len(t, summary.Outcomes, 2)

	errOut := summary.Outcomes["error_detector"]
	require.NotNil(t, errOut)
	assert.Equal(t, schemas.JobCompleted, errOut.State)
	assert.Equal(t, int64(2), errOut.Result.MatchCount)
	assert.Equal(t, int64(2), errOut.Stats.FilesProcessed)
	assert.Equal(t, int64(4), errOut.Stats.LinesProcessed)

	warnOut := summary.Outcomes["warning_detector"]
	require.NotNil(t, warnOut)
	assert.Equal(t, schemas.JobCompleted, warnOut.State)
	assert.Equal(t, int64(1), warnOut.Result.MatchCount)

	assert.Greater(t, summary.TotalTime, time.Duration(0))
}

func TestExecute_JobIsolation(t *testing.T) {
	dir := writeLogs(t, map[string]string{"app.log": "ERROR x\nWARN y\n"})
	broken := schemas.InsightSpec{
		ID:      "broken",
		Matcher: schemas.MatcherSpec{Pattern: `(unclosed`},
	}
	c := setupCoordinator(t, errorSpec(), broken)

	events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
		Paths:      []string{dir},
		InsightIDs: []string{"error_detector", "broken"},
	})
	require.NoError(t, err)

	_, summary := drain(t, events, final)
	require.Len(t, summary.Outcomes, 2)

	assert.Equal(t, schemas.JobCompleted, summary.Outcomes["error_detector"].State,
		"one failing insight must not take down its siblings")
	failed := summary.Outcomes["broken"]
	assert.Equal(t, schemas.JobFailed, failed.State)
	assert.NotEmpty(t, failed.Error)
	assert.Nil(t, failed.Result)
}

func TestExecute_UnknownInsightDegrades(t *testing.T) {
	dir := writeLogs(t, map[string]string{"app.log": "ERROR x\n"})
	c := setupCoordinator(t, errorSpec())

	events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
		Paths:      []string{dir},
		InsightIDs: []string{"error_detector", "no_such_insight"},
	})
	require.NoError(t, err)

	evs, summary := drain(t, events, final)

	var sawUnknown bool
	for _, ev := range evs {
		if ee, ok := ev.(schemas.ErrorEvent); ok && ee.JobID == "" {
			assert.Contains(t, ee.Message, "no_such_insight")
			sawUnknown = true
		}
	}
	assert.True(t, sawUnknown, "the unknown id must surface as a request-level error event")

	// Only the known insight produces an outcome.
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, schemas.JobCompleted, summary.Outcomes["error_detector"].State)
}

func TestExecute_RejectsDegenerateRequests(t *testing.T) {
	dir := writeLogs(t, map[string]string{"app.log": "x\n"})
	c := setupCoordinator(t, errorSpec())
	ctx := context.Background()

	_, _, err := c.Execute(ctx, schemas.ExecutionRequest{Paths: []string{dir}})
	assert.ErrorContains(t, err, "no insights")

	_, _, err = c.Execute(ctx, schemas.ExecutionRequest{InsightIDs: []string{"error_detector"}})
	assert.ErrorContains(t, err, "no paths")

	_, _, err = c.Execute(ctx, schemas.ExecutionRequest{
		Paths:      []string{dir},
		InsightIDs: []string{"only", "unknown", "ids"},
	})
	assert.ErrorContains(t, err, "no requested insight id is registered")

	_, _, err = c.Execute(ctx, schemas.ExecutionRequest{
		Paths:      []string{filepath.Join(dir, "missing.log")},
		InsightIDs: []string{"error_detector"},
	})
	assert.ErrorContains(t, err, "no path resolved")
}

func TestExecute_PartialPathResolution(t *testing.T) {
	dir := writeLogs(t, map[string]string{"app.log": "ERROR x\n"})
	missing := filepath.Join(dir, "nope")
	c := setupCoordinator(t, errorSpec())

	events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
		Paths:      []string{missing, filepath.Join(dir, "app.log")},
		InsightIDs: []string{"error_detector"},
	})
	require.NoError(t, err, "one bad path must not fail the request")

	evs, summary := drain(t, events, final)

	var sawResolutionError bool
	for _, ev := range evs {
		if ee, ok := ev.(schemas.ErrorEvent); ok && ee.Folder == missing {
			sawResolutionError = true
		}
	}
	assert.True(t, sawResolutionError)
	assert.Equal(t, int64(1), summary.Outcomes["error_detector"].Result.MatchCount)
}

func TestExecute_EmptyFolderCompletesWithZeroStats(t *testing.T) {
	c := setupCoordinator(t, errorSpec())

	events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
		Paths:      []string{t.TempDir()},
		InsightIDs: []string{"error_detector"},
	})
	require.NoError(t, err, "an empty folder is a valid, empty file set")

	_, summary := drain(t, events, final)
	out := summary.Outcomes["error_detector"]
	assert.Equal(t, schemas.JobCompleted, out.State)
	assert.Zero(t, out.Stats.FilesProcessed)
	assert.Zero(t, out.Result.MatchCount)
}

func TestExecute_FileFilterScopesInsight(t *testing.T) {
	dir := writeLogs(t, map[string]string{
		"access.log": "GET / 500 ERROR\n",
		"app.log":    "ERROR plain\n",
	})
	filtered := errorSpec()
	filtered.FileFilter = "access*.log"
	c := setupCoordinator(t, filtered)

	events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
		Paths:      []string{dir},
		InsightIDs: []string{"error_detector"},
	})
	require.NoError(t, err)

	_, summary := drain(t, events, final)
	out := summary.Outcomes["error_detector"]
	assert.Equal(t, int64(1), out.Stats.FilesProcessed, "only access.log passes the filter")
	assert.Equal(t, int64(1), out.Result.MatchCount)
}

func TestExecute_GeneratesRequestID(t *testing.T) {
	dir := writeLogs(t, map[string]string{"app.log": "x\n"})
	c := setupCoordinator(t, errorSpec())

	events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
		Paths:      []string{dir},
		InsightIDs: []string{"error_detector"},
	})
	require.NoError(t, err)

	_, summary := drain(t, events, final)
	assert.NotEmpty(t, summary.RequestID)
}

func TestExecute_ReturnsBeforeRequestErrorsAreDrained(t *testing.T) {
	// More request-level errors than the bus can buffer: Execute must still
	// hand the channels out instead of blocking on its own emissions.
	dir := writeLogs(t, map[string]string{"app.log": "ERROR x\n"})
	paths := []string{filepath.Join(dir, "app.log")}
	for i := 0; i < 20; i++ {
		paths = append(paths, filepath.Join(dir, fmt.Sprintf("missing%02d", i)))
	}

	reg := insight.NewRegistry()
	require.NoError(t, reg.Add(errorSpec()))
	cfg := config.Default().EngineCfg
	cfg.BusBuffer = 8
	c, err := New(cfg, zaptest.NewLogger(t), reg)
	require.NoError(t, err)

	type handoff struct {
		events <-chan schemas.ProgressEvent
		final  <-chan *schemas.ExecutionSummary
		err    error
	}
	returned := make(chan handoff, 1)
	go func() {
		events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
			Paths:      paths,
			InsightIDs: []string{"error_detector"},
		})
		returned <- handoff{events: events, final: final, err: err}
	}()

	var h handoff
	select {
	case h = <-returned:
	case <-time.After(3 * time.Second):
		t.Fatal("Execute did not return while its error events were undrained")
	}
	require.NoError(t, h.err)

	evs, summary := drain(t, h.events, h.final)

	var resolutionErrors int
	for _, ev := range evs {
		if _, ok := ev.(schemas.ErrorEvent); ok {
			resolutionErrors++
		}
	}
	assert.Equal(t, 20, resolutionErrors)
	assert.Equal(t, int64(1), summary.Outcomes["error_detector"].Result.MatchCount)
}

func TestCancel_BeforeJobsStartEmitsCancelledEvents(t *testing.T) {
	dir := writeLogs(t, map[string]string{"app.log": "ERROR x\nWARN y\n"})
	c := setupCoordinator(t, errorSpec(), warningSpec())

	// Cancellation arriving ahead of the request's jobs still applies to them.
	c.Cancel("req-early")

	events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
		RequestID:  "req-early",
		Paths:      []string{dir},
		InsightIDs: []string{"error_detector", "warning_detector"},
	})
	require.NoError(t, err)

	evs, summary := drain(t, events, final)

	require.Len(t, summary.Outcomes, 2)
	for id, out := range summary.Outcomes {
		assert.Equal(t, schemas.JobCancelled, out.State, "insight %s", id)
	}

	jobIDs := map[string]struct{}{}
	for _, ev := range evs {
		switch e := ev.(type) {
		case schemas.Cancelled:
			assert.NotEmpty(t, e.JobID)
			jobIDs[e.JobID] = struct{}{}
		case schemas.FileOpened:
			t.Fatalf("job opened %s after cancellation", e.File)
		}
	}
	assert.Len(t, jobIDs, 2, "each cancelled job owes the stream one Cancelled event")
}

func TestCancel_RequestEndsWithTerminalOutcomes(t *testing.T) {
	// Enough files that cancellation lands while work is still pending.
	files := map[string]string{}
	for i := 0; i < 50; i++ {
		files[fmt.Sprintf("f%02d.log", i)] = "ERROR x\nline\n"
	}
	dir := writeLogs(t, files)

	c := setupCoordinator(t, errorSpec(), warningSpec())

	events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
		RequestID:  "req-cancel",
		Paths:      []string{dir},
		InsightIDs: []string{"error_detector", "warning_detector"},
	})
	require.NoError(t, err)

	c.Cancel("req-cancel")
	evs, summary := drain(t, events, final)

	// Whatever each job managed before observing the token, every outcome is
	// terminal and the stream terminated cleanly.
	require.Len(t, summary.Outcomes, 2)
	cancelledOutcomes := 0
	for id, out := range summary.Outcomes {
		assert.True(t, out.State.Terminal(), "outcome for %s is not terminal: %s", id, out.State)
		assert.Contains(t, []schemas.JobState{schemas.JobCompleted, schemas.JobCancelled}, out.State)
		if out.State == schemas.JobCancelled {
			cancelledOutcomes++
		}
	}

	// The stream and the summary agree: one Cancelled event per cancelled job,
	// whether it was stopped mid-run or before it ever started.
	cancelledEvents := 0
	for _, ev := range evs {
		if _, ok := ev.(schemas.Cancelled); ok {
			cancelledEvents++
		}
	}
	assert.Equal(t, cancelledOutcomes, cancelledEvents)
}

func TestExecute_ResultsAreDeterministicAcrossRuns(t *testing.T) {
	dir := writeLogs(t, map[string]string{
		"a.log": "ERROR one\nWARN two\nERROR three\n",
		"b.log": "nothing\nERROR four\n",
		"c.log": "WARN five\n",
	})
	c := setupCoordinator(t, errorSpec(), warningSpec())

	run := func(requestID string) *schemas.ExecutionSummary {
		events, final, err := c.Execute(context.Background(), schemas.ExecutionRequest{
			RequestID:  requestID,
			Paths:      []string{dir},
			InsightIDs: []string{"error_detector", "warning_detector"},
		})
		require.NoError(t, err)
		_, summary := drain(t, events, final)
		return summary
	}

	first := run("req-a")
	second := run("req-b")

	// Scheduling order may differ between runs; the aggregated results must
	// not.
	for _, id := range []string{"error_detector", "warning_detector"} {
		f, s := first.Outcomes[id], second.Outcomes[id]
		assert.Equal(t, f.Result.MatchCount, s.Result.MatchCount, "insight %s", id)
		assert.Equal(t, f.Result.Matches, s.Result.Matches, "insight %s", id)
		assert.Equal(t, f.Stats.FilesProcessed, s.Stats.FilesProcessed, "insight %s", id)
		assert.Equal(t, f.Stats.LinesProcessed, s.Stats.LinesProcessed, "insight %s", id)
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	c := setupCoordinator(t, errorSpec())
	assert.NotPanics(t, func() {
		c.Cancel("never-seen")
		c.Cancel("never-seen")
	})
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(config.Default().EngineCfg, nil, insight.NewRegistry())
	assert.Error(t, err)

	_, err = New(config.Default().EngineCfg, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}
