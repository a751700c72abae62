// Package runner drives one job: it pulls Units from the reader for every
// file of the job's resolved set, applies the insight's matcher, and emits
// progress events. File-level failures are isolated; only a matcher that
// fails to compile is fatal for the job.
package runner

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
	"github.com/xkilldash9x/loupe-cli/internal/config"
	"github.com/xkilldash9x/loupe-cli/internal/reader"
)

// Runner executes insight jobs. Stateless across jobs and safe for
// concurrent use; every Run call gets its own limiter and counters.
type Runner struct {
	logger       *zap.Logger
	readerOpts   reader.Options
	progressRate rate.Limit
	maxMatches   int
}

// New builds a Runner from the engine configuration.
func New(cfg config.EngineConfig, logger *zap.Logger) *Runner {
	return &Runner{
		logger: logger.With(zap.String("component", "runner")),
		readerOpts: reader.Options{
			ChunkSize:      cfg.ChunkSizeBytes,
			ChunkThreshold: cfg.ChunkThresholdBytes,
		},
		progressRate: rate.Limit(cfg.ProgressEventsPerSec),
		maxMatches:   cfg.MaxMatchesRetained,
	}
}

// Run scans files in order for one insight, mutating stats (owned by the
// job's goroutine, this one) and emitting events onto sink. It returns the
// result on completion, (nil, nil) when cancellation stopped it, and an
// error only for job-fatal failures. Cancellation is observed between files
// and between Units; on observing it the Cancelled event is emitted and
// post-processing is skipped.
func (r *Runner) Run(
	spec schemas.InsightSpec,
	jobID string,
	files []string,
	token schemas.CancelToken,
	sink schemas.EventSink,
	stats *schemas.JobStats,
) (*schemas.InsightResult, error) {

	logger := r.logger.With(zap.String("job_id", jobID), zap.String("insight_id", spec.ID))

	// Matcher compile errors are discovered lazily, here, and fail the whole
	// job rather than one file.
	matcher, err := compileMatcher(spec.Matcher)
	if err != nil {
		return nil, fmt.Errorf("%w: insight %s: %w", schemas.ErrMatcher, spec.ID, err)
	}

	// FileProgress throttle. One token refills per interval; every file is
	// additionally guaranteed at least one FileProgress before completion.
	limiter := rate.NewLimiter(r.progressRate, 1)

	result := &schemas.InsightResult{InsightID: spec.ID}

	for _, file := range files {
		if token.Cancelled() {
			sink.Emit(schemas.Cancelled{JobID: jobID})
			logger.Info("Job cancelled between files", zap.String("file", file))
			return nil, nil
		}

		cancelled := r.scanFile(spec, jobID, file, matcher, token, sink, stats, result, limiter, logger)
		if cancelled {
			sink.Emit(schemas.Cancelled{JobID: jobID})
			logger.Info("Job cancelled mid-file", zap.String("file", file))
			return nil, nil
		}
	}

	if token.Cancelled() {
		sink.Emit(schemas.Cancelled{JobID: jobID})
		return nil, nil
	}

	// Post-processing runs once over the full matched-line set and fails
	// independently of the scan.
	if spec.PostProcess != nil {
		pp, err := spec.PostProcess(result.MatchedLines())
		if err != nil {
			logger.Warn("Post-process hook failed", zap.Error(err))
			sink.Emit(schemas.ErrorEvent{
				JobID:    jobID,
				Severity: schemas.SeverityWarning,
				Message:  fmt.Sprintf("post-process %q failed", spec.PostProcessName),
				Details:  err.Error(),
			})
		} else {
			result.PostProcess = pp
		}
	}

	sink.Emit(schemas.InsightCompleted{JobID: jobID, Stats: *stats, Result: result})
	logger.Info("Insight completed",
		zap.Int64("files", stats.FilesProcessed),
		zap.Int64("lines", stats.LinesProcessed),
		zap.Int64("matches", stats.Matches))
	return result, nil
}

// scanFile processes one file. It returns true when the cancel token fired
// mid-file. All other failures are reported as events and swallowed so the
// job can continue with the next file.
func (r *Runner) scanFile(
	spec schemas.InsightSpec,
	jobID, file string,
	matcher *regexp.Regexp,
	token schemas.CancelToken,
	sink schemas.EventSink,
	stats *schemas.JobStats,
	result *schemas.InsightResult,
	limiter *rate.Limiter,
	logger *zap.Logger,
) (cancelled bool) {

	sc, err := reader.Open(file, spec.ReadingMode, token, r.readerOpts)
	if err != nil {
		logger.Warn("Skipping unreadable file", zap.String("file", file), zap.Error(err))
		sink.Emit(schemas.ErrorEvent{
			JobID:    jobID,
			Severity: schemas.SeverityError,
			Message:  "failed to open file",
			Details:  err.Error(),
			File:     file,
		})
		return false
	}
	defer sc.Close()

	sink.Emit(schemas.FileOpened{JobID: jobID, File: file})

	var fileUnits, fileMatches int64
	progressEmitted := false

	for sc.Scan() {
		unit := sc.Unit()
		fileUnits++
		stats.LinesProcessed += unit.Lines

		hits := matchUnit(matcher, spec.ReadingMode, unit.Text)
		for _, hit := range hits {
			stats.Matches++
			fileMatches++
			result.MatchCount++
			if len(result.Matches) < r.maxMatches {
				result.Matches = append(result.Matches, schemas.Match{File: file, Text: hit})
			}
		}

		if limiter.Allow() {
			progressEmitted = true
			sink.Emit(schemas.FileProgress{
				JobID:          jobID,
				File:           file,
				UnitsProcessed: fileUnits,
				LinesProcessed: stats.LinesProcessed,
			})
		}
	}

	if sc.Cancelled() {
		return true
	}

	if err := sc.Err(); err != nil {
		logger.Warn("Read error, abandoning file", zap.String("file", file), zap.Error(err))
		sink.Emit(schemas.ErrorEvent{
			JobID:    jobID,
			Severity: schemas.SeverityError,
			Message:  "read error",
			Details:  err.Error(),
			File:     file,
		})
		return false
	}

	// Decoding trouble is tolerated: one warning per file, not per Unit.
	if sc.ReplacedInvalidUTF8() {
		sink.Emit(schemas.ErrorEvent{
			JobID:    jobID,
			Severity: schemas.SeverityWarning,
			Message:  "invalid byte sequences replaced with U+FFFD",
			File:     file,
		})
	}

	// Throttling never starves a file of its progress heartbeat entirely.
	if !progressEmitted {
		sink.Emit(schemas.FileProgress{
			JobID:          jobID,
			File:           file,
			UnitsProcessed: fileUnits,
			LinesProcessed: stats.LinesProcessed,
		})
	}

	stats.FilesProcessed++
	sink.Emit(schemas.FileCompleted{JobID: jobID, File: file, Matches: fileMatches})
	return false
}

// compileMatcher translates MatcherSpec flags into regexp flag groups.
func compileMatcher(m schemas.MatcherSpec) (*regexp.Regexp, error) {
	var flags string
	if !m.CaseSensitive {
		flags += "i"
	}
	if m.Multiline {
		flags += "m"
	}
	pattern := m.Pattern
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	return regexp.Compile(pattern)
}

// matchUnit returns the matched lines a Unit contributes. In line mode the
// Unit is the line; in chunk mode each regex hit is widened to its enclosing
// line so results stay line-shaped regardless of I/O strategy. Matches
// straddling a chunk boundary may be missed; that is the documented
// trade-off of chunk mode.
func matchUnit(matcher *regexp.Regexp, mode schemas.ReadingMode, text string) []string {
	if mode != schemas.ReadChunk {
		if matcher.MatchString(text) {
			return []string{text}
		}
		return nil
	}

	locs := matcher.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	hits := make([]string, 0, len(locs))
	lastEnd := -1
	for _, loc := range locs {
		start := strings.LastIndexByte(text[:loc[0]], '\n') + 1
		if start <= lastEnd {
			// Second hit on a line already reported.
			continue
		}
		end := strings.IndexByte(text[loc[1]:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += loc[1]
		}
		hits = append(hits, strings.TrimRight(text[start:end], "\r"))
		lastEnd = end
	}
	return hits
}
