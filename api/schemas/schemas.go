// Package schemas holds the value types shared between the insight engine and
// its collaborators (transport, CLI, loaders). Everything here is
// serialization-agnostic: field names and types only, no transport framing.
package schemas

import (
	"time"
)

// ReadingMode selects the Reader strategy for an insight.
type ReadingMode string

const (
	// ReadLine yields one decoded text line per Unit. Exact line semantics,
	// used for files below the chunk threshold.
	ReadLine ReadingMode = "line"
	// ReadChunk yields fixed-size byte blocks for throughput on large files.
	// Small files still fall back to line mode under this setting.
	ReadChunk ReadingMode = "chunk"
)

// Severity classifies an ErrorEvent for client presentation. It never drives
// control flow.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// MatcherSpec describes the regex applied to each Unit.
type MatcherSpec struct {
	Pattern       string `json:"pattern" yaml:"pattern"`
	CaseSensitive bool   `json:"case_sensitive" yaml:"case_sensitive"`
	Multiline     bool   `json:"multiline" yaml:"multiline"`
}

// PostProcessResult is the structured output of a post-process hook.
type PostProcessResult struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PostProcessFunc is a pure function applied once to the full matched-line
// set of a completed job. It must not have side effects on the engine; a
// failure here is reported but never aborts the scan that produced the lines.
type PostProcessFunc func(lines []string) (*PostProcessResult, error)

// InsightSpec is the immutable descriptor of one insight. Specs are loaded
// once at startup, owned by a process-wide registry, and shared read-only
// across all jobs that run them.
type InsightSpec struct {
	ID       string      `json:"id" yaml:"id"`
	Name     string      `json:"name" yaml:"name"`
	Category string      `json:"category" yaml:"category"`
	Matcher  MatcherSpec `json:"matcher" yaml:"matcher"`
	// ReadingMode defaults to ReadLine when empty.
	ReadingMode ReadingMode `json:"reading_mode" yaml:"reading_mode"`
	// FileFilter is an optional glob matched against file base names when a
	// folder is resolved. Empty means every file applies.
	FileFilter string `json:"file_filter,omitempty" yaml:"file_filter"`
	// PostProcessName names a registered post-process hook. The resolved
	// function is injected by the loader; the engine never loads code.
	PostProcessName string          `json:"post_process,omitempty" yaml:"post_process"`
	PostProcess     PostProcessFunc `json:"-" yaml:"-"`
}

// ExecutionRequest is the input to the Execution Coordinator. Immutable once
// submitted; RequestID correlates every event the request produces.
type ExecutionRequest struct {
	RequestID  string   `json:"request_id"`
	Paths      []string `json:"paths"`
	InsightIDs []string `json:"insight_ids"`
}

// ResolvedFileSet is the request's paths expanded: folders walked
// recursively, each insight's FileFilter applied. Computed once per request,
// before any job starts, and shared read-only across the request's jobs.
type ResolvedFileSet struct {
	// Files is the full resolved list in resolution order.
	Files []string `json:"files"`
	// PerInsight maps insight id to the subset passing its FileFilter.
	PerInsight map[string][]string `json:"per_insight"`
}

// ForInsight returns the file list for one insight id.
func (s *ResolvedFileSet) ForInsight(id string) []string {
	if files, ok := s.PerInsight[id]; ok {
		return files
	}
	return s.Files
}

// Match is one matched line, attributed to its source file.
type Match struct {
	File string `json:"file"`
	Text string `json:"text"`
}

// InsightResult is the final payload of a Completed job.
type InsightResult struct {
	InsightID   string             `json:"insight_id"`
	MatchCount  int64              `json:"match_count"`
	Matches     []Match            `json:"matches"`
	PostProcess *PostProcessResult `json:"post_process,omitempty"`
}

// MatchedLines extracts the raw matched-line set, the input shape for a
// post-process hook.
func (r *InsightResult) MatchedLines() []string {
	lines := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		lines[i] = m.Text
	}
	return lines
}

// ExecutionSummary is the aggregated terminal response of one request. Every
// requested insight id appears exactly once in Outcomes, whatever its fate.
type ExecutionSummary struct {
	RequestID string                     `json:"request_id"`
	Outcomes  map[string]*InsightOutcome `json:"outcomes"`
	// TotalTime spans the first job start to the last job terminal state.
	TotalTime time.Duration `json:"total_time"`
}

// InsightOutcome is the per-insight terminal record inside a summary.
type InsightOutcome struct {
	InsightID string   `json:"insight_id"`
	State     JobState `json:"state"`
	Stats     JobStats `json:"stats"`
	// ExecutionTime is the job's own start/finish delta.
	ExecutionTime time.Duration  `json:"execution_time"`
	Result        *InsightResult `json:"result,omitempty"`
	// Error carries the failure marker for Failed jobs.
	Error string `json:"error,omitempty"`
}
