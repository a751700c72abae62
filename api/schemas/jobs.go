package schemas

import (
	"errors"
	"time"
)

// JobState is the lifecycle state of one job. Transitions are strictly
// forward-moving and end in exactly one terminal state.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state is one of the three terminal states.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobStats are the counters a running job accumulates. They are mutated only
// by the job's own worker goroutine; readers outside the job wait for a
// terminal state.
type JobStats struct {
	FilesProcessed int64     `json:"files_processed"`
	LinesProcessed int64     `json:"lines_processed"`
	Matches        int64     `json:"matches"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// -- Error taxonomy --

// ErrFileAccess marks per-file, recoverable failures: the file is skipped
// and the job continues.
var ErrFileAccess = errors.New("file access error")

// ErrMatcher marks a per-job fatal failure, typically a pattern that does
// not compile. The job transitions to Failed.
var ErrMatcher = errors.New("matcher error")

// ErrResolution marks a per-request, partially recoverable failure: the
// offending path is dropped and the rest of the request proceeds.
var ErrResolution = errors.New("path resolution error")
