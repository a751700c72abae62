package schemas

// EventType tags the variants of the ProgressEvent union.
type EventType string

const (
	EventFileOpened       EventType = "file_opened"
	EventFileProgress     EventType = "file_progress"
	EventFileCompleted    EventType = "file_completed"
	EventInsightCompleted EventType = "insight_completed"
	EventError            EventType = "error"
	EventCancelled        EventType = "cancelled"
)

// ProgressEvent is the tagged union streamed to the client while a request
// runs. Events are immutable value objects. Ordering is guaranteed within a
// single job id, never across jobs.
type ProgressEvent interface {
	// Type returns the variant tag.
	Type() EventType
	// Job returns the owning job id, or "" for request-level events.
	Job() string
}

// FileOpened signals that a job started reading a file.
type FileOpened struct {
	JobID string `json:"job_id"`
	File  string `json:"file"`
}

func (e FileOpened) Type() EventType { return EventFileOpened }
func (e FileOpened) Job() string     { return e.JobID }

// FileProgress is a throttled heartbeat while a file is being scanned.
// LinesProcessed is the job-wide running total and is non-decreasing across
// the job's event stream.
type FileProgress struct {
	JobID          string `json:"job_id"`
	File           string `json:"file"`
	UnitsProcessed int64  `json:"units_processed"`
	LinesProcessed int64  `json:"lines_processed"`
}

func (e FileProgress) Type() EventType { return EventFileProgress }
func (e FileProgress) Job() string     { return e.JobID }

// FileCompleted signals normal completion of one file with its match count.
type FileCompleted struct {
	JobID   string `json:"job_id"`
	File    string `json:"file"`
	Matches int64  `json:"matches"`
}

func (e FileCompleted) Type() EventType { return EventFileCompleted }
func (e FileCompleted) Job() string     { return e.JobID }

// InsightCompleted is the terminal event of a Completed job.
type InsightCompleted struct {
	JobID  string         `json:"job_id"`
	Stats  JobStats       `json:"stats"`
	Result *InsightResult `json:"result"`
}

func (e InsightCompleted) Type() EventType { return EventInsightCompleted }
func (e InsightCompleted) Job() string     { return e.JobID }

// ErrorEvent reports a failure at file, job, or request scope. Severity is
// presentation metadata only.
type ErrorEvent struct {
	// JobID is empty for request-level errors (e.g. path resolution).
	JobID    string   `json:"job_id,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Details  string   `json:"details,omitempty"`
	File     string   `json:"file,omitempty"`
	Folder   string   `json:"folder,omitempty"`
}

func (e ErrorEvent) Type() EventType { return EventError }
func (e ErrorEvent) Job() string     { return e.JobID }

// Cancelled is the terminal event of a job stopped by cooperative
// cancellation. Not an error.
type Cancelled struct {
	JobID string `json:"job_id"`
}

func (e Cancelled) Type() EventType { return EventCancelled }
func (e Cancelled) Job() string     { return e.JobID }
