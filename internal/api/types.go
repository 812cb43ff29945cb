package api

import (
	"time"

	"runnerd/internal/history"
	"runnerd/internal/joblog"
	"runnerd/internal/jobs"
)

// StartJobRequest submits a pipeline run.
type StartJobRequest struct {
	Kind        string            `json:"kind"`
	ResourceKey string            `json:"resource_key,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// JobView is the wire representation of one job.
type JobView struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	ResourceKey  string            `json:"resource_key"`
	Params       map[string]string `json:"params,omitempty"`
	State        string            `json:"state"`
	FailureKind  string            `json:"failure_kind,omitempty"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	ErrorSummary string            `json:"error,omitempty"`
	LogTail      []string          `json:"log_tail,omitempty"`
}

// StartJobResponse reports the accepted (or coalesced) job.
type StartJobResponse struct {
	Job       JobView `json:"job"`
	Duplicate bool    `json:"duplicate,omitempty"`
}

// JobListResponse contains tracked jobs, newest first.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// LogLine is one captured output line.
type LogLine struct {
	Seq    uint64    `json:"seq"`
	Stream string    `json:"stream"`
	At     time.Time `json:"ts"`
	Text   string    `json:"text"`
}

// LogsResponse carries a page of captured output. Discontinuity reports that
// lines between the request cursor and the first returned line were trimmed.
type LogsResponse struct {
	Lines         []LogLine `json:"lines"`
	NextCursor    uint64    `json:"next_cursor"`
	Discontinuity bool      `json:"discontinuity"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// LeaseView describes one held resource key.
type LeaseView struct {
	ResourceKey string    `json:"resource_key"`
	JobID       string    `json:"job_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// HealthResponse summarizes daemon state.
type HealthResponse struct {
	Status       string      `json:"status"`
	PID          int         `json:"pid"`
	ActiveJobs   int         `json:"active_jobs"`
	TerminalJobs int         `json:"terminal_jobs"`
	Locks        []LeaseView `json:"locks,omitempty"`
	HistoryCount *int        `json:"history_count,omitempty"`
}

// ErrorResponse is the uniform error payload. Holder carries the owning job
// id for busy and duplicate conflicts.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Holder string `json:"holder,omitempty"`
}

// FromJob converts a registry snapshot into its wire form.
func FromJob(job jobs.Job) JobView {
	return JobView{
		ID:           job.ID,
		Kind:         string(job.Kind),
		ResourceKey:  job.ResourceKey,
		Params:       job.Params,
		State:        string(job.State),
		FailureKind:  string(job.FailureKind),
		ExitCode:     job.ExitCode,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		EndedAt:      job.EndedAt,
		ErrorSummary: job.ErrorSummary,
		LogTail:      job.LogTail,
	}
}

// FromRecord converts a persisted history record into the same wire form used
// for live jobs. History records never carry a log tail.
func FromRecord(rec history.Record) JobView {
	return JobView{
		ID:           rec.JobID,
		Kind:         rec.Kind,
		ResourceKey:  rec.ResourceKey,
		Params:       rec.Params,
		State:        rec.State,
		FailureKind:  rec.FailureKind,
		ExitCode:     rec.ExitCode,
		CreatedAt:    rec.CreatedAt,
		StartedAt:    rec.StartedAt,
		EndedAt:      rec.EndedAt,
		ErrorSummary: rec.ErrorSummary,
	}
}

// FromLines converts captured log lines into their wire form.
func FromLines(lines []joblog.Line) []LogLine {
	if len(lines) == 0 {
		return nil
	}
	out := make([]LogLine, len(lines))
	for i, line := range lines {
		out[i] = LogLine{
			Seq:    line.Seq,
			Stream: string(line.Stream),
			At:     line.At,
			Text:   line.Text,
		}
	}
	return out
}
