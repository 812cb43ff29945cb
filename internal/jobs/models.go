package jobs

import (
	"time"

	"runnerd/internal/pipeline"
)

// State represents the lifecycle of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// FailureKind classifies why a job reached StateFailed.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureSpawn       FailureKind = "spawn_failure"
	FailureTimeout     FailureKind = "timeout"
	FailureNonZeroExit FailureKind = "nonzero_exit"
	FailureInternal    FailureKind = "internal"
)

// Job is one pipeline run tracked by the registry. Snapshots handed to
// callers are value copies; the registry owns the canonical record.
type Job struct {
	ID           string
	Kind         pipeline.Kind
	ResourceKey  string
	Params       pipeline.Params
	State        State
	FailureKind  FailureKind
	ExitCode     *int
	CreatedAt    time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	ErrorSummary string
	LogTail      []string
}

func (j *Job) snapshot() Job {
	cp := *j
	if j.ExitCode != nil {
		code := *j.ExitCode
		cp.ExitCode = &code
	}
	if j.StartedAt != nil {
		ts := *j.StartedAt
		cp.StartedAt = &ts
	}
	if j.EndedAt != nil {
		ts := *j.EndedAt
		cp.EndedAt = &ts
	}
	cp.Params = make(pipeline.Params, len(j.Params))
	for k, v := range j.Params {
		cp.Params[k] = v
	}
	cp.LogTail = append([]string(nil), j.LogTail...)
	return cp
}
