package synth

import (
	"fmt"
	"time"
)

// State is the lifecycle state reported by the inference backend.
type State string

// Backend job states. StateTimeout is synthesized locally when a job never
// reaches a terminal state within the poll ceiling.
const (
	StateQueued     State = "QUEUED"
	StateInProgress State = "IN_PROGRESS"
	StateRunning    State = "RUNNING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateTimeout    State = "TIMEOUT"
)

// Terminal reports whether no further polling is needed.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout:
		return true
	default:
		return false
	}
}

// Job tracks one chunk's round trip through the inference backend.
type Job struct {
	ID    string
	Chunk int
	State State

	// Audio holds the decoded WAV bytes once State is StateCompleted.
	Audio      []byte
	SampleRate int

	Polls       int
	SubmittedAt time.Time
	FinishedAt  time.Time
}

// NewJob records a submission accepted by the backend.
func NewJob(id string, chunk int) *Job {
	return &Job{
		ID:          id,
		Chunk:       chunk,
		State:       StateQueued,
		SubmittedAt: time.Now(),
	}
}

// Elapsed returns the time from submission to completion, or to now if the
// job is still running.
func (j *Job) Elapsed() time.Duration {
	if j.FinishedAt.IsZero() {
		return time.Since(j.SubmittedAt)
	}
	return j.FinishedAt.Sub(j.SubmittedAt)
}

func (j *Job) finish(state State) {
	j.State = state
	j.FinishedAt = time.Now()
}

// JobError describes a job that ended in StateFailed or StateTimeout. It
// unwraps to both ErrSynthesisFailed or ErrSynthesisTimeout and the
// underlying cause.
type JobError struct {
	JobID string
	Chunk int
	Kind  error
	Cause error
}

func (e *JobError) Error() string {
	msg := fmt.Sprintf("%v (chunk %d", e.Kind, e.Chunk)
	if e.JobID != "" {
		msg += ", job " + e.JobID
	}
	msg += ")"
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *JobError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}
