package model

import "fmt"

// DelegationStatus is the lifecycle of one delegation edge.
type DelegationStatus string

const (
	DelegationStarted   DelegationStatus = "started"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
	DelegationRejected  DelegationStatus = "rejected"
)

// JobStatus is the lifecycle of a daemon queue job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobPaused     JobStatus = "paused"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// SessionState is the per-session crash-recovery state machine:
// active → (clean_shutdown | crashed).
type SessionState string

const (
	SessionActive        SessionState = "active"
	SessionCleanShutdown SessionState = "clean_shutdown"
	SessionCrashed       SessionState = "crashed"
)

var terminalJobStatuses = map[JobStatus]bool{
	JobCompleted: true,
	JobFailed:    true,
	JobCancelled: true,
}

// Job transitions: pending ↔ paused, pending → in_progress → terminal.
// cancel is allowed from pending, paused, and in_progress.
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending: {
		JobPaused:     true,
		JobInProgress: true,
		JobCancelled:  true,
	},
	JobPaused: {
		JobPending:   true,
		JobCancelled: true,
	},
	JobInProgress: {
		JobCompleted: true,
		JobFailed:    true,
		JobCancelled: true,
	},
}

var validDelegationTransitions = map[DelegationStatus]map[DelegationStatus]bool{
	DelegationStarted: {
		DelegationCompleted: true,
		DelegationFailed:    true,
	},
}

// IsJobTerminal reports whether s is a terminal job status.
func IsJobTerminal(s JobStatus) bool {
	return terminalJobStatuses[s]
}

// ValidateJobTransition checks a job status transition against the
// allowed table.
func ValidateJobTransition(from, to JobStatus) error {
	if IsJobTerminal(from) {
		return fmt.Errorf("cannot transition from terminal job status %q", from)
	}
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("unknown job status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid job transition: %q → %q", from, to)
	}
	return nil
}

// ValidateDelegationTransition checks a delegation status transition.
// rejected is terminal and never a source state.
func ValidateDelegationTransition(from, to DelegationStatus) error {
	allowed, ok := validDelegationTransitions[from]
	if !ok {
		return fmt.Errorf("cannot transition from delegation status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid delegation transition: %q → %q", from, to)
	}
	return nil
}
