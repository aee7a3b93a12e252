package job

import "fmt"

// Status represents the state of a job in the orchestrator's state machine.
//
//	Pending -> Submitted -> Running -> {Succeeded | Failed}
//	Failed  -> Pending (attempts remain) | Exhausted
//
// Succeeded and Exhausted are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusExhausted Status = "exhausted"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusExhausted
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		// Exhausted covers cancellation of a queued job and
		// non-retryable resolution failures.
		return to == StatusSubmitted || to == StatusExhausted
	case StatusSubmitted:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		// Exhausted covers cancellation of a running job.
		return to == StatusSucceeded || to == StatusFailed || to == StatusExhausted
	case StatusFailed:
		return to == StatusPending || to == StatusExhausted
	default:
		return false
	}
}

// Transition validates and applies a state change. An invalid transition is
// a programming error in the orchestrator and is surfaced, never applied.
func (j *Job) Transition(to Status) error {
	if !allowedTransition(j.Status, to) {
		return fmt.Errorf("job %s: disallowed transition %s -> %s", j.ID, j.Status, to)
	}
	j.Status = to
	return nil
}
