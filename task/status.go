package task

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusNotStarted is the initial state of every instantiated task.
	StatusNotStarted Status = "NOT_STARTED"

	// StatusSubmitted marks a task that was durably submitted but not yet
	// resumed after a restart. Start treats it like NOT_STARTED.
	StatusSubmitted Status = "SUBMITTED"

	// StatusExecuting marks a task whose work is in progress.
	StatusExecuting Status = "EXECUTING"

	// StatusCompleted marks a task that finished successfully.
	StatusCompleted Status = "COMPLETED"

	// StatusFailure marks a task whose execution failed.
	StatusFailure Status = "FAILURE"

	// StatusSkipped marks a task that was bypassed and will never run.
	StatusSkipped Status = "SKIPPED"

	// StatusStopped marks a task that was cancelled.
	StatusStopped Status = "STOPPED"
)

// Terminal reports whether the status is final. A workflow instance is
// eligible for deletion only when every task is terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusSkipped, StatusFailure, StatusStopped:
		return true
	default:
		return false
	}
}

// Startable reports whether Start may transition the task to EXECUTING.
// SUBMITTED is a transient pre-start marker left behind by the store on
// restart and is treated the same as NOT_STARTED.
func (s Status) Startable() bool {
	return s == StatusNotStarted || s == StatusSubmitted
}
