// Package task defines the data model for workflow instances: the task
// record every kind specializes, the status lifecycle, and the workflow
// container that owns the task graph. Tasks are pure data; all behavior
// (start, completion cascade, event delivery) lives in the engine package
// and dispatches on the task kind.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a task's position in the DAG.
type Type string

const (
	TypeRoot              Type = "ROOT"
	TypeSubDAG            Type = "SUB_DAG"
	TypeLeaf              Type = "LEAF"
	TypeParallelComposite Type = "PARALLEL_COMPOSITE"
)

// Kind selects the behavior the engine applies to a task.
type Kind string

const (
	// KindExecutor runs user-supplied business logic and completes.
	KindExecutor Kind = "executor"

	// KindCommand publishes the workflow's runtime parameters to an
	// outbound stream subject, then completes.
	KindCommand Kind = "command"

	// KindSensor waits for a correlated event on an inbound stream.
	KindSensor Kind = "sensor"

	// KindDecision evaluates a predicate and advances exactly one
	// successor, skipping the rest.
	KindDecision Kind = "decision"

	// KindTrigger fires once when wall-clock time reaches TimeToExecute.
	KindTrigger Kind = "trigger"

	// KindInterval fires repeatedly until its interval function reports
	// done or the force-complete deadline passes.
	KindInterval Kind = "interval"

	// KindMonitor inspects a monitored task when its trigger time is
	// reached and skips the stalled prefix of the workflow.
	KindMonitor Kind = "monitor"

	// KindSubDAG wraps a nested DAG rooted at RootDAG.
	KindSubDAG Kind = "subdag"

	// KindParallel starts every child and joins per Operator.
	KindParallel Kind = "parallel"

	// KindRoot is the workflow instance itself.
	KindRoot Kind = "root"
)

// Operator selects the join semantics of a parallel composite.
type Operator string

const (
	OperatorJoinAll    Operator = "JOIN_ALL"
	OperatorAtLeastOne Operator = "ATLEAST_ONE"
)

// CompleteByKey is the runtime-parameter attribute holding the absolute
// epoch-seconds deadline used by monitored sub-DAGs.
const CompleteByKey = "complete_by_time"

// Task is the common record every task kind specializes. Field names mirror
// the persisted schema; zero UUIDs mean "unset".
type Task struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"task_name,omitempty"`
	Handler string    `json:"handler,omitempty"`
	Type    Type      `json:"task_type"`
	Kind    Kind      `json:"kind"`
	Status  Status    `json:"status"`

	// ParentID is the enclosing sub-DAG or root, uuid.Nil at the root.
	ParentID uuid.UUID `json:"parent_id"`

	// RootDAG is the first child of a non-leaf task, uuid.Nil for leaves.
	RootDAG uuid.UUID `json:"root_dag"`

	// NextDAGs is the ordered successor list within the same parent scope.
	NextDAGs []uuid.UUID `json:"next_dags,omitempty"`

	TimeCreated   int64 `json:"time_created"`
	TimeSubmitted int64 `json:"time_submitted,omitempty"`
	TimeCompleted int64 `json:"time_completed,omitempty"`
	LastUpdated   int64 `json:"lastupdated"`

	// CorrelatableKey names the runtime-parameter attribute a sensor
	// watches. Sensors only.
	CorrelatableKey string `json:"correlatable_key,omitempty"`

	// Stream is the bound subject: inbound for sensors, outbound for
	// command tasks.
	Stream string `json:"stream,omitempty"`

	AllowSkipTo        bool `json:"allow_skip_to,omitempty"`
	ReprocessOnMessage bool `json:"reprocess_on_message,omitempty"`
	MatchOnlyOne       bool `json:"match_only_one,omitempty"`

	// TimeToExecute gates trigger-family tasks; non-decreasing within a
	// single lifecycle.
	TimeToExecute         int64 `json:"time_to_execute,omitempty"`
	IntervalExecutePeriod int64 `json:"interval_execute_period,omitempty"`
	TimeToForceComplete   int64 `json:"time_to_force_complete,omitempty"`

	// MonitoredTaskID is the task a monitor inspects on firing.
	MonitoredTaskID uuid.UUID `json:"monitored_task_id"`

	// ParallelChildren is independent of NextDAGs: the set of children a
	// parallel composite starts together, kept in insertion order.
	ParallelChildren []uuid.UUID `json:"parallel_child_task_list,omitempty"`
	Operator         Operator    `json:"operator_type,omitempty"`

	// MaxRunDuration, when positive on a sub-DAG, spawns a
	// skip-on-max-duration monitor at start.
	MaxRunDuration int64 `json:"max_run_duration,omitempty"`

	// Monitored opts a sub-DAG into the complete_by_time companion monitor.
	Monitored bool `json:"monitored,omitempty"`

	// MonitorTaskID is the companion monitor spawned for this task, if any.
	MonitorTaskID uuid.UUID `json:"monitor_task_id"`

	// Message carries a human-readable failure or status note.
	Message string `json:"message,omitempty"`
}

// New creates a task of the given kind in NOT_STARTED status. The task type
// is derived from the kind.
func New(name string, kind Kind) *Task {
	now := time.Now().Unix()
	t := &Task{
		ID:          uuid.New(),
		Name:        name,
		Kind:        kind,
		Type:        TypeLeaf,
		Status:      StatusNotStarted,
		TimeCreated: now,
		LastUpdated: now,
	}
	switch kind {
	case KindRoot:
		t.Type = TypeRoot
	case KindSubDAG:
		t.Type = TypeSubDAG
	case KindParallel:
		t.Type = TypeParallelComposite
	}
	return t
}

// Option mutates a task at construction time.
type Option func(*Task)

// AllowSkipTo lets an arriving event forcibly skip pending predecessors.
func AllowSkipTo() Option {
	return func(t *Task) { t.AllowSkipTo = true }
}

// ReprocessOnMessage re-invokes on_message for events arriving after the
// sensor completed, instead of restarting it.
func ReprocessOnMessage() Option {
	return func(t *Task) { t.ReprocessOnMessage = true }
}

// MatchOnlyOne consumes exactly one correlated event across all live
// instances before the dispatcher stops iterating.
func MatchOnlyOne() Option {
	return func(t *Task) { t.MatchOnlyOne = true }
}

// WithMaxRunDuration arms a skip-on-max-duration monitor when the sub-DAG
// starts, firing after d seconds.
func WithMaxRunDuration(d int64) Option {
	return func(t *Task) { t.MaxRunDuration = d }
}

// Monitored opts a sub-DAG into the complete_by_time companion monitor.
func Monitored() Option {
	return func(t *Task) { t.Monitored = true }
}

// WithHandler binds the task to a named handler in the engine registry.
func WithHandler(handler string) Option {
	return func(t *Task) { t.Handler = handler }
}

// NewExecutor creates a leaf executor bound to a registered handler.
func NewExecutor(name, handler string, opts ...Option) *Task {
	t := New(name, KindExecutor)
	t.Handler = handler
	return apply(t, opts)
}

// NewCommand creates a leaf that publishes to the given outbound subject.
func NewCommand(name, subject string, opts ...Option) *Task {
	t := New(name, KindCommand)
	t.Stream = subject
	return apply(t, opts)
}

// NewSensor creates a leaf that waits for events on the given subject,
// correlated by the named runtime-parameter attribute.
func NewSensor(name, attr, subject string, opts ...Option) *Task {
	t := New(name, KindSensor)
	t.CorrelatableKey = attr
	t.Stream = subject
	return apply(t, opts)
}

// NewDecision creates a leaf whose evaluate handler picks one successor.
func NewDecision(name, handler string, opts ...Option) *Task {
	t := New(name, KindDecision)
	t.Handler = handler
	return apply(t, opts)
}

// NewTrigger creates a one-shot time-gated executor.
func NewTrigger(name, handler string, timeToExecute int64, opts ...Option) *Task {
	t := New(name, KindTrigger)
	t.Handler = handler
	t.TimeToExecute = timeToExecute
	return apply(t, opts)
}

// NewInterval creates a repeating trigger. period is the re-arm interval in
// seconds; forceComplete, when non-zero, is the absolute deadline after
// which the task finalizes regardless of its interval function.
func NewInterval(name, handler string, timeToExecute, period, forceComplete int64, opts ...Option) *Task {
	t := New(name, KindInterval)
	t.Handler = handler
	t.TimeToExecute = timeToExecute
	t.IntervalExecutePeriod = period
	t.TimeToForceComplete = forceComplete
	return apply(t, opts)
}

// NewSkipMonitor creates a skip-on-max-duration monitor for monitoredID,
// firing at the given epoch time. Monitors have no parent and no
// successors; their completion never cascades.
func NewSkipMonitor(monitoredID uuid.UUID, at int64) *Task {
	t := New("skip-on-max-duration", KindMonitor)
	t.MonitoredTaskID = monitoredID
	t.TimeToExecute = at
	return t
}

// NewSubDAG creates a non-leaf task whose body is rooted at its first child.
func NewSubDAG(name string, opts ...Option) *Task {
	return apply(New(name, KindSubDAG), opts)
}

// NewParallel creates a parallel composite with the given join operator.
// Children are attached by the builder or by appending to ParallelChildren.
func NewParallel(name string, op Operator, opts ...Option) *Task {
	t := New(name, KindParallel)
	t.Operator = op
	return apply(t, opts)
}

func apply(t *Task, opts []Option) *Task {
	for _, opt := range opts {
		opt(t)
	}
	return t
}
