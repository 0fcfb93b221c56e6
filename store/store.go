// Package store persists workflow instances, the correlation index, and
// the trigger-time index. Two implementations are provided: KV, backed by
// NATS JetStream key-value buckets, and Memory, used by tests and by
// single-process setups that do not need durability.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jkgenser/dagger/task"
)

// Common storage errors.
var (
	// ErrNotFound is returned when a workflow instance is not found.
	ErrNotFound = errors.New("workflow instance not found")
)

// LookupKey identifies a correlation-index bucket. At the index level the
// value carries a stream suffix so the same attribute can be watched on
// several streams.
type LookupKey struct {
	Attr  string
	Value string
}

// WithStream returns the index-level key for this pair on the given stream.
func (k LookupKey) WithStream(stream string) LookupKey {
	return LookupKey{Attr: k.Attr, Value: k.Value + "_" + stream}
}

// TaskRef locates one sensor task across all workflow instances.
type TaskRef struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	TaskID     uuid.UUID `json:"task_id"`
}

// CorrelatableKeyTasks is the persisted correlation bucket record. Buckets
// larger than the configured bound chain into overflow records.
type CorrelatableKeyTasks struct {
	LookupKeys  []TaskRef `json:"lookup_keys"`
	OverflowKey string    `json:"overflow_key,omitempty"`
	Key         string    `json:"key"`
}

// Trigger is one entry in the trigger-time index.
type Trigger struct {
	TriggerTime int64     `json:"trigger_time"`
	WorkflowID  uuid.UUID `json:"workflow_id"`
	TaskID      uuid.UUID `json:"id"`
}

// VisitFunc receives one (workflow, task) pair resolved from the
// correlation index. Returning stop=true ends the iteration.
type VisitFunc func(wf *task.Workflow, t *task.Task) (stop bool, err error)

// Store is the durable collaborator contract the engine depends on.
type Store interface {
	// UpdateInstance upserts a workflow instance, keyed by its id.
	UpdateInstance(ctx context.Context, wf *task.Workflow) error

	// GetInstance reads a workflow instance; ErrNotFound when absent.
	GetInstance(ctx context.Context, id uuid.UUID) (*task.Workflow, error)

	// RemoveRootInstance deletes the instance with all descendants.
	RemoveRootInstance(ctx context.Context, wf *task.Workflow) error

	// StoreTriggerInstance registers or refreshes a trigger under
	// (t.TimeToExecute, wf.ID, t.ID).
	StoreTriggerInstance(ctx context.Context, t *task.Task, wf *task.Workflow) error

	// ProcessTriggerTaskComplete deletes the trigger for a completed
	// trigger task. Deleting an absent trigger is not an error.
	ProcessTriggerTaskComplete(ctx context.Context, t *task.Task, wf *task.Workflow) error

	// RemoveTrigger deletes one index entry directly, used by the
	// scheduler to drop orphaned triggers.
	RemoveTrigger(ctx context.Context, tr Trigger) error

	// DueTriggers yields every trigger with trigger_time <= now in
	// ascending time order.
	DueTriggers(ctx context.Context, now int64) ([]Trigger, error)

	// UpdateCorrelatableKeyForTask moves the sensor's index entry from
	// its previously registered value to newValue atomically and records
	// the new value in the workflow's sensor-correlation map.
	UpdateCorrelatableKeyForTask(ctx context.Context, sensor *task.Task, newValue string, wf *task.Workflow) error

	// RemoveTaskFromCorrelatableKeys removes the task's index entry, if
	// any. Non-sensor tasks are a no-op. Used in root cleanup.
	RemoveTaskFromCorrelatableKeys(ctx context.Context, t *task.Task, wf *task.Workflow) error

	// TasksByCorrelatableKey visits every (workflow, task) pair
	// registered under key, serially, including pairs whose task already
	// completed when includeCompleted is set.
	TasksByCorrelatableKey(ctx context.Context, key LookupKey, includeCompleted bool, visit VisitFunc) error

	// GetMonitoringTask returns the companion monitor of t, or nil.
	GetMonitoringTask(ctx context.Context, t *task.Task, wf *task.Workflow) (*task.Task, error)
}

// monitoringTaskFor scans the workflow for a monitor watching t. Monitors
// themselves have no monitors.
func monitoringTaskFor(wf *task.Workflow, t *task.Task) *task.Task {
	if t.Kind == task.KindMonitor {
		return nil
	}
	for _, cand := range wf.Tasks {
		if cand.Kind == task.KindMonitor && cand.MonitoredTaskID == t.ID {
			return cand
		}
	}
	return nil
}

// indexValue composes the stream-suffixed index value for a sensor's
// registered raw value.
func indexValue(sensor *task.Task, raw string) string {
	return raw + "_" + sensor.Stream
}
