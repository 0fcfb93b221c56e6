// Package engine drives workflow instances through their lifecycle: it
// starts tasks, cascades completions through the DAG, delivers correlated
// stream events to sensor tasks, and fires time triggers. All state lives
// in the store; the engine itself holds no workflow data, so any number of
// operations can interleave as long as each workflow is processed serially.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/google/uuid"

	"github.com/jkgenser/dagger/store"
	"github.com/jkgenser/dagger/task"
)

// ErrUnsupportedOp marks an operation invoked on a task kind that does not
// implement it. This is a programmer error, returned rather than panicked.
var ErrUnsupportedOp = errors.New("operation not supported for task kind")

// Publisher publishes command task payloads to an outbound stream subject.
// natsclient.Client satisfies this.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Engine executes workflow instances against a store.
type Engine struct {
	store     store.Store
	registry  *Registry
	publisher Publisher
	logger    *slog.Logger

	deleteOnComplete bool
	now              func() int64

	locks sync.Map // workflow id -> *sync.Mutex

	submitted       atomic.Uint64
	eventsDelivered atomic.Uint64
	triggersFired   atomic.Uint64
	completedRoots  atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPublisher sets the publisher used by command tasks.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithDeleteOnComplete removes workflow records once every task is terminal.
func WithDeleteOnComplete(delete bool) Option {
	return func(e *Engine) { e.deleteOnComplete = delete }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine backed by the given store.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		registry: NewRegistry(),
		logger:   slog.Default(),
		now:      func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's handler registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Submitted       uint64
	EventsDelivered uint64
	TriggersFired   uint64
	CompletedRoots  uint64
}

// Stats returns the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Submitted:       e.submitted.Load(),
		EventsDelivered: e.eventsDelivered.Load(),
		TriggersFired:   e.triggersFired.Load(),
		CompletedRoots:  e.completedRoots.Load(),
	}
}

// lockFor returns the serialization lock for a workflow.
func (e *Engine) lockFor(id uuid.UUID) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Submit persists a new workflow instance, registers its sensors in the
// correlation index, and starts the root.
func (e *Engine) Submit(ctx context.Context, wf *task.Workflow) error {
	mu := e.lockFor(wf.ID)
	mu.Lock()
	defer mu.Unlock()

	wf.Status = task.StatusSubmitted
	wf.TimeSubmitted = e.now()
	for _, sensor := range wf.Sensors() {
		value := wf.RuntimeParameters[sensor.CorrelatableKey]
		if err := e.store.UpdateCorrelatableKeyForTask(ctx, sensor, value, wf); err != nil {
			return fmt.Errorf("register sensor %s: %w", sensor.ID, err)
		}
	}
	for _, t := range wf.Tasks {
		if (t.Kind == task.KindTrigger || t.Kind == task.KindInterval) && t.TimeToExecute != 0 {
			if err := e.store.StoreTriggerInstance(ctx, t, wf); err != nil {
				return fmt.Errorf("register trigger %s: %w", t.ID, err)
			}
		}
	}
	if err := e.store.UpdateInstance(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	e.submitted.Add(1)
	e.logger.Info("workflow submitted", "workflow_id", wf.ID, "name", wf.Name)
	return e.start(ctx, wf, &wf.Task)
}

// Instance returns the current state of a workflow.
func (e *Engine) Instance(ctx context.Context, id uuid.UUID) (*task.Workflow, error) {
	return e.store.GetInstance(ctx, id)
}

// StopWorkflow force-terminates every live task in the workflow and runs
// root cleanup.
func (e *Engine) StopWorkflow(ctx context.Context, id uuid.UUID) error {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	wf, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	now := e.now()
	for _, t := range wf.Tasks {
		if !t.Status.Terminal() {
			t.Status = task.StatusStopped
			t.TimeCompleted = now
		}
	}
	if !wf.Status.Terminal() {
		wf.Status = task.StatusStopped
		wf.TimeCompleted = now
	}
	if err := e.store.UpdateInstance(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	e.logger.Info("workflow stopped", "workflow_id", wf.ID)
	return e.rootCleanup(ctx, wf)
}

// publishCommand sends the workflow's runtime parameters to the command
// task's bound subject, wrapped in a message envelope.
func (e *Engine) publishCommand(ctx context.Context, wf *task.Workflow, t *task.Task) error {
	if e.publisher == nil {
		return fmt.Errorf("command task %s: no publisher configured", t.ID)
	}
	event := CommandEvent{
		WorkflowID:        wf.ID,
		TaskID:            t.ID,
		TaskName:          t.Name,
		RuntimeParameters: wf.RuntimeParameters,
	}
	baseMsg := message.NewBaseMessage(CommandEventType, &event, "dagger-engine")
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal command event: %w", err)
	}
	if err := e.publisher.PublishToStream(ctx, t.Stream, data); err != nil {
		return fmt.Errorf("publish to %s: %w", t.Stream, err)
	}
	return nil
}
