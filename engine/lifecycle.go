package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/jkgenser/dagger/task"
)

// start advances one task according to its kind. Callers hold the
// workflow's serialization lock.
func (e *Engine) start(ctx context.Context, wf *task.Workflow, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch t.Kind {
	case task.KindExecutor, task.KindCommand:
		return e.startExecutor(ctx, wf, t, false)
	case task.KindSensor:
		return e.startSensor(ctx, wf, t)
	case task.KindDecision:
		return e.startDecision(ctx, wf, t)
	case task.KindTrigger, task.KindMonitor:
		return e.startTrigger(ctx, wf, t)
	case task.KindInterval:
		return e.startInterval(ctx, wf, t)
	case task.KindSubDAG, task.KindRoot:
		return e.startNonLeaf(ctx, wf, t)
	case task.KindParallel:
		return e.startParallel(ctx, wf, t)
	default:
		return fmt.Errorf("task %s kind %q: %w", t.ID, t.Kind, ErrUnsupportedOp)
	}
}

// startExecutor runs the task body once, then cascades. A re-start of an
// already completed or skipped task replays its completion so the DAG
// advances past it.
func (e *Engine) startExecutor(ctx context.Context, wf *task.Workflow, t *task.Task, ignoreStatus bool) error {
	if t.Status == task.StatusCompleted || t.Status == task.StatusSkipped {
		return e.onComplete(ctx, wf, t, t.Status, true)
	}
	if ignoreStatus || t.Status.Startable() {
		t.Status = task.StatusExecuting
		t.TimeSubmitted = e.now()
		e.runBody(ctx, wf, t)
		if err := e.store.UpdateInstance(ctx, wf); err != nil {
			return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
		}
	}
	if t.Status == task.StatusFailure {
		return e.onComplete(ctx, wf, t, task.StatusFailure, true)
	}
	return e.onComplete(ctx, wf, t, task.StatusCompleted, true)
}

// runBody executes the kind-specific work of an executor-family task,
// marking the task failed on error.
func (e *Engine) runBody(ctx context.Context, wf *task.Workflow, t *task.Task) {
	var err error
	switch t.Kind {
	case task.KindCommand:
		err = e.publishCommand(ctx, wf, t)
	case task.KindMonitor:
		err = e.executeMonitor(ctx, wf, t)
	default:
		err = e.registry.executeFor(t.Handler)(ctx, wf.RuntimeParameters)
	}
	if err != nil {
		e.logger.Error("task execution failed", "workflow_id", wf.ID, "task_id", t.ID, "error", err)
		t.Status = task.StatusFailure
		t.Message = err.Error()
	}
}

// startSensor parks the task in EXECUTING; completion comes later from a
// correlated event.
func (e *Engine) startSensor(ctx context.Context, wf *task.Workflow, t *task.Task) error {
	if t.Status == task.StatusCompleted || t.Status == task.StatusSkipped {
		return e.onComplete(ctx, wf, t, t.Status, true)
	}
	if t.Status.Startable() {
		t.Status = task.StatusExecuting
		t.TimeSubmitted = e.now()
		if err := e.store.UpdateInstance(ctx, wf); err != nil {
			return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
		}
	}
	return nil
}

// startDecision evaluates the branch predicate, marks every other branch
// SKIPPED, and completes.
func (e *Engine) startDecision(ctx context.Context, wf *task.Workflow, t *task.Task) error {
	if t.Status == task.StatusCompleted || t.Status == task.StatusSkipped {
		return e.onComplete(ctx, wf, t, t.Status, true)
	}
	if t.Status.Startable() {
		t.Status = task.StatusExecuting
		t.TimeSubmitted = e.now()
		chosen, err := e.registry.evaluateFor(t.Handler)(ctx, wf.RuntimeParameters, t.NextDAGs)
		if err != nil {
			return fmt.Errorf("decision %s evaluate: %w", t.ID, err)
		}
		now := e.now()
		for _, nid := range t.NextDAGs {
			if nid == chosen {
				continue
			}
			branch := wf.Get(nid)
			if branch == nil {
				e.logger.Warn("decision branch not found", "workflow_id", wf.ID, "task_id", nid)
				continue
			}
			branch.Status = task.StatusSkipped
			branch.TimeCompleted = now
		}
	}
	if err := e.store.UpdateInstance(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	return e.onComplete(ctx, wf, t, task.StatusCompleted, true)
}

// startTrigger gates on wall-clock time. Before the trigger time the task
// just parks in EXECUTING; the scheduler restarts it when due.
func (e *Engine) startTrigger(ctx context.Context, wf *task.Workflow, t *task.Task) error {
	if t.Status == task.StatusNotStarted {
		t.Status = task.StatusExecuting
		t.TimeSubmitted = e.now()
	}
	if t.TimeToExecute == 0 || e.now() >= t.TimeToExecute {
		e.logger.Info("trigger fired", "workflow_id", wf.ID, "task_id", t.ID, "trigger_time", t.TimeToExecute)
		return e.startExecutor(ctx, wf, t, true)
	}
	e.logger.Warn("trigger not yet due", "workflow_id", wf.ID, "task_id", t.ID, "trigger_time", t.TimeToExecute)
	return e.store.UpdateInstance(ctx, wf)
}

// startInterval runs one iteration, re-arming the trigger index until the
// interval function reports done or the force-complete deadline passes.
func (e *Engine) startInterval(ctx context.Context, wf *task.Workflow, t *task.Task) error {
	if t.Status == task.StatusNotStarted {
		t.Status = task.StatusExecuting
		t.TimeSubmitted = e.now()
		if err := e.store.UpdateInstance(ctx, wf); err != nil {
			return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
		}
	}
	if t.TimeToExecute != 0 && e.now() < t.TimeToExecute {
		return nil
	}
	finished, err := e.registry.intervalFor(t.Handler)(ctx, wf.RuntimeParameters)
	if err != nil {
		return fmt.Errorf("interval %s execute: %w", t.ID, err)
	}
	if !finished && t.IntervalExecutePeriod != 0 {
		t.TimeToExecute = e.now() + t.IntervalExecutePeriod
		if err := e.store.UpdateInstance(ctx, wf); err != nil {
			return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
		}
		if err := e.store.StoreTriggerInstance(ctx, t, wf); err != nil {
			return fmt.Errorf("re-arm interval %s: %w", t.ID, err)
		}
	}
	if finished || (t.TimeToForceComplete != 0 && e.now() >= t.TimeToForceComplete) {
		return e.startExecutor(ctx, wf, t, false)
	}
	return nil
}

// executeMonitor inspects the monitored task when the monitor fires. A
// monitored task still executing means the workflow stalled: the prefix up
// to it is skipped without cascading, then the task itself is skipped with
// a full cascade so the DAG resumes past it.
func (e *Engine) executeMonitor(ctx context.Context, wf *task.Workflow, m *task.Task) error {
	monitored := wf.Get(m.MonitoredTaskID)
	if monitored == nil {
		return nil
	}
	switch monitored.Status {
	case task.StatusCompleted, task.StatusSkipped, task.StatusFailure:
		return nil
	}
	if monitored.Status != task.StatusExecuting {
		return nil
	}
	e.logger.Info("monitored task timed out, skipping",
		"workflow_id", wf.ID, "task_id", monitored.ID, "name", monitored.Name)

	prefix := wf.RemainingTasks(wf.ID, monitored.ID)
	for i, tk := range prefix {
		if i == len(prefix)-1 {
			break
		}
		if tk.Status == task.StatusNotStarted || tk.Status == task.StatusExecuting {
			if err := e.onComplete(ctx, wf, tk, task.StatusSkipped, false); err != nil {
				return err
			}
		}
	}
	return e.onComplete(ctx, wf, monitored, task.StatusSkipped, true)
}

// startNonLeaf begins a sub-DAG or root: mark executing, arm any monitors,
// then start the first child.
func (e *Engine) startNonLeaf(ctx context.Context, wf *task.Workflow, t *task.Task) error {
	if t.Status == task.StatusCompleted || t.Status == task.StatusSkipped {
		return e.onComplete(ctx, wf, t, t.Status, true)
	}
	if t.Status.Startable() {
		t.Status = task.StatusExecuting
		t.TimeSubmitted = e.now()
		if t.Kind == task.KindSubDAG {
			if err := e.armMonitors(ctx, wf, t); err != nil {
				return err
			}
		}
		if err := e.store.UpdateInstance(ctx, wf); err != nil {
			return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
		}
	}
	first := wf.Get(t.RootDAG)
	if first == nil {
		e.logger.Error("first child not found, unable to start",
			"workflow_id", wf.ID, "task_id", t.ID, "root_dag", t.RootDAG)
		return nil
	}
	return e.start(ctx, wf, first)
}

// armMonitors spawns the sub-DAG's companion monitors: one for a bounded
// run duration, one for the workflow-level complete_by_time deadline.
func (e *Engine) armMonitors(ctx context.Context, wf *task.Workflow, t *task.Task) error {
	if t.MaxRunDuration != 0 {
		m := task.NewSkipMonitor(t.ID, e.now()+t.MaxRunDuration)
		m.Status = task.StatusExecuting
		wf.Add(m)
		t.MonitorTaskID = m.ID
		if err := e.store.StoreTriggerInstance(ctx, m, wf); err != nil {
			return fmt.Errorf("arm max-run monitor for %s: %w", t.ID, err)
		}
	}
	if t.Monitored {
		deadline := wf.RuntimeParameters[task.CompleteByKey]
		if deadline == "" {
			e.logger.Info("monitored sub-dag has no deadline parameter", "workflow_id", wf.ID, "task_id", t.ID)
			return nil
		}
		at, err := strconv.ParseInt(deadline, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %s for %s: %w", task.CompleteByKey, t.ID, err)
		}
		m := task.NewSkipMonitor(t.ID, at)
		m.Status = task.StatusExecuting
		wf.Add(m)
		t.MonitorTaskID = m.ID
		if err := e.store.StoreTriggerInstance(ctx, m, wf); err != nil {
			return fmt.Errorf("arm deadline monitor for %s: %w", t.ID, err)
		}
	}
	return nil
}

// startParallel starts every child of the composite; the join happens in
// notify as children reach terminal states.
func (e *Engine) startParallel(ctx context.Context, wf *task.Workflow, t *task.Task) error {
	if t.Status.Terminal() {
		return e.onComplete(ctx, wf, t, t.Status, true)
	}
	if t.Status.Startable() {
		t.Status = task.StatusExecuting
		t.TimeSubmitted = e.now()
		if err := e.store.UpdateInstance(ctx, wf); err != nil {
			return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
		}
	}
	for _, cid := range t.ParallelChildren {
		child := wf.Get(cid)
		if child == nil {
			e.logger.Error("parallel child not found, unable to start", "workflow_id", wf.ID, "task_id", cid)
			continue
		}
		if err := e.start(ctx, wf, child); err != nil {
			return err
		}
	}
	return nil
}

// onComplete records the task's terminal status and cascades: advance the
// first live successor, or notify the parent, or run root cleanup. With
// iterate false only the status is recorded.
func (e *Engine) onComplete(ctx context.Context, wf *task.Workflow, t *task.Task, status task.Status, iterate bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch t.Kind {
	case task.KindTrigger, task.KindInterval, task.KindMonitor:
		if err := e.store.ProcessTriggerTaskComplete(ctx, t, wf); err != nil {
			return fmt.Errorf("clear trigger for %s: %w", t.ID, err)
		}
	case task.KindSubDAG, task.KindRoot:
		if err := e.completeMonitorsOf(ctx, wf, t, iterate); err != nil {
			return err
		}
	}

	if t.Status != status {
		t.Status = status
		if t.TimeCompleted == 0 {
			// An application-set completion time is honored.
			t.TimeCompleted = e.now()
		}
		if err := e.store.UpdateInstance(ctx, wf); err != nil {
			return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
		}
	}
	if !iterate {
		return nil
	}

	advanced := false
	for _, nid := range t.NextDAGs {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := wf.Get(nid)
		if next == nil {
			e.logger.Error("successor not found, skipping", "workflow_id", wf.ID, "task_id", nid)
			continue
		}
		advanced = true
		if next.Status == task.StatusSkipped {
			e.logger.Info("skipping skipped successor", "workflow_id", wf.ID, "task_id", nid)
			continue
		}
		return e.start(ctx, wf, next)
	}

	if !advanced && t.ParentID != uuid.Nil {
		parent := wf.Get(t.ParentID)
		if parent == nil {
			e.logger.Error("parent not found, unable to notify", "workflow_id", wf.ID, "task_id", t.ParentID)
			return nil
		}
		parent.TimeCompleted = t.TimeCompleted
		return e.notify(ctx, wf, parent, status)
	}
	if t.Type == task.TypeRoot {
		return e.rootCleanup(ctx, wf)
	}
	return nil
}

// completeMonitorsOf closes out every monitor watching t, so a finished
// sub-DAG doesn't get skipped by a stale timer later.
func (e *Engine) completeMonitorsOf(ctx context.Context, wf *task.Workflow, t *task.Task, iterate bool) error {
	for _, m := range wf.Tasks {
		if m.Kind != task.KindMonitor || m.MonitoredTaskID != t.ID {
			continue
		}
		if m.Status.Terminal() {
			continue
		}
		if err := e.onComplete(ctx, wf, m, task.StatusCompleted, iterate); err != nil {
			return err
		}
	}
	return nil
}

// notify tells a parent that one of its children reached a terminal state.
// A parent already in a terminal state is left untouched.
func (e *Engine) notify(ctx context.Context, wf *task.Workflow, parent *task.Task, status task.Status) error {
	if parent.Status.Terminal() {
		return nil
	}
	if parent.Kind != task.KindParallel {
		if parent.Status != status {
			return e.onComplete(ctx, wf, parent, status, true)
		}
		return nil
	}

	atLeastOne := false
	allTerminal := true
	for _, cid := range parent.ParallelChildren {
		child := wf.Get(cid)
		if child == nil {
			e.logger.Error("parallel child not found, unable to join", "workflow_id", wf.ID, "task_id", cid)
			continue
		}
		if child.Status.Terminal() {
			atLeastOne = true
			if parent.Operator == task.OperatorAtLeastOne {
				break
			}
		} else {
			allTerminal = false
			if parent.Operator == task.OperatorJoinAll {
				break
			}
		}
	}
	if (parent.Operator == task.OperatorJoinAll && allTerminal) ||
		(parent.Operator == task.OperatorAtLeastOne && atLeastOne) {
		return e.onComplete(ctx, wf, parent, status, true)
	}
	return nil
}

// rootCleanup runs once the root completes: correlation entries are
// removed, stray monitors are closed out, and the record is deleted when
// delete-on-complete is enabled.
func (e *Engine) rootCleanup(ctx context.Context, wf *task.Workflow) error {
	nonTerminal := false
	for _, tk := range wf.Tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !tk.Status.Terminal() {
			nonTerminal = true
		}
		if err := e.store.RemoveTaskFromCorrelatableKeys(ctx, tk, wf); err != nil {
			return fmt.Errorf("remove correlation for %s: %w", tk.ID, err)
		}
		m, err := e.store.GetMonitoringTask(ctx, tk, wf)
		if err != nil {
			return fmt.Errorf("get monitor for %s: %w", tk.ID, err)
		}
		if m != nil && !m.Status.Terminal() {
			if err := e.onComplete(ctx, wf, m, task.StatusCompleted, true); err != nil {
				return err
			}
		}
	}
	e.completedRoots.Add(1)
	if e.deleteOnComplete {
		if err := e.store.RemoveRootInstance(ctx, wf); err != nil {
			return fmt.Errorf("remove workflow %s: %w", wf.ID, err)
		}
		// The record is gone; late arrivals resolve ErrNotFound under a
		// fresh mutex, so the serialization entry can go too.
		e.locks.Delete(wf.ID)
		e.logger.Info("removed completed workflow", "workflow_id", wf.ID)
	}
	if nonTerminal {
		e.logger.Warn("root completed with live sub-dags", "workflow_id", wf.ID)
	}
	return nil
}
