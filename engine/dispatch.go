package engine

import (
	"context"
	"fmt"

	"github.com/jkgenser/dagger/store"
	"github.com/jkgenser/dagger/task"
)

// ProcessEvent routes one inbound stream event to every sensor task
// registered under the payload's correlation keys. Each matched workflow
// is handled under its serialization lock with a fresh read, so stale
// index entries resolve against current state.
func (e *Engine) ProcessEvent(ctx context.Context, stream string, payload []byte) error {
	keysFn := e.registry.keysFor(stream)
	if keysFn == nil {
		e.logger.Warn("no key extractor for stream", "stream", stream)
		return nil
	}
	keys, err := keysFn(payload)
	if err != nil {
		return fmt.Errorf("extract keys from %s event: %w", stream, err)
	}

	matched := false
	for _, key := range keys {
		if key.Attr == "" || key.Value == "" {
			e.logger.Warn("event produced an incomplete lookup key", "stream", stream, "attr", key.Attr)
			continue
		}
		indexKey := key.WithStream(stream)
		err := e.store.TasksByCorrelatableKey(ctx, indexKey, true, func(stale *task.Workflow, target *task.Task) (bool, error) {
			mu := e.lockFor(stale.ID)
			mu.Lock()
			defer mu.Unlock()

			wf, err := e.store.GetInstance(ctx, stale.ID)
			if err == store.ErrNotFound {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			t := wf.Get(target.ID)
			if t == nil {
				return false, nil
			}
			processed, err := e.deliver(ctx, wf, t, stream, payload)
			if err != nil {
				e.logger.Error("event delivery failed",
					"workflow_id", wf.ID, "task_id", t.ID, "stream", stream, "error", err)
				return false, nil
			}
			if processed {
				matched = true
				e.eventsDelivered.Add(1)
				if t.MatchOnlyOne {
					e.logger.Info("matched exactly one sensor", "stream", stream)
					return true, nil
				}
			}
			return false, nil
		})
		if err != nil {
			return fmt.Errorf("lookup %s on %s: %w", key.Attr, stream, err)
		}
	}
	if !matched {
		e.logger.Debug("event matched no sensors", "stream", stream)
	}
	return nil
}

// deliver applies the delivery policy for one sensor task. It reports
// whether the event was consumed.
func (e *Engine) deliver(ctx context.Context, wf *task.Workflow, t *task.Task, stream string, payload []byte) (bool, error) {
	if t.Stream == "" || t.Stream != stream {
		return false, nil
	}

	processed := false
	if t.Status == task.StatusNotStarted && t.AllowSkipTo {
		// The event arrived ahead of the DAG: jump the sensor to
		// EXECUTING and skip everything still pending before it.
		e.logger.Debug("skipping ahead to sensor", "workflow_id", wf.ID, "task_id", t.ID)
		prefix := wf.RemainingTasks(wf.RootDAG, t.ID)
		t.Status = task.StatusExecuting
		t.TimeSubmitted = e.now()
		processed = true
		for i, tk := range prefix {
			if i == len(prefix)-1 {
				break
			}
			if tk.Status == task.StatusNotStarted || tk.Status == task.StatusExecuting {
				if err := e.onComplete(ctx, wf, tk, task.StatusSkipped, false); err != nil {
					return processed, err
				}
			}
		}
	}

	if t.Status == task.StatusCompleted {
		if t.ReprocessOnMessage {
			if _, err := e.registry.onMessageFor(t.Handler)(ctx, wf.RuntimeParameters, payload); err != nil {
				return false, err
			}
			if err := e.updateGlobalRuntimeParameters(ctx, wf); err != nil {
				return false, err
			}
			if err := e.store.UpdateInstance(ctx, wf); err != nil {
				return false, err
			}
			return true, nil
		}
		// Restart a completed sensor: replays its completion cascade.
		return true, e.start(ctx, wf, t)
	}

	if t.Status != task.StatusExecuting && !(t.Status == task.StatusSkipped && t.AllowSkipTo) {
		e.logger.Info("dropping event for inactive sensor",
			"workflow_id", wf.ID, "task_id", t.ID, "status", t.Status)
		return processed, nil
	}

	completed, err := e.registry.onMessageFor(t.Handler)(ctx, wf.RuntimeParameters, payload)
	if err != nil {
		return processed, err
	}
	if err := e.updateGlobalRuntimeParameters(ctx, wf); err != nil {
		return processed, err
	}
	if completed {
		return true, e.onComplete(ctx, wf, t, task.StatusCompleted, true)
	}
	return true, e.store.UpdateInstance(ctx, wf)
}

// updateGlobalRuntimeParameters re-registers every live sensor whose
// watched runtime parameter changed since its index entry was written.
func (e *Engine) updateGlobalRuntimeParameters(ctx context.Context, wf *task.Workflow) error {
	for sensorID, corr := range wf.SensorCorrelations {
		sensor := wf.Get(sensorID)
		if sensor == nil {
			continue
		}
		if sensor.Status != task.StatusNotStarted && sensor.Status != task.StatusExecuting {
			continue
		}
		current := wf.RuntimeParameters[corr.Attr]
		if current == corr.Value {
			continue
		}
		if err := e.store.UpdateCorrelatableKeyForTask(ctx, sensor, current, wf); err != nil {
			return fmt.Errorf("move correlation for %s: %w", sensorID, err)
		}
	}
	return nil
}
