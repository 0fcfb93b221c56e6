package engine

import (
	"context"
	"fmt"

	"github.com/jkgenser/dagger/store"
)

// Tick fires every trigger due at now, in ascending trigger-time order.
// Orphaned entries, whose workflow or task no longer needs them, are
// dropped from the index.
func (e *Engine) Tick(ctx context.Context, now int64) error {
	due, err := e.store.DueTriggers(ctx, now)
	if err != nil {
		return fmt.Errorf("list due triggers: %w", err)
	}
	for _, tr := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.fireTrigger(ctx, tr); err != nil {
			e.logger.Error("trigger firing failed",
				"workflow_id", tr.WorkflowID, "task_id", tr.TaskID, "error", err)
		}
	}
	return nil
}

func (e *Engine) fireTrigger(ctx context.Context, tr store.Trigger) error {
	mu := e.lockFor(tr.WorkflowID)
	mu.Lock()
	defer mu.Unlock()

	wf, err := e.store.GetInstance(ctx, tr.WorkflowID)
	if err == store.ErrNotFound {
		return e.store.RemoveTrigger(ctx, tr)
	}
	if err != nil {
		return err
	}
	t := wf.Get(tr.TaskID)
	if t == nil || t.Status.Terminal() {
		return e.store.RemoveTrigger(ctx, tr)
	}

	e.triggersFired.Add(1)
	startErr := e.start(ctx, wf, t)
	// An interval re-arm stored a fresh entry at its next time; this
	// entry is spent either way.
	if err := e.store.RemoveTrigger(ctx, tr); err != nil {
		return err
	}
	return startErr
}
