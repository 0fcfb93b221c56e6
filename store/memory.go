package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jkgenser/dagger/task"
)

// Memory is an in-process Store used by tests and by non-durable
// single-process setups. Every read returns an independent copy, so
// callers observe the same marshal-on-write isolation as the KV store.
type Memory struct {
	mu           sync.Mutex
	instances    map[uuid.UUID]json.RawMessage
	correlations map[LookupKey][]TaskRef
	triggers     map[Trigger]struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		instances:    make(map[uuid.UUID]json.RawMessage),
		correlations: make(map[LookupKey][]TaskRef),
		triggers:     make(map[Trigger]struct{}),
	}
}

// UpdateInstance persists the workflow, bumping its update count.
func (m *Memory) UpdateInstance(_ context.Context, wf *task.Workflow) error {
	wf.UpdateCount++
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	m.mu.Lock()
	m.instances[wf.ID] = data
	m.mu.Unlock()
	return nil
}

// GetInstance returns a fresh copy of the workflow.
func (m *Memory) GetInstance(_ context.Context, id uuid.UUID) (*task.Workflow, error) {
	m.mu.Lock()
	data, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var wf task.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// RemoveRootInstance deletes the workflow record.
func (m *Memory) RemoveRootInstance(_ context.Context, wf *task.Workflow) error {
	m.mu.Lock()
	delete(m.instances, wf.ID)
	m.mu.Unlock()
	return nil
}

// StoreTriggerInstance registers the task's trigger time.
func (m *Memory) StoreTriggerInstance(_ context.Context, t *task.Task, wf *task.Workflow) error {
	m.mu.Lock()
	m.triggers[Trigger{TriggerTime: t.TimeToExecute, WorkflowID: wf.ID, TaskID: t.ID}] = struct{}{}
	m.mu.Unlock()
	return nil
}

// ProcessTriggerTaskComplete drops every trigger registered for the task.
func (m *Memory) ProcessTriggerTaskComplete(_ context.Context, t *task.Task, wf *task.Workflow) error {
	m.mu.Lock()
	for tr := range m.triggers {
		if tr.WorkflowID == wf.ID && tr.TaskID == t.ID {
			delete(m.triggers, tr)
		}
	}
	m.mu.Unlock()
	return nil
}

// RemoveTrigger drops one trigger index entry.
func (m *Memory) RemoveTrigger(_ context.Context, tr Trigger) error {
	m.mu.Lock()
	delete(m.triggers, tr)
	m.mu.Unlock()
	return nil
}

// DueTriggers returns all triggers at or before now, ascending by time.
func (m *Memory) DueTriggers(_ context.Context, now int64) ([]Trigger, error) {
	m.mu.Lock()
	var due []Trigger
	for tr := range m.triggers {
		if tr.TriggerTime <= now {
			due = append(due, tr)
		}
	}
	m.mu.Unlock()
	sort.Slice(due, func(i, j int) bool {
		if due[i].TriggerTime != due[j].TriggerTime {
			return due[i].TriggerTime < due[j].TriggerTime
		}
		if due[i].WorkflowID != due[j].WorkflowID {
			return due[i].WorkflowID.String() < due[j].WorkflowID.String()
		}
		return due[i].TaskID.String() < due[j].TaskID.String()
	})
	return due, nil
}

// UpdateCorrelatableKeyForTask moves the sensor's index entry to newValue
// and records the value in the workflow's correlation map. The workflow
// record itself is not persisted here; callers follow with UpdateInstance.
func (m *Memory) UpdateCorrelatableKeyForTask(_ context.Context, sensor *task.Task, newValue string, wf *task.Workflow) error {
	ref := TaskRef{WorkflowID: wf.ID, TaskID: sensor.ID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := wf.SensorCorrelations[sensor.ID]; ok && prev.Value != "" {
		old := LookupKey{Attr: prev.Attr, Value: indexValue(sensor, prev.Value)}
		m.correlations[old] = removeRef(m.correlations[old], ref)
		if len(m.correlations[old]) == 0 {
			delete(m.correlations, old)
		}
	}
	key := LookupKey{Attr: sensor.CorrelatableKey, Value: indexValue(sensor, newValue)}
	m.correlations[key] = append(m.correlations[key], ref)
	wf.SensorCorrelations[sensor.ID] = &task.Correlation{Attr: sensor.CorrelatableKey, Value: newValue}
	return nil
}

// RemoveTaskFromCorrelatableKeys drops the task's index entry, if it has one.
func (m *Memory) RemoveTaskFromCorrelatableKeys(_ context.Context, t *task.Task, wf *task.Workflow) error {
	corr, ok := wf.SensorCorrelations[t.ID]
	if !ok || corr.Value == "" {
		return nil
	}
	ref := TaskRef{WorkflowID: wf.ID, TaskID: t.ID}
	key := LookupKey{Attr: corr.Attr, Value: indexValue(t, corr.Value)}
	m.mu.Lock()
	m.correlations[key] = removeRef(m.correlations[key], ref)
	if len(m.correlations[key]) == 0 {
		delete(m.correlations, key)
	}
	m.mu.Unlock()
	return nil
}

// TasksByCorrelatableKey visits every registered (workflow, task) pair for
// the key. The ref list is snapshotted first so the visitor may call back
// into the store.
func (m *Memory) TasksByCorrelatableKey(ctx context.Context, key LookupKey, includeCompleted bool, visit VisitFunc) error {
	m.mu.Lock()
	refs := make([]TaskRef, len(m.correlations[key]))
	copy(refs, m.correlations[key])
	m.mu.Unlock()

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		wf, err := m.GetInstance(ctx, ref.WorkflowID)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return err
		}
		t := wf.Get(ref.TaskID)
		if t == nil {
			continue
		}
		if !includeCompleted && t.Status.Terminal() {
			continue
		}
		stop, err := visit(wf, t)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// GetMonitoringTask returns the monitor watching t, or nil.
func (m *Memory) GetMonitoringTask(_ context.Context, t *task.Task, wf *task.Workflow) (*task.Task, error) {
	return monitoringTaskFor(wf, t), nil
}

func removeRef(refs []TaskRef, ref TaskRef) []TaskRef {
	out := refs[:0]
	for _, r := range refs {
		if r != ref {
			out = append(out, r)
		}
	}
	return out
}
