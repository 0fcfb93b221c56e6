package task

import (
	"github.com/google/uuid"
)

// Correlation records the attribute a sensor watches and the last value the
// correlation index was registered under. When the runtime blackboard's
// value for Attr diverges from Value, the index entry must be moved.
type Correlation struct {
	Attr  string `json:"correlatable_key_attr"`
	Value string `json:"correlatable_key_attr_value"`
}

// Workflow is a root task that owns the task graph, the shared runtime
// parameter blackboard, and the sensor correlation map. It is the unit of
// persistence and of serialization: all operations for one workflow run
// serially.
type Workflow struct {
	Task

	// Tasks maps task id to task, inclusive of the root via Get.
	Tasks map[uuid.UUID]*Task `json:"tasks"`

	// RuntimeParameters is the blackboard shared by all tasks.
	RuntimeParameters map[string]string `json:"runtime_parameters"`

	// SensorCorrelations maps sensor task id to its registered
	// (attribute, last-seen value) pair.
	SensorCorrelations map[uuid.UUID]*Correlation `json:"sensor_tasks_to_correlatable_map"`

	// UpdateCount is bumped on every persisted mutation.
	UpdateCount uint64 `json:"update_count"`
}

// NewWorkflow creates an empty workflow instance rooted at a ROOT task.
func NewWorkflow(name string) *Workflow {
	root := New(name, KindRoot)
	return &Workflow{
		Task:               *root,
		Tasks:              make(map[uuid.UUID]*Task),
		RuntimeParameters:  make(map[string]string),
		SensorCorrelations: make(map[uuid.UUID]*Correlation),
	}
}

// Add registers a task in the workflow's task map.
func (w *Workflow) Add(t *Task) {
	w.Tasks[t.ID] = t
}

// Get resolves a task id within this workflow. The root resolves to the
// workflow's own embedded task record. Returns nil when absent.
func (w *Workflow) Get(id uuid.UUID) *Task {
	if id == w.ID {
		return &w.Task
	}
	return w.Tasks[id]
}

// AllTerminal reports whether every task, including the root, is terminal.
func (w *Workflow) AllTerminal() bool {
	if !w.Status.Terminal() {
		return false
	}
	for _, t := range w.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Sensors returns every sensor task in the workflow.
func (w *Workflow) Sensors() []*Task {
	var out []*Task
	for _, t := range w.Tasks {
		if t.Kind == KindSensor {
			out = append(out, t)
		}
	}
	return out
}

// RemainingTasks walks the DAG from startID along next_dags, descending
// into sub-DAGs via root_dag before the sub-DAG node itself, and stops
// after endID has been appended. The returned prefix therefore ends with
// the end task; callers that only want its predecessors slice off the last
// element.
func (w *Workflow) RemainingTasks(startID, endID uuid.UUID) []*Task {
	return w.remaining(startID, nil, endID)
}

func (w *Workflow) remaining(id uuid.UUID, acc []*Task, endID uuid.UUID) []*Task {
	t := w.Get(id)
	if t == nil {
		return acc
	}
	if t.RootDAG != uuid.Nil {
		acc = w.remaining(t.RootDAG, acc, endID)
	}
	if t.ID == endID {
		return append(acc, t)
	}
	if len(acc) > 0 && acc[len(acc)-1].ID == endID {
		return acc
	}
	acc = append(acc, t)
	for _, n := range t.NextDAGs {
		acc = w.remaining(n, acc, endID)
	}
	return acc
}
