package task

import (
	"fmt"

	"github.com/google/uuid"
)

// Builder assembles a workflow instance with valid parent, root_dag, and
// next_dags links. Processes (sub-DAGs) chain under the root in the order
// they are added; leaves chain inside their process in the order they are
// added.
type Builder struct {
	wf          *Workflow
	lastProcess *Task
}

// NewBuilder starts a workflow named name.
func NewBuilder(name string) *Builder {
	return &Builder{wf: NewWorkflow(name)}
}

// Param sets a runtime parameter on the workflow blackboard.
func (b *Builder) Param(key, value string) *Builder {
	b.wf.RuntimeParameters[key] = value
	return b
}

// Process appends a sub-DAG under the root, chained after any previously
// added process, and returns a Chain for populating its body.
func (b *Builder) Process(name string, opts ...Option) *Chain {
	p := NewSubDAG(name, opts...)
	p.ParentID = b.wf.ID
	b.wf.Add(p)
	if b.wf.RootDAG == uuid.Nil {
		b.wf.RootDAG = p.ID
	} else if b.lastProcess != nil {
		b.lastProcess.NextDAGs = append(b.lastProcess.NextDAGs, p.ID)
	}
	b.lastProcess = p
	return &Chain{b: b, proc: p}
}

// Build validates link invariants and returns the workflow: every
// parent_id and every next_dags / root_dag / parallel child id must
// resolve within the instance.
func (b *Builder) Build() (*Workflow, error) {
	for id, t := range b.wf.Tasks {
		if t.ParentID == uuid.Nil {
			return nil, fmt.Errorf("task %s (%s) has no parent", t.Name, id)
		}
		if b.wf.Get(t.ParentID) == nil {
			return nil, fmt.Errorf("task %s parent %s not in workflow", t.Name, t.ParentID)
		}
		if t.RootDAG != uuid.Nil && b.wf.Get(t.RootDAG) == nil {
			return nil, fmt.Errorf("task %s root dag %s not in workflow", t.Name, t.RootDAG)
		}
		for _, n := range t.NextDAGs {
			if b.wf.Get(n) == nil {
				return nil, fmt.Errorf("task %s successor %s not in workflow", t.Name, n)
			}
		}
		for _, c := range t.ParallelChildren {
			if b.wf.Get(c) == nil {
				return nil, fmt.Errorf("task %s parallel child %s not in workflow", t.Name, c)
			}
		}
	}
	return b.wf, nil
}

// Chain appends leaves to one process body.
type Chain struct {
	b    *Builder
	proc *Task
	last *Task
}

// Then appends t to the process body, chained after the previous leaf.
func (c *Chain) Then(t *Task) *Chain {
	t.ParentID = c.proc.ID
	c.b.wf.Add(t)
	if c.proc.RootDAG == uuid.Nil {
		c.proc.RootDAG = t.ID
	} else if c.last != nil {
		c.last.NextDAGs = append(c.last.NextDAGs, t.ID)
	}
	c.last = t
	return c
}

// ThenParallel appends a parallel composite with the given children. Each
// child becomes a child task of the composite; the composite itself chains
// into the process body like a leaf.
func (c *Chain) ThenParallel(p *Task, children ...*Task) *Chain {
	for _, child := range children {
		child.ParentID = p.ID
		c.b.wf.Add(child)
		p.ParallelChildren = append(p.ParallelChildren, child.ID)
	}
	return c.Then(p)
}

// ThenDecision appends a decision whose successors are the given branches.
// Branches join the process scope; their own successors may be chained by
// hand before building.
func (c *Chain) ThenDecision(d *Task, branches ...*Task) *Chain {
	for _, br := range branches {
		br.ParentID = c.proc.ID
		c.b.wf.Add(br)
		d.NextDAGs = append(d.NextDAGs, br.ID)
	}
	t := c.Then(d)
	// The decision's successors are its branches; further Then calls on
	// this chain would clobber the branch list, so end the chain here.
	t.last = nil
	return t
}

// Process starts the next process on the parent builder.
func (c *Chain) Process(name string, opts ...Option) *Chain {
	return c.b.Process(name, opts...)
}

// Done returns the parent builder.
func (c *Chain) Done() *Builder {
	return c.b
}
