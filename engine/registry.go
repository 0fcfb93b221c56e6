package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jkgenser/dagger/store"
)

// ExecuteFunc runs an executor task's business logic against the workflow's
// runtime parameters. A returned error fails the task.
type ExecuteFunc func(ctx context.Context, params map[string]string) error

// EvaluateFunc picks the successor a decision task advances. Returning
// uuid.Nil skips every branch.
type EvaluateFunc func(ctx context.Context, params map[string]string, successors []uuid.UUID) (uuid.UUID, error)

// MessageFunc handles a correlated event delivered to a sensor task. It may
// mutate params; returning true completes the sensor.
type MessageFunc func(ctx context.Context, params map[string]string, payload []byte) (bool, error)

// IntervalFunc runs one iteration of an interval task. Returning true
// finishes the task.
type IntervalFunc func(ctx context.Context, params map[string]string) (bool, error)

// KeysFunc extracts correlation lookup keys from an inbound event payload.
type KeysFunc func(payload []byte) ([]store.LookupKey, error)

// Registry maps handler names to task behavior and stream names to key
// extractors. Unregistered handlers fall back to defaults so a workflow
// built purely from structural tasks still runs.
type Registry struct {
	mu        sync.RWMutex
	execute   map[string]ExecuteFunc
	evaluate  map[string]EvaluateFunc
	onMessage map[string]MessageFunc
	interval  map[string]IntervalFunc
	keys      map[string]KeysFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		execute:   make(map[string]ExecuteFunc),
		evaluate:  make(map[string]EvaluateFunc),
		onMessage: make(map[string]MessageFunc),
		interval:  make(map[string]IntervalFunc),
		keys:      make(map[string]KeysFunc),
	}
}

// RegisterExecute binds an executor handler name to its implementation.
func (r *Registry) RegisterExecute(name string, fn ExecuteFunc) {
	r.mu.Lock()
	r.execute[name] = fn
	r.mu.Unlock()
}

// RegisterEvaluate binds a decision handler name to its implementation.
func (r *Registry) RegisterEvaluate(name string, fn EvaluateFunc) {
	r.mu.Lock()
	r.evaluate[name] = fn
	r.mu.Unlock()
}

// RegisterOnMessage binds a sensor handler name to its implementation.
func (r *Registry) RegisterOnMessage(name string, fn MessageFunc) {
	r.mu.Lock()
	r.onMessage[name] = fn
	r.mu.Unlock()
}

// RegisterInterval binds an interval handler name to its implementation.
func (r *Registry) RegisterInterval(name string, fn IntervalFunc) {
	r.mu.Lock()
	r.interval[name] = fn
	r.mu.Unlock()
}

// RegisterKeys binds a stream name to its correlation key extractor.
func (r *Registry) RegisterKeys(stream string, fn KeysFunc) {
	r.mu.Lock()
	r.keys[stream] = fn
	r.mu.Unlock()
}

// executeFor resolves an executor handler; missing handlers are a no-op.
func (r *Registry) executeFor(name string) ExecuteFunc {
	r.mu.RLock()
	fn := r.execute[name]
	r.mu.RUnlock()
	if fn == nil {
		return func(context.Context, map[string]string) error { return nil }
	}
	return fn
}

// evaluateFor resolves a decision handler; missing handlers pick the first
// successor.
func (r *Registry) evaluateFor(name string) EvaluateFunc {
	r.mu.RLock()
	fn := r.evaluate[name]
	r.mu.RUnlock()
	if fn == nil {
		return func(_ context.Context, _ map[string]string, successors []uuid.UUID) (uuid.UUID, error) {
			if len(successors) > 0 {
				return successors[0], nil
			}
			return uuid.Nil, nil
		}
	}
	return fn
}

// onMessageFor resolves a sensor handler; missing handlers complete on the
// first correlated event.
func (r *Registry) onMessageFor(name string) MessageFunc {
	r.mu.RLock()
	fn := r.onMessage[name]
	r.mu.RUnlock()
	if fn == nil {
		return func(context.Context, map[string]string, []byte) (bool, error) { return true, nil }
	}
	return fn
}

// intervalFor resolves an interval handler; missing handlers finish on the
// first firing.
func (r *Registry) intervalFor(name string) IntervalFunc {
	r.mu.RLock()
	fn := r.interval[name]
	r.mu.RUnlock()
	if fn == nil {
		return func(context.Context, map[string]string) (bool, error) { return true, nil }
	}
	return fn
}

// keysFor resolves a stream's key extractor, or nil when none is bound.
func (r *Registry) keysFor(stream string) KeysFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[stream]
}
