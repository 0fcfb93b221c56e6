package store

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jkgenser/dagger/task"
)

// Bucket names for each index.
const (
	BucketWorkflows    = "DAGGER_WORKFLOWS"
	BucketCorrelations = "DAGGER_CORRELATIONS"
	BucketTriggers     = "DAGGER_TRIGGERS"
)

// DefaultMaxBucketSize bounds one correlation record before it chains into
// an overflow record.
const DefaultMaxBucketSize = 100

// KV provides durable storage backed by NATS JetStream key-value buckets.
type KV struct {
	workflows    jetstream.KeyValue
	correlations jetstream.KeyValue
	triggers     jetstream.KeyValue
	maxBucket    int
}

var _ Store = (*KV)(nil)

// KVOption configures a KV store.
type KVOption func(*KV)

// WithMaxBucketSize bounds correlation records at n refs before chaining.
func WithMaxBucketSize(n int) KVOption {
	return func(s *KV) { s.maxBucket = n }
}

// NewKV creates a KV store with the given JetStream context, creating the
// buckets if they don't exist.
func NewKV(ctx context.Context, js jetstream.JetStream, opts ...KVOption) (*KV, error) {
	workflows, err := getOrCreateBucket(ctx, js, BucketWorkflows)
	if err != nil {
		return nil, fmt.Errorf("create workflows bucket: %w", err)
	}

	correlations, err := getOrCreateBucket(ctx, js, BucketCorrelations)
	if err != nil {
		return nil, fmt.Errorf("create correlations bucket: %w", err)
	}

	triggers, err := getOrCreateBucket(ctx, js, BucketTriggers)
	if err != nil {
		return nil, fmt.Errorf("create triggers bucket: %w", err)
	}

	s := &KV{
		workflows:    workflows,
		correlations: correlations,
		triggers:     triggers,
		maxBucket:    DefaultMaxBucketSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Dagger %s storage", strings.ToLower(name)),
		History:     1,
	})
}

// UpdateInstance persists the workflow, bumping its update count.
func (s *KV) UpdateInstance(ctx context.Context, wf *task.Workflow) error {
	wf.UpdateCount++
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	if _, err := s.workflows.Put(ctx, wf.ID.String(), data); err != nil {
		return fmt.Errorf("store workflow: %w", err)
	}
	return nil
}

// GetInstance retrieves a workflow by ID.
func (s *KV) GetInstance(ctx context.Context, id uuid.UUID) (*task.Workflow, error) {
	entry, err := s.workflows.Get(ctx, id.String())
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var wf task.Workflow
	if err := json.Unmarshal(entry.Value(), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// RemoveRootInstance deletes the workflow record.
func (s *KV) RemoveRootInstance(ctx context.Context, wf *task.Workflow) error {
	if err := s.workflows.Delete(ctx, wf.ID.String()); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

// triggerKey builds a zero-padded key so lexical key order equals trigger
// time order.
func triggerKey(tr Trigger) string {
	return fmt.Sprintf("%020d.%s.%s", tr.TriggerTime, tr.WorkflowID, tr.TaskID)
}

func parseTriggerKey(key string) (Trigger, error) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 {
		return Trigger{}, fmt.Errorf("invalid trigger key: %s", key)
	}
	t, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid trigger time in key %s: %w", key, err)
	}
	wfID, err := uuid.Parse(parts[1])
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid workflow id in key %s: %w", key, err)
	}
	taskID, err := uuid.Parse(parts[2])
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid task id in key %s: %w", key, err)
	}
	return Trigger{TriggerTime: t, WorkflowID: wfID, TaskID: taskID}, nil
}

// StoreTriggerInstance registers the task's trigger time.
func (s *KV) StoreTriggerInstance(ctx context.Context, t *task.Task, wf *task.Workflow) error {
	tr := Trigger{TriggerTime: t.TimeToExecute, WorkflowID: wf.ID, TaskID: t.ID}
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	if _, err := s.triggers.Put(ctx, triggerKey(tr), data); err != nil {
		return fmt.Errorf("store trigger: %w", err)
	}
	return nil
}

// ProcessTriggerTaskComplete deletes the trigger entry for the task's
// current trigger time. Stale entries from earlier re-arms are dropped by
// the scheduler once their instance turns out terminal.
func (s *KV) ProcessTriggerTaskComplete(ctx context.Context, t *task.Task, wf *task.Workflow) error {
	tr := Trigger{TriggerTime: t.TimeToExecute, WorkflowID: wf.ID, TaskID: t.ID}
	return s.RemoveTrigger(ctx, tr)
}

// RemoveTrigger deletes one trigger index entry.
func (s *KV) RemoveTrigger(ctx context.Context, tr Trigger) error {
	if err := s.triggers.Delete(ctx, triggerKey(tr)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete trigger: %w", err)
	}
	return nil
}

// DueTriggers returns all triggers at or before now, ascending by time.
func (s *KV) DueTriggers(ctx context.Context, now int64) ([]Trigger, error) {
	keys, err := s.triggers.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list trigger keys: %w", err)
	}
	// Zero-padded times make lexical order time order.
	sort.Strings(keys)

	var due []Trigger
	for _, key := range keys {
		tr, err := parseTriggerKey(key)
		if err != nil {
			continue // Skip malformed keys
		}
		if tr.TriggerTime > now {
			break
		}
		due = append(due, tr)
	}
	return due, nil
}

// correlationKey encodes the lookup pair into a NATS-safe key. Attribute
// and value are encoded separately so the separator stays unambiguous.
func correlationKey(key LookupKey) string {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return enc.EncodeToString([]byte(key.Attr)) + "." + enc.EncodeToString([]byte(key.Value))
}

func (s *KV) getBucketRecord(ctx context.Context, key string) (*CorrelatableKeyTasks, error) {
	entry, err := s.correlations.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get correlation bucket: %w", err)
	}
	var rec CorrelatableKeyTasks
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal correlation bucket: %w", err)
	}
	return &rec, nil
}

func (s *KV) putBucketRecord(ctx context.Context, rec *CorrelatableKeyTasks) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal correlation bucket: %w", err)
	}
	if _, err := s.correlations.Put(ctx, rec.Key, data); err != nil {
		return fmt.Errorf("store correlation bucket: %w", err)
	}
	return nil
}

// addRef appends the ref to the bucket chain at key, spilling into a fresh
// overflow record when the current one is full.
func (s *KV) addRef(ctx context.Context, key string, ref TaskRef) error {
	rec, err := s.getBucketRecord(ctx, key)
	if err == ErrNotFound {
		rec = &CorrelatableKeyTasks{Key: key, LookupKeys: []TaskRef{ref}}
		return s.putBucketRecord(ctx, rec)
	}
	if err != nil {
		return err
	}
	if len(rec.LookupKeys) < s.maxBucket {
		rec.LookupKeys = append(rec.LookupKeys, ref)
		return s.putBucketRecord(ctx, rec)
	}
	if rec.OverflowKey != "" {
		return s.addRef(ctx, rec.OverflowKey, ref)
	}
	rec.OverflowKey = key + "." + strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := s.putBucketRecord(ctx, rec); err != nil {
		return err
	}
	return s.putBucketRecord(ctx, &CorrelatableKeyTasks{Key: rec.OverflowKey, LookupKeys: []TaskRef{ref}})
}

// dropRef removes the ref from whichever record in the chain holds it.
func (s *KV) dropRef(ctx context.Context, key string, ref TaskRef) error {
	for key != "" {
		rec, err := s.getBucketRecord(ctx, key)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		trimmed := removeRef(rec.LookupKeys, ref)
		if len(trimmed) != len(rec.LookupKeys) {
			rec.LookupKeys = trimmed
			if len(rec.LookupKeys) == 0 && rec.OverflowKey == "" {
				if err := s.correlations.Delete(ctx, rec.Key); err != nil && !isNotFound(err) {
					return fmt.Errorf("delete correlation bucket: %w", err)
				}
				return nil
			}
			return s.putBucketRecord(ctx, rec)
		}
		key = rec.OverflowKey
	}
	return nil
}

// chainRefs collects every ref reachable from the bucket chain at key.
func (s *KV) chainRefs(ctx context.Context, key string) ([]TaskRef, error) {
	var refs []TaskRef
	for key != "" {
		rec, err := s.getBucketRecord(ctx, key)
		if err == ErrNotFound {
			return refs, nil
		}
		if err != nil {
			return nil, err
		}
		refs = append(refs, rec.LookupKeys...)
		key = rec.OverflowKey
	}
	return refs, nil
}

// UpdateCorrelatableKeyForTask moves the sensor's index entry to newValue
// and records the value in the workflow's correlation map. The workflow
// record itself is not persisted here; callers follow with UpdateInstance.
func (s *KV) UpdateCorrelatableKeyForTask(ctx context.Context, sensor *task.Task, newValue string, wf *task.Workflow) error {
	ref := TaskRef{WorkflowID: wf.ID, TaskID: sensor.ID}
	if prev, ok := wf.SensorCorrelations[sensor.ID]; ok && prev.Value != "" {
		old := LookupKey{Attr: prev.Attr, Value: indexValue(sensor, prev.Value)}
		if err := s.dropRef(ctx, correlationKey(old), ref); err != nil {
			return err
		}
	}
	key := LookupKey{Attr: sensor.CorrelatableKey, Value: indexValue(sensor, newValue)}
	if err := s.addRef(ctx, correlationKey(key), ref); err != nil {
		return err
	}
	wf.SensorCorrelations[sensor.ID] = &task.Correlation{Attr: sensor.CorrelatableKey, Value: newValue}
	return nil
}

// RemoveTaskFromCorrelatableKeys drops the task's index entry, if it has one.
func (s *KV) RemoveTaskFromCorrelatableKeys(ctx context.Context, t *task.Task, wf *task.Workflow) error {
	corr, ok := wf.SensorCorrelations[t.ID]
	if !ok || corr.Value == "" {
		return nil
	}
	ref := TaskRef{WorkflowID: wf.ID, TaskID: t.ID}
	key := LookupKey{Attr: corr.Attr, Value: indexValue(t, corr.Value)}
	return s.dropRef(ctx, correlationKey(key), ref)
}

// TasksByCorrelatableKey visits every registered (workflow, task) pair for
// the key. Refs are collected up front so the visitor may call back into
// the store.
func (s *KV) TasksByCorrelatableKey(ctx context.Context, key LookupKey, includeCompleted bool, visit VisitFunc) error {
	refs, err := s.chainRefs(ctx, correlationKey(key))
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		wf, err := s.GetInstance(ctx, ref.WorkflowID)
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
func (s *KV) GetMonitoringTask(_ context.Context, t *task.Task, wf *task.Workflow) (*task.Task, error) {
	return monitoringTaskFor(wf, t), nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
