package engine

import (
	"context"
	"testing"

	"github.com/jkgenser/dagger/store"
	"github.com/jkgenser/dagger/task"
)

func registerStaticKey(e *Engine, stream, attr, value string) {
	e.Registry().RegisterKeys(stream, func([]byte) ([]store.LookupKey, error) {
		return []store.LookupKey{{Attr: attr, Value: value}}, nil
	})
}

func TestAllowSkipToSkipsPendingPrefix(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	// Two sensors before the skip-to sensor keep the prefix pending.
	gate := task.NewSensor("gate", "order_id", "intake")
	mid := task.NewExecutor("mid", "noop")
	s := task.NewSensor("await-payment", "order_id", "payments", task.AllowSkipTo())
	wf, err := task.NewBuilder("order-flow").
		Param("order_id", "ord-1").
		Process("p1").Then(gate).Then(mid).Then(s).
		Done().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	registerStaticKey(e, "payments", "order_id", "ord-1")

	if err := e.Submit(ctx, wf); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// gate parks EXECUTING; mid and s are NOT_STARTED.
	if got := statusOf(t, mem, wf.ID, s.ID); got != task.StatusNotStarted {
		t.Fatalf("sensor = %s before event", got)
	}

	if err := e.ProcessEvent(ctx, "payments", []byte(`{}`)); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if got := statusOf(t, mem, wf.ID, gate.ID); got != task.StatusSkipped {
		t.Errorf("gate = %s, want SKIPPED", got)
	}
	if got := statusOf(t, mem, wf.ID, mid.ID); got != task.StatusSkipped {
		t.Errorf("mid = %s, want SKIPPED", got)
	}
	if got := statusOf(t, mem, wf.ID, s.ID); got != task.StatusCompleted {
		t.Errorf("sensor = %s, want COMPLETED", got)
	}
	got, _ := mem.GetInstance(ctx, wf.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("root = %s, want COMPLETED", got.Status)
	}
	if got.Get(gate.ID).TimeCompleted == 0 {
		t.Error("skipped prefix task should carry a completion time")
	}
}

func TestEventDroppedWithoutAllowSkipTo(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	gate := task.NewSensor("gate", "order_id", "intake")
	s := task.NewSensor("await-payment", "order_id", "payments")
	wf, err := task.NewBuilder("order-flow").
		Param("order_id", "ord-1").
		Process("p1").Then(gate).Then(s).
		Done().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	registerStaticKey(e, "payments", "order_id", "ord-1")

	if err := e.Submit(ctx, wf); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.ProcessEvent(ctx, "payments", []byte(`{}`)); err != nil {
		t.Fatalf("process event: %v", err)
	}

	// The not-yet-reached sensor ignores the event entirely.
	if got := statusOf(t, mem, wf.ID, s.ID); got != task.StatusNotStarted {
		t.Errorf("sensor = %s, want NOT_STARTED", got)
	}
	if got := statusOf(t, mem, wf.ID, gate.ID); got != task.StatusExecuting {
		t.Errorf("gate = %s, want EXECUTING", got)
	}
	if e.Stats().EventsDelivered != 0 {
		t.Errorf("events delivered = %d, want 0", e.Stats().EventsDelivered)
	}
}

func TestSensorHandlerMutatesParameters(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	calls := 0
	e.Registry().RegisterOnMessage("track", func(_ context.Context, params map[string]string, _ []byte) (bool, error) {
		calls++
		params["last_event"] = "seen"
		return true, nil
	})
	s := task.NewSensor("await-payment", "order_id", "payments",
		task.ReprocessOnMessage(), task.WithHandler("track"))
	after := task.NewExecutor("after", "noop")
	wf, err := task.NewBuilder("order-flow").
		Param("order_id", "ord-1").
		Process("p1").Then(s).Then(after).
		Done().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	registerStaticKey(e, "payments", "order_id", "ord-1")

	if err := e.Submit(ctx, wf); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.ProcessEvent(ctx, "payments", []byte(`{}`)); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if got := statusOf(t, mem, wf.ID, s.ID); got != task.StatusCompleted {
		t.Fatalf("sensor = %s after first event", got)
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	got, _ := mem.GetInstance(ctx, wf.ID)
	if got.RuntimeParameters["last_event"] != "seen" {
		t.Errorf("handler mutation not persisted: %v", got.RuntimeParameters)
	}
}

func TestReprocessOnMessageWhileWorkflowLive(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	calls := 0
	e.Registry().RegisterOnMessage("track", func(_ context.Context, params map[string]string, _ []byte) (bool, error) {
		calls++
		params["payments_seen"] = "yes"
		return true, nil
	})
	s := task.NewSensor("await-payment", "order_id", "payments",
		task.ReprocessOnMessage(), task.WithHandler("track"))
	tail := task.NewSensor("await-shipment", "order_id", "shipments")
	wf, err := task.NewBuilder("order-flow").
		Param("order_id", "ord-1").
		Process("p1").Then(s).Then(tail).
		Done().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	registerStaticKey(e, "payments", "order_id", "ord-1")

	if err := e.Submit(ctx, wf); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.ProcessEvent(ctx, "payments", []byte(`{}`)); err != nil {
		t.Fatalf("first event: %v", err)
	}
	// tail is now EXECUTING, keeping the workflow alive. A duplicate
	// payment event re-runs the handler without restarting the sensor.
	if err := e.ProcessEvent(ctx, "payments", []byte(`{}`)); err != nil {
		t.Fatalf("duplicate event: %v", err)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
	if got := statusOf(t, mem, wf.ID, s.ID); got != task.StatusCompleted {
		t.Errorf("sensor = %s, want COMPLETED after reprocess", got)
	}
	if got := statusOf(t, mem, wf.ID, tail.ID); got != task.StatusExecuting {
		t.Errorf("tail = %s, want EXECUTING", got)
	}
}

func TestCompletedSensorWithoutReprocessRestarts(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	s := task.NewSensor("await-payment", "order_id", "payments")
	tail := task.NewSensor("await-shipment", "order_id", "shipments")
	wf, err := task.NewBuilder("order-flow").
		Param("order_id", "ord-1").
		Process("p1").Then(s).Then(tail).
		Done().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	registerStaticKey(e, "payments", "order_id", "ord-1")

	if err := e.Submit(ctx, wf); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.ProcessEvent(ctx, "payments", []byte(`{}`)); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if got := statusOf(t, mem, wf.ID, tail.ID); got != task.StatusExecuting {
		t.Fatalf("tail = %s, want EXECUTING", got)
	}

	// A duplicate replays the sensor's completion cascade; the tail is
	// already executing so nothing regresses.
	if err := e.ProcessEvent(ctx, "payments", []byte(`{}`)); err != nil {
		t.Fatalf("duplicate event: %v", err)
	}
	if got := statusOf(t, mem, wf.ID, s.ID); got != task.StatusCompleted {
		t.Errorf("sensor = %s, want COMPLETED", got)
	}
	if got := statusOf(t, mem, wf.ID, tail.ID); got != task.StatusExecuting {
		t.Errorf("tail = %s, want EXECUTING", got)
	}
	if e.Stats().EventsDelivered != 2 {
		t.Errorf("events delivered = %d, want 2", e.Stats().EventsDelivered)
	}
}

func TestMatchOnlyOneStopsIteration(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	build := func() *task.Workflow {
		wf, err := task.NewBuilder("order-flow").
			Param("order_id", "ord-1").
			Process("p1").
			Then(task.NewSensor("await-payment", "order_id", "payments", task.MatchOnlyOne())).
			Then(task.NewSensor("await-shipment", "order_id", "shipments")).
			Done().Build()
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return wf
	}
	first := build()
	second := build()
	registerStaticKey(e, "payments", "order_id", "ord-1")

	if err := e.Submit(ctx, first); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	if err := e.Submit(ctx, second); err != nil {
		t.Fatalf("submit second: %v", err)
	}

	if err := e.ProcessEvent(ctx, "payments", []byte(`{}`)); err != nil {
		t.Fatalf("process event: %v", err)
	}

	// Exactly one instance consumed the event: the first registered.
	firstSensor := first.Sensors()
	var firstPayment *task.Task
	for _, s := range firstSensor {
		if s.Stream == "payments" {
			firstPayment = s
		}
	}
	if got := statusOf(t, mem, first.ID, firstPayment.ID); got != task.StatusCompleted {
		t.Errorf("first instance sensor = %s, want COMPLETED", got)
	}
	completed := 0
	for _, wf := range []*task.Workflow{first, second} {
		got, err := mem.GetInstance(ctx, wf.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		for _, tk := range got.Tasks {
			if tk.Stream == "payments" && tk.Status == task.StatusCompleted {
				completed++
			}
		}
	}
	if completed != 1 {
		t.Errorf("completed payment sensors = %d, want 1", completed)
	}
	if e.Stats().EventsDelivered != 1 {
		t.Errorf("events delivered = %d, want 1", e.Stats().EventsDelivered)
	}
}

func TestEventIgnoresMismatchedStream(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	s := task.NewSensor("await-payment", "order_id", "payments")
	wf, err := task.NewBuilder("order-flow").
		Param("order_id", "ord-1").
		Process("p1").Then(s).
		Done().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// A second stream resolves the same attribute value; the index keys
	// are stream-suffixed so the sensor never sees it.
	registerStaticKey(e, "refunds", "order_id", "ord-1")

	if err := e.Submit(ctx, wf); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.ProcessEvent(ctx, "refunds", []byte(`{}`)); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if got := statusOf(t, mem, wf.ID, s.ID); got != task.StatusExecuting {
		t.Errorf("sensor = %s, want EXECUTING", got)
	}
	if e.Stats().EventsDelivered != 0 {
		t.Errorf("events delivered = %d, want 0", e.Stats().EventsDelivered)
	}
}

func TestEventWithoutExtractorIsIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.ProcessEvent(context.Background(), "unknown", []byte(`{}`)); err != nil {
		t.Fatalf("process event: %v", err)
	}
}
