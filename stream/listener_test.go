package stream

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jkgenser/dagger/engine"
	"github.com/jkgenser/dagger/store"
	"github.com/jkgenser/dagger/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine() *engine.Engine {
	return engine.New(store.NewMemory(), engine.WithLogger(testLogger()))
}

func TestListenerConfigValidate(t *testing.T) {
	valid := ListenerConfig{
		ConsumerName: "dagger-listener",
		MaxDeliver:   3,
		AckWait:      10 * time.Second,
		Subscriptions: []Subscription{
			{Stream: "orders", Subject: "orders.created", Attribute: "order_id"},
		},
	}

	tests := []struct {
		name    string
		mutate  func(*ListenerConfig)
		wantErr bool
	}{
		{"valid", func(c *ListenerConfig) {}, false},
		{"missing consumer name", func(c *ListenerConfig) { c.ConsumerName = "" }, true},
		{"zero max deliver", func(c *ListenerConfig) { c.MaxDeliver = 0 }, true},
		{"zero ack wait", func(c *ListenerConfig) { c.AckWait = 0 }, true},
		{"no subscriptions", func(c *ListenerConfig) { c.Subscriptions = nil }, true},
		{"subscription without stream", func(c *ListenerConfig) { c.Subscriptions[0].Stream = "" }, true},
		{"subscription without subject", func(c *ListenerConfig) { c.Subscriptions[0].Subject = "" }, true},
		{"subscription without attribute", func(c *ListenerConfig) { c.Subscriptions[0].Attribute = "" }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			cfg.Subscriptions = append([]Subscription(nil), valid.Subscriptions...)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewListener(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg := ListenerConfig{
			Subscriptions: []Subscription{
				{Stream: "orders", Subject: "orders.created", Attribute: "order_id"},
			},
		}
		l, err := NewListener(cfg, testEngine(), nil, testLogger())
		if err != nil {
			t.Fatalf("NewListener: %v", err)
		}
		if l.config.ConsumerName != "dagger-listener" || l.config.MaxDeliver != 3 {
			t.Errorf("defaults not applied: %+v", l.config)
		}
	})

	t.Run("requires engine", func(t *testing.T) {
		cfg := DefaultListenerConfig()
		cfg.Subscriptions = []Subscription{
			{Stream: "orders", Subject: "orders.created", Attribute: "order_id"},
		}
		if _, err := NewListener(cfg, nil, nil, testLogger()); err == nil {
			t.Error("expected error for nil engine")
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		if _, err := NewListener(ListenerConfig{}, testEngine(), nil, testLogger()); err == nil {
			t.Error("expected error for empty config")
		}
	})
}

// A listener registers its key extractors at construction, so an engine
// fed events directly resolves sensors without any NATS plumbing.
func TestListenerRegistersExtractors(t *testing.T) {
	eng := testEngine()
	cfg := DefaultListenerConfig()
	cfg.Subscriptions = []Subscription{
		{Stream: "payments", Subject: "payments.received", Attribute: "order_id", Field: "order"},
	}
	if _, err := NewListener(cfg, eng, nil, testLogger()); err != nil {
		t.Fatalf("NewListener: %v", err)
	}

	ctx := context.Background()
	s := task.NewSensor("await-payment", "order_id", "payments")
	wf, err := task.NewBuilder("order-flow").
		Param("order_id", "ord-1").
		Process("p1").Then(s).
		Done().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := eng.Submit(ctx, wf); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := eng.ProcessEvent(ctx, "payments", []byte(`{"order":"ord-1"}`)); err != nil {
		t.Fatalf("process event: %v", err)
	}
	got, err := eng.Instance(ctx, wf.ID)
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("root = %s, want COMPLETED", got.Status)
	}
}

func TestListenerLifecycle(t *testing.T) {
	cfg := DefaultListenerConfig()
	cfg.Subscriptions = []Subscription{
		{Stream: "orders", Subject: "orders.created", Attribute: "order_id"},
	}
	l, err := NewListener(cfg, testEngine(), nil, testLogger())
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}

	if err := l.Initialize(); err != nil {
		t.Errorf("Initialize: %v", err)
	}

	// Start without a NATS client fails.
	if err := l.Start(context.Background()); err == nil {
		t.Error("expected Start to fail without NATS client")
	}

	// Stop when not running is a no-op.
	if err := l.Stop(time.Second); err != nil {
		t.Errorf("Stop: %v", err)
	}

	h := l.Health()
	if h.Healthy || h.Status != "stopped" {
		t.Errorf("health = %+v, want stopped", h)
	}
}

func TestListenerPorts(t *testing.T) {
	cfg := DefaultListenerConfig()
	cfg.Subscriptions = []Subscription{
		{Stream: "orders", Subject: "orders.created", Attribute: "order_id"},
		{Stream: "payments", Subject: "payments.received", Attribute: "order_id"},
	}
	l, err := NewListener(cfg, testEngine(), nil, testLogger())
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}

	inputs := l.InputPorts()
	if len(inputs) != 2 {
		t.Fatalf("input ports = %d, want 2", len(inputs))
	}
	if inputs[0].Name != "events-orders" || !inputs[0].Required {
		t.Errorf("port = %+v", inputs[0])
	}
	if len(l.OutputPorts()) != 0 {
		t.Errorf("output ports = %d, want 0", len(l.OutputPorts()))
	}
	if l.Meta().Name != "event-listener" {
		t.Errorf("meta name = %s", l.Meta().Name)
	}
}

func TestConsumerName(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"orders.created", "dagger-orders-created"},
		{"orders.*", "dagger-orders-any"},
		{"orders.>", "dagger-orders-all"},
	}
	for _, tc := range tests {
		if got := consumerName("dagger", tc.subject); got != tc.want {
			t.Errorf("consumerName(%q) = %q, want %q", tc.subject, got, tc.want)
		}
	}
}

func TestRedeliveryExhausted(t *testing.T) {
	tests := []struct {
		name       string
		delivered  uint64
		maxDeliver int
		want       bool
	}{
		{"first delivery", 1, 3, false},
		{"last delivery", 3, 3, true},
		{"past the limit", 4, 3, true},
		{"unlimited redelivery", 5, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			meta := &jetstream.MsgMetadata{NumDelivered: tc.delivered}
			if got := redeliveryExhausted(meta, tc.maxDeliver); got != tc.want {
				t.Errorf("redeliveryExhausted(%d, %d) = %v, want %v",
					tc.delivered, tc.maxDeliver, got, tc.want)
			}
		})
	}
}

func TestKeysExtractor(t *testing.T) {
	fn := keysExtractor([]Subscription{
		{Stream: "orders", Subject: "orders.created", Attribute: "order_id", Field: "order"},
		{Stream: "orders", Subject: "orders.invoiced", Attribute: "invoice_id"},
	})

	t.Run("extracts configured fields", func(t *testing.T) {
		keys, err := fn([]byte(`{"order":"ord-1","invoice_id":"inv-9"}`))
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if len(keys) != 2 {
			t.Fatalf("keys = %v, want 2", keys)
		}
		if keys[0].Attr != "order_id" || keys[0].Value != "ord-1" {
			t.Errorf("keys[0] = %+v", keys[0])
		}
		if keys[1].Attr != "invoice_id" || keys[1].Value != "inv-9" {
			t.Errorf("keys[1] = %+v", keys[1])
		}
	})

	t.Run("skips absent fields", func(t *testing.T) {
		keys, err := fn([]byte(`{"order":"ord-1"}`))
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if len(keys) != 1 {
			t.Errorf("keys = %v, want 1", keys)
		}
	})

	t.Run("renders integral numbers without decimals", func(t *testing.T) {
		keys, err := fn([]byte(`{"order":42}`))
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if len(keys) != 1 || keys[0].Value != "42" {
			t.Errorf("keys = %v, want value 42", keys)
		}
	})

	t.Run("rejects non-JSON payloads", func(t *testing.T) {
		if _, err := fn([]byte(`not json`)); err == nil {
			t.Error("expected decode error")
		}
	})
}
