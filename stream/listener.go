// Package stream connects the workflow engine to JetStream: a listener
// component feeds correlated events into engine dispatch, and a timer
// component drives the trigger scheduler.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jkgenser/dagger/engine"
)

var _ component.Discoverable = (*Listener)(nil)

// Listener consumes configured stream subjects with durable consumers and
// routes each event through engine dispatch. One consumer is created per
// subscription; an event is acked only after the engine has processed it.
type Listener struct {
	name       string
	config     ListenerConfig
	engine     *engine.Engine
	natsClient *natsclient.Client
	logger     *slog.Logger

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	eventsProcessed atomic.Int64
	deliveryErrors  atomic.Int64
	lastActivityMu  sync.RWMutex
	lastActivity    time.Time
}

// NewListener creates the event listener and registers a correlation key
// extractor for every configured stream in the engine's registry.
func NewListener(config ListenerConfig, eng *engine.Engine, nc *natsclient.Client, logger *slog.Logger) (*Listener, error) {
	if config.ConsumerName == "" {
		config.ConsumerName = DefaultListenerConfig().ConsumerName
	}
	if config.MaxDeliver == 0 {
		config.MaxDeliver = DefaultListenerConfig().MaxDeliver
	}
	if config.AckWait == 0 {
		config.AckWait = DefaultListenerConfig().AckWait
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	for stream, subs := range subscriptionsByStream(config.Subscriptions) {
		eng.Registry().RegisterKeys(stream, keysExtractor(subs))
	}

	return &Listener{
		name:       "event-listener",
		config:     config,
		engine:     eng,
		natsClient: nc,
		logger:     logger,
	}, nil
}

// subscriptionsByStream groups subscriptions by their stream name.
func subscriptionsByStream(subs []Subscription) map[string][]Subscription {
	grouped := make(map[string][]Subscription)
	for _, sub := range subs {
		grouped[sub.Stream] = append(grouped[sub.Stream], sub)
	}
	return grouped
}

// Initialize prepares the component.
func (c *Listener) Initialize() error {
	c.logger.Debug("Initialized event-listener",
		"subscriptions", len(c.config.Subscriptions))
	return nil
}

// Start creates the durable consumers and begins delivering events.
func (c *Listener) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	consumeCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	for _, sub := range c.config.Subscriptions {
		consumerCfg := natsclient.StreamConsumerConfig{
			StreamName:    sub.Stream,
			ConsumerName:  consumerName(c.config.ConsumerName, sub.Subject),
			FilterSubject: sub.Subject,
			DeliverPolicy: "new",
			AckPolicy:     "explicit",
			MaxDeliver:    c.config.MaxDeliver,
			AckWait:       c.config.AckWait,
		}
		stream := sub.Stream
		err := c.natsClient.ConsumeStreamWithConfig(consumeCtx, consumerCfg, func(ctx context.Context, msg jetstream.Msg) {
			c.handleMessage(ctx, stream, msg)
		})
		if err != nil {
			c.mu.Lock()
			c.running = false
			c.cancel = nil
			c.mu.Unlock()
			cancel()
			return fmt.Errorf("start consumer for %s: %w", sub.Subject, err)
		}
	}

	c.logger.Info("event-listener started",
		"subscriptions", len(c.config.Subscriptions))

	return nil
}

// consumerName derives a durable consumer name from the subject.
func consumerName(prefix, subject string) string {
	sanitized := strings.NewReplacer(".", "-", "*", "any", ">", "all").Replace(subject)
	return prefix + "-" + sanitized
}

// handleMessage routes a single event through engine dispatch.
func (c *Listener) handleMessage(ctx context.Context, stream string, msg jetstream.Msg) {
	if err := c.engine.ProcessEvent(ctx, stream, msg.Data()); err != nil {
		c.logger.Warn("Failed to deliver event",
			"stream", stream,
			"subject", msg.Subject(),
			"error", err)
		c.deliveryErrors.Add(1)
		if meta, metaErr := msg.Metadata(); metaErr == nil && redeliveryExhausted(meta, c.config.MaxDeliver) {
			c.logger.Warn("Event exhausted redelivery attempts, dropping",
				"stream", stream,
				"subject", msg.Subject(),
				"deliveries", meta.NumDelivered)
		}
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()
	c.eventsProcessed.Add(1)
	c.updateLastActivity()
}

// redeliveryExhausted reports whether a failed message is on its final
// delivery and will not come back after the Nak.
func redeliveryExhausted(meta *jetstream.MsgMetadata, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return meta.NumDelivered >= uint64(maxDeliver)
}

// Stop gracefully stops the component.
func (c *Listener) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("event-listener stopped",
		"events_processed", c.eventsProcessed.Load(),
		"delivery_errors", c.deliveryErrors.Load())

	return nil
}

// Meta returns component metadata.
func (c *Listener) Meta() component.Metadata {
	return component.Metadata{
		Name:        "event-listener",
		Type:        "processor",
		Description: "Delivers correlated stream events to workflow sensor tasks",
		Version:     "0.1.0",
	}
}

// InputPorts returns the consumed subjects as input port definitions.
func (c *Listener) InputPorts() []component.Port {
	ports := make([]component.Port, len(c.config.Subscriptions))
	for i, sub := range c.config.Subscriptions {
		ports[i] = component.Port{
			Name:        "events-" + strings.ToLower(sub.Stream),
			Direction:   component.DirectionInput,
			Required:    true,
			Description: fmt.Sprintf("Events correlated on %s", sub.Attribute),
			Config: component.JetStreamPort{
				StreamName: sub.Stream,
				Subjects:   []string{sub.Subject},
			},
		}
	}
	return ports
}

// OutputPorts returns output port definitions. The listener itself
// publishes nothing; command tasks publish through the engine.
func (c *Listener) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Listener) ConfigSchema() component.ConfigSchema {
	return listenerSchema
}

// Health returns the current health status.
func (c *Listener) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.deliveryErrors.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Listener) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Listener) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Listener) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
