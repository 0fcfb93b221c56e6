package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/jkgenser/dagger/engine"
)

var _ component.Discoverable = (*Timer)(nil)

// Timer drives the trigger scheduler: it checks the trigger index on a
// fixed interval and fires every due entry.
type Timer struct {
	name   string
	config TimerConfig
	engine *engine.Engine
	logger *slog.Logger

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	ticksPerformed atomic.Int64
	tickErrors     atomic.Int64
	lastTickMu     sync.RWMutex
	lastTick       time.Time
}

// NewTimer creates the trigger timer.
func NewTimer(config TimerConfig, eng *engine.Engine, logger *slog.Logger) (*Timer, error) {
	if config.TickInterval == 0 {
		config.TickInterval = DefaultTimerConfig().TickInterval
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

	return &Timer{
		name:   "trigger-timer",
		config: config,
		engine: eng,
		logger: logger,
	}, nil
}

// Initialize prepares the component.
func (c *Timer) Initialize() error {
	c.logger.Debug("Initialized trigger-timer",
		"tick_interval", c.config.TickInterval)
	return nil
}

// Start begins the tick loop.
func (c *Timer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}

	c.running = true
	c.startTime = time.Now()

	tickCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.tickLoop(tickCtx)

	c.logger.Info("trigger-timer started",
		"tick_interval", c.config.TickInterval)

	return nil
}

// tickLoop fires due triggers on every tick until the context ends.
func (c *Timer) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Timer) tick(ctx context.Context) {
	c.ticksPerformed.Add(1)
	c.updateLastTick()

	if err := c.engine.Tick(ctx, time.Now().Unix()); err != nil {
		c.logger.Error("Failed to fire due triggers", "error", err)
		c.tickErrors.Add(1)
	}
}

// Stop gracefully stops the component.
func (c *Timer) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.running = false
	c.logger.Info("trigger-timer stopped",
		"ticks_performed", c.ticksPerformed.Load(),
		"tick_errors", c.tickErrors.Load())

	return nil
}

// Meta returns component metadata.
func (c *Timer) Meta() component.Metadata {
	return component.Metadata{
		Name:        "trigger-timer",
		Type:        "processor",
		Description: "Fires due workflow triggers and interval tasks",
		Version:     "0.1.0",
	}
}

// InputPorts returns input port definitions. The timer reads only the
// trigger index.
func (c *Timer) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns output port definitions.
func (c *Timer) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Timer) ConfigSchema() component.ConfigSchema {
	return timerSchema
}

// Health returns the current health status.
func (c *Timer) Health() component.HealthStatus {
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
		ErrorCount: int(c.tickErrors.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Timer) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastTick(),
	}
}

func (c *Timer) updateLastTick() {
	c.lastTickMu.Lock()
	c.lastTick = time.Now()
	c.lastTickMu.Unlock()
}

func (c *Timer) getLastTick() time.Time {
	c.lastTickMu.RLock()
	defer c.lastTickMu.RUnlock()
	return c.lastTick
}
