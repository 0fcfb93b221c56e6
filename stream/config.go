package stream

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// listenerSchema defines the listener configuration schema.
var listenerSchema = component.GenerateConfigSchema(reflect.TypeOf(ListenerConfig{}))

// timerSchema defines the timer configuration schema.
var timerSchema = component.GenerateConfigSchema(reflect.TypeOf(TimerConfig{}))

// Subscription binds one JetStream subject to the engine's event dispatch.
type Subscription struct {
	// Stream is the JetStream stream holding the subject. Sensors match
	// events by this name.
	Stream string `json:"stream"`

	// Subject is the subject the durable consumer filters on.
	Subject string `json:"subject"`

	// Attribute is the runtime-parameter attribute sensors correlate on.
	Attribute string `json:"attribute"`

	// Field is the JSON payload field holding the correlation value.
	// Defaults to Attribute.
	Field string `json:"field,omitempty"`
}

// ListenerConfig holds configuration for the event listener component.
type ListenerConfig struct {
	// ConsumerName is the durable consumer name prefix.
	ConsumerName string `json:"consumer_name"`

	// MaxDeliver bounds redelivery attempts per message.
	MaxDeliver int `json:"max_deliver"`

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration `json:"ack_wait"`

	// Subscriptions are the subjects the listener consumes.
	Subscriptions []Subscription `json:"subscriptions"`
}

// DefaultListenerConfig returns sensible default configuration.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		ConsumerName: "dagger-listener",
		MaxDeliver:   3,
		AckWait:      10 * time.Second,
	}
}

// Validate validates the listener configuration.
func (c *ListenerConfig) Validate() error {
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.MaxDeliver <= 0 {
		return fmt.Errorf("max_deliver must be positive")
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("ack_wait must be positive")
	}
	if len(c.Subscriptions) == 0 {
		return fmt.Errorf("at least one subscription is required")
	}
	for i, sub := range c.Subscriptions {
		if sub.Stream == "" {
			return fmt.Errorf("subscriptions[%d].stream is required", i)
		}
		if sub.Subject == "" {
			return fmt.Errorf("subscriptions[%d].subject is required", i)
		}
		if sub.Attribute == "" {
			return fmt.Errorf("subscriptions[%d].attribute is required", i)
		}
	}
	return nil
}

// TimerConfig holds configuration for the trigger timer component.
type TimerConfig struct {
	// TickInterval is how often the trigger index is checked for due
	// entries.
	TickInterval time.Duration `json:"tick_interval"`
}

// DefaultTimerConfig returns sensible default configuration.
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		TickInterval: time.Second,
	}
}

// Validate validates the timer configuration.
func (c *TimerConfig) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	return nil
}
