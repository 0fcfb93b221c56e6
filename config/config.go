// Package config provides configuration loading and management for the
// dagger workflow engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete dagger configuration
type Config struct {
	NATS    NATSConfig     `yaml:"nats"`
	Engine  EngineConfig   `yaml:"engine"`
	Streams []StreamConfig `yaml:"streams"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// Name identifies this connection on the server
	Name string `yaml:"name"`
	// MaxReconnects bounds reconnect attempts (-1 = unlimited)
	MaxReconnects int `yaml:"max_reconnects"`
	// ReconnectWait is the delay between reconnect attempts
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// EngineConfig configures workflow execution behavior
type EngineConfig struct {
	// DeleteOnComplete removes workflow records once every task is terminal
	DeleteOnComplete bool `yaml:"delete_on_complete"`
	// TickInterval is how often the trigger scheduler fires
	TickInterval time.Duration `yaml:"tick_interval"`
	// MaxCorrelationBucket bounds one correlation record before it chains
	MaxCorrelationBucket int `yaml:"max_correlation_bucket"`
}

// StreamConfig binds one inbound JetStream stream to the engine
type StreamConfig struct {
	// Name is the JetStream stream name
	Name string `yaml:"name"`
	// Subjects are the stream subjects the engine consumes
	Subjects []SubjectConfig `yaml:"subjects"`
}

// SubjectConfig configures correlation key extraction for one subject
type SubjectConfig struct {
	// Subject is the stream subject events arrive on
	Subject string `yaml:"subject"`
	// Attribute is the runtime-parameter attribute sensors correlate on
	Attribute string `yaml:"attribute"`
	// Field is the JSON payload field holding the correlation value
	// (defaults to Attribute)
	Field string `yaml:"field"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "dagger",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Engine: EngineConfig{
			DeleteOnComplete:     false,
			TickInterval:         time.Second,
			MaxCorrelationBucket: 100,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive")
	}
	if c.Engine.MaxCorrelationBucket <= 0 {
		return fmt.Errorf("engine.max_correlation_bucket must be positive")
	}
	for i, stream := range c.Streams {
		if stream.Name == "" {
			return fmt.Errorf("streams[%d].name is required", i)
		}
		for j, subject := range stream.Subjects {
			if subject.Subject == "" {
				return fmt.Errorf("streams[%d].subjects[%d].subject is required", i, j)
			}
			if subject.Attribute == "" {
				return fmt.Errorf("streams[%d].subjects[%d].attribute is required", i, j)
			}
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
