// Package main provides the dagger binary entry point.
// Dagger is a durable DAG workflow engine: workflows advance on correlated
// stream events and time triggers, with all state in JetStream KV.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/jkgenser/dagger/config"
	"github.com/jkgenser/dagger/engine"
	"github.com/jkgenser/dagger/store"
	"github.com/jkgenser/dagger/stream"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dagger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "dagger",
		Short: "Durable DAG workflow engine",
		Long: `Dagger runs event-driven workflow DAGs over NATS JetStream.

Sensor tasks wait on correlated stream events, trigger and interval tasks
fire on a schedule, and every state change is persisted to JetStream KV so
workflows survive restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	js, err := natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get JetStream: %w", err)
	}
	if err := ensureStreams(ctx, js, cfg, logger); err != nil {
		return err
	}

	kv, err := store.NewKV(ctx, js, store.WithMaxBucketSize(cfg.Engine.MaxCorrelationBucket))
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}

	eng := engine.New(kv,
		engine.WithLogger(logger),
		engine.WithPublisher(natsClient),
		engine.WithDeleteOnComplete(cfg.Engine.DeleteOnComplete),
	)

	timer, err := stream.NewTimer(stream.TimerConfig{
		TickInterval: cfg.Engine.TickInterval,
	}, eng, logger)
	if err != nil {
		return fmt.Errorf("create trigger-timer: %w", err)
	}

	components := []component{timer}
	if listenerCfg := listenerConfig(cfg); len(listenerCfg.Subscriptions) > 0 {
		listener, err := stream.NewListener(listenerCfg, eng, natsClient, logger)
		if err != nil {
			return fmt.Errorf("create event-listener: %w", err)
		}
		components = append(components, listener)
	} else {
		logger.Warn("No stream subscriptions configured, events will not be delivered")
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize component: %w", err)
		}
		if err := c.Start(signalCtx); err != nil {
			return fmt.Errorf("start component: %w", err)
		}
	}

	slog.Info("Dagger ready", "version", Version)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	for _, c := range components {
		if err := c.Stop(30 * time.Second); err != nil {
			slog.Error("Error stopping component", "error", err)
		}
	}

	slog.Info("Dagger shutdown complete")
	return nil
}

// component is the lifecycle surface the binary drives.
type component interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.DefaultConfig(), nil
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Set NATS_URL or nats.url in the config file to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, js jetstream.JetStream, cfg *config.Config, logger *slog.Logger) error {
	for _, sc := range cfg.Streams {
		subjects := make([]string, len(sc.Subjects))
		for i, sub := range sc.Subjects {
			subjects[i] = sub.Subject
		}
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     sc.Name,
			Subjects: subjects,
		}); err != nil {
			return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
		}
		logger.Debug("JetStream stream ready", "stream", sc.Name, "subjects", subjects)
	}
	return nil
}

// listenerConfig flattens the configured streams into listener subscriptions.
func listenerConfig(cfg *config.Config) stream.ListenerConfig {
	lc := stream.DefaultListenerConfig()
	for _, sc := range cfg.Streams {
		for _, sub := range sc.Subjects {
			lc.Subscriptions = append(lc.Subscriptions, stream.Subscription{
				Stream:    sc.Name,
				Subject:   sub.Subject,
				Attribute: sub.Attribute,
				Field:     sub.Field,
			})
		}
	}
	return lc
}
