// Package main implements the entry point for the cumulus rule engine
// daemon: it wires the stores, the binding manager, the dispatch
// pipeline and the scheduler over a single NATS connection and runs
// until signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/yjpa7145/cumulus/api"
	"github.com/yjpa7145/cumulus/binding"
	"github.com/yjpa7145/cumulus/config"
	"github.com/yjpa7145/cumulus/consumer"
	"github.com/yjpa7145/cumulus/dataset"
	"github.com/yjpa7145/cumulus/datasource"
	"github.com/yjpa7145/cumulus/health"
	"github.com/yjpa7145/cumulus/metric"
	"github.com/yjpa7145/cumulus/natsclient"
	"github.com/yjpa7145/cumulus/pkg/crypt"
	"github.com/yjpa7145/cumulus/rule"
	"github.com/yjpa7145/cumulus/scheduler"
	"github.com/yjpa7145/cumulus/workflow"
)

const (
	Version = "0.1.0"
	appName = "cumulus"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		printVersion()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	ctx := context.Background()
	client, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	registry := metric.NewRegistry()

	deps, err := buildPipeline(ctx, cfg, client, registry, logger)
	if err != nil {
		return err
	}

	if err := deps.ruleService.Restore(ctx, deps.bindings.Restore); err != nil {
		return err
	}

	if err := deps.consumer.Start(ctx); err != nil {
		return err
	}
	if err := deps.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := deps.api.Start(ctx, client); err != nil {
		return err
	}

	monitor := health.NewMonitor()
	monitor.UpdateHealthy("broker", "connected")
	monitor.UpdateHealthy("consumer", "polling ingest stream")
	monitor.UpdateHealthy("scheduler", "cron entries loaded")

	watchdogDone := make(chan struct{})
	go watchBroker(client, deps.bindings, monitor, watchdogDone)

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry)
		metricsServer.Mount("/healthz", health.Handler(monitor, appName))
		if err := metricsServer.Start(); err != nil {
			return err
		}
		logger.Info("metrics server started", "addr", cfg.Metrics.Addr)
	}

	logger.Info("daemon started", "namespace", cfg.Namespace,
		"ingestStream", cfg.Ingest.Stream)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()

	close(watchdogDone)
	deps.scheduler.Stop()
	if err := deps.consumer.Stop(shutdownCtx); err != nil {
		logger.Warn("consumer did not stop cleanly", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("metrics server did not stop cleanly", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

// watchBroker keeps the health endpoint's view of the NATS connection
// and the active consumer bindings current.
func watchBroker(client *natsclient.Client, bindings *binding.Manager,
	monitor *health.Monitor, done <-chan struct{}) {

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !client.IsHealthy() {
				monitor.UpdateUnhealthy("broker", "connection lost")
				continue
			}
			status := health.NewHealthy("broker", "connected").
				WithMetrics(&health.Metrics{
					ActiveBindings: len(bindings.Bindings()),
				})
			monitor.Update("broker", status)
		}
	}
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithLogger(logger),
		natsclient.WithTimeout(cfg.NATS.Timeout),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// pipeline holds the long-running pieces of the daemon.
type pipeline struct {
	ruleService *rule.Service
	bindings    *binding.Manager
	consumer    *consumer.Consumer
	scheduler   *scheduler.Scheduler
	api         *api.Server
}

func buildPipeline(ctx context.Context, cfg *config.Config, client *natsclient.Client,
	registry *metric.Registry, logger *slog.Logger) (*pipeline, error) {

	if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Ingest.Stream,
		Subjects:  cfg.Ingest.Subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}); err != nil {
		return nil, err
	}
	if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Queue.Stream,
		Subjects:  cfg.Queue.Subjects,
		Retention: jetstream.WorkQueuePolicy,
	}); err != nil {
		return nil, err
	}

	ruleBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.Buckets.Rules,
	})
	if err != nil {
		return nil, err
	}
	datasetBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.Buckets.Datasets,
	})
	if err != nil {
		return nil, err
	}
	sourceBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.Buckets.DataSources,
	})
	if err != nil {
		return nil, err
	}
	templateBucket, err := client.CreateObjectStoreBucket(ctx, jetstream.ObjectStoreConfig{
		Bucket: cfg.Buckets.Templates,
	})
	if err != nil {
		return nil, err
	}

	ruleStore := rule.NewStore(client.NewKVStore(ruleBucket), logger)

	provisioner := binding.NewJetStreamProvisioner(client, cfg.Ingest.Stream, logger)
	bindings := binding.NewManager(provisioner,
		binding.WithLogger(logger), binding.WithMetrics(registry))

	resolver := workflow.NewResolver(workflow.ObjectStoreGetter{Store: templateBucket},
		cfg.Namespace, logger)

	metrics := consumer.NewMetrics(registry)
	dispatcher := consumer.NewDispatcher(ruleStore, resolver,
		consumer.NewJetStreamQueue(client), logger, metrics)

	ruleService := rule.NewService(ruleStore, bindings, dispatcher, logger)

	validator, err := consumer.NewValidator()
	if err != nil {
		return nil, err
	}
	cons := consumer.NewConsumer(client, client, validator, dispatcher, bindings,
		consumer.Config{
			Stream:          cfg.Ingest.Stream,
			FallbackSubject: cfg.Ingest.FallbackSubject,
			TopicSubject:    cfg.Ingest.TopicSubject,
			BatchSize:       cfg.Ingest.BatchSize,
			Concurrency:     cfg.Ingest.Concurrency,
			BatchTimeout:    cfg.Ingest.BatchTimeout,
			PollInterval:    cfg.Ingest.PollInterval,
		}, logger, metrics)

	sched := scheduler.New(ruleStore, dispatcher, logger)

	var encryptor crypt.Encryptor
	if key := cfg.Security.EncryptionKey; key != "" {
		encryptor, err = crypt.NewAESEncryptor([]byte(key))
		if err != nil {
			return nil, err
		}
	}

	datasets := dataset.NewStore(client.NewKVStore(datasetBucket), ruleStore, logger)
	sources := datasource.NewStore(client.NewKVStore(sourceBucket), ruleStore, encryptor, logger)
	apiServer := api.NewServer(ruleService, datasets, sources, sched, cfg.Namespace, logger)

	return &pipeline{
		ruleService: ruleService,
		bindings:    bindings,
		consumer:    cons,
		scheduler:   sched,
		api:         apiServer,
	}, nil
}
