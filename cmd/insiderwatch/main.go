// Command insiderwatch runs the behavioral anomaly pipeline: it ingests
// activity from capture producers, evaluates the rolling window on a fixed
// tick, and notifies the security team about suspicious employees.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"insiderwatch/internal/alerts"
	"insiderwatch/internal/api"
	"insiderwatch/internal/capture"
	"insiderwatch/internal/config"
	"insiderwatch/internal/engine"
	"insiderwatch/internal/ingest"
	"insiderwatch/internal/logging"
	"insiderwatch/internal/metrics"
	"insiderwatch/internal/model"
	"insiderwatch/internal/notify"
	"insiderwatch/internal/sink"
	"insiderwatch/internal/storage"
	"insiderwatch/internal/supervisor"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "insiderwatch:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("INSIDERWATCH_CONFIG"), "path to config file (yaml, json or toml)")
	flag.Parse()

	mgr, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting insiderwatch", "version", version, "config", mgr.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	var sinks []engine.ActivitySink
	var alertStore engine.AlertStore
	var archive api.Archive
	if store != nil {
		sinks = append(sinks, store)
		alertStore = store
		archive = store
	}
	if cfg.Sink.Kafka.Enabled {
		pub, err := sink.NewKafkaPublisher(cfg.Sink.Kafka)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, pub)
		logger.Info("kafka activity sink enabled", "topic", cfg.Sink.Kafka.Topic)
	}
	activitySink := sink.New(sinks...)

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	stats := metrics.NewStore(cfg.Metrics.StoreLimit)
	history := alerts.NewStore(cfg.Alerts.StoreLimit)
	prom := metrics.NewCollectors()
	pipeline := engine.NewPipeline(cfg, engine.Options{
		Logger:   logger,
		Sink:     activitySink,
		Notifier: notifier,
		Alerts:   alertStore,
		History:  history,
		Stats:    stats,
		Prom:     prom,
	})
	pipeline.Recorder().StartSink(ctx)

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddDetectionService(supervisor.NewFuncService("tick-scheduler", pipeline.Run))
	tree.AddDetectionService(supervisor.NewConfigWatchService(mgr, 3*time.Second, pipeline.UpdateConfig, logger))
	addIngest(tree, mgr, pipeline, logger)

	if cfg.API.Enabled {
		server := api.NewServer(mgr, pipeline, api.Options{
			Metrics: stats,
			Alerts:  history,
			Archive: archive,
			Prom:    prom,
			Logger:  logger,
			Version: version,
		})
		httpServer := &http.Server{Addr: cfg.API.Addr, Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
		tree.AddAPIService(supervisor.NewHTTPService("operator-api", httpServer, 10*time.Second))
		logger.Info("api enabled", "addr", cfg.API.Addr)
	}

	err = tree.Serve(ctx)
	pipeline.Wait()
	select {
	case <-pipeline.Recorder().Done():
	case <-time.After(10 * time.Second):
		logger.Warn("activity sink did not flush before shutdown")
	}
	if c, ok := activitySink.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			logger.Warn("close activity sink", "err", cerr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("insiderwatch stopped")
	return nil
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		config.ApplyEnv(cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, fmt.Errorf("default config: %w", err)
		}
		return config.Static(cfg), nil
	}
	mgr, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

func addIngest(tree *supervisor.Tree, mgr *config.Manager, pipeline *engine.Pipeline, logger *slog.Logger) {
	cfg := mgr.Get()
	events := make(chan model.ActivityEvent, cfg.Ingest.ChannelBuffer)
	tree.AddIngestService(ingest.NewPump(events, pipeline.Recorder(), logger))

	if cfg.Ingest.REST.Enabled {
		rest := ingest.NewRESTServer(events, logger)
		srv := &http.Server{Addr: cfg.Ingest.REST.Addr, Handler: rest.Routes(), ReadHeaderTimeout: 10 * time.Second}
		tree.AddIngestService(supervisor.NewHTTPService("ingest-rest", srv, 5*time.Second))
		logger.Info("rest ingest enabled", "addr", cfg.Ingest.REST.Addr)
	}
	if cfg.Ingest.FileTail.Enabled {
		tree.AddIngestService(ingest.NewFileTailer(mgr, events, logger))
	}
	if cfg.Ingest.TCPStream.Enabled {
		tree.AddIngestService(ingest.NewTCPStream(mgr, events, logger))
	}
	if cfg.Ingest.Kafka.Enabled {
		tree.AddIngestService(ingest.NewKafkaConsumer(mgr, pipeline.Recorder(), logger))
	}
	if cfg.Capture.Processes {
		tree.AddIngestService(capture.NewProcessScanner(mgr, pipeline, logger))
	}
	if cfg.Capture.Media {
		tree.AddIngestService(capture.NewMediaScanner(mgr, pipeline, logger))
	}
}
