package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"krai.services/engine/alerts"
	"krai.services/engine/api"
	"krai.services/engine/common"
	"krai.services/engine/config"
	"krai.services/engine/db"
	"krai.services/engine/idempotency"
	"krai.services/engine/monitor"
	"krai.services/engine/notification"
	"krai.services/engine/perf"
	"krai.services/engine/pipeline"
	"krai.services/engine/processors"
	"krai.services/engine/queue"
	redisqueue "krai.services/engine/queue/redis"
	"krai.services/engine/realtime"
	"krai.services/engine/retry"
	"krai.services/engine/storage"
	"krai.services/engine/tracker"
	"krai.services/engine/version"
	"krai.services/engine/worker"
)

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "override the HTTP listen port")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the document processing engine",
	Long: `Starts the full engine: the HTTP API, the pipeline with its retry
workers, the alert evaluation loop, and the realtime monitoring hub.
Shuts down gracefully on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Server.Port = port
		}
		return runServe(cfg)
	},
}

// runServe wires every component and runs until a shutdown signal.
func runServe(cfg *config.Config) error {
	log := common.ComponentLogger("serve")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence.
	port, err := db.NewPostgres(db.Options{
		URL:             cfg.Database.URL,
		SchemaPrefix:    cfg.Database.SchemaPrefix,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return setupError("failed to connect to the database: %w", err)
	}
	defer port.Close()

	// Metrics and realtime hub.
	monitorSvc := monitor.NewService(port, monitor.HostReader{}, cfg.Monitor)
	hub := realtime.NewHub(monitorSvc, cfg.Monitor.BroadcastInterval)

	trk := tracker.NewTracker(port, func(eventType, stageName, documentID, newStatus string) {
		hub.BroadcastStageEvent(eventType, map[string]interface{}{
			"stage":       stageName,
			"processor":   tracker.ProcessorName(stageName),
			"document_id": documentID,
			"status":      newStatus,
		})
	})

	perfMetrics := perf.NewMetrics("krai_engine", prometheus.DefaultRegisterer)
	collector := perf.NewCollector(port, perfMetrics)

	// Retry queue and orchestration.
	retryQueue, err := redisqueue.NewQueue(ctx, cfg.Redis)
	if err != nil {
		return setupError("failed to connect to redis: %w", err)
	}
	defer retryQueue.Close()

	orchestrator := retry.NewOrchestrator(func(stage string) retry.Policy {
		return retry.FromStagePolicy(cfg.Pipeline.PolicyFor(stage))
	}, retryQueue)

	checker := idempotency.NewChecker(port)
	runner := pipeline.NewRunner(port, checker, trk, orchestrator, collector, version.EngineVersion())

	// Alerting.
	rules := alerts.NewRuleStore(port)
	if err := rules.Seed(ctx); err != nil {
		log.WithError(err).Warn("Failed to seed default alert rules")
	}
	var sinks []notification.Sink
	if cfg.SMTP.Host != "" {
		sinks = append(sinks, notification.NewEmailSink(cfg.SMTP))
	}
	sinks = append(sinks, notification.NewSlackSink(cfg.Slack))
	alertSvc := alerts.NewService(port, rules, monitorSvc, sinks...)
	alertSvc.SetBroadcaster(hub.Broadcast)

	runner.SetErrorSink(func(ctx context.Context, rec *db.ErrorRecord) {
		if _, err := alertSvc.QueueAlert(ctx, alerts.EventFromRecord(rec)); err != nil {
			log.WithError(err).Warn("Failed to queue error alert")
		}
	})

	// Object storage for source documents.
	var blobs processors.BlobStore
	if cfg.Storage.Bucket != "" {
		docStorage, err := storage.NewDocumentStorage(ctx, cfg.Storage)
		if err != nil {
			return setupError("failed to initialize object storage: %w", err)
		}
		if err := docStorage.EnsureBucket(ctx); err != nil {
			log.WithError(err).Warn("Failed to ensure document bucket")
		}
		blobs = docStorage
	}

	// Pipeline assembly. Stages without a collaborator stay unwired and
	// are recorded as skipped by the sequencer.
	ai := processors.NewAIClient(cfg.AI, collector)
	registry := pipeline.NewRegistry()
	processors.RegisterAll(registry, processors.Dependencies{
		Port:     port,
		Embedder: ai,
		Caption:  ai,
		Blobs:    blobs,
	})
	sequencer := pipeline.NewSequencer(port, runner, registry, trk, cfg.Pipeline)

	pool := worker.NewPool(retryQueue, sequencer, worker.Config{
		Workers:         cfg.Pipeline.RetryWorkers,
		DequeueTimeout:  5 * time.Second,
		PromoteInterval: time.Second,
	})
	pool.Start(ctx)

	// Optional AMQP ingest bridge.
	var bridge *queue.IngestBridge
	if cfg.AMQP.URL != "" {
		bridge, err = queue.NewIngestBridge(cfg.AMQP)
		if err != nil {
			return setupError("failed to connect to the ingest broker: %w", err)
		}
		defer bridge.Close()
		go func() {
			if err := bridge.Consume(ctx, func(ctx context.Context, event queue.DocumentAccepted) error {
				return sequencer.ProcessDocument(ctx, event.DocumentID)
			}); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Ingest consumer stopped")
			}
		}()
	}

	// Background loops.
	go hub.Run(ctx)
	go alertLoop(ctx, alertSvc, cfg.Monitor.AlertEvaluationInterval)
	go sweepLoop(ctx, monitorSvc)

	// HTTP surface.
	deps := api.Deps{
		Port:    port,
		Monitor: monitorSvc,
		Alerts:  alertSvc,
		Hub:     hub,
		Tracker: trk,
		Runner:  sequencer,
		Tokens:  api.NewTokenService(cfg.Security.JWTSecret, 24*time.Hour),
	}
	if bridge != nil {
		deps.Ingest = bridge
	}
	server := api.NewServer(cfg.Server, cfg.Security, deps, filepath.Join(os.TempDir(), "krai-uploads"))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return businessError("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown incomplete")
	}
	pool.Wait()
	log.Info("Engine stopped")
	return nil
}

// alertLoop evaluates threshold rules on a fixed cadence.
func alertLoop(ctx context.Context, svc *alerts.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.EvaluateAlerts(ctx)
		}
	}
}

// sweepLoop purges expired metric cache entries once a minute.
func sweepLoop(ctx context.Context, svc *monitor.Service) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.Sweep()
		}
	}
}
