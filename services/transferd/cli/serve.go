package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/monoblaine/background-downloader/internal/bridge"
	"github.com/monoblaine/background-downloader/internal/domain"
	"github.com/monoblaine/background-downloader/internal/executor"
	"github.com/monoblaine/background-downloader/internal/kafka"
	"github.com/monoblaine/background-downloader/internal/notify"
	"github.com/monoblaine/background-downloader/internal/orchestrator"
	"github.com/monoblaine/background-downloader/internal/postgres"
	redisstore "github.com/monoblaine/background-downloader/internal/redis"
	"github.com/monoblaine/background-downloader/internal/storage"
	"github.com/monoblaine/background-downloader/internal/version"
	"github.com/monoblaine/background-downloader/pkg/telemetry"
	"github.com/monoblaine/background-downloader/services/transferd/config"
	"github.com/monoblaine/background-downloader/services/transferd/handler"
	"github.com/monoblaine/background-downloader/services/transferd/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the transfer orchestrator and its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables the update relay")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN; empty disables the transfer journal")
	serveCmd.Flags().String("files-dir", "./data/files", "directory for finished downloads")
	serveCmd.Flags().String("parts-dir", "./data/parts", "directory for in-flight part files")
	serveCmd.Flags().Duration("pause-timeout", 500*time.Millisecond, "how long a pause waits for resume data")
	serveCmd.Flags().String("maintain-every", "@every 1h", "cron schedule for the maintenance sweep")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("files_dir", serveCmd.Flags(), "files-dir")
	bindFlag("parts_dir", serveCmd.Flags(), "parts-dir")
	bindFlag("pause_timeout", serveCmd.Flags(), "pause-timeout")
	bindFlag("maintain_every", serveCmd.Flags(), "maintain-every")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "transferd")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "transferd", version.Version, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	store := redisstore.NewBufferStore(redisClient)

	br := bridge.New(store, logger)
	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		producer := kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
		br.Attach(kafka.NewRelay(producer, "", ""))
		logger.Info("kafka relay attached", slog.String("brokers", cfg.KafkaBrokers))
	}

	journal := postgres.Nop()
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		journal = postgres.NewJournal(pool)
	}

	notifier := notify.Nop()
	switch {
	case cfg.WebhookURL != "":
		notifier = notify.NewWebhookNotifier(cfg.WebhookURL)
	case cfg.SMTPHost != "":
		notifier = notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			To:       cfg.SMTPTo,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		})
	}

	mover := storage.Nop()
	switch {
	case cfg.S3Bucket != "":
		s3Mover, err := storage.NewS3(context.Background(), cfg.S3Bucket, cfg.S3Prefix, logger)
		if err != nil {
			return fmt.Errorf("s3 store: %w", err)
		}
		mover = s3Mover
	case cfg.StoreDir != "":
		localMover, err := storage.NewLocal(cfg.StoreDir, logger)
		if err != nil {
			return fmt.Errorf("local store: %w", err)
		}
		mover = localMover
	}

	exec, err := executor.NewHTTP(cfg.PartsDir, cfg.FilesDir, logger)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Executor:       exec,
		Bridge:         br,
		Journal:        journal,
		Notifier:       notifier,
		Mover:          mover,
		Logger:         logger,
		FilesDir:       cfg.FilesDir,
		InitialPolicy:  domain.NetworkPolicy{RequireUnmetered: cfg.RequireUnmetered},
		PauseTimeout:   cfg.PauseTimeout,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		PartsMaxAge:    cfg.PartsMaxAge,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go orch.Run(runCtx)

	maintenance := cron.New()
	if _, err := maintenance.AddFunc(cfg.MaintainEvery, func() { orch.Maintain(runCtx) }); err != nil {
		return fmt.Errorf("maintain schedule %q: %w", cfg.MaintainEvery, err)
	}
	maintenance.Start()

	restHandler := handler.NewREST(orch, store.Ping, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Mount("/api/v1", restHandler.Routes())

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, store.Ping)

	logger.Info("transferd starting",
		slog.String("files_dir", cfg.FilesDir),
		slog.String("parts_dir", cfg.PartsDir),
		slog.Bool("require_unmetered", cfg.RequireUnmetered),
		slog.String("maintain_every", cfg.MaintainEvery),
	)

	go func() {
		logger.Info("transferd HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()
	maintenance.Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
