package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/adgen-pipeline/internal/config"
	"github.com/cuongbtq/adgen-pipeline/internal/credit"
	"github.com/cuongbtq/adgen-pipeline/internal/provider"
	"github.com/cuongbtq/adgen-pipeline/internal/store"
	"github.com/cuongbtq/adgen-pipeline/internal/upload"
	"github.com/cuongbtq/adgen-pipeline/internal/worker"
	"github.com/cuongbtq/adgen-pipeline/shared/logger"
	"github.com/cuongbtq/adgen-pipeline/shared/postgresql"
	"github.com/cuongbtq/adgen-pipeline/shared/rabbitmq"
)

const serviceName = "adgen-worker-service"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	gateway, err := initGateway(ctx, &cfg.Providers, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	appLogger.Info("Image providers configured",
		slog.Any("providers", gateway.Providers()),
		slog.String("default", cfg.Providers.Default),
	)
	if unserved := gateway.Unserved(cfg.Pipeline.Providers); len(unserved) > 0 {
		appLogger.Warn("Admitted provider hints have no configured provider, jobs will use the default",
			slog.Any("hints", unserved),
			slog.String("default", cfg.Providers.Default),
		)
	}

	uploads, err := initUploads(ctx, &cfg.Storage, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	db := dbClient.GetDB()
	workerInstance, err := worker.NewWorker(worker.Config{
		Logger:              appLogger.Logger,
		Store:               store.NewPostgresStore(db, appLogger.Logger),
		Gateway:             gateway,
		Uploads:             uploads,
		Ledger:              credit.NewPostgresLedger(db, appLogger.Logger),
		WorkerID:            workerID,
		Concurrency:         cfg.Worker.Concurrency,
		PollInterval:        cfg.Worker.PollInterval,
		HeartbeatInterval:   cfg.Worker.HeartbeatInterval,
		JobTimeout:          cfg.Worker.JobTimeout,
		MaxAttempts:         cfg.Pipeline.MaxAttempts,
		RetryBaseDelay:      cfg.Pipeline.RetryBaseDelay,
		RetryMaxDelay:       cfg.Pipeline.RetryMaxDelay,
		PerOwnerLimit:       cfg.Pipeline.PerOwnerLimit,
		StaleAfter:          cfg.Worker.StaleAfter,
		ReclaimInterval:     cfg.Worker.ReclaimInterval,
		UnhealthyThreshold:  cfg.Worker.UnhealthyThreshold,
		HealthProbeInterval: cfg.Worker.HealthProbeInterval,
		UploadConcurrency:   cfg.Worker.UploadConcurrency,
		CostPerVariant:      cfg.Pipeline.CostPerVariant,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	g.Go(func() error {
		// Polling still finds work when the broker is down.
		if err := workerInstance.ConsumeWakeUps(gctx, rabbitClient); err != nil {
			appLogger.Warn("Wake-up consumer unavailable, relying on polling", slog.Any("error", err))
		}
		return nil
	})

	var healthSrv *http.Server
	if cfg.Worker.HealthPort > 0 {
		healthSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Worker.HealthPort),
			Handler:           healthRouter(cfg.App.Environment, workerInstance, rabbitClient),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
	}

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerID),
		slog.Int("health_port", cfg.Worker.HealthPort),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case <-gctx.Done():
		appLogger.Error("Worker component failed, shutting down")
	}

	// Stop claiming and let in-flight jobs reach their next checkpoint
	workerInstance.Stop()
	if healthSrv != nil {
		shutdownHealth, cancelHealth := context.WithTimeout(context.Background(), 5*time.Second)
		_ = healthSrv.Shutdown(shutdownHealth)
		cancelHealth()
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	var runErr error
	select {
	case runErr = <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, cancelling in-flight jobs")
		cancel()
		runErr = <-done
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
		Service:      serviceName,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initGateway builds a generator for every provider with an API key
func initGateway(ctx context.Context, cfg *config.ProvidersConfig, logger *slog.Logger) (*provider.Gateway, error) {
	var generators []provider.Generator

	if cfg.Gemini.APIKey != "" {
		gemini, err := provider.NewGeminiGenerator(ctx, provider.GeminiConfig{
			APIKey: cfg.Gemini.APIKey,
			Model:  cfg.Gemini.Model,
		}, logger)
		if err != nil {
			return nil, err
		}
		generators = append(generators, gemini)
	}

	if cfg.DashScope.APIKey != "" {
		timeout := cfg.DashScope.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		generators = append(generators, provider.NewDashScopeGenerator(provider.DashScopeConfig{
			APIKey:  cfg.DashScope.APIKey,
			BaseURL: cfg.DashScope.BaseURL,
			Model:   cfg.DashScope.Model,
			Timeout: timeout,
		}, &http.Client{Timeout: timeout}, logger))
	}

	return provider.NewGateway(cfg.Default, logger, generators...)
}

// initUploads selects the image store backend
func initUploads(ctx context.Context, cfg *config.StorageConfig, logger *slog.Logger) (upload.Store, error) {
	switch cfg.Backend {
	case config.StorageS3:
		s3Store, err := upload.NewS3Store(ctx, upload.S3Config{
			Bucket:        cfg.S3.Bucket,
			Region:        cfg.S3.Region,
			Prefix:        cfg.S3.Prefix,
			PublicBaseURL: cfg.S3.PublicBaseURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s3Store, nil
	default:
		fileStore, err := upload.NewFileStore(cfg.Filesystem.BasePath, cfg.Filesystem.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		return fileStore, nil
	}
}

// healthRouter exposes pool and broker health for orchestrator probes
func healthRouter(environment string, w *worker.Worker, rabbitClient *rabbitmq.Client) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		status := w.Health().Status()
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"service":            serviceName,
			"pool":               status,
			"rabbitmq_connected": rabbitClient.IsConnected(),
		})
	})
	return r
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
