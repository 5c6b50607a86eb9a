package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Toasterson/forge/config"
	"github.com/Toasterson/forge/internal/handlers"
	"github.com/Toasterson/forge/pkg/apply"
	"github.com/Toasterson/forge/pkg/database"
	"github.com/Toasterson/forge/pkg/dispatch"
	"github.com/Toasterson/forge/pkg/health"
	"github.com/Toasterson/forge/pkg/kafka"
	"github.com/Toasterson/forge/pkg/middleware"
	"github.com/Toasterson/forge/pkg/redis"
	"github.com/Toasterson/forge/pkg/repositories"
	"github.com/Toasterson/forge/pkg/scheduler"
	"github.com/Toasterson/forge/pkg/startup"
	"github.com/Toasterson/forge/pkg/tracing"
	"github.com/Toasterson/forge/pkg/tracing/exporters"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Missing .env is fine; containers get their environment from the runtime.
	_ = godotenv.Load()

	cfg := &config.Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger ectologger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to shut down tracer provider")
		}
	}()

	db, err := connectDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	dbInstance := database.NewDatabaseInstance(db, logger)

	gateRepo := repositories.NewGateRepository(dbInstance, logger)
	componentRepo := repositories.NewComponentRepository(dbInstance, logger)
	changeRepo := repositories.NewChangeRepository(dbInstance, logger)
	requestRepo := repositories.NewRequestRepository(dbInstance, logger)
	jobRepo := repositories.NewJobRepository(dbInstance, logger)

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	streams := redis.NewStreams(redisClient)
	locker := redis.NewLocker(redisClient, "forge:locks")
	dlq := redis.NewDeadLetterQueue(redisClient, cfg.RedisStreamsDLQ, logger)

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      strings.Split(cfg.KafkaBrokers, ","),
		Topic:        cfg.KafkaEventsTopic,
		RequiredAcks: -1,
	}, logger)
	defer producer.Close()

	engine := apply.NewEngine(dbInstance, gateRepo, componentRepo, changeRepo, requestRepo, jobRepo, producer, logger)

	dispatcher := dispatch.NewDispatcher(
		dispatch.Config{JobStream: cfg.RedisStreamsJobQueue},
		gateRepo,
		requestRepo,
		changeRepo,
		jobRepo,
		streams,
		dispatch.RedisLocker{Locker: locker},
		engine,
		producer,
		logger,
	)

	reportHandler := dispatch.NewReportHandler(jobRepo, dispatcher, dlq, logger)
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       strings.Split(cfg.KafkaBrokers, ","),
		Topic:         cfg.KafkaReportTopic,
		ConsumerGroup: cfg.KafkaReportConsumerGroup,
	}, logger, reportHandler.Handle)

	watchdog := scheduler.NewWatchdog(jobRepo, requestRepo, dispatcher, scheduler.Config{
		PollInterval: cfg.WatchdogPollInterval,
		StaleTimeout: cfg.JobStaleTimeout,
	}, logger)

	e := newServer(cfg, logger)

	api := e.Group("/api/v1")
	handlers.NewGateHandler(gateRepo).RegisterRoutes(api)
	handlers.NewComponentHandler(componentRepo, gateRepo).RegisterRoutes(api)
	handlers.NewChangeRequestHandler(requestRepo, changeRepo, componentRepo, gateRepo, jobRepo, dispatcher, producer, logger).RegisterRoutes(api)
	handlers.NewDLQHandler(dlq, logger).RegisterRoutes(api)

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	health.NewChecker(db, redisClient.Redis(), consumer, version).RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	boot.AddDependency(startup.Func{
		Name: "migrations",
		StartFunc: func(ctx context.Context) error {
			return runMigrations(cfg, db, logger)
		},
	})
	boot.AddDependency(startup.Func{
		Name:      "dispatcher",
		Needs:     []string{"migrations"},
		StartFunc: dispatcher.Start,
		StopFunc: func(ctx context.Context) error {
			dispatcher.Stop()
			return nil
		},
	})
	boot.AddDependency(startup.Func{
		Name:      "report-consumer",
		Needs:     []string{"dispatcher"},
		StartFunc: consumer.Start,
		StopFunc: func(ctx context.Context) error {
			return consumer.Stop()
		},
	})
	if cfg.WatchdogEnabled {
		boot.AddDependency(startup.Func{
			Name:      "watchdog",
			Needs:     []string{"dispatcher"},
			StartFunc: watchdog.Start,
			StopFunc:  watchdog.Stop,
		})
	}
	boot.AddDependency(startup.Func{
		Name:  "http-server",
		Needs: []string{"dispatcher", "report-consumer"},
		StartFunc: func(ctx context.Context) error {
			go func() {
				addr := fmt.Sprintf(":%d", cfg.Port)
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("HTTP server failed")
				}
			}()
			return nil
		},
		StopFunc: e.Shutdown,
	})

	if err := boot.Start(ctx); err != nil {
		return err
	}
	logger.WithField("port", cfg.Port).Infof("%s listening on port %d", cfg.AppName, cfg.Port)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return boot.Stop(shutdownCtx)
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	var zapCfg zap.Config
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

func setupTracing(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	// Without a collector spans still get recorded so trace ids show up in
	// logs and responses; the exporter just discards them.
	var exporter sdktrace.SpanExporter = &exporters.ConsoleExporter{}
	if cfg.OTLPEnabled {
		otlp, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = otlp
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", cfg.AppName),
		)),
	)
	otel.SetTracerProvider(provider)
	tracing.SetTracer(provider.Tracer(cfg.AppName))

	return provider.Shutdown, nil
}

func connectDatabase(cfg *config.Config, logger ectologger.Logger) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost,
		cfg.DatabasePort,
		cfg.DatabaseUserName,
		cfg.DatabasePassword,
		cfg.DatabaseName,
		cfg.DatabaseSSLMode,
	)

	db, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	logger.WithField("database", cfg.DatabaseName).Info("Connected to database")
	return db, nil
}

func runMigrations(cfg *config.Config, db *sqlx.DB, logger ectologger.Logger) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	service := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
	})
	return service.Migrate(cfg.DatabaseName, driver)
}

func newServer(cfg *config.Config, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewValidator()

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	return e
}
