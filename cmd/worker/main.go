package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/inspection"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"github.com/defactra/defactra-inspection-service/internal/infra/config"
	"github.com/defactra/defactra-inspection-service/internal/infra/email"
	"github.com/defactra/defactra-inspection-service/internal/infra/ffmpeg"
	"github.com/defactra/defactra-inspection-service/internal/infra/gemini"
	"github.com/defactra/defactra-inspection-service/internal/infra/metrics"
	miniostorage "github.com/defactra/defactra-inspection-service/internal/infra/minio"
	"github.com/defactra/defactra-inspection-service/internal/infra/postgres"
	"github.com/defactra/defactra-inspection-service/internal/infra/rabbitmq"
	"github.com/defactra/defactra-inspection-service/internal/infra/redis"
	"github.com/defactra/defactra-inspection-service/internal/infra/tracing"
	"github.com/defactra/defactra-inspection-service/internal/usecase"
	"github.com/defactra/defactra-inspection-service/pkg/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting defactra inspection worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if the collector is unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint, "defactra-inspection-worker")
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else if tp != nil {
		defer tp.Shutdown(context.Background())
	}

	// Database
	if err := postgres.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		log.Warn("migration warning", zap.Error(err))
	}
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	// MinIO
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:     cfg.MinIOEndpoint,
		AccessKey:    cfg.MinIOAccessKey,
		SecretKey:    cfg.MinIOSecretKey,
		UseSSL:       cfg.MinIOUseSSL,
		UploadBucket: cfg.MinIOUploadBucket,
		ReportBucket: cfg.MinIOReportBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBuckets(ctx), "ensure minio buckets")

	// Shared classifier rate limit
	var limiter port.RateLimiter
	if cfg.RedisURL != "" {
		rdb, err := redis.Connect(ctx, cfg.RedisURL)
		fatalOnErr(err, "connect to redis")
		defer rdb.Close()
		limiter = redis.NewRateLimiter(rdb, "gemini", cfg.ClassifierRPM, log)
	} else {
		log.Warn("REDIS_URL not set, classifier calls are not rate limited")
	}

	// Analysis pipeline
	decoder := ffmpeg.NewDecoder(cfg.FFmpegPath, cfg.FFprobePath, log)
	classifier := gemini.NewClient(gemini.Config{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
		Timeout: cfg.Analysis.ClassifierTimeout,
	}, log)
	sampler := inspection.NewFrameSampler(decoder, inspection.SamplerConfig{
		FrameInterval: cfg.Analysis.FrameInterval,
		MaxFrames:     cfg.Analysis.MaxFrames,
		MinFrames:     cfg.Analysis.MinFrames,
	}, log)
	pipeline := inspection.NewVideoAnalysisPipeline(
		sampler,
		inspection.NewClassifierAdapter(classifier, limiter, cfg.Analysis.ClassifierTimeout, log),
		log,
	)

	topology := rabbitmq.Topology{
		Exchange:     cfg.RabbitMQExchange,
		RequestQueue: cfg.RabbitMQRequestQueue,
		StatusQueue:  cfg.RabbitMQStatusQueue,
		DLQ:          cfg.RabbitMQDLQ,
	}

	// The use case is wired after the consumer so publishers can share its connection.
	var uc *usecase.AnalyzeVideoUseCase
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Topology:    topology,
		Prefetch:    cfg.RabbitMQPrefetch,
		WorkerCount: cfg.WorkerCount,
		BaseDelayMs: cfg.RetryBaseDelayMs,
	}, func(ctx context.Context, body []byte) error {
		return uc.Execute(ctx, body)
	}, log)
	fatalOnErr(err, "create consumer")

	pub, err := rabbitmq.NewPublisher(consumer.Connection(), cfg.RabbitMQExchange)
	fatalOnErr(err, "create rabbitmq publisher")
	defer pub.Close()

	uc = usecase.NewAnalyzeVideoUseCase(usecase.AnalyzeVideoDeps{
		Jobs:       postgres.NewJobRepository(pool),
		Properties: postgres.NewPropertyStore(pool),
		Videos:     storage,
		Reports:    storage,
		Decoder:    decoder,
		Pipeline:   pipeline,
		Archiver:   ffmpeg.NewArchiver(),
		Publisher:  rabbitmq.NewStatusPublisher(pub),
		DLQ:        rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDLQ),
		Notifier:   email.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.NotificationTo, log),
	}, log, usecase.AnalyzeVideoConfig{
		TempDir:           cfg.TempDir,
		MaxRetries:        cfg.MaxRetries,
		KeyFramesMax:      cfg.Analysis.KeyFramesMax,
		KeyFramesDistance: cfg.Analysis.KeyFramesDistance,
	})

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log,
		metrics.HealthCheck{Name: "postgres", Check: pool.Ping},
	)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("defactra inspection worker started, consuming messages",
		zap.Int("workers", cfg.WorkerCount),
		zap.Int("frame_interval", cfg.Analysis.FrameInterval),
		zap.Int("max_frames", cfg.Analysis.MaxFrames),
	)

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	consumer.Close()
	log.Info("defactra inspection worker stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
