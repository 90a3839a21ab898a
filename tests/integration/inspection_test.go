package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/inspection"
	"github.com/defactra/defactra-inspection-service/internal/infra/email"
	"github.com/defactra/defactra-inspection-service/internal/infra/ffmpeg"
	"github.com/defactra/defactra-inspection-service/internal/infra/gemini"
	miniostorage "github.com/defactra/defactra-inspection-service/internal/infra/minio"
	"github.com/defactra/defactra-inspection-service/internal/infra/postgres"
	"github.com/defactra/defactra-inspection-service/internal/infra/rabbitmq"
	"github.com/defactra/defactra-inspection-service/internal/infra/redis"
	"github.com/defactra/defactra-inspection-service/internal/usecase"
	"github.com/defactra/defactra-inspection-service/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

const (
	exchange     = "defactra.inspection"
	requestQueue = "inspection.requested"
	statusQueue  = "inspection.status"
	dlq          = "inspection.requested.dlq"
)

type environment struct {
	pool     *pgxpool.Pool
	storage  *miniostorage.Storage
	rmqURL   string
	rmqConn  *amqp.Connection
	redisURL string
	log      *zap.Logger
}

func startEnvironment(t *testing.T, ctx context.Context) *environment {
	t.Helper()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("defactra"),
		tcpostgres.WithUsername("defactra"),
		tcpostgres.WithPassword("defactra"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { pgContainer.Terminate(context.Background()) })

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, postgres.RunMigrations(pgConnStr, "../../migrations"))

	pool, err := postgres.Connect(ctx, pgConnStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	rmqContainer, err := tcrabbitmq.Run(ctx, "rabbitmq:3.12-management-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { rmqContainer.Terminate(context.Background()) })

	rmqURL, err := rmqContainer.AmqpURL(ctx)
	require.NoError(t, err)
	rmqConn, err := amqp.Dial(rmqURL)
	require.NoError(t, err)
	t.Cleanup(func() { rmqConn.Close() })

	minioContainer, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { minioContainer.Terminate(context.Background()) })

	minioEndpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:     minioEndpoint,
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		UploadBucket: "uploads",
		ReportBucket: "reports",
	})
	require.NoError(t, err)
	require.NoError(t, storage.EnsureBuckets(ctx))

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { redisContainer.Terminate(context.Background()) })
	redisURL, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)

	log, err := logger.New("debug")
	require.NoError(t, err)

	return &environment{pool: pool, storage: storage, rmqURL: rmqURL, rmqConn: rmqConn, redisURL: redisURL, log: log}
}

// fakeGemini answers every frame with one crack so the full reporting path runs.
func fakeGemini(t *testing.T) *httptest.Server {
	t.Helper()
	payload := `{"is_property": true, "overall_condition_score": 64, "usability_rating": "fair",
		"defects": [{"detected_object": "Crack", "severity": "high", "confidence_score": 82,
		"location": "ceiling", "description": "Hairline crack"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content":      map[string]any{"parts": []any{map[string]any{"text": payload}}},
				"finishReason": "STOP",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testVideo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	path := filepath.Join(t.TempDir(), "walkthrough.mp4")
	out, err := exec.Command("ffmpeg", "-v", "error", "-f", "lavfi",
		"-i", "testsrc=duration=4:size=320x240:rate=30",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", path).CombinedOutput()
	if err != nil {
		t.Skipf("could not generate test video: %v: %s", err, out)
	}
	return path
}

func startWorker(t *testing.T, ctx context.Context, env *environment, geminiURL string) *rabbitmq.Publisher {
	t.Helper()

	rdb, err := redis.Connect(ctx, env.redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	decoder := ffmpeg.NewDecoder("", "", env.log)
	classifier := gemini.NewClient(gemini.Config{APIKey: "test-key", BaseURL: geminiURL}, env.log)
	limiter := redis.NewRateLimiter(rdb, "gemini-it", 600, env.log)
	sampler := inspection.NewFrameSampler(decoder, inspection.DefaultSamplerConfig(), env.log)
	pipeline := inspection.NewVideoAnalysisPipeline(sampler,
		inspection.NewClassifierAdapter(classifier, limiter, 10*time.Second, env.log), env.log)

	var uc *usecase.AnalyzeVideoUseCase
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL: env.rmqURL,
		Topology: rabbitmq.Topology{
			Exchange:     exchange,
			RequestQueue: requestQueue,
			StatusQueue:  statusQueue,
			DLQ:          dlq,
		},
		Prefetch:    1,
		WorkerCount: 1,
		BaseDelayMs: 100,
	}, func(ctx context.Context, body []byte) error { return uc.Execute(ctx, body) }, env.log)
	require.NoError(t, err)
	t.Cleanup(func() { consumer.Close() })

	pub, err := rabbitmq.NewPublisher(env.rmqConn, exchange)
	require.NoError(t, err)

	uc = usecase.NewAnalyzeVideoUseCase(usecase.AnalyzeVideoDeps{
		Jobs:       postgres.NewJobRepository(env.pool),
		Properties: postgres.NewPropertyStore(env.pool),
		Videos:     env.storage,
		Reports:    env.storage,
		Decoder:    decoder,
		Pipeline:   pipeline,
		Archiver:   ffmpeg.NewArchiver(),
		Publisher:  rabbitmq.NewStatusPublisher(pub),
		DLQ:        rabbitmq.NewDLQPublisher(pub, dlq),
		Notifier:   email.NewSMTPNotifier("localhost", 1025, "test@defactra.local", "", env.log),
	}, env.log, usecase.AnalyzeVideoConfig{TempDir: t.TempDir(), MaxRetries: 3})

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	t.Cleanup(consumerCancel)
	go consumer.Start(consumerCtx)
	time.Sleep(500 * time.Millisecond)

	return pub
}

func waitForState(t *testing.T, conn *amqp.Connection, jobID string, states ...entity.JobState) entity.InspectionStatusMessage {
	t.Helper()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	deliveries, err := ch.Consume(statusQueue, "", true, false, false, false, nil)
	require.NoError(t, err)

	timeout := time.After(3 * time.Minute)
	for {
		select {
		case d := <-deliveries:
			var status entity.InspectionStatusMessage
			require.NoError(t, json.Unmarshal(d.Body, &status))
			if status.JobID.String() != jobID {
				continue
			}
			for _, s := range states {
				if status.State == s {
					return status
				}
			}
		case <-timeout:
			t.Fatalf("timeout waiting for job %s to reach %v", jobID, states)
		}
	}
}

func TestInspectionEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	videoPath := testVideo(t)
	env := startEnvironment(t, ctx)
	pub := startWorker(t, ctx, env, fakeGemini(t).URL)

	video, err := os.Open(videoPath)
	require.NoError(t, err)
	defer video.Close()
	stat, err := video.Stat()
	require.NoError(t, err)

	submit := usecase.NewSubmitInspectionUseCase(postgres.NewJobRepository(env.pool), env.storage,
		rabbitmq.NewRequestPublisher(pub), 3, env.log)
	out, err := submit.Execute(ctx, usecase.SubmitInspectionInput{
		UserEmail: "owner@example.com",
		Property:  entity.PropertyDetails{Address: "12 Elm Street", City: "Springfield", RoomName: "Living room"},
		Filename:  "walkthrough.mp4",
		Size:      stat.Size(),
		Video:     video,
	})
	require.NoError(t, err)

	status := waitForState(t, env.rmqConn, out.JobID.String(), entity.JobStateReportReady, entity.JobStateFailed)
	require.Equal(t, entity.JobStateReportReady, status.State, status.ErrorMessage)
	assert.Equal(t, 10, status.FramesAnalyzed, "4s at 30fps samples every 12th frame")
	assert.Equal(t, 10, status.DefectsFound)
	assert.NotEmpty(t, status.KeyFramesKey)

	report, err := env.storage.GetReport(ctx, status.ReportKey)
	require.NoError(t, err)
	defer report.Close()
	var doc usecase.InspectionReport
	require.NoError(t, json.NewDecoder(report).Decode(&doc))
	require.Len(t, doc.DefectTimeline, 1)
	assert.Equal(t, "Crack", doc.DefectTimeline[0].DefectType)
	assert.Equal(t, 10, doc.DefectTimeline[0].FrameCount)
	require.NotNil(t, doc.Risk)

	risk, err := postgres.NewPropertyStore(env.pool).PropertyRiskScore(ctx, out.PropertyID)
	require.NoError(t, err)
	assert.Equal(t, 10, risk.TotalHigh)
	assert.Equal(t, 100, risk.Score)
	assert.Equal(t, entity.RiskHigh, risk.Category)

	var findings int
	require.NoError(t, env.pool.QueryRow(ctx,
		"SELECT count(*) FROM findings WHERE job_id=$1", out.JobID).Scan(&findings))
	assert.Equal(t, 10, findings)
}

func TestMalformedRequestGoesToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	env := startEnvironment(t, ctx)
	startWorker(t, ctx, env, fakeGemini(t).URL)

	ch, err := env.rmqConn.Channel()
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.PublishWithContext(ctx, exchange, rabbitmq.RequestedRoutingKey, false, false,
		amqp.Publishing{ContentType: "application/json", Body: []byte(`{invalid json`)}))

	var (
		msg amqp.Delivery
		ok  bool
	)
	require.Eventually(t, func() bool {
		msg, ok, err = ch.Get(dlq, true)
		return err == nil && ok
	}, 10*time.Second, 200*time.Millisecond, "malformed message should be in DLQ")
	assert.Equal(t, `{invalid json`, string(msg.Body))
}

func TestRateLimiterIsSharedAcrossClients(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	defer redisContainer.Terminate(context.Background())
	redisURL, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)

	log, err := logger.New("debug")
	require.NoError(t, err)

	first, err := redis.Connect(ctx, redisURL)
	require.NoError(t, err)
	defer first.Close()
	second, err := redis.Connect(ctx, redisURL)
	require.NoError(t, err)
	defer second.Close()

	a := redis.NewRateLimiter(first, "shared", 2, log)
	b := redis.NewRateLimiter(second, "shared", 2, log)

	require.NoError(t, a.Wait(ctx))
	require.NoError(t, b.Wait(ctx))

	// The window's budget is spent, so a third caller waits for the next minute.
	short, shortCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer shortCancel()
	assert.ErrorIs(t, a.Wait(short), context.DeadlineExceeded)
}
