// Command check-ai verifies that the configured Gemini key and model answer
// a trivial prompt.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/infra/config"
	"github.com/defactra/defactra-inspection-service/internal/infra/gemini"
	"github.com/defactra/defactra-inspection-service/pkg/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.GeminiAPIKey == "" {
		log.Error("GEMINI_API_KEY is not set")
		os.Exit(1)
	}

	client := gemini.NewClient(gemini.Config{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply, err := client.Ping(ctx)
	if err != nil {
		log.Error("gemini check failed", zap.String("model", cfg.GeminiModel), zap.Error(err))
		os.Exit(1)
	}
	log.Info("gemini reachable", zap.String("model", cfg.GeminiModel), zap.String("reply", reply))
}
