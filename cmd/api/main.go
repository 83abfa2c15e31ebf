package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/civicdialog/interview-api/internal/api/router"
	"github.com/civicdialog/interview-api/internal/billconfig"
	"github.com/civicdialog/interview-api/internal/bills"
	appconfig "github.com/civicdialog/interview-api/internal/config"
	"github.com/civicdialog/interview-api/internal/interview"
	"github.com/civicdialog/interview-api/internal/llm"
	"github.com/civicdialog/interview-api/internal/observability/metrics"
	"github.com/civicdialog/interview-api/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting interview API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create pgx pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// database/sql handle for the read-only bills store
	sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open sql db", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		opts := &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, config cache disabled", "error", err)
			redisClient = nil
		}
	}

	client, modelID := buildGenerationClient(ctx, cfg, logger)

	interviewStore := interview.NewStore(pool)
	configStore := billconfig.NewCachedStore(
		billconfig.NewPostgresStore(pool), redisClient, cfg.ConfigCacheTTL, logger)
	billStore := bills.NewStore(sqlDB)
	interviewMetrics := metrics.NewInterviewMetrics(nil)

	service := interview.NewService(interviewStore, configStore, client, modelID, logger)
	synthesizer := interview.NewSynthesizer(interviewStore, configStore, client, interview.SynthesizerConfig{
		Model:          modelID,
		MaxAttempts:    cfg.GenerationMaxAttempts,
		BaseDelay:      cfg.GenerationBaseDelay,
		AttemptTimeout: cfg.GenerationTimeout,
	}, interviewMetrics, logger)
	detector := interview.NewDetector(billStore, configStore, client, modelID,
		cfg.CTADetectTimeout, interviewMetrics, logger)
	handler := interview.NewHandler(service, synthesizer, detector, logger)

	r := router.New(&router.Config{
		Logger:             logger,
		InterviewHandler:   handler,
		Invalidator:        configStore,
		UserJWTSecret:      cfg.UserJWTSecret,
		ServiceToken:       cfg.ServiceToken,
		MetricsHandler:     promhttp.Handler(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// buildGenerationClient assembles the Gemini-primary, Bedrock-fallback stack.
// The returned model id is what request-level routing needs: Gemini pins its
// model at construction and ignores it, Bedrock reads it per request.
func buildGenerationClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (llm.Client, string) {
	var primary llm.Client
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Error("failed to create gemini client", "error", err)
			os.Exit(1)
		}
		primary = gemini
	}

	var fallback llm.Client
	if cfg.BedrockModelID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		fallback = llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg))
	}

	switch {
	case primary == nil && fallback == nil:
		logger.Error("no generation backend configured: set GEMINI_API_KEY or BEDROCK_MODEL_ID")
		os.Exit(1)
		return nil, ""
	case primary == nil:
		return fallback, cfg.BedrockModelID
	default:
		modelID := cfg.GeminiModelID
		if cfg.BedrockModelID != "" {
			modelID = cfg.BedrockModelID
		}
		return llm.NewFallbackClient(primary, fallback, logger), modelID
	}
}
