package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/bid-evaluator/internal/ai"
	"github.com/spigell/bid-evaluator/internal/ai/gemini"
	"github.com/spigell/bid-evaluator/internal/evaluation"
	"github.com/spigell/bid-evaluator/internal/logger"
	"github.com/spigell/bid-evaluator/internal/objectstore"
	"github.com/spigell/bid-evaluator/internal/scheduler"
	"github.com/spigell/bid-evaluator/internal/secrets"
	"github.com/spigell/bid-evaluator/internal/store"
	"github.com/spigell/bid-evaluator/internal/store/memory"
	"github.com/spigell/bid-evaluator/internal/store/postgres"
)

// setup builds the logger and config every command starts with.
func setup() (*zap.Logger, *Config) {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	return logger, config
}

func openStore(ctx context.Context, cfg StorageConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		url, err := secrets.Load(secrets.Source{
			Name:  "database url",
			File:  cfg.DatabaseURLFile,
			Value: cfg.DatabaseURL,
			Env:   "DATABASE_URL",
		})
		if err != nil {
			return nil, err
		}
		st, err := postgres.Open(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		log.Info("using postgres store")
		return st, nil
	default:
		log.Warn("using in-memory store, data is lost on exit")
		return memory.New(), nil
	}
}

func newGateway(ctx context.Context, cfg AIConfig, log *zap.Logger) (*gemini.Generator, error) {
	apiKey, err := secrets.Load(secrets.Source{
		Name:  "gemini api key",
		File:  cfg.Gemini.APIKeyFile,
		Value: cfg.Gemini.APIKey,
		Env:   "GEMINI_API_KEY",
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY_FILE)", err)
	}

	resolver, err := ai.NewResolver(log, ai.ResolverOptions{
		FetchTimeout: cfg.Attachments.FetchTimeout,
		CacheSize:    cfg.Attachments.CacheSize,
		CacheTTL:     cfg.Attachments.CacheTTL,
		MaxBytes:     cfg.Attachments.MaxBytes,
	})
	if err != nil {
		return nil, err
	}

	genLogger := logger.WithFields(log, zap.Int("ai_retry_attempts", cfg.Gemini.MaxRetries))
	return gemini.NewGenerator(ctx, gemini.Config{
		APIKey:            apiKey,
		Model:             cfg.Gemini.Model,
		MaxRetries:        cfg.Gemini.MaxRetries,
		CallTimeout:       cfg.Gemini.CallTimeout,
		RequestsPerMinute: cfg.Gemini.RequestsPerMinute,
		MaxQuotaWait:      cfg.Gemini.MaxQuotaWait,
		MaxLogLength:      cfg.Gemini.MaxLogLength,
	}, resolver, genLogger)
}

func newOrchestrator(st store.Store, gateway ai.Gateway, cfg *Config, log *zap.Logger) *evaluation.Orchestrator {
	return evaluation.New(st, gateway, log, evaluation.Options{
		FileBaseURL:  cfg.Server.BaseURL,
		Temperature:  cfg.Evaluation.Temperature,
		StageDelay:   cfg.Evaluation.StageDelay,
		StageTimeout: cfg.Evaluation.StageTimeout,
		RepairJSON:   cfg.Evaluation.RepairJSON,
		Metrics:      evaluation.DefaultMetrics(),
	})
}

func newExecutor(runner scheduler.Runner, cfg SchedulerConfig, log *zap.Logger, metrics *scheduler.Metrics) *scheduler.Executor {
	return scheduler.NewExecutor(runner, log, scheduler.Options{
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		StartDelay: cfg.StartDelay,
		RunTimeout: cfg.RunTimeout,
		Metrics:    metrics,
	})
}

func newObjectStore(cfg MinioConfig) (*objectstore.Minio, error) {
	secret, err := secrets.Load(secrets.Source{
		Name:  "minio secret key",
		File:  cfg.SecretKeyFile,
		Value: cfg.SecretKey,
		Env:   "MINIO_SECRET_KEY",
	})
	if err != nil {
		return nil, err
	}

	return objectstore.New(objectstore.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: secret,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
		PublicURL: cfg.PublicURL,
	})
}
