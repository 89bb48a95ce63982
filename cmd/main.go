package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"animalchat-engine/handler"
	"animalchat-engine/internal/configstore"
	"animalchat-engine/internal/guardrails"
	"animalchat-engine/internal/integrations/openai"
	"animalchat-engine/internal/provider"
	"animalchat-engine/internal/repository"
	"animalchat-engine/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	maxHistoryTurns := envInt("MAX_HISTORY_TURNS", 20)
	maxSessionTurns := envInt("MAX_SESSION_TURNS", 50)
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 4000)
	turnDeadline := envDuration("TURN_DEADLINE_MS", 30*time.Second)
	regenerate := envBool("REGENERATE_ON_REJECT", true)
	configCacheTTL := envDuration("CONFIG_CACHE_TTL_MS", 30*time.Second)
	breakerThreshold := envInt("BREAKER_FAILURE_THRESHOLD", 5)
	breakerCoolDown := envDuration("BREAKER_COOLDOWN_MS", 15*time.Second)
	providerAttempts := envInt("PROVIDER_MAX_ATTEMPTS", 4)
	providerElapsed := envDuration("PROVIDER_MAX_ELAPSED_MS", 20*time.Second)
	openaiBaseURL := os.Getenv("OPENAI_BASE_URL")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	configs, err := configstore.New(awsssm.NewFromConfig(cfg), paramPrefix, configCacheTTL, logger)
	if err != nil {
		logger.Error("failed to create config store client", "err", err)
		os.Exit(1)
	}
	turns, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		logger.Error("failed to create conversation store client", "err", err)
		os.Exit(1)
	}

	var openaiOpts []openai.Option
	if openaiBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(openaiBaseURL))
	}
	completer, err := openai.NewClient(configs, paramPrefix, openaiOpts...)
	if err != nil {
		logger.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	gateway, err := provider.NewGateway(completer, provider.GatewayOptions{
		MaxAttempts:      providerAttempts,
		MaxElapsed:       providerElapsed,
		FailureThreshold: breakerThreshold,
		CoolDown:         breakerCoolDown,
	}, logger)
	if err != nil {
		logger.Error("failed to create provider gateway", "err", err)
		os.Exit(1)
	}

	// ---- Engine ----
	engine, err := usecase.NewEngine(configs, gateway, turns, guardrails.New(logger), usecase.Options{
		MaxHistoryTurns:    maxHistoryTurns,
		MaxSessionTurns:    maxSessionTurns,
		MaxMessageLen:      maxMessageLen,
		TurnDeadline:       turnDeadline,
		RegenerateOnReject: regenerate,
	}, logger)
	if err != nil {
		logger.Error("failed to create engine", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(engine)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
