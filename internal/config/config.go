// Package config loads the environment configuration recognized by the
// core (spec §6), mirroring the teacher's .env-then-environment loading
// style in cmd/main.go and original_source/llm-go/config/config.go.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// FollowupBucket is a (min, max, requiredPriorCount) triple defining when
// a scheduled nudge is due (spec §4.7).
type FollowupBucket struct {
	MinElapsed       time.Duration
	MaxElapsed       time.Duration
	RequiredPrior    int
}

// DefaultFollowupBuckets is the default §4.7 bucket table.
var DefaultFollowupBuckets = []FollowupBucket{
	{MinElapsed: 10 * time.Minute, MaxElapsed: 20 * time.Minute, RequiredPrior: 0},
	{MinElapsed: 180 * time.Minute, MaxElapsed: 200 * time.Minute, RequiredPrior: 1},
	{MinElapsed: 360 * time.Minute, MaxElapsed: 400 * time.Minute, RequiredPrior: 2},
}

type Config struct {
	QueueURL               string
	LLMBaseURL             string
	LLMModel               string
	LLMAPIKey              string
	EmbeddingModel         string
	InternalSecret         string
	InternalAPIBaseURL     string
	DebounceWindow         time.Duration
	PipelineBudget         time.Duration
	SchedulerInterval      time.Duration
	FollowupBuckets        []FollowupBucket
	RedisAddr              string
	PostgresDSN            string
	WebhookVerifyToken     string
	WebhookSignatureSecret string
}

// Load reads an optional .env file (matching the teacher's
// godotenv.Load() call in cmd/main.go) and then the process environment,
// applying the defaults named in spec §6.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		QueueURL:               os.Getenv("QUEUE_URL"),
		LLMBaseURL:             os.Getenv("LLM_BASE_URL"),
		LLMModel:               os.Getenv("LLM_MODEL"),
		LLMAPIKey:              os.Getenv("LLM_API_KEY"),
		EmbeddingModel:         envOr("EMBEDDING_MODEL", "models/gemini-embedding-001"),
		InternalSecret:         os.Getenv("INTERNAL_SECRET"),
		InternalAPIBaseURL:     os.Getenv("INTERNAL_API_BASE_URL"),
		DebounceWindow:         envSeconds("DEBOUNCE_WINDOW_SECONDS", 5),
		PipelineBudget:         envSeconds("PIPELINE_BUDGET_SECONDS", 30),
		SchedulerInterval:      envSeconds("SCHEDULER_INTERVAL_SECONDS", 60),
		FollowupBuckets:        DefaultFollowupBuckets,
		RedisAddr:              envOr("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:            os.Getenv("POSTGRES_DSN"),
		WebhookVerifyToken:     os.Getenv("WEBHOOK_VERIFY_TOKEN"),
		WebhookSignatureSecret: os.Getenv("WEBHOOK_SIGNATURE_SECRET"),
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(def) * time.Second
}
