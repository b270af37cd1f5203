// Package config loads the single configuration structure shared by every
// service. It is read and validated once at startup and passed by pointer.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lpernett/godotenv"
	"github.com/maciekb2/enrichment-pipeline/pkg/score"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	MaxConcurrency = 9
)

type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Store      StoreConfig      `yaml:"store"`
	NATS       NATSConfig       `yaml:"nats"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Worker     WorkerConfig     `yaml:"worker"`
	DeadLetter DeadLetterConfig `yaml:"deadletter"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	HTTP       HTTPConfig       `yaml:"http"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// NATSConfig enables the pipeline event stream when URL is set.
type NATSConfig struct {
	URL string `yaml:"url"`
}

type EnrichmentConfig struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Prompt      string        `yaml:"prompt"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	// Shared moves the gate into redis so several worker processes share it.
	Shared bool `yaml:"shared"`
}

// Interval is the minimum spacing between two enrichment calls.
func (r RateLimitConfig) Interval() time.Duration {
	if r.RequestsPerMinute <= 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) / r.RequestsPerMinute)
}

type WorkerConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	MaxAttempts         int           `yaml:"max_attempts"`
	RetryPenalty        float64       `yaml:"retry_penalty"`
	ScoreFloor          float64       `yaml:"score_floor"`
	IdleBackoff         time.Duration `yaml:"idle_backoff"`
	MaxIdleBackoff      time.Duration `yaml:"max_idle_backoff"`
	ClaimTTL            time.Duration `yaml:"claim_ttl"`
	DeadLetterPermanent bool          `yaml:"deadletter_permanent"`
}

type DeadLetterConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type ScoringConfig struct {
	Sources        map[string]float64 `yaml:"sources"`
	Keywords       map[string]float64 `yaml:"keywords"`
	KeywordCap     float64            `yaml:"keyword_cap"`
	RecencyBonus   float64            `yaml:"recency_bonus"`
	RecencyHorizon time.Duration      `yaml:"recency_horizon"`
}

func (s ScoringConfig) Weights() score.Weights {
	return score.Weights{
		Sources:        s.Sources,
		Keywords:       s.Keywords,
		KeywordCap:     s.KeywordCap,
		RecencyBonus:   s.RecencyBonus,
		RecencyHorizon: s.RecencyHorizon,
	}
}

type CleanupConfig struct {
	// ResetAfter clears summaries older than this age. Zero disables it.
	ResetAfter    time.Duration `yaml:"reset_after"`
	RetentionDays int           `yaml:"retention_days"`
	ByPublishDate bool          `yaml:"by_publish_date"`
}

type ScheduleConfig struct {
	Prioritize string        `yaml:"prioritize"`
	Cleanup    string        `yaml:"cleanup"`
	StageLease time.Duration `yaml:"stage_lease"`
}

type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsPort string `yaml:"metrics_port"`
	// TriggerTimeout bounds a stage started over HTTP. The run outlives the
	// request that started it.
	TriggerTimeout time.Duration `yaml:"trigger_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Redis: RedisConfig{Addr: "redis-service:6379"},
		Store: StoreConfig{Driver: DriverSQLite, DSN: "file:enrichment.db?_pragma=busy_timeout(5000)"},
		Enrichment: EnrichmentConfig{
			Provider:    ProviderOpenAI,
			Timeout:     30 * time.Second,
			MaxTokens:   200,
			Temperature: 0.5,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 30},
		Worker: WorkerConfig{
			Concurrency:         2,
			MaxAttempts:         3,
			RetryPenalty:        5,
			ScoreFloor:          0,
			IdleBackoff:         time.Second,
			MaxIdleBackoff:      5 * time.Second,
			ClaimTTL:            5 * time.Minute,
			DeadLetterPermanent: true,
		},
		DeadLetter: DeadLetterConfig{TTL: time.Hour},
		Scoring: ScoringConfig{
			KeywordCap:     score.DefaultKeywordCap,
			RecencyBonus:   score.DefaultRecencyBonus,
			RecencyHorizon: score.DefaultRecencyHorizon,
		},
		Schedule: ScheduleConfig{
			Prioritize: "@every 5m",
			Cleanup:    "@hourly",
			StageLease: 10 * time.Minute,
		},
		HTTP: HTTPConfig{Addr: ":8080", GRPCAddr: ":9090", MetricsPort: "2222", TriggerTimeout: 30 * time.Minute},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// CONFIG_PATH), then .env, then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillScoring()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillScoring() {
	if c.Scoring.Sources == nil {
		c.Scoring.Sources = score.DefaultSources
	}
	if c.Scoring.Keywords == nil {
		c.Scoring.Keywords = score.DefaultKeywords
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(strings.TrimSpace(c.Redis.Addr) != "", "redis.addr is required")
	check(c.Store.Driver == DriverPostgres || c.Store.Driver == DriverSQLite, "store.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Store.Driver)
	check(strings.TrimSpace(c.Store.DSN) != "", "store.dsn is required")
	check(c.Enrichment.Provider == ProviderOpenAI || c.Enrichment.Provider == ProviderAnthropic, "enrichment.provider must be %q or %q, got %q", ProviderOpenAI, ProviderAnthropic, c.Enrichment.Provider)
	check(c.Enrichment.Timeout > 0, "enrichment.timeout must be positive")
	check(c.Enrichment.MaxTokens > 0, "enrichment.max_tokens must be positive")
	check(c.RateLimit.RequestsPerMinute > 0, "ratelimit.requests_per_minute must be positive")
	check(c.Worker.Concurrency >= 1 && c.Worker.Concurrency <= MaxConcurrency, "worker.concurrency must be between 1 and %d, got %d", MaxConcurrency, c.Worker.Concurrency)
	check(c.Worker.MaxAttempts >= 1, "worker.max_attempts must be at least 1")
	check(c.Worker.RetryPenalty >= 0, "worker.retry_penalty must not be negative")
	check(c.Worker.IdleBackoff > 0, "worker.idle_backoff must be positive")
	check(c.Worker.MaxIdleBackoff >= c.Worker.IdleBackoff, "worker.max_idle_backoff must not be below worker.idle_backoff")
	check(c.Worker.ClaimTTL > c.Enrichment.Timeout, "worker.claim_ttl must exceed enrichment.timeout")
	check(c.DeadLetter.TTL > 0, "deadletter.ttl must be positive")
	check(c.HTTP.TriggerTimeout > 0, "http.trigger_timeout must be positive")
	check(c.Scoring.KeywordCap >= 0, "scoring.keyword_cap must not be negative")
	check(c.Scoring.RecencyBonus <= 0 || c.Scoring.RecencyHorizon > 0, "scoring.recency_horizon must be positive when recency_bonus is set")
	check(c.Cleanup.ResetAfter >= 0, "cleanup.reset_after must not be negative")
	check(c.Cleanup.RetentionDays >= 0, "cleanup.retention_days must not be negative")
	check(c.Schedule.StageLease > 0, "schedule.stage_lease must be positive")

	return errors.Join(errs...)
}
