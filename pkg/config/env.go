package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) bool {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return false
		}
		*dst = f
		return true
	}
	seconds := func(key string, dst *time.Duration) {
		var s float64
		if float(key, &s) {
			*dst = time.Duration(s * float64(time.Second))
		}
	}

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("STORE_DRIVER", &c.Store.Driver)
	str("DATABASE_DSN", &c.Store.DSN)
	str("NATS_URL", &c.NATS.URL)
	str("LLM_SERVICE", &c.Enrichment.Provider)
	str("LLM_API_KEY", &c.Enrichment.APIKey)
	str("LLM_ENDPOINT", &c.Enrichment.Endpoint)
	str("LLM_MODEL", &c.Enrichment.Model)
	float("LLM_RATE_LIMIT_RPM", &c.RateLimit.RequestsPerMinute)

	// Older deployments configure the spacing in seconds instead of a ceiling.
	var delay float64
	if float("LLM_RATE_LIMIT_DELAY", &delay) {
		if delay <= 0 {
			errs = append(errs, errors.New("config: LLM_RATE_LIMIT_DELAY must be positive"))
		} else {
			c.RateLimit.RequestsPerMinute = 60 / delay
		}
	}

	integer("MAX_RETRY_ATTEMPTS", &c.Worker.MaxAttempts)
	seconds("FAILED_QUEUE_TTL", &c.DeadLetter.TTL)
	integer("WORKER_COUNT", &c.Worker.Concurrency)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("GRPC_ADDR", &c.HTTP.GRPCAddr)
	str("METRICS_PORT", &c.HTTP.MetricsPort)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		c.Telemetry.OTLPEndpoint = trimScheme(v)
	}
	c.Enrichment.Provider = strings.ToLower(c.Enrichment.Provider)
	if c.Enrichment.Provider == "claude" {
		c.Enrichment.Provider = ProviderAnthropic
	}

	return errors.Join(errs...)
}

func trimScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}
