package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/approvalhub/pkg/erpql"
)

// Config holds all configuration for the approval portal server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Secrets  SecretsConfig
	ERP      ERPConfig
	Query    QueryConfig
	Workflow WorkflowConfig
	NATS     NATSConfig
	Tracing  TracingConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

type RedisConfig struct {
	URL                string
	RateLimitPerMinute int
}

type SecretsConfig struct {
	MasterKey string
}

// ERPConfig applies to every tenant's outbound ERP traffic. Per-tenant
// timeouts live on the tenant record.
type ERPConfig struct {
	RetryMax          int
	RetryBackoff      time.Duration
	RequestsPerSecond float64
	MarkerTable       string
}

type QueryConfig struct {
	CacheTTL time.Duration
}

type WorkflowConfig struct {
	MaxSteps    int
	BulkWorkers int
}

type NATSConfig struct {
	URL string
}

// TracingConfig enables OTLP trace export. The exporter endpoint comes from
// the standard OTEL_EXPORTER_OTLP_* variables.
type TracingConfig struct {
	Enabled      bool
	SamplingRate float64
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("PORTAL_PORT", 8080),
			Env:      envString("PORTAL_ENV", "development"),
			LogLevel: strings.ToLower(envString("PORTAL_LOG_LEVEL", "info")),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnectTimeout:  envDuration("DATABASE_CONNECT_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			URL:                os.Getenv("REDIS_URL"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 100),
		},
		Secrets: SecretsConfig{
			MasterKey: os.Getenv("SECRETS_MASTER_KEY"),
		},
		ERP: ERPConfig{
			RetryMax:          envInt("ERP_RETRY_MAX", 3),
			RetryBackoff:      envDuration("ERP_RETRY_BACKOFF", 500*time.Millisecond),
			RequestsPerSecond: envFloat("ERP_REQUESTS_PER_SECOND", 10),
			MarkerTable:       envString("ERP_MARKER_TABLE", "SX2"),
		},
		Query: QueryConfig{
			CacheTTL: envDuration("QUERY_CACHE_TTL", 0),
		},
		Workflow: WorkflowConfig{
			MaxSteps:    envInt("WORKFLOW_MAX_STEPS", 100),
			BulkWorkers: envInt("BULK_WORKERS", 8),
		},
		NATS: NATSConfig{
			URL: os.Getenv("NATS_URL"),
		},
		Tracing: TracingConfig{
			Enabled:      envBool("TRACING_ENABLED", false),
			SamplingRate: envFloat("TRACING_SAMPLING_RATE", 1.0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Database.ConnectTimeout < 0 {
		return fmt.Errorf("DATABASE_CONNECT_TIMEOUT must not be negative")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Redis.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1, got %d", c.Redis.RateLimitPerMinute)
	}

	if c.Secrets.MasterKey == "" {
		return fmt.Errorf("SECRETS_MASTER_KEY is required")
	}
	if len(c.Secrets.MasterKey) < 16 {
		return fmt.Errorf("SECRETS_MASTER_KEY must be at least 16 bytes")
	}

	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("PORTAL_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if c.ERP.RetryMax < 0 || c.ERP.RetryMax > 10 {
		return fmt.Errorf("ERP_RETRY_MAX must be between 0 and 10, got %d", c.ERP.RetryMax)
	}
	if c.ERP.RetryBackoff < 0 {
		return fmt.Errorf("ERP_RETRY_BACKOFF must not be negative")
	}
	if c.ERP.RequestsPerSecond < 0 {
		return fmt.Errorf("ERP_REQUESTS_PER_SECOND must not be negative")
	}
	if !erpql.ValidIdentifier(c.ERP.MarkerTable) {
		return fmt.Errorf("ERP_MARKER_TABLE must be an upper-case table name, got %q", c.ERP.MarkerTable)
	}

	if c.Query.CacheTTL < 0 {
		return fmt.Errorf("QUERY_CACHE_TTL must not be negative")
	}

	if c.Workflow.MaxSteps < 1 {
		return fmt.Errorf("WORKFLOW_MAX_STEPS must be at least 1, got %d", c.Workflow.MaxSteps)
	}
	if c.Workflow.BulkWorkers < 1 {
		return fmt.Errorf("BULK_WORKERS must be at least 1, got %d", c.Workflow.BulkWorkers)
	}

	if c.NATS.URL != "" && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("NATS_URL must start with nats:// or tls://, got %q", c.NATS.URL)
	}

	if c.Tracing.SamplingRate <= 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("TRACING_SAMPLING_RATE must be in (0, 1], got %v", c.Tracing.SamplingRate)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
