package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "prdforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path is taken from PRDFORGE_CONFIG, falling back to DefaultConfigFile.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("PRDFORGE_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PRDFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "PRDFORGE_CORS_ORIGIN")
	setDuration(&cfg.Server.RequestTimeout, "PRDFORGE_REQUEST_TIMEOUT")
	setFloat64(&cfg.Server.RateLimitRPS, "PRDFORGE_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "PRDFORGE_RATE_LIMIT_BURST")

	setString(&cfg.Storage.Driver, "PRDFORGE_STORAGE_DRIVER")
	setString(&cfg.Storage.SQLitePath, "PRDFORGE_SQLITE_PATH")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "PRDFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "PRDFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "PRDFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "PRDFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "PRDFORGE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "PRDFORGE_NATS_STREAM")
	setBool(&cfg.NATS.Mirror, "PRDFORGE_NATS_MIRROR")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PRDFORGE_REDIS_DB")
	setString(&cfg.Redis.Prefix, "PRDFORGE_REDIS_PREFIX")

	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LiteLLM.Model, "PRDFORGE_LLM_MODEL")
	setString(&cfg.LiteLLM.EmbeddingModel, "PRDFORGE_EMBEDDING_MODEL")
	setDuration(&cfg.LiteLLM.Timeout, "PRDFORGE_LLM_TIMEOUT")
	setFloat64(&cfg.LiteLLM.Temperature, "PRDFORGE_LLM_TEMPERATURE")

	setString(&cfg.Search.URL, "PRDFORGE_SEARCH_URL")
	setString(&cfg.Search.APIKey, "TAVILY_API_KEY")
	setInt(&cfg.Search.MaxResults, "PRDFORGE_SEARCH_MAX_RESULTS")
	setDuration(&cfg.Search.Timeout, "PRDFORGE_SEARCH_TIMEOUT")

	setString(&cfg.Logging.Level, "PRDFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PRDFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PRDFORGE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "PRDFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PRDFORGE_BREAKER_TIMEOUT")

	// Bus
	setInt(&cfg.Bus.HistorySize, "PRDFORGE_BUS_HISTORY_SIZE")
	setInt(&cfg.Bus.MaxAttempts, "PRDFORGE_BUS_MAX_ATTEMPTS")
	setDuration(&cfg.Bus.InitialBackoff, "PRDFORGE_BUS_INITIAL_BACKOFF")
	setDuration(&cfg.Bus.MaxBackoff, "PRDFORGE_BUS_MAX_BACKOFF")
	setFloat64(&cfg.Bus.Jitter, "PRDFORGE_BUS_JITTER")

	// Orchestrator
	setInt(&cfg.Orchestrator.MaxRevisions, "PRDFORGE_ORCH_MAX_REVISIONS")
	setDuration(&cfg.Orchestrator.ResearchTimeout, "PRDFORGE_ORCH_RESEARCH_TIMEOUT")
	setDuration(&cfg.Orchestrator.FeatureTimeout, "PRDFORGE_ORCH_FEATURE_TIMEOUT")
	setInt(&cfg.Orchestrator.MaxConcurrentTasks, "PRDFORGE_ORCH_MAX_CONCURRENT_TASKS")
	setFloat64(&cfg.Orchestrator.ValidationThreshold, "PRDFORGE_ORCH_VALIDATION_THRESHOLD")
	setFloat64(&cfg.Orchestrator.RelevanceThreshold, "PRDFORGE_ORCH_RELEVANCE_THRESHOLD")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "PRDFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "PRDFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "PRDFORGE_CACHE_L2_TTL")
	setDuration(&cfg.Cache.TTL, "PRDFORGE_CACHE_TTL")

	setInt(&cfg.Vector.Dimension, "PRDFORGE_VECTOR_DIM")

	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "PRDFORGE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "PRDFORGE_OTEL_SAMPLE_RATE")

	setBool(&cfg.MCP.HTTP, "PRDFORGE_MCP_HTTP")
	setString(&cfg.MCP.APIKey, "PRDFORGE_MCP_API_KEY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimitRPS < 0 {
		return errors.New("server.rate_limit_rps must be >= 0")
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst < 1 {
		return errors.New("server.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres driver")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", cfg.Storage.Driver)
	}
	if cfg.NATS.Mirror && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats.mirror is enabled")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Bus.HistorySize < 1 {
		return errors.New("bus.history_size must be >= 1")
	}
	if cfg.Bus.MaxAttempts < 1 {
		return errors.New("bus.max_attempts must be >= 1")
	}
	if cfg.Bus.MaxBackoff > 30*time.Second {
		return errors.New("bus.max_backoff must not exceed 30s")
	}
	if cfg.Bus.Jitter < 0 || cfg.Bus.Jitter >= 1 {
		return errors.New("bus.jitter must be in [0, 1)")
	}
	if cfg.Orchestrator.MaxRevisions < 0 {
		return errors.New("orchestrator.max_revisions must be >= 0")
	}
	if cfg.Orchestrator.ResearchTimeout < 0 || cfg.Orchestrator.FeatureTimeout < 0 {
		return errors.New("orchestrator timeouts must be >= 0")
	}
	if cfg.Orchestrator.MaxConcurrentTasks < 1 {
		return errors.New("orchestrator.max_concurrent_tasks must be >= 1")
	}
	if t := cfg.Orchestrator.ValidationThreshold; t <= 0 || t > 1 {
		return errors.New("orchestrator.validation_threshold must be in (0, 1]")
	}
	if t := cfg.Orchestrator.RelevanceThreshold; t < 0 || t > 1 {
		return errors.New("orchestrator.relevance_threshold must be in [0, 1]")
	}
	if cfg.Vector.Dimension < 1 {
		return errors.New("vector.dimension must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
