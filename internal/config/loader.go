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
const DefaultConfigFile = "mendforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
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
	setString(&cfg.Server.Port, "MENDFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "MENDFORGE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MENDFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MENDFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MENDFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MENDFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "MENDFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "MENDFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MENDFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "MENDFORGE_LOG_ASYNC")
	setInt(&cfg.Logging.AsyncBuffer, "MENDFORGE_LOG_ASYNC_BUFFER")
	setInt(&cfg.Logging.AsyncWorkers, "MENDFORGE_LOG_ASYNC_WORKERS")

	setInt(&cfg.Scheduler.WarmSlots, "MENDFORGE_POOL_WARM_SLOTS")
	setInt(&cfg.Scheduler.MaxSlots, "MENDFORGE_POOL_MAX_SLOTS")
	setInt(&cfg.Scheduler.QueueDepthLimit, "MENDFORGE_POOL_QUEUE_DEPTH")
	setFloat64(&cfg.Scheduler.TenantShare, "MENDFORGE_POOL_TENANT_SHARE")
	setDuration(&cfg.Scheduler.ClaimTimeout, "MENDFORGE_POOL_CLAIM_TIMEOUT")
	setDuration(&cfg.Scheduler.TestTimeout, "MENDFORGE_TEST_TIMEOUT")
	setDuration(&cfg.Scheduler.SlotLease, "MENDFORGE_POOL_SLOT_LEASE")
	setDuration(&cfg.Scheduler.DrainGrace, "MENDFORGE_POOL_DRAIN_GRACE")

	setDuration(&cfg.Resolver.AttemptTimeout, "MENDFORGE_RESOLVE_TIMEOUT")

	setDuration(&cfg.Fingerprint.StabilityDelay, "MENDFORGE_FP_STABILITY_DELAY")
	setInt(&cfg.Fingerprint.CaptureRetries, "MENDFORGE_FP_CAPTURE_RETRIES")
	setFloat64(&cfg.Fingerprint.StructuralDelta, "MENDFORGE_FP_STRUCTURAL_DELTA")
	setDuration(&cfg.Fingerprint.LoadTimeout, "MENDFORGE_FP_LOAD_TIMEOUT")

	setString(&cfg.Repair.URL, "MENDFORGE_REPAIR_URL")
	setString(&cfg.Repair.APIKey, "MENDFORGE_REPAIR_API_KEY")
	setDuration(&cfg.Repair.Timeout, "MENDFORGE_REPAIR_TIMEOUT")

	setString(&cfg.Browser.URL, "MENDFORGE_BROWSER_URL")
	setDuration(&cfg.Browser.Timeout, "MENDFORGE_BROWSER_TIMEOUT")

	setInt(&cfg.Safety.MaxConcurrent, "MENDFORGE_SAFETY_MAX_CONCURRENT")
	setDuration(&cfg.Safety.RunTimeout, "MENDFORGE_SAFETY_RUN_TIMEOUT")

	setInt(&cfg.Breaker.MaxFailures, "MENDFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MENDFORGE_BREAKER_TIMEOUT")

	setInt64(&cfg.Cache.L1MaxSizeMB, "MENDFORGE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.FingerprintTTL, "MENDFORGE_CACHE_FP_TTL")

	setBool(&cfg.Otel.Enabled, "MENDFORGE_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "MENDFORGE_OTEL_ENDPOINT")
}

// validate rejects configurations the engine cannot run with.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Scheduler.WarmSlots < 1 {
		return errors.New("scheduler.warm_slots must be at least 1")
	}
	if cfg.Scheduler.MaxSlots < cfg.Scheduler.WarmSlots {
		return fmt.Errorf("scheduler.max_slots %d below warm_slots %d",
			cfg.Scheduler.MaxSlots, cfg.Scheduler.WarmSlots)
	}
	if cfg.Scheduler.TenantShare <= 0 || cfg.Scheduler.TenantShare > 1 {
		return fmt.Errorf("scheduler.tenant_share %f out of range (0,1]", cfg.Scheduler.TenantShare)
	}
	if cfg.Fingerprint.StructuralDelta <= 0 || cfg.Fingerprint.StructuralDelta >= 1 {
		return fmt.Errorf("fingerprint.structural_delta %f out of range (0,1)", cfg.Fingerprint.StructuralDelta)
	}
	if cfg.Scoring.GenerativeCap < 0 || cfg.Scoring.GenerativeCap > 100 {
		return fmt.Errorf("scoring.generative_cap %d out of range 0..100", cfg.Scoring.GenerativeCap)
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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
