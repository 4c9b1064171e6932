package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Engine    EngineConfig
	State     StateConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Archive   ArchiveConfig
	Cleanup   CleanupConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// EngineConfig holds scheduler settings
type EngineConfig struct {
	MaxConcurrent     int
	ReadyPollInterval time.Duration
	CancelGracePeriod time.Duration
	NodeTimeout       time.Duration
	ExecutionTimeout  time.Duration
	MaxSteps          int
	FailFast          bool
}

// StateConfig holds execution state persistence settings
type StateConfig struct {
	Backend   string // memory, pebble, postgres
	Path      string
	CacheTTL  time.Duration
	CacheSize int
}

// RedisConfig holds the optional event relay connection
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
}

// PostgresConfig holds Postgres connection settings for the postgres state backend
type PostgresConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// ArchiveConfig holds the optional S3 archive target for pruned executions
type ArchiveConfig struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// Enabled reports whether archiving is configured
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// CleanupConfig holds the state janitor schedule
type CleanupConfig struct {
	Schedule string
	MaxAge   time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	var errs []string

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080, &errs),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Engine: EngineConfig{
			MaxConcurrent:     getEnvInt("MAX_CONCURRENT", 10, &errs),
			ReadyPollInterval: getEnvDuration("NODE_READY_POLL_INTERVAL", 10*time.Millisecond, &errs),
			CancelGracePeriod: getEnvDuration("CANCEL_GRACE_PERIOD", 5*time.Second, &errs),
			NodeTimeout:       getEnvDuration("NODE_TIMEOUT_DEFAULT", 100*time.Second, &errs),
			ExecutionTimeout:  getEnvDuration("EXECUTION_TIMEOUT", 0, &errs),
			MaxSteps:          getEnvInt("MAX_STEPS", 10000, &errs),
			FailFast:          getEnvBool("FAIL_FAST", true, &errs),
		},
		State: StateConfig{
			Backend:   getEnv("STATE_BACKEND", "pebble"),
			Path:      getEnv("STATE_DB_PATH", "./diaflow-state"),
			CacheTTL:  getEnvDuration("CACHE_TTL", time.Hour, &errs),
			CacheSize: getEnvInt("CACHE_SIZE", 1024, &errs),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false, &errs),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379, &errs),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Postgres: PostgresConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432, &errs),
			Database:    getEnv("POSTGRES_DB", "diaflow"),
			User:        getEnv("POSTGRES_USER", "diaflow"),
			Password:    getEnv("POSTGRES_PASSWORD", "diaflow"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50, &errs),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10, &errs),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute, &errs),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", time.Hour, &errs),
		},
		Archive: ArchiveConfig{
			Bucket:       getEnv("ARCHIVE_BUCKET", ""),
			Prefix:       getEnv("ARCHIVE_PREFIX", "executions"),
			Region:       getEnv("ARCHIVE_REGION", ""),
			Endpoint:     getEnv("ARCHIVE_ENDPOINT", ""),
			UsePathStyle: getEnvBool("ARCHIVE_PATH_STYLE", false, &errs),
		},
		Cleanup: CleanupConfig{
			Schedule: getEnv("CLEANUP_SCHEDULE", "@hourly"),
			MaxAge:   getEnvDuration("CLEANUP_MAX_AGE", 24*time.Hour, &errs),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false, &errs),
			PprofPort:   getEnvInt("PPROF_PORT", 6060, &errs),
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT must be >= 1, got %d", c.Engine.MaxConcurrent)
	}

	if c.Engine.ReadyPollInterval <= 0 {
		return fmt.Errorf("NODE_READY_POLL_INTERVAL must be positive, got %s", c.Engine.ReadyPollInterval)
	}

	if c.Engine.CancelGracePeriod < 0 {
		return fmt.Errorf("CANCEL_GRACE_PERIOD must not be negative, got %s", c.Engine.CancelGracePeriod)
	}

	switch c.State.Backend {
	case "memory", "pebble", "postgres":
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q (want memory, pebble or postgres)", c.State.Backend)
	}

	if c.State.Backend == "pebble" && c.State.Path == "" {
		return fmt.Errorf("STATE_DB_PATH is required for the pebble backend")
	}

	if c.State.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.State.CacheTTL)
	}

	if c.Postgres.MaxConns < c.Postgres.MinConns {
		return fmt.Errorf("POSTGRES_MAX_CONNS must be >= POSTGRES_MIN_CONNS")
	}

	return nil
}

// PostgresURL returns the PostgreSQL connection string
func (c *Config) PostgresURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.Database,
	)
}

// RedisAddr returns the host:port address of the relay redis
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions. Parse failures are collected so a bad value
// surfaces as a misconfiguration instead of a silent default.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: %q is not an integer", key, value))
			return defaultValue
		}
		return intVal
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool, errs *[]string) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: %q is not a boolean", key, value))
			return defaultValue
		}
		return boolVal
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Bare numbers are treated as seconds
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		*errs = append(*errs, fmt.Sprintf("%s: %q is not a duration", key, value))
	}
	return defaultValue
}
