package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/warden/pkg/observability"
	"gopkg.in/yaml.v3"
)

// DefaultLockedMessage is shown to locked accounts when nothing is configured
const DefaultLockedMessage = "Your account has been locked. Please contact an administrator."

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (sessions)
	Redis RedisConfig

	// Archive configuration (S3 history exports)
	Archive ArchiveConfig

	// Suspension configuration
	Suspension SuspensionConfig

	// Accounts configuration
	Accounts AccountsConfig

	// Jobs configuration (cron schedules)
	Jobs JobsConfig

	// Observability configuration
	Observability ObservabilityConfig

	// ConfigFile is the optional YAML file loaded before env overrides
	ConfigFile string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds SQL connection settings
type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds session store settings
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	SessionTTL time.Duration

	// Login throttle; a zero limit disables it
	LoginRateLimit  int
	LoginRateWindow time.Duration
}

// ArchiveConfig holds S3 archive settings
type ArchiveConfig struct {
	Enabled      bool
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Timeout      time.Duration
}

// SuspensionConfig holds account lock settings
type SuspensionConfig struct {
	Message          string
	ProtectedUserIDs []int64
}

// AccountsConfig holds host account settings
type AccountsConfig struct {
	AttributePrefix string
	BcryptCost      int
	ActorCacheSize  int
	ActorCacheTTL   time.Duration
}

// JobsConfig holds cron schedules. An empty schedule disables the job.
type JobsConfig struct {
	GaugeSchedule           string
	CredentialSweepSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from the optional YAML file and environment variables
func LoadConfig() (*Config, error) {
	path := getEnv("WARDEN_CONFIG_FILE", "")

	file, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Archive:       loadArchiveConfig(),
		Suspension:    loadSuspensionConfig(file),
		Accounts:      loadAccountsConfig(),
		Jobs:          loadJobsConfig(),
		Observability: loadObservabilityConfig(),
		ConfigFile:    path,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("WARDEN_HOST", "0.0.0.0"),
		Port:            getEnv("WARDEN_PORT", "8080"),
		ReadTimeout:     getEnvDuration("WARDEN_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WARDEN_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("WARDEN_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("WARDEN_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("WARDEN_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          getEnv("WARDEN_DATABASE_DRIVER", "postgres"),
		URL:             getEnv("WARDEN_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("WARDEN_DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("WARDEN_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("WARDEN_DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadRedisConfig loads session store configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("WARDEN_REDIS_URL", ""),
		Password:   getEnv("WARDEN_REDIS_PASSWORD", ""),
		DB:         getEnvInt("WARDEN_REDIS_DB", 0),
		PoolSize:   getEnvInt("WARDEN_REDIS_POOL_SIZE", 10),
		MaxRetries: getEnvInt("WARDEN_REDIS_MAX_RETRIES", 3),
		SessionTTL: getEnvDuration("WARDEN_SESSION_TTL", 24*time.Hour),

		LoginRateLimit:  getEnvInt("WARDEN_LOGIN_RATE_LIMIT", 10),
		LoginRateWindow: getEnvDuration("WARDEN_LOGIN_RATE_WINDOW", time.Minute),
	}
}

// loadArchiveConfig loads archive configuration from environment
func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:      getEnvBool("WARDEN_ARCHIVE_ENABLED", false),
		Endpoint:     getEnv("WARDEN_S3_ENDPOINT", ""),
		Region:       getEnv("WARDEN_S3_REGION", "us-east-1"),
		Bucket:       getEnv("WARDEN_S3_BUCKET", ""),
		Prefix:       getEnv("WARDEN_S3_PREFIX", ""),
		AccessKey:    getEnv("WARDEN_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("WARDEN_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("WARDEN_S3_USE_PATH_STYLE", false),
		Timeout:      getEnvDuration("WARDEN_ARCHIVE_TIMEOUT", 2*time.Minute),
	}
}

// loadSuspensionConfig resolves the lock message (env, legacy env, file, default)
// and the protected subject list
func loadSuspensionConfig(file *FileConfig) SuspensionConfig {
	msg := ResolveLockedMessage(file)
	return SuspensionConfig{
		Message:          msg,
		ProtectedUserIDs: parseIDList(getEnv("WARDEN_PROTECTED_USER_IDS", "")),
	}
}

// loadAccountsConfig loads host account configuration from environment
func loadAccountsConfig() AccountsConfig {
	return AccountsConfig{
		AttributePrefix: getEnv("WARDEN_ATTRIBUTE_PREFIX", "wd_"),
		BcryptCost:      getEnvInt("WARDEN_BCRYPT_COST", 10),
		ActorCacheSize:  getEnvInt("WARDEN_ACTOR_CACHE_SIZE", 1024),
		ActorCacheTTL:   getEnvDuration("WARDEN_ACTOR_CACHE_TTL", 5*time.Minute),
	}
}

// loadJobsConfig loads cron schedules from environment
func loadJobsConfig() JobsConfig {
	return JobsConfig{
		GaugeSchedule:           getEnv("WARDEN_GAUGE_SCHEDULE", "@every 1m"),
		CredentialSweepSchedule: getEnv("WARDEN_CREDENTIAL_SWEEP_SCHEDULE", "@hourly"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("WARDEN_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("WARDEN_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("WARDEN_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("WARDEN_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("WARDEN_OTEL_SERVICE_NAME", "warden"),
		OTelServiceVersion: getEnv("WARDEN_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("WARDEN_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if c.Redis.LoginRateLimit > 0 && c.Redis.LoginRateWindow <= 0 {
		return fmt.Errorf("login rate window must be positive")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("S3 bucket is required when archiving is enabled")
	}

	if c.Accounts.AttributePrefix == "" {
		return fmt.Errorf("attribute prefix is required")
	}
	if c.Accounts.BcryptCost < 4 || c.Accounts.BcryptCost > 31 {
		return fmt.Errorf("bcrypt cost must be between 4 and 31")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// FileConfig is the subset of settings that may come from the YAML file.
// It is re-read on change so the lock message can be updated without restart.
type FileConfig struct {
	Suspension struct {
		Message    string `yaml:"message"`
		LockNotice string `yaml:"lock_notice"`
	} `yaml:"suspension"`
}

// LoadFile reads the YAML config file. An empty path yields an empty config.
func LoadFile(path string) (*FileConfig, error) {
	fc := &FileConfig{}
	if path == "" {
		return fc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return fc, nil
}

// ResolveLockedMessage picks the lock message: WARDEN_LOCKED_MESSAGE, then the
// legacy WARDEN_LOCK_NOTICE, then the file keys, then the default.
func ResolveLockedMessage(file *FileConfig) string {
	candidates := []string{
		os.Getenv("WARDEN_LOCKED_MESSAGE"),
		os.Getenv("WARDEN_LOCK_NOTICE"),
	}
	if file != nil {
		candidates = append(candidates, file.Suspension.Message, file.Suspension.LockNotice)
	}

	for _, c := range candidates {
		if msg := strings.TrimSpace(c); msg != "" {
			return msg
		}
	}
	return DefaultLockedMessage
}

// parseIDList parses a comma-separated list of IDs, skipping invalid entries
func parseIDList(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
