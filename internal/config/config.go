package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all relay configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Engine   EngineConfig
	SMTP     SMTPConfig
	Cache    CacheConfig
	Report   ReportConfig
}

// ServerConfig holds the control-plane HTTP server configuration.
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// EngineConfig holds scheduler and retry configuration.
type EngineConfig struct {
	StartActive       bool
	DispatchInterval  time.Duration
	ReportInterval    time.Duration
	CleanupInterval   time.Duration
	DispatchBatchSize int
	AccountBatchSize  int
	MaxConcurrent     int
	MaxPerAccount     int
	MaxRetries        int
	RetryDelays       []time.Duration
	RetentionWindow   time.Duration
	ShutdownGrace     time.Duration
}

// SMTPConfig holds connection pool and per-send limits.
type SMTPConfig struct {
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SessionTTL        time.Duration
	AttachmentTimeout time.Duration
	MaxAttachFetches  int
}

// CacheConfig holds attachment cache sizing.
type CacheConfig struct {
	Enabled      bool
	MemoryMaxMB  int
	MemoryTTL    time.Duration
	DiskDir      string
	DiskMaxMB    int
	DiskTTL      time.Duration
	DiskMinBytes int64
	BaseDir      string
}

// ReportConfig holds the global fallback delivery-report sink. Tenants with
// their own sink URL override these values.
type ReportConfig struct {
	SinkURL     string
	BearerToken string
	BasicUser   string
	BasicPass   string
	BatchSize   int
	Timeout     time.Duration
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "relaypost"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Engine: EngineConfig{
			StartActive:       getBoolEnv("ENGINE_START_ACTIVE", true),
			DispatchInterval:  getDurationEnv("ENGINE_DISPATCH_INTERVAL", 500*time.Millisecond),
			ReportInterval:    getDurationEnv("ENGINE_REPORT_INTERVAL", 5*time.Minute),
			CleanupInterval:   getDurationEnv("ENGINE_CLEANUP_INTERVAL", 15*time.Minute),
			DispatchBatchSize: getIntEnv("ENGINE_DISPATCH_BATCH", 1000),
			AccountBatchSize:  getIntEnv("ENGINE_ACCOUNT_BATCH", 50),
			MaxConcurrent:     getIntEnv("ENGINE_MAX_CONCURRENT", 32),
			MaxPerAccount:     getIntEnv("ENGINE_MAX_PER_ACCOUNT", 4),
			MaxRetries:        getIntEnv("ENGINE_MAX_RETRIES", 5),
			RetryDelays:       getDelaysEnv("ENGINE_RETRY_DELAYS", defaultRetryDelays),
			RetentionWindow:   getDurationEnv("ENGINE_RETENTION", 7*24*time.Hour),
			ShutdownGrace:     getDurationEnv("ENGINE_SHUTDOWN_GRACE", 10*time.Second),
		},
		SMTP: SMTPConfig{
			ConnectTimeout:    getDurationEnv("SMTP_CONNECT_TIMEOUT", 15*time.Second),
			CommandTimeout:    getDurationEnv("SMTP_COMMAND_TIMEOUT", 30*time.Second),
			SessionTTL:        getDurationEnv("SMTP_SESSION_TTL", 5*time.Minute),
			AttachmentTimeout: getDurationEnv("ATTACHMENT_TIMEOUT", 30*time.Second),
			MaxAttachFetches:  getIntEnv("ATTACHMENT_MAX_CONCURRENT", 4),
		},
		Cache: CacheConfig{
			Enabled:      getBoolEnv("CACHE_ENABLED", true),
			MemoryMaxMB:  getIntEnv("CACHE_MEMORY_MAX_MB", 50),
			MemoryTTL:    getDurationEnv("CACHE_MEMORY_TTL", 5*time.Minute),
			DiskDir:      getEnv("CACHE_DISK_DIR", "/var/cache/relaypost"),
			DiskMaxMB:    getIntEnv("CACHE_DISK_MAX_MB", 500),
			DiskTTL:      getDurationEnv("CACHE_DISK_TTL", time.Hour),
			DiskMinBytes: int64(getIntEnv("CACHE_DISK_MIN_KB", 100)) * 1024,
			BaseDir:      getEnv("ATTACHMENT_BASE_DIR", ""),
		},
		Report: ReportConfig{
			SinkURL:     getEnv("REPORT_SINK_URL", ""),
			BearerToken: getEnv("REPORT_SINK_TOKEN", ""),
			BasicUser:   getEnv("REPORT_SINK_USER", ""),
			BasicPass:   getEnv("REPORT_SINK_PASSWORD", ""),
			BatchSize:   getIntEnv("REPORT_BATCH_SIZE", 500),
			Timeout:     getDurationEnv("REPORT_TIMEOUT", 30*time.Second),
		},
	}
}

var defaultRetryDelays = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	2 * time.Hour,
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getDelaysEnv parses a comma-separated list of retry delays in seconds.
func getDelaysEnv(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var delays []time.Duration
	for _, part := range strings.Split(value, ",") {
		secs, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || secs <= 0 {
			return defaultValue
		}
		delays = append(delays, time.Duration(secs)*time.Second)
	}
	if len(delays) == 0 {
		return defaultValue
	}
	return delays
}
