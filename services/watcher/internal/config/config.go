package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DedupBackendMemory     = "memory"
	DedupBackendSQLite     = "sqlite"
	DedupBackendRedis      = "redis"
	DedupBackendClickHouse = "clickhouse"

	NotifierWebhook = "webhook"
	NotifierNATS    = "nats"
)

type Config struct {
	Environment string
	LogLevel    string

	Sources        []string
	SourceQuery    string
	SourceLocation string

	TimeoutSeconds int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	HTTPTimeout    time.Duration

	Notifier             string
	WebhookURL           string
	WebhookSigningSecret string
	WebhookBatch         bool

	NATSURL         string
	NATSConnTimeout time.Duration
	NATSSubject     string

	DedupBackend string
	SQLitePath   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	ClickHouseDSN          string
	ClickHouseMaxOpenConns int
	ClickHouseMaxIdleConns int
	ClickHouseConnMaxLife  time.Duration
	ClickHouseUsername     string
	ClickHousePassword     string
	ClickHouseDatabase     string
	ArchiveEnabled         bool

	Preferences            string
	PreferencesFile        string
	PreferencesDatabaseURL string

	HNAPIBaseURL       string
	HNSearchAPIBaseURL string
	HNMaxComments      int

	AdzunaAppID   string
	AdzunaAppKey  string
	AdzunaCountry string

	CareersConfig string

	Schedule         string
	OTelCollectorURL string
}

// LoadConfig reads the environment and validates it for running the
// pipeline.
func LoadConfig() (*Config, error) {
	config := Load()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Load reads the environment without validating it. Commands that only need
// the storage settings use it directly.
func Load() *Config {
	return &Config{
		Environment: getEnvString("APP_ENV", "production"),
		LogLevel:    getEnvString("LOG_LEVEL", "info"),

		Sources:        getEnvList("SOURCES", []string{"hackernews"}),
		SourceQuery:    getEnvString("SOURCE_QUERY", ""),
		SourceLocation: getEnvString("SOURCE_LOCATION", ""),

		TimeoutSeconds: getEnvInt("TIMEOUT_SECONDS", 900),
		MaxRetries:     getEnvInt("MAX_RETRIES", 2),
		RetryBaseDelay: getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:  getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
		HTTPTimeout:    getEnvDuration("HTTP_TIMEOUT", 15*time.Second),

		Notifier:             getEnvString("NOTIFIER", NotifierWebhook),
		WebhookURL:           getEnvString("WEBHOOK_URL", ""),
		WebhookSigningSecret: getEnvString("WEBHOOK_SIGNING_SECRET", ""),
		WebhookBatch:         getEnvBool("WEBHOOK_BATCH", true),

		NATSURL:         getEnvString("NATS_URL", "nats://localhost:4222"),
		NATSConnTimeout: getEnvDuration("NATS_CONN_TIMEOUT", 10*time.Second),
		NATSSubject:     getEnvString("NATS_SUBJECT", "jobs.matched"),

		DedupBackend: getEnvString("DEDUP_BACKEND", DedupBackendSQLite),
		SQLitePath:   getEnvString("SQLITE_PATH", "gigwatch.db"),

		RedisAddr:     getEnvString("REDIS_ADDR", ""),
		RedisPassword: getEnvString("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		CacheTTL:      getEnvDuration("CACHE_TTL", 24*time.Hour),

		ClickHouseDSN:          getEnvString("CLICKHOUSE_DSN", "localhost:9000"),
		ClickHouseMaxOpenConns: getEnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 10),
		ClickHouseMaxIdleConns: getEnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 5),
		ClickHouseConnMaxLife:  getEnvDuration("CLICKHOUSE_CONN_MAX_LIFE", time.Hour),
		ClickHouseUsername:     getEnvString("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword:     getEnvString("CLICKHOUSE_PASSWORD", ""),
		ClickHouseDatabase:     getEnvString("CLICKHOUSE_DATABASE", "gigwatch"),
		ArchiveEnabled:         getEnvBool("ARCHIVE_ENABLED", false),

		Preferences:            getEnvString("PREFERENCES", ""),
		PreferencesFile:        getEnvString("PREFERENCES_FILE", ""),
		PreferencesDatabaseURL: getEnvString("PREFERENCES_DATABASE_URL", ""),

		HNAPIBaseURL:       getEnvString("HN_API_BASE_URL", "https://hacker-news.firebaseio.com/v0"),
		HNSearchAPIBaseURL: getEnvString("HN_SEARCH_API_BASE_URL", "https://hn.algolia.com/api/v1"),
		HNMaxComments:      getEnvInt("HN_MAX_COMMENTS", 500),

		AdzunaAppID:   getEnvString("ADZUNA_APP_ID", ""),
		AdzunaAppKey:  getEnvString("ADZUNA_APP_KEY", ""),
		AdzunaCountry: getEnvString("ADZUNA_COUNTRY", "gb"),

		CareersConfig: getEnvString("CAREERS_CONFIG", ""),

		Schedule:         getEnvString("SCHEDULE", "@every 15m"),
		OTelCollectorURL: getEnvString("OTEL_COLLECTOR_URL", ""),
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("TIMEOUT_SECONDS must be a positive integer, got %d", c.TimeoutSeconds)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("SOURCES must name at least one source")
	}

	switch c.DedupBackend {
	case DedupBackendMemory, DedupBackendSQLite, DedupBackendRedis, DedupBackendClickHouse:
	default:
		return fmt.Errorf("unknown DEDUP_BACKEND %q", c.DedupBackend)
	}
	if c.DedupBackend == DedupBackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the redis dedup backend")
	}

	switch c.Notifier {
	case NotifierWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("WEBHOOK_URL is required for the webhook notifier")
		}
	case NotifierNATS:
	default:
		return fmt.Errorf("unknown NOTIFIER %q", c.Notifier)
	}

	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) Development() bool {
	return c.Environment == "development" || c.LogLevel == "debug"
}

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
