package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr       string
	LogLevel         string
	CORSOrigin       string
	DBHost           string
	DBPort           string
	DBUser           string
	DBPass           string
	DBName           string
	DBMaxOpenConns   int
	DBMaxIdleConns   int
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	RedisDB          int
	MinioHost        string
	MinioPort        string
	MinioUsername    string
	MinioPassword    string
	MinioUseSSL      bool
	ArchiveBucket    string
	ArchiveEnabled   bool
	RabbitMQURL      string
	RabbitMQHost     string
	RabbitMQPort     string
	RabbitMQUser     string
	RabbitMQPass     string
	RabbitMQVhost    string
	RabbitMQPrefetch int

	ArchiveWorkerConcurrency int
	ArchiveRate              float64
	ArchiveBurst             int
	ArchiveRetryMax          int
	ArchiveRetryDelays       []time.Duration
	ArchiveNotifyTo          []string
	ArchiveLinkTTL           time.Duration

	UploadDir       string
	FinalizeLockTTL time.Duration
	ResultCacheTTL  time.Duration
}

// ClientConfig holds settings for the reference uploader.
type ClientConfig struct {
	ServerURL      string
	LogLevel       string
	MaxConcurrency int
	MaxRetries     int
	BackoffUnit    time.Duration
	ChunksPerSec   float64
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

var AppConfig Config

// getEnv returns the environment value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return defaultValue
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvDurationList(key string, defaultValue []time.Duration) []time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		parsed, err := time.ParseDuration(part)
		if err != nil {
			return defaultValue
		}
		out = append(out, parsed)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// InitConfig loads configuration and initializes sub-configs.
func InitConfig() {
	rabbitHost := getEnv("RABBITMQ_HOST", "localhost")
	rabbitPort := getEnv("RABBITMQ_PORT", "5672")
	rabbitUser := getEnv("RABBITMQ_USER", "guest")
	rabbitPass := getEnv("RABBITMQ_PASSWORD", "guest")
	rabbitVhost := getEnv("RABBITMQ_VHOST", "/")
	rabbitURL := getEnv("RABBITMQ_URL", "")
	if rabbitURL == "" {
		rabbitURL = fmt.Sprintf(
			"amqp://%s:%s@%s:%s/%s",
			url.PathEscape(rabbitUser),
			url.PathEscape(rabbitPass),
			rabbitHost,
			rabbitPort,
			url.PathEscape(rabbitVhost),
		)
	}
	retryDelays := getEnvDurationList(
		"ARCHIVE_RETRY_DELAYS",
		[]time.Duration{10 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute},
	)
	AppConfig = Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":5050"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		CORSOrigin:       getEnv("CORS_ORIGIN", ""),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "3306"),
		DBUser:           getEnv("DB_USER", "appuser"),
		DBPass:           getEnv("DB_PASS", ""),
		DBName:           getEnv("DB_NAME", "uploads_db"),
		DBMaxOpenConns:   getEnvInt("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:   getEnvInt("DB_MAX_IDLE_CONNS", 5),
		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		MinioHost:        getEnv("MINIO_HOST", "localhost"),
		MinioPort:        getEnv("MINIO_PORT", "9000"),
		MinioUsername:    getEnv("MINIO_USERNAME", "minioadmin"),
		MinioPassword:    getEnv("MINIO_PASSWORD", "minioadmin"),
		MinioUseSSL:      getEnvBool("MINIO_USE_SSL", false),
		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", "upload-archive"),
		ArchiveEnabled:   getEnvBool("ARCHIVE_ENABLED", true),
		RabbitMQURL:      rabbitURL,
		RabbitMQHost:     rabbitHost,
		RabbitMQPort:     rabbitPort,
		RabbitMQUser:     rabbitUser,
		RabbitMQPass:     rabbitPass,
		RabbitMQVhost:    rabbitVhost,
		RabbitMQPrefetch: getEnvInt("RABBITMQ_PREFETCH", 4),

		ArchiveWorkerConcurrency: getEnvInt("ARCHIVE_WORKER_CONCURRENCY", 2),
		ArchiveRate:              getEnvFloat("ARCHIVE_RATE", 1),
		ArchiveBurst:             getEnvInt("ARCHIVE_BURST", 2),
		ArchiveRetryMax:          getEnvInt("ARCHIVE_RETRY_MAX", 4),
		ArchiveRetryDelays:       retryDelays,
		ArchiveNotifyTo:          getEnvList("ARCHIVE_NOTIFY_TO", nil),
		ArchiveLinkTTL:           getEnvDuration("ARCHIVE_LINK_TTL", 15*time.Minute),

		UploadDir:       getEnv("UPLOAD_DIR", "uploads"),
		FinalizeLockTTL: getEnvDuration("FINALIZE_LOCK_TTL", 10*time.Minute),
		ResultCacheTTL:  getEnvDuration("RESULT_CACHE_TTL", time.Hour),
	}

	InitStorageConfig()
}

// LoadClientConfig reads uploader settings from the environment.
func LoadClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:      getEnv("UPLOAD_SERVER", "http://localhost:5050"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MaxConcurrency: getEnvInt("UPLOAD_MAX_CONCURRENCY", 3),
		MaxRetries:     getEnvInt("UPLOAD_MAX_RETRIES", 3),
		BackoffUnit:    getEnvDuration("UPLOAD_BACKOFF_UNIT", time.Second),
		ChunksPerSec:   getEnvFloat("UPLOAD_CHUNKS_PER_SEC", 0),
		PollInterval:   getEnvDuration("UPLOAD_FINALIZE_POLL", 2*time.Second),
		RequestTimeout: getEnvDuration("UPLOAD_REQUEST_TIMEOUT", 2*time.Minute),
	}
}

// MysqlDSN builds the go-sql-driver DSN for the configured database.
func (c Config) MysqlDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.DBUser,
		c.DBPass,
		c.DBHost,
		c.DBPort,
		c.DBName,
	)
}
