package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Database
	DatabaseURL string

	// Auth0
	Auth0Domain   string
	Auth0Audience string

	// Server
	Port        string
	CORSOrigins []string
	Env         string
	LogLevel    string

	// Chain RPC
	Chain ChainConfig

	// Saga engine
	Saga SagaConfig

	// Redis (optional, enables the cross-process owner limiter)
	RedisURL string

	// Kafka
	Kafka KafkaConfig

	// S3 Storage
	S3 S3Config
}

// ChainConfig holds RPC endpoints per network
type ChainConfig struct {
	MainnetRPCURL   string
	DevnetRPCURL    string
	RelayURL        string  // Optional: accelerated relay, broadcast in parallel with the primary RPC
	OracleRateLimit float64 // Oracle requests per second
	OracleBurst     int
	SubmitTimeout   time.Duration
}

// SagaConfig holds saga engine tuning
type SagaConfig struct {
	Workers              int
	QueueSize            int
	OwnerConcurrency     int
	ConfirmationDelay    time.Duration
	SweepInterval        time.Duration
	SweepGracePeriod     time.Duration
	ReconcileInterval    time.Duration
	MaxReconcileAttempts int
	TuningFile           string // Optional YAML with per-kind overrides
}

// KafkaConfig holds Kafka producer configuration
type KafkaConfig struct {
	Brokers           []string
	NotificationTopic string
	AlertTopic        string
}

// S3Config holds AWS S3 configuration
type S3Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // Optional: for MinIO/LocalStack local dev
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		Auth0Domain:   getEnv("AUTH0_DOMAIN", ""),
		Auth0Audience: getEnv("AUTH0_AUDIENCE", ""),
		Port:          getEnv("PORT", "8080"),
		CORSOrigins:   strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Chain: ChainConfig{
			MainnetRPCURL:   getEnv("SOLANA_MAINNET_RPC_URL", ""),
			DevnetRPCURL:    getEnv("SOLANA_DEVNET_RPC_URL", "https://api.devnet.solana.com"),
			RelayURL:        getEnv("SOLANA_RELAY_URL", ""),
			OracleRateLimit: getEnvFloat("ORACLE_RATE_LIMIT", 20),
			OracleBurst:     getEnvInt("ORACLE_BURST", 5),
			SubmitTimeout:   getEnvDuration("SUBMIT_TIMEOUT", 10*time.Second),
		},
		Saga: SagaConfig{
			Workers:              getEnvInt("SAGA_WORKERS", 16),
			QueueSize:            getEnvInt("SAGA_QUEUE_SIZE", 1024),
			OwnerConcurrency:     getEnvInt("SAGA_OWNER_CONCURRENCY", 5),
			ConfirmationDelay:    getEnvDuration("SAGA_CONFIRMATION_DELAY", 15*time.Second),
			SweepInterval:        getEnvDuration("SAGA_SWEEP_INTERVAL", time.Minute),
			SweepGracePeriod:     getEnvDuration("SAGA_SWEEP_GRACE_PERIOD", 30*time.Second),
			ReconcileInterval:    getEnvDuration("SAGA_RECONCILE_INTERVAL", 5*time.Minute),
			MaxReconcileAttempts: getEnvInt("SAGA_MAX_RECONCILE_ATTEMPTS", 5),
			TuningFile:           getEnv("SAGA_TUNING_FILE", ""),
		},
		RedisURL: getEnv("REDIS_URL", ""),
		Kafka: KafkaConfig{
			Brokers:           splitNonEmpty(getEnv("KAFKA_BROKERS", "")),
			NotificationTopic: getEnv("KAFKA_NOTIFICATION_TOPIC", "settlement.notifications"),
			AlertTopic:        getEnv("KAFKA_ALERT_TOPIC", "settlement.alerts"),
		},
		S3: S3Config{
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          getEnv("S3_BUCKET", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""), // Empty = use AWS, set for MinIO/LocalStack
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Auth0Domain == "" {
		return fmt.Errorf("AUTH0_DOMAIN is required")
	}
	if c.Auth0Audience == "" {
		return fmt.Errorf("AUTH0_AUDIENCE is required")
	}
	if c.Chain.MainnetRPCURL == "" && c.Chain.DevnetRPCURL == "" {
		return fmt.Errorf("at least one of SOLANA_MAINNET_RPC_URL or SOLANA_DEVNET_RPC_URL is required")
	}
	if c.Saga.OwnerConcurrency <= 0 {
		return fmt.Errorf("SAGA_OWNER_CONCURRENCY must be positive")
	}
	if c.Saga.Workers <= 0 {
		return fmt.Errorf("SAGA_WORKERS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
