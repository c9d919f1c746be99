package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Process roles
const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// Task broker backends
const (
	TaskBrokerRedis  = "redis"
	TaskBrokerMemory = "memory"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Observ   ObservabilityConfig
	PayPal   PayPalConfig
	Payment  PaymentConfig
	Tasks    TaskConfig
	Retry    RetryConfig
	Breaker  BreakerConfig
}

type ServerConfig struct {
	Port string
	Env  string
	// Role selects what this process runs: the HTTP API, the task workers or both.
	Role string
}

type DatabaseConfig struct {
	// URL empty keeps orders in process memory.
	URL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	// Brokers empty disables event publishing.
	Brokers    []string
	TopicOrder string
}

type ObservabilityConfig struct {
	JaegerEndpoint string
}

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
}

type PaymentConfig struct {
	Currency    string
	GracePeriod time.Duration
	LockTTL     time.Duration
	LockRetry   time.Duration
}

type TaskConfig struct {
	Broker       string
	Workers      int
	PollInterval time.Duration
	// Timeout bounds one handler run. Tasks held twice as long are reclaimed.
	Timeout time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
			Role: strings.ToLower(getEnv("ROLE", RoleAll)),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:    splitList(os.Getenv("KAFKA_BROKERS")),
			TopicOrder: getEnv("KAFKA_TOPIC_ORDER_EVENTS", "order-events"),
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		},
		PayPal: PayPalConfig{
			BaseURL:      getEnv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
			ClientID:     getEnv("PAYPAL_CLIENT_ID", ""),
			ClientSecret: getEnv("PAYPAL_SECRET", ""),
			ReturnURL:    getEnv("PAYPAL_RETURN_URL", "http://localhost:8080/api/v1/payments/capture"),
			CancelURL:    getEnv("PAYPAL_CANCEL_URL", "http://localhost:8080/api/v1/payments/cancel"),
		},
		Payment: PaymentConfig{
			Currency:    strings.ToUpper(getEnv("PAYMENT_CURRENCY", "CAD")),
			GracePeriod: time.Duration(getInt("PAYMENT_GRACE_SECONDS", 300)) * time.Second,
			LockTTL:     time.Duration(getInt("ORDER_LOCK_TTL_SECONDS", 30)) * time.Second,
			LockRetry:   time.Duration(getInt("ORDER_LOCK_RETRY_MS", 1000)) * time.Millisecond,
		},
		Tasks: TaskConfig{
			Broker:       strings.ToLower(getEnv("TASK_BROKER", TaskBrokerRedis)),
			Workers:      getInt("TASK_WORKERS", 4),
			PollInterval: time.Duration(getInt("TASK_POLL_MS", 500)) * time.Millisecond,
			Timeout:      time.Duration(getInt("TASK_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: getInt("TASK_MAX_ATTEMPTS", 5),
			BaseDelay:   time.Duration(getInt("RETRY_BASE_MS", 250)) * time.Millisecond,
			Factor:      getFloat("RETRY_FACTOR", 2.0),
			MaxDelay:    time.Duration(getInt("RETRY_MAX_MS", 10000)) * time.Millisecond,
		},
		Breaker: BreakerConfig{
			FailureThreshold: getInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  time.Duration(getInt("BREAKER_RECOVERY_SECONDS", 30)) * time.Second,
		},
	}

	log.Printf("Config loaded: env=%s, port=%s, role=%s", cfg.Server.Env, cfg.Server.Port, cfg.Server.Role)
	return cfg
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	switch c.Server.Role {
	case RoleAll, RoleAPI, RoleWorker:
	default:
		return fmt.Errorf("invalid ROLE %q", c.Server.Role)
	}
	switch c.Tasks.Broker {
	case TaskBrokerRedis:
	case TaskBrokerMemory:
		if c.Server.Role != RoleAll {
			return fmt.Errorf("TASK_BROKER=memory requires ROLE=all")
		}
	default:
		return fmt.Errorf("invalid TASK_BROKER %q", c.Tasks.Broker)
	}
	if len(c.Payment.Currency) != 3 {
		return fmt.Errorf("invalid PAYMENT_CURRENCY %q", c.Payment.Currency)
	}
	if c.Payment.GracePeriod <= 0 {
		return fmt.Errorf("PAYMENT_GRACE_SECONDS must be positive")
	}
	if c.Tasks.Timeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT_SECONDS must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("TASK_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.Factor < 1 {
		return fmt.Errorf("RETRY_FACTOR must be at least 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return n
}

func getFloat(key string, defaultVal float64) float64 {
	f, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
