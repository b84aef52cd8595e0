package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Provide(Load)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string

	// Shared secrets for the exposed endpoints.
	ScheduleTriggerSecret   string
	SettlementWebhookSecret string
	PurchaseWebhookSecret   string

	// Settlement provider.
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	// Token economics. Rate is USD cents per token, frozen onto every
	// ledger entry at write time.
	TokenRateUSDCents string

	// Metering.
	TickInterval  time.Duration
	InviteTimeout time.Duration

	// Payouts.
	MinPayoutThreshold int64
	PayoutChunkSize    int
	WorkerConcurrency  int
	MaxPayoutRetries   int
	ReconcileInterval  time.Duration

	// Risk guard.
	HourlySpendCap      int64
	DailySpendCap       int64
	MinAccountAge       time.Duration
	EarningBufferWindow time.Duration
	MaxPayoutRatio      float64
	FailedPurchaseLimit int
	CallCooldown        time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "tipcall"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tipcall"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		ScheduleTriggerSecret:   strings.TrimSpace(getenv("SCHEDULE_TRIGGER_SECRET", "")),
		SettlementWebhookSecret: strings.TrimSpace(getenv("SETTLEMENT_WEBHOOK_SECRET", "")),
		PurchaseWebhookSecret:   strings.TrimSpace(getenv("PURCHASE_WEBHOOK_SECRET", "")),

		ProviderBaseURL: getenv("SETTLEMENT_PROVIDER_URL", ""),
		ProviderAPIKey:  strings.TrimSpace(getenv("SETTLEMENT_PROVIDER_API_KEY", "")),
		ProviderTimeout: getenvDuration("SETTLEMENT_PROVIDER_TIMEOUT", 15*time.Second),

		TokenRateUSDCents: getenv("TOKEN_RATE_USD_CENTS", "5"),

		TickInterval:  getenvDuration("METERING_TICK_INTERVAL", 30*time.Second),
		InviteTimeout: getenvDuration("CALL_INVITE_TIMEOUT", 2*time.Minute),

		MinPayoutThreshold: getenvInt64("MIN_PAYOUT_THRESHOLD", 1000),
		PayoutChunkSize:    getenvInt("PAYOUT_CHUNK_SIZE", 25),
		WorkerConcurrency:  getenvInt("PAYOUT_WORKER_CONCURRENCY", 5),
		MaxPayoutRetries:   getenvInt("PAYOUT_MAX_RETRIES", 3),
		ReconcileInterval:  getenvDuration("PAYOUT_RECONCILE_INTERVAL", 24*time.Hour),

		HourlySpendCap:      getenvInt64("RISK_HOURLY_SPEND_CAP", 5000),
		DailySpendCap:       getenvInt64("RISK_DAILY_SPEND_CAP", 20000),
		MinAccountAge:       getenvDuration("RISK_MIN_ACCOUNT_AGE", 72*time.Hour),
		EarningBufferWindow: getenvDuration("RISK_EARNING_BUFFER", 48*time.Hour),
		MaxPayoutRatio:      getenvFloat("RISK_MAX_PAYOUT_RATIO", 0.95),
		FailedPurchaseLimit: getenvInt("RISK_FAILED_PURCHASE_LIMIT", 5),
		CallCooldown:        getenvDuration("RISK_CALL_COOLDOWN", 30*time.Second),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
