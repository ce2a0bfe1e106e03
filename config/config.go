package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Execution backend selection: "paper", "exchange", or "broker"
	Backend string
	Account string

	// Crypto exchange credentials
	ExchangeName    string
	ExchangeBaseURL string
	ExchangeAPIKey  string
	ExchangeSecret  string

	// Brokerage credentials (TOTP session login)
	BrokerBaseURL    string
	BrokerAPIKey     string
	BrokerClientCode string
	BrokerPassword   string
	BrokerTOTPSecret string

	// Market data
	FeedSource  string
	FeedBaseURL string
	FeedWSURL   string
	Instruments string // comma-separated
	Timeframe   string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	LedgerPath    string
	MetricsAddr   string

	// Execution tuning
	MaxRetries   int
	RetryBudget  time.Duration
	PollInterval time.Duration
	PollBudget   time.Duration

	// Risk
	Equity              string
	MaxPositionFraction string
	MinNotional         string

	// Event sinks
	WebhookURL string

	LogLevel string
}

// Load reads configuration from the environment, first merging a .env
// file if one exists next to the binary.
func Load() *Config {
	// Missing .env is fine; explicit env vars always win.
	_ = godotenv.Load()

	cfg := &Config{
		Backend: getEnv("BACKEND", "paper"),
		Account: getEnv("ACCOUNT", "default"),

		ExchangeName:    getEnv("EXCHANGE_NAME", "mexc"),
		ExchangeBaseURL: getEnv("EXCHANGE_BASE_URL", "https://contract.mexc.com"),
		ExchangeAPIKey:  getEnv("EXCHANGE_API_KEY", ""),
		ExchangeSecret:  getEnv("EXCHANGE_API_SECRET", ""),

		BrokerBaseURL:    getEnv("BROKER_BASE_URL", ""),
		BrokerAPIKey:     getEnv("BROKER_API_KEY", ""),
		BrokerClientCode: getEnv("BROKER_CLIENT_CODE", ""),
		BrokerPassword:   getEnv("BROKER_PASSWORD", ""),
		BrokerTOTPSecret: getEnv("BROKER_TOTP_SECRET", ""),

		FeedSource:  getEnv("FEED_SOURCE", "mexc"),
		FeedBaseURL: getEnv("FEED_BASE_URL", "https://contract.mexc.com"),
		FeedWSURL:   getEnv("FEED_WS_URL", "wss://contract.mexc.com/edge"),
		Instruments: getEnv("INSTRUMENTS", "BTC_USDT"),
		Timeframe:   getEnv("TIMEFRAME", "1d"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		LedgerPath:    getEnv("LEDGER_PATH", "data/ledger.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		MaxRetries:   getEnvInt("MAX_RETRIES", 2),
		RetryBudget:  getEnvDuration("RETRY_BUDGET", 30*time.Second),
		PollInterval: getEnvDuration("POLL_INTERVAL", time.Second),
		PollBudget:   getEnvDuration("POLL_BUDGET", 60*time.Second),

		Equity:              getEnv("EQUITY", "10000"),
		MaxPositionFraction: getEnv("MAX_POSITION_FRACTION", "0.1"),
		MinNotional:         getEnv("MIN_NOTIONAL", "10"),

		WebhookURL: getEnv("WEBHOOK_URL", ""),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
	}

	switch cfg.Backend {
	case "exchange":
		cfg.ExchangeAPIKey = mustEnv("EXCHANGE_API_KEY")
		cfg.ExchangeSecret = mustEnv("EXCHANGE_API_SECRET")
	case "broker":
		cfg.BrokerBaseURL = mustEnv("BROKER_BASE_URL")
		cfg.BrokerAPIKey = mustEnv("BROKER_API_KEY")
		cfg.BrokerClientCode = mustEnv("BROKER_CLIENT_CODE")
		cfg.BrokerPassword = mustEnv("BROKER_PASSWORD")
		cfg.BrokerTOTPSecret = mustEnv("BROKER_TOTP_SECRET")
	}
	return cfg
}

// ParseInstruments splits the comma-separated instrument list.
func (c *Config) ParseInstruments() []string {
	parts := strings.Split(c.Instruments, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
