package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// 対応するデータベースドライバ。
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// 対応するフィードプロバイダー。
const (
	ProviderGitHub = "github"
	ProviderAtom   = "atom"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseDriver string
	DatabaseURL    string

	// Slack
	SlackBotToken     string
	VerificationToken string
	SlackAPIURL       string

	// Feed provider
	FeedProvider     string
	GitHubAPIURL     string
	DetailRatePerSec  float64
	DetailBurst       int
	DetailConcurrency int

	// Poll
	FetchTimeout      time.Duration
	DeliveryTimeout   time.Duration
	PollMaxConcurrent int
	FetchMaxSize      int64

	// Rate Limit
	RateLimitGeneral int

	// Logging
	LogLevel string

	// Server
	ServerPort  string
	MetricsPort string // workerモードで/metricsを公開するポート
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SlackBotToken = os.Getenv("SLACK_BOT_TOKEN")
	if cfg.SlackBotToken == "" {
		missing = append(missing, "SLACK_BOT_TOKEN")
	}

	cfg.VerificationToken = os.Getenv("VERIFICATION_TOKEN")
	if cfg.VerificationToken == "" {
		missing = append(missing, "VERIFICATION_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DatabaseDriver = strings.ToLower(getEnvString("DATABASE_DRIVER", DriverPostgres))
	cfg.SlackAPIURL = getEnvString("SLACK_API_URL", "https://slack.com/api")
	cfg.FeedProvider = strings.ToLower(getEnvString("FEED_PROVIDER", ProviderGitHub))
	cfg.GitHubAPIURL = getEnvString("GITHUB_API_URL", "https://api.github.com")
	cfg.DetailRatePerSec = getEnvFloat("DETAIL_RATE_PER_SEC", 10)
	cfg.DetailBurst = getEnvInt("DETAIL_BURST", 10)
	cfg.DetailConcurrency = getEnvInt("DETAIL_CONCURRENCY", 4)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.DeliveryTimeout = getEnvDuration("DELIVERY_TIMEOUT", 10*time.Second)
	cfg.PollMaxConcurrent = getEnvInt("POLL_MAX_CONCURRENT", 10)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 60)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "7778")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は列挙値の設定を検証する。
func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER: %q (allowed: %s, %s)", c.DatabaseDriver, DriverPostgres, DriverSQLite)
	}

	switch c.FeedProvider {
	case ProviderGitHub, ProviderAtom:
	default:
		return fmt.Errorf("unsupported FEED_PROVIDER: %q (allowed: %s, %s)", c.FeedProvider, ProviderGitHub, ProviderAtom)
	}

	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
