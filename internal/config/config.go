// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Cycle
	ParseInterval     time.Duration
	MaxNewsPerRun     int
	DeliveryBatchSize int
	TransformDelay    time.Duration
	TransformFallback bool
	CleanupHour       int
	RetentionDays     int

	// Fetch
	MaxConcurrentSources int
	SourceProbeTimeout   time.Duration
	SourceFetchTimeout   time.Duration
	SourceMaxItems       int
	SourceMaxBodySize    int64

	// Resilience
	SourceBreakerThreshold  int
	SourceBreakerRecovery   time.Duration
	ServiceBreakerThreshold int
	ServiceBreakerRecovery  time.Duration
	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RetryExponentialBase    float64
	RetryJitter             bool

	// GigaChat
	GigaChatCredentials string
	GigaChatScope       string
	GigaChatAuthURL     string
	GigaChatBaseURL     string
	GigaChatModel       string
	GigaChatTimeout     time.Duration
	GigaChatVerifyTLS   bool

	// Telegram
	TelegramBotToken     string
	TelegramChannelID    string
	TelegramAPIURL       string
	TelegramSendDelay    time.Duration
	TelegramMessageLimit int
	TelegramTimeout      time.Duration

	// Validation
	RegionKeywords  []string
	ExcludeKeywords []string

	// Sources
	SourcesFile     string
	EnabledSources  []string
	DisabledSources []string

	// Server
	HTTPPort      string
	HealthTimeout time.Duration

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定の変数をまとめてエラーとして返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ParseInterval = getEnvDuration("PARSE_INTERVAL", 30*time.Minute)
	cfg.MaxNewsPerRun = getEnvInt("MAX_NEWS_PER_RUN", 10)
	cfg.DeliveryBatchSize = getEnvInt("DELIVERY_BATCH_SIZE", 5)
	cfg.TransformDelay = getEnvDuration("TRANSFORM_DELAY", 2*time.Second)
	cfg.TransformFallback = getEnvBool("TRANSFORM_FALLBACK", false)
	cfg.CleanupHour = getEnvInt("CLEANUP_HOUR", 3)
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 7)

	cfg.MaxConcurrentSources = getEnvInt("MAX_CONCURRENT_SOURCES", 5)
	cfg.SourceProbeTimeout = getEnvDuration("SOURCE_PROBE_TIMEOUT", 10*time.Second)
	cfg.SourceFetchTimeout = getEnvDuration("SOURCE_FETCH_TIMEOUT", 30*time.Second)
	cfg.SourceMaxItems = getEnvInt("SOURCE_MAX_ITEMS", 20)
	cfg.SourceMaxBodySize = getEnvInt64("SOURCE_MAX_BODY_SIZE", 5242880)

	cfg.SourceBreakerThreshold = getEnvInt("SOURCE_BREAKER_THRESHOLD", 3)
	cfg.SourceBreakerRecovery = getEnvDuration("SOURCE_BREAKER_RECOVERY", 5*time.Minute)
	cfg.ServiceBreakerThreshold = getEnvInt("SERVICE_BREAKER_THRESHOLD", 5)
	cfg.ServiceBreakerRecovery = getEnvDuration("SERVICE_BREAKER_RECOVERY", 60*time.Second)
	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", time.Second)
	cfg.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", 60*time.Second)
	cfg.RetryExponentialBase = getEnvFloat("RETRY_EXPONENTIAL_BASE", 2.0)
	cfg.RetryJitter = getEnvBool("RETRY_JITTER", true)

	cfg.GigaChatCredentials = getEnvString("GIGACHAT_CREDENTIALS", "")
	cfg.GigaChatScope = getEnvString("GIGACHAT_SCOPE", "GIGACHAT_API_PERS")
	cfg.GigaChatAuthURL = getEnvString("GIGACHAT_AUTH_URL", "https://ngw.devices.sberbank.ru:9443/api/v2/oauth")
	cfg.GigaChatBaseURL = getEnvString("GIGACHAT_BASE_URL", "https://gigachat.devices.sberbank.ru/api/v1")
	cfg.GigaChatModel = getEnvString("GIGACHAT_MODEL", "GigaChat")
	cfg.GigaChatTimeout = getEnvDuration("GIGACHAT_TIMEOUT", 30*time.Second)
	cfg.GigaChatVerifyTLS = getEnvBool("GIGACHAT_VERIFY_SSL", false)

	cfg.TelegramBotToken = getEnvString("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChannelID = getEnvString("TELEGRAM_CHANNEL_ID", "")
	cfg.TelegramAPIURL = getEnvString("TELEGRAM_API_URL", "https://api.telegram.org")
	cfg.TelegramSendDelay = getEnvDuration("TELEGRAM_SEND_DELAY", time.Second)
	cfg.TelegramMessageLimit = getEnvInt("TELEGRAM_MESSAGE_LIMIT", 4000)
	cfg.TelegramTimeout = getEnvDuration("TELEGRAM_TIMEOUT", 30*time.Second)

	cfg.RegionKeywords = getEnvList("REGION_KEYWORDS")
	cfg.ExcludeKeywords = getEnvList("EXCLUDE_KEYWORDS")

	cfg.SourcesFile = getEnvString("NEWS_SOURCES_FILE", "sources.yaml")
	cfg.EnabledSources = getEnvList("ENABLED_SOURCES")
	cfg.DisabledSources = getEnvList("DISABLED_SOURCES")

	cfg.HTTPPort = getEnvString("HTTP_PORT", "8080")
	cfg.HealthTimeout = getEnvDuration("HEALTH_TIMEOUT", 10*time.Second)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if cfg.CleanupHour < 0 || cfg.CleanupHour > 23 {
		return nil, fmt.Errorf("CLEANUP_HOUR must be between 0 and 23: %d", cfg.CleanupHour)
	}

	return cfg, nil
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
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
