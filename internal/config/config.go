package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrMissingProxyKey    = errors.New("PROXY_API_KEY environment variable is required")
	ErrMissingUpstreamKey = errors.New("OPENAI_API_KEY environment variable is required")
)

const DefaultUpstreamBaseURL = "https://api.openai.com/v1"

// Config 进程级配置，启动时构造一次后只读
type Config struct {
	ProxyAPIKey     string
	UpstreamAPIKey  string
	UpstreamBaseURL string
	DailySpendCap   decimal.Decimal
	DatabasePath    string
	ServerPort      string
	UpstreamTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	LogLevel        string
	GinMode         string
}

// Load 从环境变量读取配置，缺少必需密钥时返回错误
func Load() (*Config, error) {
	cfg := &Config{
		ProxyAPIKey:     os.Getenv("PROXY_API_KEY"),
		UpstreamAPIKey:  os.Getenv("OPENAI_API_KEY"),
		UpstreamBaseURL: strings.TrimRight(getEnv("OPENAI_BASE_URL", DefaultUpstreamBaseURL), "/"),
		DatabasePath:    getEnv("DATABASE_PATH", "meter.db"),
		ServerPort:      getEnv("PORT", getEnv("SERVER_PORT", "8000")),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		GinMode:         getEnv("GIN_MODE", "release"),
	}

	if cfg.ProxyAPIKey == "" {
		return nil, ErrMissingProxyKey
	}
	if cfg.UpstreamAPIKey == "" {
		return nil, ErrMissingUpstreamKey
	}

	capStr := getEnv("METER_DAILY_SPEND_CAP", getEnv("DAILY_SPEND_CAP", "5.0"))
	spendCap, err := decimal.NewFromString(strings.TrimSpace(capStr))
	if err != nil {
		return nil, fmt.Errorf("invalid METER_DAILY_SPEND_CAP %q: %w", capStr, err)
	}
	if spendCap.IsNegative() {
		return nil, fmt.Errorf("METER_DAILY_SPEND_CAP must be non-negative, got %s", capStr)
	}
	cfg.DailySpendCap = spendCap

	timeout, err := time.ParseDuration(getEnv("UPSTREAM_TIMEOUT", "300s"))
	if err != nil || timeout <= 0 {
		return nil, fmt.Errorf("invalid UPSTREAM_TIMEOUT %q", os.Getenv("UPSTREAM_TIMEOUT"))
	}
	cfg.UpstreamTimeout = timeout

	rps, err := strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "0"), 64)
	if err != nil || rps < 0 {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPS %q", os.Getenv("RATE_LIMIT_RPS"))
	}
	cfg.RateLimitRPS = rps

	burst, err := strconv.Atoi(getEnv("RATE_LIMIT_BURST", "20"))
	if err != nil || burst < 1 {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST %q", os.Getenv("RATE_LIMIT_BURST"))
	}
	cfg.RateLimitBurst = burst

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
