package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment names accepted by the upstream venue.
const (
	EnvDemo = "demo"
	EnvLive = "live"
)

// Config holds environment-driven settings for the gateway.
type Config struct {
	NodeEnv string
	Port    int

	// cTrader application credentials
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Upstream endpoints
	DefaultEnv  string // demo | live
	DemoHost    string
	LiveHost    string
	CTraderPort int

	// Key/value backend: Redis when RedisURL is set, embedded SQLite otherwise.
	RedisURL   string
	SQLitePath string

	// Token encryption (32 bytes, parsed from 64 hex chars or base64)
	EncryptionKey []byte

	// Optional shared secret for internal callers
	InternalAPIKey string

	// Logging
	LogLevel  string
	LogFormat string // json | console

	// Protobuf schema directory
	ProtoDir string

	// Symbol catalog TTL
	SymbolsTTL time.Duration

	// OAuth token endpoint
	OAuthTokenURL string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		NodeEnv:        getEnv("NODE_ENV", "development"),
		Port:           getEnvInt("PORT", 8088),
		ClientID:       os.Getenv("CTRADER_CLIENT_ID"),
		ClientSecret:   os.Getenv("CTRADER_CLIENT_SECRET"),
		RedirectURI:    os.Getenv("CTRADER_REDIRECT_URI"),
		DefaultEnv:     strings.ToLower(getEnv("CTRADER_ENV", EnvDemo)),
		DemoHost:       getEnv("CTRADER_DEMO_HOST", "demo.ctraderapi.com"),
		LiveHost:       getEnv("CTRADER_LIVE_HOST", "live.ctraderapi.com"),
		CTraderPort:    getEnvInt("CTRADER_PORT", 5035),
		RedisURL:       os.Getenv("REDIS_URL"),
		SQLitePath:     getEnv("KV_SQLITE_PATH", "./data/kv.db"),
		InternalAPIKey: os.Getenv("INTERNAL_API_KEY"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		ProtoDir:       getEnv("PROTO_DIR", "proto"),
		SymbolsTTL:     time.Duration(getEnvInt("SYMBOLS_TTL_HOURS", 24)) * time.Hour,
		OAuthTokenURL:  getEnv("OAUTH_TOKEN_URL", "https://openapi.ctrader.com/apps/token"),
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT must be in 1..65535, got %d", cfg.Port)
	}
	if cfg.DefaultEnv != EnvDemo && cfg.DefaultEnv != EnvLive {
		return nil, fmt.Errorf("CTRADER_ENV must be %q or %q, got %q", EnvDemo, EnvLive, cfg.DefaultEnv)
	}
	if cfg.CTraderPort < 1 || cfg.CTraderPort > 65535 {
		return nil, fmt.Errorf("CTRADER_PORT must be in 1..65535, got %d", cfg.CTraderPort)
	}

	key, err := ParseEncryptionKey(os.Getenv("TOKEN_ENCRYPTION_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.EncryptionKey = key

	return cfg, nil
}

// Host returns the upstream host for the given environment, defaulting to the
// demo host for anything that is not "live".
func (c *Config) Host(env string) string {
	if env == EnvLive {
		return c.LiveHost
	}
	return c.DemoHost
}

// ParseEncryptionKey accepts 64 hex characters or base64 of exactly 32 bytes.
func ParseEncryptionKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required (64 hex chars or base64 of 32 bytes)")
	}
	if len(raw) == 64 {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is neither 64 hex chars nor valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
