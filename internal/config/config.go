package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds zoom-rtms orchestrator configuration (shape as user-service template).
type Config struct {
	AppEnv   string // APP_ENV
	AppHost  string // APP_HOST
	HTTPPort string // APP_PORT or HTTP_PORT
	LogLevel string // LOG_LEVEL

	// Webhook
	WebhookSecret string // ZM_WEBHOOK_SECRET
	MaxBodyBytes  int64  // WEBHOOK_MAX_BODY_BYTES

	// Backend link
	BackendBaseURL string // BASE_SERVER_URL (ws://host/ws/transcribe)

	// Signing key for backend tokens (PEM, inline or file)
	PrivateKeyPEM  string // ZM_PRIVATE_KEY
	PrivateKeyFile string // ZM_PRIVATE_KEY_FILE

	// Worker lifecycle
	StopGrace       time.Duration // WORKER_STOP_GRACE (seconds)
	MetricsInterval time.Duration // METRICS_INTERVAL (seconds)
}

// Load loads config from environment (.env if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	maxBody, _ := strconv.ParseInt(getEnv("WEBHOOK_MAX_BODY_BYTES", "2097152"), 10, 64)
	grace, _ := strconv.Atoi(getEnv("WORKER_STOP_GRACE", "10"))
	interval, _ := strconv.Atoi(getEnv("METRICS_INTERVAL", "2"))

	cfg := &Config{
		AppEnv:          getEnv("APP_ENV", "development"),
		AppHost:         getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort:        firstEnv("APP_PORT", "HTTP_PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		WebhookSecret:   os.Getenv("ZM_WEBHOOK_SECRET"),
		MaxBodyBytes:    maxBody,
		BackendBaseURL:  getEnv("BASE_SERVER_URL", "ws://localhost:8000/ws/transcribe"),
		PrivateKeyPEM:   os.Getenv("ZM_PRIVATE_KEY"),
		PrivateKeyFile:  os.Getenv("ZM_PRIVATE_KEY_FILE"),
		StopGrace:       time.Duration(grace) * time.Second,
		MetricsInterval: time.Duration(interval) * time.Second,
	}
	return cfg, nil
}

// Validate checks fields required to run the orchestrator.
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return errors.New("config: ZM_WEBHOOK_SECRET is required")
	}
	if c.BackendBaseURL == "" {
		return errors.New("config: BASE_SERVER_URL is required")
	}
	if c.StopGrace <= 0 {
		return errors.New("config: WORKER_STOP_GRACE must be positive")
	}
	return nil
}

// PrivateKey returns the RS256 signing key PEM, reading the key file if the
// inline value is not set. Keys are often passed with literal "\n" through
// env files; those are normalized here.
func (c *Config) PrivateKey() ([]byte, error) {
	if c.PrivateKeyPEM != "" {
		return []byte(normalizeKey(c.PrivateKeyPEM)), nil
	}
	if c.PrivateKeyFile != "" {
		data, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: read ZM_PRIVATE_KEY_FILE: %w", err)
		}
		return data, nil
	}
	return nil, errors.New("config: ZM_PRIVATE_KEY or ZM_PRIVATE_KEY_FILE is required")
}

// Addr returns listen address for HTTP server.
func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

func normalizeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '\\' && i+1 < len(key) && key[i+1] == 'n' {
			out = append(out, '\n')
			i++
			continue
		}
		out = append(out, key[i])
	}
	return string(out)
}

func firstEnv(keysAndDef ...string) string {
	if len(keysAndDef) == 0 {
		return ""
	}
	def := keysAndDef[len(keysAndDef)-1]
	keys := keysAndDef[:len(keysAndDef)-1]
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
