package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds shared runtime configuration for the API, worker and drain CLI.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	StoreURL string
	StoreKey string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DeadLetterKey string

	WebhookURL        string
	WebhookToken      string
	WebhookRatePerSec float64

	ValidationTimeout  time.Duration
	RetryBaseDelay     time.Duration
	RetryJitter        float64
	MaxAttempts        int
	DrainMaxConcurrent int
	DrainInterval      time.Duration
	StaleAfter         time.Duration
	SweepInterval      time.Duration

	RateLimitCapacity int
	RateLimitRefill   float64

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
	PresignTTL  time.Duration

	CreditCost int

	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
}

var defaults = map[string]any{
	"APP_ENV":                     "dev",
	"HTTP_PORT":                   "8080",
	"METRICS_ADDR":                ":9090",
	"STORE_URL":                   "",
	"STORE_KEY":                   "",
	"REDIS_ADDR":                  "",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"DEAD_LETTER_KEY":             "validation:dead_letter",
	"WEBHOOK_URL":                 "",
	"WEBHOOK_TOKEN":               "",
	"WEBHOOK_RATE_PER_SEC":        0.0,
	"VALIDATION_TIMEOUT":          300 * time.Second,
	"RETRY_BASE_DELAY":            2 * time.Second,
	"RETRY_JITTER":                0.0,
	"MAX_ATTEMPTS":                3,
	"DRAIN_MAX_CONCURRENT":        3,
	"DRAIN_INTERVAL":              30 * time.Second,
	"STALE_AFTER":                 10 * time.Minute,
	"SWEEP_INTERVAL":              time.Minute,
	"RATE_LIMIT_CAPACITY":         20,
	"RATE_LIMIT_REFILL_PER_SEC":   0.5,
	"S3_BUCKET":                   "",
	"S3_REGION":                   "us-east-1",
	"S3_ENDPOINT":                 "",
	"S3_PATH_STYLE":               false,
	"PRESIGN_TTL":                 15 * time.Minute,
	"CREDIT_COST":                 1,
	"LOG_LEVEL":                   "info",
	"LOG_FORMAT":                  "json",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
}

// Load reads configuration from the environment, after loading a .env file if present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return fromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()
	return v
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Env:                v.GetString("APP_ENV"),
		HTTPPort:           v.GetString("HTTP_PORT"),
		MetricsAddr:        v.GetString("METRICS_ADDR"),
		StoreURL:           strings.TrimSpace(v.GetString("STORE_URL")),
		StoreKey:           strings.TrimSpace(v.GetString("STORE_KEY")),
		RedisAddr:          v.GetString("REDIS_ADDR"),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		RedisDB:            v.GetInt("REDIS_DB"),
		DeadLetterKey:      v.GetString("DEAD_LETTER_KEY"),
		WebhookURL:         v.GetString("WEBHOOK_URL"),
		WebhookToken:       v.GetString("WEBHOOK_TOKEN"),
		WebhookRatePerSec:  v.GetFloat64("WEBHOOK_RATE_PER_SEC"),
		ValidationTimeout:  v.GetDuration("VALIDATION_TIMEOUT"),
		RetryBaseDelay:     v.GetDuration("RETRY_BASE_DELAY"),
		RetryJitter:        v.GetFloat64("RETRY_JITTER"),
		MaxAttempts:        v.GetInt("MAX_ATTEMPTS"),
		DrainMaxConcurrent: v.GetInt("DRAIN_MAX_CONCURRENT"),
		DrainInterval:      v.GetDuration("DRAIN_INTERVAL"),
		StaleAfter:         v.GetDuration("STALE_AFTER"),
		SweepInterval:      v.GetDuration("SWEEP_INTERVAL"),
		RateLimitCapacity:  v.GetInt("RATE_LIMIT_CAPACITY"),
		RateLimitRefill:    v.GetFloat64("RATE_LIMIT_REFILL_PER_SEC"),
		S3Bucket:           v.GetString("S3_BUCKET"),
		S3Region:           v.GetString("S3_REGION"),
		S3Endpoint:         v.GetString("S3_ENDPOINT"),
		S3PathStyle:        v.GetBool("S3_PATH_STYLE"),
		PresignTTL:         v.GetDuration("PRESIGN_TTL"),
		CreditCost:         v.GetInt("CREDIT_COST"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFormat:          v.GetString("LOG_FORMAT"),
		OTLPEndpoint:       v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) check() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	case c.DrainMaxConcurrent < 1:
		return fmt.Errorf("DRAIN_MAX_CONCURRENT must be at least 1, got %d", c.DrainMaxConcurrent)
	case c.ValidationTimeout <= 0:
		return errors.New("VALIDATION_TIMEOUT must be positive")
	case c.RetryBaseDelay <= 0:
		return errors.New("RETRY_BASE_DELAY must be positive")
	case c.RetryJitter < 0 || c.RetryJitter > 1:
		return fmt.Errorf("RETRY_JITTER must be within [0,1], got %v", c.RetryJitter)
	case c.CreditCost < 0:
		return errors.New("CREDIT_COST must not be negative")
	}
	return c.CheckStaleWindow()
}

// CheckStaleWindow requires the stale cutoff to exceed the validation timeout, so the
// sweeper never reclaims an item whose call is still within its timeout.
func (c Config) CheckStaleWindow() error {
	if c.StaleAfter <= c.ValidationTimeout {
		return fmt.Errorf("STALE_AFTER (%s) must exceed VALIDATION_TIMEOUT (%s)", c.StaleAfter, c.ValidationTimeout)
	}
	return nil
}

// RequireStore reports missing store settings. Every binary that touches the queue calls it.
func (c Config) RequireStore() error {
	var missing []string
	if c.StoreURL == "" {
		missing = append(missing, "STORE_URL")
	}
	if c.StoreKey == "" {
		missing = append(missing, "STORE_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
