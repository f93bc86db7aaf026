package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	DatabaseURL    string
	GatewayToken   string
	AllowedOrigins string
	LogSQL         bool

	RoundDuration           time.Duration
	PollInterval            time.Duration
	InvalidateInterval      time.Duration
	PrizeModelTTL           time.Duration
	StatusInterval          time.Duration
	SettlementSweepInterval time.Duration
	SettlementRetryAfter    time.Duration
	PayoutReconcileInterval time.Duration

	ProfileServiceURL  string
	ProfileServicePath string

	R2 R2Settings
}

type R2Settings struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
}

// Load reads settings from the environment, falling back to defaults.
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "5200"),
		DatabaseURL:    databaseURL(),
		GatewayToken:   os.Getenv("GAME_SERVICE_TOKEN"),
		AllowedOrigins: allowedOrigins(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		LogSQL:         getEnvBool("LOG_SQL", false),

		RoundDuration:           getEnvDuration("ROUND_DURATION", 30*time.Second),
		PollInterval:            getEnvDuration("POLL_INTERVAL", 5*time.Second),
		InvalidateInterval:      getEnvDuration("INVALIDATE_INTERVAL", 2*time.Second),
		PrizeModelTTL:           getEnvDuration("PRIZE_MODEL_TTL", 5*time.Minute),
		StatusInterval:          getEnvDuration("STATUS_INTERVAL", time.Minute),
		SettlementSweepInterval: getEnvDuration("SETTLEMENT_SWEEP_INTERVAL", time.Minute),
		SettlementRetryAfter:    getEnvDuration("SETTLEMENT_RETRY_AFTER", 10*time.Minute),
		PayoutReconcileInterval: getEnvDuration("PAYOUT_RECONCILE_INTERVAL", 30*time.Second),

		ProfileServiceURL:  os.Getenv("PROFILE_SERVICE_URL"),
		ProfileServicePath: getEnv("PROFILE_SERVICE_PATH", "/api/v1/public/profiles"),

		R2: R2Settings{
			AccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
			AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
			AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
			Bucket:          os.Getenv("R2_BUCKET_NAME"),
		},
	}
}

// Validate reports the first missing required setting.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL (or DB_HOST/DB_USER/DB_NAME) is not set")
	}
	if c.GatewayToken == "" {
		return fmt.Errorf("GAME_SERVICE_TOKEN is not set")
	}
	if c.RoundDuration <= 0 {
		return fmt.Errorf("ROUND_DURATION must be positive")
	}
	return nil
}

func databaseURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	host := os.Getenv("DB_HOST")
	user := os.Getenv("DB_USER")
	name := os.Getenv("DB_NAME")
	if host == "" || user == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		host, user, os.Getenv("DB_PASSWORD"), name,
		getEnv("DB_PORT", "5432"), getEnv("DB_SSLMODE", "disable"))
}

func allowedOrigins(raw string) string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
