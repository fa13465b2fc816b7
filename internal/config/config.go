package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application level configuration loaded from environment variables.
type Config struct {
	Port              string
	DBURL             string
	RedisURL          string
	UseInMemoryStore  bool
	PriceTTL          time.Duration
	PriceSourceURL    string
	PriceFetchTimeout time.Duration
	PriceSourceRPS    float64
	RefreshSchedule   string
	ReconciliationTTL time.Duration
	Environment       string
	LogLevel          string
}

// Load reads configuration from environment variables. A .env file is loaded
// if present to simplify local development. We look next to the executable
// first, then in bin/.env and .env relative to the working directory.
func Load() Config {
	loadDotEnv()

	cfg := Config{
		Port:              getString("PORT", "8080"),
		DBURL:             getString("DATABASE_URL", ""),
		RedisURL:          getString("REDIS_URL", ""),
		PriceTTL:          getDuration("PRICE_TTL_SECONDS", 300, time.Second),
		PriceSourceURL:    getString("PRICE_SOURCE_URL", ""),
		PriceFetchTimeout: getDuration("PRICE_FETCH_TIMEOUT_SECONDS", 10, time.Second),
		PriceSourceRPS:    getFloat("PRICE_SOURCE_RPS", 5),
		RefreshSchedule:   getOptional("PRICE_REFRESH_SCHEDULE", "@every 10m"),
		ReconciliationTTL: getDuration("RECONCILIATION_TTL_MINUTES", 30, time.Minute),
		Environment:       getString("ENVIRONMENT", "local"),
		LogLevel:          getString("LOG_LEVEL", ""),
	}

	cfg.UseInMemoryStore = cfg.DBURL == ""
	return cfg
}

func loadDotEnv() {
	candidates := []string{
		filepath.Join("bin", ".env"),
		".env",
	}

	if exePath, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exePath)
		candidates = append([]string{
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "bin", ".env"),
		}, candidates...)
	}

	for _, path := range candidates {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// getOptional is like getString but a variable set to "" wins over fallback.
func getOptional(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getDuration(key string, fallback int, unit time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			log.Printf("invalid value for %s, using fallback %d", key, fallback)
			return time.Duration(fallback) * unit
		}
		return time.Duration(n) * unit
	}
	return time.Duration(fallback) * unit
}

func getFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil || f <= 0 {
			log.Printf("invalid value for %s, using fallback %v", key, fallback)
			return fallback
		}
		return f
	}
	return fallback
}
