package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                   string
	DatabaseURL            string
	NotifyPositionNear     int
	SessionTTL             time.Duration
	RateLimitPerMinute     int
	RateLimitBurst         int
	UserRateLimitPerMinute int
	UserRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                   port,
		DatabaseURL:            os.Getenv("DB_DSN"),
		NotifyPositionNear:     readInt("NOTIFY_POSITION_NEAR", 3),
		SessionTTL:             readDurationHours("SESSION_TTL_HOURS", 24),
		RateLimitPerMinute:     readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:         readInt("RATE_LIMIT_BURST", 30),
		UserRateLimitPerMinute: readInt("USER_RATE_LIMIT_PER_MIN", 600),
		UserRateLimitBurst:     readInt("USER_RATE_LIMIT_BURST", 120),
	}
}

func readDurationHours(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Hour
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
