package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	WaitCacheTTL  time.Duration

	AvgServiceMinutes int
	PromoteInterval   time.Duration
	PromoteBatchSize  int

	NotifyInterval  time.Duration
	NotifyBatchSize int
	SMSProvider     string
	EmailProvider   string

	RateLimitPerMinute      int
	RateLimitBurst          int
	SalonRateLimitPerMinute int
	SalonRateLimitBurst     int
}

func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: skipping .env: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),
		WaitCacheTTL:  readDurationSeconds("WAIT_CACHE_TTL_SECONDS", 15),

		AvgServiceMinutes: readInt("AVG_SERVICE_MINUTES", 15),
		PromoteInterval:   readDurationSeconds("PROMOTE_SCAN_INTERVAL_SECONDS", 30),
		PromoteBatchSize:  readInt("PROMOTE_BATCH_SIZE", 100),

		NotifyInterval:  readDurationSeconds("NOTIFY_SCAN_INTERVAL_SECONDS", 10),
		NotifyBatchSize: readInt("NOTIFY_BATCH_SIZE", 50),
		SMSProvider:     os.Getenv("SMS_PROVIDER"),
		EmailProvider:   os.Getenv("EMAIL_PROVIDER"),

		RateLimitPerMinute:      readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:          readInt("RATE_LIMIT_BURST", 30),
		SalonRateLimitPerMinute: readInt("SALON_RATE_LIMIT_PER_MIN", 600),
		SalonRateLimitBurst:     readInt("SALON_RATE_LIMIT_BURST", 120),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
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
