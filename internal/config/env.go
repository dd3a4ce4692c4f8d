package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	PORT         string
	DATABASE_URL string

	PAYMENTS_PROCESSOR_URL_DEFAULT, PAYMENTS_PROCESSOR_URL_FALLBACK string
	HEALTH_PROCESSOR_URL_DEFAULT, HEALTH_PROCESSOR_URL_FALLBACK     string

	PAYMENT_QUEUE_MAX_SIZE int64

	NUM_WORKERS, DB_POOL_SIZE, HTTP_POOL_SIZE, HTTP_POOL_COUNT int

	HEALTH_CHECK_INTERVAL, REQUEST_TIMEOUT, WORKER_COOLDOWN time.Duration

	HEALTHY_LATENCY_MAX_MS int64
	PROCESSOR_SUCCESS_MODE string
	DEBUG                  bool
)

func LoadEnv() {
	godotenv.Load()

	PORT = os.Getenv("PORT")
	if PORT == "" {
		PORT = "9999"
	}

	base := os.Getenv("PAYMENTS_BASE_URL")
	PAYMENTS_PROCESSOR_URL_DEFAULT = envOr("PAYMENTS_PROCESSOR_URL_DEFAULT", base)
	PAYMENTS_PROCESSOR_URL_FALLBACK = envOr("PAYMENTS_PROCESSOR_URL_FALLBACK", base)
	HEALTH_PROCESSOR_URL_DEFAULT = envOr(
		"HEALTH_PROCESSOR_URL_DEFAULT",
		healthURL(PAYMENTS_PROCESSOR_URL_DEFAULT),
	)
	HEALTH_PROCESSOR_URL_FALLBACK = envOr(
		"HEALTH_PROCESSOR_URL_FALLBACK",
		healthURL(PAYMENTS_PROCESSOR_URL_FALLBACK),
	)

	PAYMENT_QUEUE_MAX_SIZE = 50000
	if raw := os.Getenv("PAYMENT_QUEUE_MAX_SIZE"); raw != "" {
		if strings.EqualFold(raw, "infinity") {
			PAYMENT_QUEUE_MAX_SIZE = 0
		} else if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			PAYMENT_QUEUE_MAX_SIZE = n
		}
	}

	NUM_WORKERS = envInt("NUM_WORKERS", 2*runtime.GOMAXPROCS(0))
	DB_POOL_SIZE = envInt("DB_POOL_SIZE", 10)
	HTTP_POOL_SIZE = envInt("HTTP_POOL_SIZE", 512)
	HTTP_POOL_COUNT = envInt("HTTP_POOL_COUNT", 1)

	HEALTH_CHECK_INTERVAL = envDuration("HEALTH_CHECK_INTERVAL", 5*time.Second)
	REQUEST_TIMEOUT = envDuration("REQUEST_TIMEOUT", time.Second)
	WORKER_COOLDOWN = envDuration("WORKER_COOLDOWN", 300*time.Millisecond)

	HEALTHY_LATENCY_MAX_MS = int64(envInt("HEALTHY_LATENCY_MAX_MS", 30))

	PROCESSOR_SUCCESS_MODE = envOr("PROCESSOR_SUCCESS_MODE", "strict")

	DEBUG, _ = strconv.ParseBool(os.Getenv("DEBUG"))

	DATABASE_URL = os.Getenv("DATABASE_URL")
	if DATABASE_URL == "" {
		DATABASE_URL = databaseURLFromParts()
	}
}

func databaseURLFromParts() string {
	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	port := envOr("DB_PORT", "5432")
	user := envOr("DB_USER", "postgres")
	password := os.Getenv("DB_PASSWORD")
	name := envOr("DB_NAME", "payments")
	ssl := "disable"
	if on, _ := strconv.ParseBool(os.Getenv("DB_SSL")); on {
		ssl = "require"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		user, password, host, port, name, ssl, DB_POOL_SIZE,
	)
}

func healthURL(paymentsBase string) string {
	if paymentsBase == "" {
		return ""
	}
	return strings.TrimSuffix(paymentsBase, "/") + "/payments/service-health"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
