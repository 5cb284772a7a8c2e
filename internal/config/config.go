package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"kitchenledger/backend/internal/domain"
)

const (
	OverDispatchClamp  = "clamp"
	OverDispatchReject = "reject"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	StockCacheTTLSeconds  int
	AuthSecret            string
	AccessTokenTTLMinutes int
	DefaultLocation       string
	OverDispatchPolicy    string
	SlipNumberAttempts    int
	ConfirmLockTTLSeconds int
	LogLevel              string
	LogFormat             string
}

// Load reads the environment, after merging a .env file when one exists.
// Variables already set in the process win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	location := strings.ToLower(getEnv("DEFAULT_LOCATION", domain.LocationTothai))
	if !domain.IsValidLocation(location) {
		location = domain.LocationTothai
	}

	policy := strings.ToLower(getEnv("OVER_DISPATCH_POLICY", OverDispatchClamp))
	if policy != OverDispatchReject {
		policy = OverDispatchClamp
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		StockCacheTTLSeconds:  getPositiveInt("STOCK_CACHE_TTL_SECONDS", 20),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		DefaultLocation:       location,
		OverDispatchPolicy:    policy,
		SlipNumberAttempts:    getPositiveInt("SLIP_NUMBER_ATTEMPTS", 3),
		ConfirmLockTTLSeconds: getPositiveInt("CONFIRM_LOCK_TTL_SECONDS", 10),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
