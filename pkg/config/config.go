// Package config holds environment-driven settings and the accounts file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the copy-trading core.
type Config struct {
	Port      string
	DBPath    string
	JWTSecret string

	// Accounts file (YAML) and credential sealing
	AccountsFile  string
	CredentialKey string // passphrase for sealing API secrets at rest; empty = plaintext

	// Paper (dry-run) venue
	PaperMode           bool
	PaperInitialBalance float64
	PaperFeeRate        float64
	PaperSlippageBps    float64

	// Worker loop
	ScanInterval     time.Duration
	BalanceTTL       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Execution
	OrderMaxAttempts int
	OrderRetryBase   time.Duration
	ConfirmDelay     time.Duration
	MinFreeCapital   float64
	MinNotional      float64

	// Copy-trade fan-out
	CopyWorkers int

	// Reconciliation watchdog
	WatchdogInterval time.Duration

	// Emergency sentinel directory
	EmergencyDir string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/copytrade.db"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		AccountsFile:        getEnv("ACCOUNTS_FILE", "./accounts.yaml"),
		CredentialKey:       os.Getenv("CREDENTIAL_KEY"),
		PaperMode:           getEnv("PAPER_MODE", "true") == "true",
		PaperInitialBalance: getEnvFloat("PAPER_INITIAL_BALANCE", 10000.0),
		PaperFeeRate:        getEnvFloat("PAPER_FEE_RATE", 0.0004),
		PaperSlippageBps:    getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		ScanInterval:        getEnvDuration("SCAN_INTERVAL", 10*time.Second),
		BalanceTTL:          getEnvDuration("BALANCE_TTL", 30*time.Second),
		BreakerThreshold:    getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:     getEnvDuration("BREAKER_COOLDOWN", 2*time.Minute),
		OrderMaxAttempts:    getEnvInt("ORDER_MAX_ATTEMPTS", 4),
		OrderRetryBase:      getEnvDuration("ORDER_RETRY_BASE", 250*time.Millisecond),
		ConfirmDelay:        getEnvDuration("ORDER_CONFIRM_DELAY", 500*time.Millisecond),
		MinFreeCapital:      getEnvFloat("MIN_FREE_CAPITAL", 5.0),
		MinNotional:         getEnvFloat("MIN_NOTIONAL", 1.0),
		CopyWorkers:         getEnvInt("COPY_WORKERS", 8),
		WatchdogInterval:    getEnvDuration("WATCHDOG_INTERVAL", 5*time.Minute),
		EmergencyDir:        getEnv("EMERGENCY_DIR", "./data/emergency"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
