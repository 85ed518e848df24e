package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName           = "TestBTC Custody"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLedgerPort        = "8081"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultAccessTokenTTL    = 15 * time.Minute
	defaultReconcileInterval = time.Minute
	defaultLedgerTimeout     = 5 * time.Second
	defaultTransferFee       = 10
	defaultWalletPrincipal   = "custody-wallet"
	defaultMigrationsDir     = "migrations"
	defaultDevJWTSecret      = "dev-only-secret-change-me"
	idemTTLSecondsEnvVar     = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar         = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar    = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar   = "SHUTDOWN_TIMEOUT"
)

// Events backends.
const (
	EventsLog   = "log"
	EventsKafka = "kafka"
	EventsNATS  = "nats"
)

// Balance store backends.
const (
	BalancesMemory   = "memory"
	BalancesRedis    = "redis"
	BalancesPostgres = "postgres"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LedgerPort     string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	JWTSecret      string
	AccessTokenTTL time.Duration

	TransferFee     uint64
	MintAuthorities []string
	WalletPrincipal string
	// BalanceBackend selects where virtual balances live. Empty picks
	// postgres when DATABASE_URL is set and memory otherwise.
	BalanceBackend string

	// LedgerURL, when set, points the API at a standalone ledger service
	// instead of the embedded one.
	LedgerURL          string
	LedgerServiceToken string
	LedgerTimeout      time.Duration

	// ICPLedgerURL points at the ledger service that holds ICP. Without it
	// ICP calls are mocked in faucet environments and unavailable elsewhere.
	ICPLedgerURL          string
	ICPLedgerServiceToken string

	EventsBackend string
	KafkaBrokers  []string
	KafkaTopic    string
	NATSURL       string

	ReconcileInterval time.Duration
	MigrationsDir     string
}

// Load reads configuration values from the environment, after loading a
// .env file from the working directory when one exists.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:            getEnv("APP_NAME", defaultAppName),
		AppEnv:             strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:               getEnv("PORT", defaultPort),
		LedgerPort:         getEnv("LEDGER_PORT", defaultLedgerPort),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		MintAuthorities:    splitList(os.Getenv("MINT_AUTHORITIES")),
		WalletPrincipal:    getEnv("WALLET_PRINCIPAL", defaultWalletPrincipal),
		BalanceBackend:     strings.ToLower(os.Getenv("BALANCE_BACKEND")),
		LedgerURL:          strings.TrimRight(os.Getenv("LEDGER_URL"), "/"),
		LedgerServiceToken: os.Getenv("LEDGER_SERVICE_TOKEN"),
		ICPLedgerURL:       strings.TrimRight(os.Getenv("ICP_LEDGER_URL"), "/"),
		EventsBackend:      strings.ToLower(getEnv("EVENTS_BACKEND", EventsLog)),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:         os.Getenv("KAFKA_TOPIC"),
		NATSURL:            os.Getenv("NATS_URL"),
		MigrationsDir:      getEnv("MIGRATIONS_DIR", defaultMigrationsDir),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationFromEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationFromEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.AccessTokenTTL, err = durationFromEnv("ACCESS_TOKEN_TTL_SECONDS", "ACCESS_TOKEN_TTL", defaultAccessTokenTTL); err != nil {
		return Config{}, err
	}
	cfg.ICPLedgerServiceToken = getEnv("ICP_LEDGER_SERVICE_TOKEN", cfg.LedgerServiceToken)
	if cfg.ReconcileInterval, err = durationFromEnv("RECONCILE_INTERVAL_SECONDS", "RECONCILE_INTERVAL", defaultReconcileInterval); err != nil {
		return Config{}, err
	}
	if cfg.LedgerTimeout, err = durationFromEnv("LEDGER_TIMEOUT_SECONDS", "LEDGER_TIMEOUT", defaultLedgerTimeout); err != nil {
		return Config{}, err
	}

	cfg.TransferFee = defaultTransferFee
	if v := os.Getenv("TRANSFER_FEE"); v != "" {
		fee, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TRANSFER_FEE: %w", err)
		}
		cfg.TransferFee = fee
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.EventsBackend {
	case EventsLog:
	case EventsKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS must be set when EVENTS_BACKEND=kafka")
		}
	case EventsNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL must be set when EVENTS_BACKEND=nats")
		}
	default:
		return fmt.Errorf("unknown EVENTS_BACKEND %q", c.EventsBackend)
	}

	switch c.BalanceBackend {
	case "", BalancesMemory:
	case BalancesRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set when BALANCE_BACKEND=redis")
		}
	case BalancesPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when BALANCE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown BALANCE_BACKEND %q", c.BalanceBackend)
	}

	if c.LedgerURL != "" && c.LedgerServiceToken == "" {
		return fmt.Errorf("LEDGER_SERVICE_TOKEN must be set when LEDGER_URL is set")
	}
	if c.ICPLedgerURL != "" && c.ICPLedgerServiceToken == "" {
		return fmt.Errorf("ICP_LEDGER_SERVICE_TOKEN must be set when ICP_LEDGER_URL is set")
	}

	if c.IsDev() {
		if c.JWTSecret == "" {
			c.JWTSecret = defaultDevJWTSecret
		}
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set when APP_ENV=%s", c.AppEnv)
	}
	return nil
}

// IsDev reports whether Postgres and Redis may be replaced by in-memory
// backends.
func (c Config) IsDev() bool {
	switch c.AppEnv {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	return listenAddress(c.Port)
}

// LedgerAddress is the listen address of the standalone ledger service.
func (c Config) LedgerAddress() string {
	return listenAddress(c.LedgerPort)
}

func listenAddress(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationFromEnv prefers the whole-seconds variable over the Go duration one.
func durationFromEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
