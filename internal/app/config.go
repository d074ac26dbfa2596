package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	DefaultMode         string
	DefaultMaxBudget    float64
	DefaultMaxLatencyMs int

	ProviderTimeoutSecs int

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool   // CONCLAVE_OTEL_ENABLED, default false
	OTelEndpoint    string // CONCLAVE_OTEL_ENDPOINT, default "localhost:4318"
	OTelServiceName string // CONCLAVE_OTEL_SERVICE_NAME, default "conclave"

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// External credentials file (~/.netrc analogue for provider tokens).
	CredentialsFile string // CONCLAVE_CREDENTIALS_FILE, default ~/.conclave/credentials
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("CONCLAVE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("CONCLAVE_LOG_LEVEL", "info"),
		DBDSN:      getEnv("CONCLAVE_DB_DSN", "file:/data/conclave.sqlite"),
		VaultEnabled:  getEnvBool("CONCLAVE_VAULT_ENABLED", true),
		VaultPassword: getEnv("CONCLAVE_VAULT_PASSWORD", ""),

		DefaultMode: getEnv("CONCLAVE_DEFAULT_MODE", "normal"),
		DefaultMaxBudget: getEnvFloat("CONCLAVE_DEFAULT_MAX_BUDGET_USD", 0.05),
		DefaultMaxLatencyMs: getEnvInt("CONCLAVE_DEFAULT_MAX_LATENCY_MS", 20000),

		ProviderTimeoutSecs: getEnvInt("CONCLAVE_PROVIDER_TIMEOUT_SECS", 30),

		AdminToken:     getEnv("CONCLAVE_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("CONCLAVE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("CONCLAVE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("CONCLAVE_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("CONCLAVE_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("CONCLAVE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("CONCLAVE_OTEL_SERVICE_NAME", "conclave"),

		TemporalEnabled:   getEnvBool("CONCLAVE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("CONCLAVE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("CONCLAVE_TEMPORAL_NAMESPACE", "conclave"),
		TemporalTaskQueue: getEnv("CONCLAVE_TEMPORAL_TASK_QUEUE", "conclave-tasks"),

		CredentialsFile: getEnv("CONCLAVE_CREDENTIALS_FILE", defaultCredentialsPath()),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("CONCLAVE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("CONCLAVE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("CONCLAVE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.DefaultMaxBudget < 0 {
		return fmt.Errorf("CONCLAVE_DEFAULT_MAX_BUDGET_USD must be >= 0, got %f", c.DefaultMaxBudget)
	}
	if c.DefaultMaxLatencyMs <= 0 {
		return fmt.Errorf("CONCLAVE_DEFAULT_MAX_LATENCY_MS must be > 0, got %d", c.DefaultMaxLatencyMs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

func defaultCredentialsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".conclave", "credentials")
	}
	return ""
}
