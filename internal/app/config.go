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

	DefaultStrategy     string
	DefaultMaxBudget    float64
	DefaultMaxLatencyMs int

	ProviderTimeoutSecs int

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool   // GATEWAY_OTEL_ENABLED, default false
	OTelEndpoint    string // GATEWAY_OTEL_ENDPOINT, default "localhost:4318"
	OTelServiceName string // GATEWAY_OTEL_SERVICE_NAME, default "gateway"

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// External credentials file (~/.netrc analogue for provider tokens).
	CredentialsFile string // GATEWAY_CREDENTIALS_FILE, default ~/.gateway/credentials

	// Routing State Service (spec §4.3): Redis-backed when RedisEnabled is
	// set; otherwise (the default) the in-process memState implementation.
	RedisEnabled bool
	RedisAddr    string
	RedisDB      int

	// Failure cooldown (spec §4.2).
	FailureCooldownThreshold int
	FailureCooldownSeconds   int

	// Metrics buffer (spec §4.5).
	MetricsFlushIntervalSecs int
	MetricsBufferMaxKeys     int
	MetricsSampleRate        float64

	// Pricing refresh and shutdown drain. LoadConfig does not set these from
	// the environment; at their zero values pricing refresh is off, the
	// refresh interval is one hour and the HTTP drain timeout is 30s.
	PricingRefreshEnabled      bool
	PricingRefreshIntervalSecs int
	ShutdownDrainSecs          int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("GATEWAY_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("GATEWAY_LOG_LEVEL", "info"),
		DBDSN:      getEnv("GATEWAY_DB_DSN", "file:/data/gateway.sqlite"),

		VaultEnabled:  getEnvBool("GATEWAY_VAULT_ENABLED", true),
		VaultPassword: getEnv("GATEWAY_VAULT_PASSWORD", ""),

		DefaultStrategy:     getEnv("GATEWAY_DEFAULT_STRATEGY", "balanced"),
		DefaultMaxBudget:    getEnvFloat("GATEWAY_DEFAULT_MAX_BUDGET_USD", 0.05),
		DefaultMaxLatencyMs: getEnvInt("GATEWAY_DEFAULT_MAX_LATENCY_MS", 20000),

		ProviderTimeoutSecs: getEnvInt("GATEWAY_PROVIDER_TIMEOUT_SECS", 30),

		AdminToken:     getEnv("GATEWAY_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("GATEWAY_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("GATEWAY_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("GATEWAY_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("GATEWAY_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("GATEWAY_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("GATEWAY_OTEL_SERVICE_NAME", "gateway"),

		TemporalEnabled:   getEnvBool("GATEWAY_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("GATEWAY_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("GATEWAY_TEMPORAL_NAMESPACE", "gateway"),
		TemporalTaskQueue: getEnv("GATEWAY_TEMPORAL_TASK_QUEUE", "gateway-tasks"),

		CredentialsFile: getEnv("GATEWAY_CREDENTIALS_FILE", defaultCredentialsPath()),

		RedisEnabled: getEnvBool("GATEWAY_REDIS_ENABLED", false),
		RedisAddr:    getEnv("GATEWAY_REDIS_ADDR", "localhost:6379"),
		RedisDB:      getEnvInt("GATEWAY_REDIS_DB", 0),

		FailureCooldownThreshold: getEnvInt("GATEWAY_FAILURE_COOLDOWN_THRESHOLD", 5),
		FailureCooldownSeconds:   getEnvInt("GATEWAY_FAILURE_COOLDOWN_SECONDS", 30),

		MetricsFlushIntervalSecs: getEnvInt("GATEWAY_METRICS_FLUSH_INTERVAL_SECS", 10),
		MetricsBufferMaxKeys:     getEnvInt("GATEWAY_METRICS_BUFFER_MAX_KEYS", 500),
		MetricsSampleRate:        getEnvFloat("GATEWAY_METRICS_SAMPLE_RATE", 1.0),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("GATEWAY_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("GATEWAY_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("GATEWAY_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.DefaultMaxBudget < 0 {
		return fmt.Errorf("GATEWAY_DEFAULT_MAX_BUDGET_USD must be >= 0, got %f", c.DefaultMaxBudget)
	}
	if c.DefaultMaxLatencyMs <= 0 {
		return fmt.Errorf("GATEWAY_DEFAULT_MAX_LATENCY_MS must be > 0, got %d", c.DefaultMaxLatencyMs)
	}
	if c.FailureCooldownThreshold <= 0 {
		return fmt.Errorf("GATEWAY_FAILURE_COOLDOWN_THRESHOLD must be > 0, got %d", c.FailureCooldownThreshold)
	}
	if c.FailureCooldownSeconds <= 0 {
		return fmt.Errorf("GATEWAY_FAILURE_COOLDOWN_SECONDS must be > 0, got %d", c.FailureCooldownSeconds)
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
		return filepath.Join(home, ".gateway", "credentials")
	}
	return ""
}
