package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN      string
	ConfigFile string // routing configuration (providers, rules, variants)

	// Security & hardening.
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// Decision-endpoint replay cache.
	IdempotencyTTL     time.Duration
	IdempotencyEntries int

	// Learning cycle. The local scheduler runs when Temporal is disabled.
	CycleInterval time.Duration

	// Hot reload of ConfigFile on filesystem changes.
	WatchConfig bool

	// OpenTelemetry tracing.
	OTelEnabled     bool
	OTelEndpoint    string
	OTelSampleRatio float64 // fraction of root traces sampled, (0,1]

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
	TemporalCron      string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("GENROUTE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("GENROUTE_LOG_LEVEL", "info"),
		DBDSN:      getEnv("GENROUTE_DB_DSN", "file:/data/genroute.sqlite"),
		ConfigFile: getEnv("GENROUTE_CONFIG_FILE", "/etc/genroute/config.yaml"),

		CORSOrigins:    getEnvStringSlice("GENROUTE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("GENROUTE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("GENROUTE_RATE_LIMIT_BURST", 120),

		IdempotencyTTL:     getEnvDuration("GENROUTE_IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyEntries: getEnvInt("GENROUTE_IDEMPOTENCY_ENTRIES", 10000),

		CycleInterval: getEnvDuration("GENROUTE_CYCLE_INTERVAL", 24*time.Hour),
		WatchConfig:   getEnvBool("GENROUTE_WATCH_CONFIG", true),

		OTelEnabled:     getEnvBool("GENROUTE_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("GENROUTE_OTEL_ENDPOINT", "localhost:4318"),
		OTelSampleRatio: getEnvFloat("GENROUTE_OTEL_SAMPLE_RATIO", 1.0),

		TemporalEnabled:   getEnvBool("GENROUTE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("GENROUTE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("GENROUTE_TEMPORAL_NAMESPACE", "genroute"),
		TemporalTaskQueue: getEnv("GENROUTE_TEMPORAL_TASK_QUEUE", "genroute-learning"),
		TemporalCron:      getEnv("GENROUTE_TEMPORAL_CRON", "@daily"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.ConfigFile == "" {
		return fmt.Errorf("GENROUTE_CONFIG_FILE must not be empty")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("GENROUTE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("GENROUTE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("GENROUTE_IDEMPOTENCY_TTL must be > 0, got %s", c.IdempotencyTTL)
	}
	if c.IdempotencyEntries <= 0 {
		return fmt.Errorf("GENROUTE_IDEMPOTENCY_ENTRIES must be > 0, got %d", c.IdempotencyEntries)
	}
	if c.CycleInterval < time.Minute {
		return fmt.Errorf("GENROUTE_CYCLE_INTERVAL must be >= 1m, got %s", c.CycleInterval)
	}
	if c.OTelSampleRatio <= 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("GENROUTE_OTEL_SAMPLE_RATIO must be in (0,1], got %v", c.OTelSampleRatio)
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

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
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
