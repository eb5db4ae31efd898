// Package config loads service configuration from the environment and an optional
// config file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drfirst/go-claimcheck/internal/normalize"
)

const (
	HistoryBackendPostgres = "postgres"
	HistoryBackendMemory   = "memory"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	ServiceName string `mapstructure:"SERVICE_NAME"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RulesPath       string `mapstructure:"RULES_PATH"`
	NormalizeScript string `mapstructure:"NORMALIZE_SCRIPT"`
	Parallelism     int    `mapstructure:"PARALLELISM"`

	HistoryBackend    string `mapstructure:"HISTORY_BACKEND"`
	HistoryTable      string `mapstructure:"HISTORY_TABLE"`
	HistoryWindowDays int    `mapstructure:"HISTORY_WINDOW_DAYS"`
	HistorySource     string `mapstructure:"HISTORY_SOURCE"`
	HistoryPersist    bool   `mapstructure:"HISTORY_PERSIST"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID string   `mapstructure:"KAFKA_GROUP_ID"`
	Workers      int      `mapstructure:"WORKERS"`

	// OutboxRelayEmbedded runs the report relay inside the API process
	OutboxRelayEmbedded bool `mapstructure:"OUTBOX_RELAY_EMBEDDED"`

	APIKeys []string `mapstructure:"API_KEYS"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
}

var keys = []string{
	"PORT", "ENV", "SERVICE_NAME", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"RULES_PATH", "NORMALIZE_SCRIPT", "PARALLELISM",
	"HISTORY_BACKEND", "HISTORY_TABLE", "HISTORY_WINDOW_DAYS", "HISTORY_SOURCE", "HISTORY_PERSIST",
	"KAFKA_BROKERS", "KAFKA_GROUP_ID", "WORKERS", "OUTBOX_RELAY_EMBEDDED",
	"API_KEYS",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

// Load reads configuration from the environment, on top of path when given (any
// format viper understands) or a .env file in the working directory when present
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith loads into v, which may already carry bound command-line flags
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigFile(".env")
	}
	v.AutomaticEnv()

	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	if !v.IsSet("SERVICE_NAME") {
		v.SetDefault("SERVICE_NAME", "claimcheck")
	}
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("RULES_PATH", "configs/rules.yaml")
	v.SetDefault("NORMALIZE_SCRIPT", normalize.DefaultScript)
	v.SetDefault("PARALLELISM", 8)
	v.SetDefault("HISTORY_BACKEND", "")
	v.SetDefault("HISTORY_TABLE", "claim_history")
	v.SetDefault("HISTORY_WINDOW_DAYS", 90)
	v.SetDefault("HISTORY_SOURCE", "claimcheck")
	v.SetDefault("HISTORY_PERSIST", true)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP_ID", "claim-worker")
	v.SetDefault("WORKERS", 16)
	v.SetDefault("OUTBOX_RELAY_EMBEDDED", true)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil && path != "" {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated env values arrive as a single element
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.APIKeys = splitList(cfg.APIKeys)

	if cfg.HistoryBackend == "" {
		cfg.HistoryBackend = HistoryBackendMemory
		if cfg.DatabaseURL != "" {
			cfg.HistoryBackend = HistoryBackendPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.HistoryBackend {
	case HistoryBackendMemory:
	case HistoryBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for HISTORY_BACKEND=%s", HistoryBackendPostgres)
		}
	default:
		return fmt.Errorf("HISTORY_BACKEND must be %q or %q, got %q", HistoryBackendPostgres, HistoryBackendMemory, c.HistoryBackend)
	}
	if c.HistoryWindowDays < 0 {
		return fmt.Errorf("HISTORY_WINDOW_DAYS must not be negative, got %d", c.HistoryWindowDays)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %v", c.TraceSampleRate)
	}
	if _, err := c.Normalizer(); err != nil {
		return fmt.Errorf("NORMALIZE_SCRIPT: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// IsDev reports whether the service runs in development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Normalizer returns the name normalizer for the configured script
func (c *Config) Normalizer() (*normalize.Normalizer, error) {
	return normalize.ForScript(c.NormalizeScript)
}

// APIKeyMap parses API_KEYS entries of the form key or key:client
func (c *Config) APIKeyMap() map[string]string {
	keys := make(map[string]string, len(c.APIKeys))
	for i, entry := range c.APIKeys {
		key, client, found := strings.Cut(entry, ":")
		if !found || client == "" {
			client = fmt.Sprintf("client-%d", i+1)
		}
		keys[key] = client
	}
	return keys
}

// Logger builds the service logger at the configured level
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", c.ServiceName)), nil
}
