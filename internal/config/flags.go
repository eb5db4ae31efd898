package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrHelp is returned by LoadFlags after printing usage for --help
var ErrHelp = pflag.ErrHelp

// LoadFlags parses a service's command line and loads the configuration with the
// flags bound over the environment. Flags left unset fall through to env, file and
// defaults
func LoadFlags(service string, args []string) (*Config, error) {
	fs := pflag.NewFlagSet(service, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "optional config file (env, yaml, json or toml)")
	fs.String("port", "", "HTTP listen port (PORT)")
	fs.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	fs.String("database-url", "", "Postgres URL for history, inbox and outbox (DATABASE_URL)")
	fs.StringSlice("brokers", nil, "Kafka seed brokers (KAFKA_BROKERS)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("SERVICE_NAME", service)
	for key, flag := range map[string]string{
		"PORT":          "port",
		"LOG_LEVEL":     "log-level",
		"DATABASE_URL":  "database-url",
		"KAFKA_BROKERS": "brokers",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return LoadWith(v, *configPath)
}
