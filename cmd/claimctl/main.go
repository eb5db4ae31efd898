// Package main provides claimctl, the operator CLI for rule stores, offline
// adjudication and Kafka topic setup.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/drfirst/go-claimcheck/internal/config"
	"github.com/drfirst/go-claimcheck/internal/observability/tracing"
)

type cli struct {
	v          *viper.Viper
	root       *cobra.Command
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "claimctl",
		Short:         "Adjudicate claim batches and manage rule stores",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (env, yaml or json)")
	flags.String("rules", "", "rule document path (RULES_PATH)")
	flags.String("log-level", "", "log level (LOG_LEVEL)")
	flags.StringSlice("brokers", nil, "Kafka brokers (KAFKA_BROKERS)")
	flags.String("database-url", "", "Postgres URL for claim history (DATABASE_URL)")

	_ = c.v.BindPFlag("RULES_PATH", flags.Lookup("rules"))
	_ = c.v.BindPFlag("LOG_LEVEL", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("KAFKA_BROKERS", flags.Lookup("brokers"))
	_ = c.v.BindPFlag("DATABASE_URL", flags.Lookup("database-url"))

	c.root = root
	root.AddCommand(
		c.evaluateCmd(),
		c.checkCmd(),
		c.rulesCmd(),
		c.topicsCmd(),
		versionCmd(),
	)
	return root
}

// load reads configuration with flags taking precedence over the environment
func (c *cli) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadWith(c.v, c.configPath)
	if err != nil {
		return nil, nil, err
	}
	// Reports go to stdout, so logs stay quiet unless a level was asked for
	if _, ok := os.LookupEnv("LOG_LEVEL"); !ok && !c.root.PersistentFlags().Changed("log-level") {
		cfg.LogLevel = "warn"
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "claimctl %s\n", tracing.Version)
		},
	}
}
