package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-claimcheck/internal/adjudication"
	"github.com/drfirst/go-claimcheck/internal/app"
	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claimcheck/internal/pipeline"
	"github.com/drfirst/go-claimcheck/internal/rules"
)

func (c *cli) evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate CASES_FILE",
		Short: "Adjudicate a cases file against the rule store, without history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			batch, err := readBatch(args[0])
			if err != nil {
				return err
			}

			norm, err := cfg.Normalizer()
			if err != nil {
				return err
			}
			lcfg := rules.DefaultLoaderConfig()
			lcfg.Normalizer = norm
			registry := rules.NewRegistry(rules.NewLoader(lcfg, logger), cfg.RulesPath, logger)
			if registry.Store() == nil {
				return fmt.Errorf("no rule store at %s", cfg.RulesPath)
			}

			acfg := adjudication.DefaultConfig()
			acfg.Parallelism = cfg.Parallelism
			result, err := adjudication.New(acfg, registry, nil, logger).EvaluateBatch(cmd.Context(), batch.Cases)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func (c *cli) checkCmd() *cobra.Command {
	var noPersist bool
	cmd := &cobra.Command{
		Use:   "check CASES_FILE",
		Short: "Run adjudication and duplicate detection on a cases file",
		Long: "Runs the full pipeline. Claim history comes from Postgres when DATABASE_URL " +
			"is set, otherwise from an empty in-memory store.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			if noPersist {
				cfg.HistoryPersist = false
			}
			batch, err := readBatch(args[0])
			if err != nil {
				return err
			}
			if batch.Source == "" {
				batch.Source = "claimctl"
			}
			batch.ReceivedAt = time.Now().UTC()

			components, err := app.Build(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer components.Close()

			report, err := components.Pipeline.Process(cmd.Context(), batch)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&noPersist, "dry-run", false, "do not write checked items to history")
	return cmd
}

func (c *cli) rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [PATH]",
		Short: "Load and compile a rule document, then print its summary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			path := cfg.RulesPath
			if len(args) == 1 {
				path = args[0]
			}

			norm, err := cfg.Normalizer()
			if err != nil {
				return err
			}
			lcfg := rules.DefaultLoaderConfig()
			lcfg.Normalizer = norm
			store, err := rules.NewLoader(lcfg, logger).Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path:         %s\n", path)
			fmt.Fprintf(out, "version:      %s\n", store.Version())
			fmt.Fprintf(out, "last updated: %s\n", store.LastUpdated())
			fmt.Fprintf(out, "rules:        %d\n", store.Len())
			fmt.Fprintf(out, "kinds:        %s\n", rules.FormatKindCounts(store.KindCounts()))
			return nil
		},
	})
	return cmd
}

func (c *cli) topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the pipeline's Kafka topics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create missing claim topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
				return fmt.Errorf("brokers %v: %w", cfg.KafkaBrokers, err)
			}
			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			created, err := admin.EnsureTopics(ctx)
			if err != nil {
				return err
			}
			for _, name := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", name)
			}
			if len(created) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "all topics exist")
			}
			return nil
		},
	})

	var group string
	lag := &cobra.Command{
		Use:   "lag",
		Short: "Show the consumer group lag per topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			if group == "" {
				group = cfg.KafkaGroupID
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			perTopic, err := admin.GetConsumerGroupLag(ctx, group)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s\n", group)
			for _, line := range formatLag(perTopic) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	lag.Flags().StringVar(&group, "group", "", "consumer group (default KAFKA_GROUP_ID)")
	cmd.AddCommand(lag)
	return cmd
}

func formatLag(perTopic map[string]int64) []string {
	if len(perTopic) == 0 {
		return []string{"  no committed offsets"}
	}
	topics := make([]string, 0, len(perTopic))
	for topic := range perTopic {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	lines := make([]string, 0, len(topics))
	for _, topic := range topics {
		lines = append(lines, fmt.Sprintf("  %-24s %d", topic, perTopic[topic]))
	}
	return lines
}

// readBatch reads a JSON or YAML cases file: either a list of cases or a batch
// object with a cases field
func readBatch(path string) (pipeline.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Batch{}, fmt.Errorf("read cases: %w", err)
	}
	return parseBatch(data)
}

func parseBatch(data []byte) (pipeline.Batch, error) {
	var doc struct {
		ID     string       `yaml:"batchId"`
		Source string       `yaml:"source"`
		Cases  []claim.Case `yaml:"cases"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && doc.Cases != nil {
		return pipeline.Batch{ID: doc.ID, Source: doc.Source, Cases: doc.Cases}, nil
	}

	var cases []claim.Case
	if err := yaml.Unmarshal(data, &cases); err != nil {
		return pipeline.Batch{}, fmt.Errorf("parse cases: %w", err)
	}
	if len(cases) == 0 {
		return pipeline.Batch{}, errors.New("cases file has no cases")
	}
	return pipeline.Batch{Cases: cases}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
