package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"curenrich/internal/config"
	"curenrich/internal/enrich"
	"curenrich/internal/ledger"
	"curenrich/internal/logging"
)

var (
	configFile string
	overrides  flagOverrides
	runID      string

	rootCmd = &cobra.Command{
		Use:           "cur-enrich",
		Short:         "Enrich AWS Cost and Usage Report data with organization account tags",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	runCmd = &cobra.Command{
		Use:     "run",
		Short:   "Enrich every selected partition",
		Example: "cur-enrich run --s3_source_bucket cur --s3_source_prefix cur/report --s3_target_bucket cur --s3_target_prefix cur-enriched",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnrich(cmd, false)
		},
	}

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Log what run would do without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnrich(cmd, true)
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the ledger records of a run",
		RunE:  runStatus,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file. This can also be specified through the CUR_ENRICH_CONFIG ENV var.")
	rootCmd.PersistentFlags().StringVar(&overrides.logLevel, "log-level", "", "The logging level (debug, info, warn, error).")
	overrides.register(runCmd.Flags())
	overrides.register(planCmd.Flags())
	statusCmd.Flags().StringVar(&runID, "run-id", "", "The run id printed by run.")
	_ = statusCmd.MarkFlagRequired("run-id")

	if v := os.Getenv("CUR_ENRICH_CONFIG"); v != "" && configFile == "" {
		configFile = v
	}
}

func main() {
	rootCmd.AddCommand(runCmd, planCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("cur-enrich failed")
	}
}

func setup(ctx context.Context, cmd *cobra.Command) (*config.Config, enrich.Deps, *log.Logger, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, enrich.Deps{}, nil, fmt.Errorf("load aws config: %w", err)
	}
	cfg, err := enrich.LoadConfig(ctx, awsCfg, configFile)
	if err != nil {
		return nil, enrich.Deps{}, nil, err
	}
	overrides.apply(cmd.Flags(), cfg)
	if overrides.logLevel != "" {
		cfg.Logging.Level = overrides.logLevel
	}
	cfg.ApplyDefaults()

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, enrich.NewDeps(awsCfg, cfg), logger, nil
}

func runEnrich(cmd *cobra.Command, dryRun bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, deps, logger, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	if dryRun {
		cfg.DryRun = true
	}

	p := enrich.New(cfg, deps, logger)
	logger.WithField("run_id", p.RunID()).Info("starting enrichment")
	sum, err := p.Run(ctx)
	if sum != nil {
		printJSON(sum.Response())
		for _, r := range sum.Partitions {
			if r.SQL != "" && cfg.DryRun {
				fmt.Printf("-- %s\n%s;\n", r.Rel, r.SQL)
			}
		}
	}
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, deps, _, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	if deps.Ledger == nil {
		return fmt.Errorf("no ledger table configured (set ledger.table or LEDGER_TABLE)")
	}
	recs, err := deps.Ledger.List(ctx, runID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("no ledger records for run %s in %s", runID, cfg.Ledger.Table)
	}
	printRecords(recs)
	return nil
}

func printRecords(recs []ledger.Record) {
	for _, r := range recs {
		switch r.Kind {
		case ledger.KindSummary:
			fmt.Printf("run %s %s mode=%s partitions=%d failed=%d rows=%d files=%d\n",
				r.RunID, r.Status, r.Mode, r.Partitions, r.Failed, r.Rows, r.Files)
		default:
			fmt.Printf("  %-30s %-9s rows=%d files=%d %s", r.Partition, r.Status, r.Rows, r.Files, r.Output)
			if r.Error != "" {
				fmt.Printf(" error=%q", r.Error)
			}
			fmt.Println()
		}
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// flagOverrides holds the enrichment flags. Only flags set on the
// command line replace config values.
type flagOverrides struct {
	sourceBucket       string
	sourcePrefix       string
	targetBucket       string
	targetPrefix       string
	incrementalMonths  int
	createTable        bool
	overwriteTable     bool
	partitionByAccount bool
	databaseName       string
	tableName          string
	mode               string
	sourceTable        string
	logLevel           string
}

func (o *flagOverrides) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.sourceBucket, "s3_source_bucket", "", "The source bucket where the CUR data is located.")
	fs.StringVar(&o.sourcePrefix, "s3_source_prefix", "", "The prefix immediately preceding the partition prefixes (i.e. path before /year=2020).")
	fs.StringVar(&o.targetBucket, "s3_target_bucket", "", "The destination bucket for enriched CUR data.")
	fs.StringVar(&o.targetPrefix, "s3_target_prefix", "", "The destination prefix. It must be outside of the source prefix.")
	fs.IntVar(&o.incrementalMonths, "incremental_mode_months", 0, "Process only the last N partitions; 0 processes all.")
	fs.BoolVar(&o.createTable, "create_table", false, "Create a Glue table over the enriched data.")
	fs.BoolVar(&o.overwriteTable, "overwrite_existing_table", false, "Replace the Glue table when it already exists.")
	fs.BoolVar(&o.partitionByAccount, "partition_by_account", false, "Add a line_item_usage_account_id partition below each source partition.")
	fs.StringVar(&o.databaseName, "database_name", "", "The Glue database of the created table.")
	fs.StringVar(&o.tableName, "table_name", "", "The Glue table to create or overwrite.")
	fs.StringVar(&o.mode, "mode", "", "Join strategy: merge or ctas.")
	fs.StringVar(&o.sourceTable, "source_table", "", "The Glue table over the source CUR data (ctas only).")
}

func (o *flagOverrides) apply(fs *pflag.FlagSet, cfg *config.Config) {
	setString := func(name, v string, dst *string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	setString("s3_source_bucket", o.sourceBucket, &cfg.Source.Bucket)
	setString("s3_source_prefix", o.sourcePrefix, &cfg.Source.Prefix)
	setString("s3_target_bucket", o.targetBucket, &cfg.Target.Bucket)
	setString("s3_target_prefix", o.targetPrefix, &cfg.Target.Prefix)
	setString("table_name", o.tableName, &cfg.Catalog.Table)
	setString("mode", o.mode, &cfg.Mode)
	setString("source_table", o.sourceTable, &cfg.Source.Table)

	if fs.Changed("database_name") {
		// the source database defaults to the catalog database
		if cfg.Source.Database == cfg.Catalog.Database {
			cfg.Source.Database = o.databaseName
		}
		cfg.Catalog.Database = o.databaseName
	}
	if fs.Changed("incremental_mode_months") {
		cfg.IncrementalMonths = o.incrementalMonths
	}
	if fs.Changed("create_table") {
		cfg.Catalog.CreateTable = o.createTable
	}
	if fs.Changed("overwrite_existing_table") {
		cfg.Catalog.OverwriteExistingTable = o.overwriteTable
	}
	if fs.Changed("partition_by_account") {
		cfg.PartitionByAccount = o.partitionByAccount
	}
}
