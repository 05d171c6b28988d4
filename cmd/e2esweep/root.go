package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/e2esweep/internal/config"
	"github.com/yairfalse/e2esweep/internal/filter"
)

var (
	version = "0.1.0"

	cfgFile    string
	reportPath string
	dryRun     bool
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "e2esweep",
		Short: "Clean up resources left behind by e2e test jobs",
		Long: `e2esweep - CI end-to-end test resource cleanup

Scans every account of the organization for the Amplify apps, CloudFormation
stacks, S3 buckets, IAM roles and Pinpoint apps that e2e test jobs created,
groups them by the CI job that created them and deletes the groups whose job
has finished. Untagged resources older than the staleness threshold are
deleted as orphans.

Without a subcommand every finished job is swept.`,
		Example: `  e2esweep                      # Sweep every finished job
  e2esweep workflow 3f2c...      # Sweep one workflow
  e2esweep job 12345             # Sweep one job
  e2esweep --dry-run             # Report and journal, delete nothing
  e2esweep history               # List recent runs`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), filter.All())
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`e2esweep {{.Version}}
`)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "Config file (YAML)")
	flags.StringVar(&reportPath, "report", "", "Report output path (overrides report_path)")
	flags.BoolVar(&dryRun, "dry-run", false, "Scan, report and journal without deleting anything")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
}

// loadConfig reads the config file, the environment and the flags, in that
// order of precedence.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(".env"); err != nil {
		return nil, err
	}
	if reportPath != "" {
		cfg.ReportPath = reportPath
	}
	if dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
