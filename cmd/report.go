// Package cmd contains all the CLI commands for the application,
// built using the Cobra library.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opsrep/registry-stats/internal/config"
	"github.com/opsrep/registry-stats/internal/domain"
	"github.com/opsrep/registry-stats/internal/gateway"
	"github.com/opsrep/registry-stats/internal/report"
	"github.com/opsrep/registry-stats/internal/usecase"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Aggregates entitlement download counts into a monthly CSV report",
	Long: `Lists all entitlement tokens for the configured repository, fetches each
token's download counts from the usage-metering API, and writes a CSV with one
row per token and one column per calendar month in the reporting window.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		// Get the verbose flag from the root command to set up the logger.
		verbose, _ := cmd.InheritedFlags().GetBool("verbose")
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(level)

		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load configuration")
			os.Exit(1)
		}
		applyFlagOverrides(cmd, cfg)

		// The credential check must happen before any network call.
		if err := cfg.Validate(); err != nil {
			logger.Error().Err(err).Msg("invalid configuration")
			os.Exit(1)
		}
		namespace, repo, err := cfg.SplitRepository()
		if err != nil {
			logger.Error().Err(err).Msg("invalid repository identifier")
			os.Exit(1)
		}

		buckets, err := usecase.MonthBuckets(time.Now().UTC(), cfg.Months, cfg.ExactMonths)
		if err != nil {
			logger.Error().Err(err).Msg("failed to compute reporting window")
			os.Exit(1)
		}

		// Inject dependencies and run the main business logic.
		registryGateway, err := gateway.NewRegistryGateway(cfg.BaseURL, cfg.APIToken, gateway.Shape(cfg.Shape), cfg.Timeout, cfg.Retries, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create registry gateway")
			os.Exit(1)
		}
		aggregator := usecase.NewAggregator(registryGateway, logger)

		result, err := aggregator.Aggregate(ctx, usecase.Options{
			Namespace:       namespace,
			Repo:            repo,
			Buckets:         buckets,
			Shape:           gateway.Shape(cfg.Shape),
			Concurrency:     cfg.Concurrency,
			ContinueOnError: cfg.ContinueOnError,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to aggregate entitlement usage")
			os.Exit(1)
		}

		if err := report.WriteFile(cfg.OutputFile, result.Matrix, result.Entitlements, buckets); err != nil {
			logger.Error().Err(err).Msg("failed to write report")
			os.Exit(1)
		}
		fmt.Printf("Data written to %s\n", cfg.OutputFile)

		if summary, _ := cmd.Flags().GetBool("summary"); summary {
			printSummary(os.Stderr, result, buckets)
		}

		// Skipped fetches mean the report is incomplete: say so and fail the run.
		if len(result.Skipped) > 0 {
			for _, s := range result.Skipped {
				logger.Error().Err(s.Err).Str("token", s.Token).Str("month", s.Month).Msg("usage fetch was skipped")
			}
			logger.Error().Int("skipped", len(result.Skipped)).Msg("report is incomplete")
			os.Exit(1)
		}
	},
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("repository") {
		cfg.Repository, _ = cmd.Flags().GetString("repository")
	}
	if cmd.Flags().Changed("base-url") {
		cfg.BaseURL, _ = cmd.Flags().GetString("base-url")
	}
	if cmd.Flags().Changed("months") {
		cfg.Months, _ = cmd.Flags().GetInt("months")
	}
	if cmd.Flags().Changed("output") {
		cfg.OutputFile, _ = cmd.Flags().GetString("output")
	}
	if cmd.Flags().Changed("shape") {
		cfg.Shape, _ = cmd.Flags().GetString("shape")
	}
	if cmd.Flags().Changed("exact-months") {
		cfg.ExactMonths, _ = cmd.Flags().GetBool("exact-months")
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	if cmd.Flags().Changed("continue-on-error") {
		cfg.ContinueOnError, _ = cmd.Flags().GetBool("continue-on-error")
	}
}

// printSummary renders the summary statistics to w regardless of the run
// logger's level: asking for the summary means wanting to see it.
func printSummary(w io.Writer, result *usecase.Result, buckets []domain.MonthBucket) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true})
	summary := usecase.Summarize(result.Matrix, result.Entitlements, buckets)
	for _, b := range buckets {
		logger.Info().Str("month", b.Key).Int64("pulls", summary.MonthTotals[b.Key]).Msg("monthly total")
	}
	for _, ts := range summary.Tokens {
		logger.Info().
			Str("token", ts.Token).
			Int64("total", ts.Total).
			Float64("mean_monthly", ts.Mean).
			Float64("peak_monthly", ts.Max).
			Msg("token summary")
	}
	logger.Info().Int64("total", summary.GrandTotal).Msg("grand total pulls")
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringP("config", "c", "", "Path to a YAML config file")
	reportCmd.Flags().StringP("repository", "r", "", "Target repository as namespace/repo")
	reportCmd.Flags().String("base-url", "", "Registry API base URL")
	reportCmd.Flags().IntP("months", "m", 0, "Number of months to report (default 6)")
	reportCmd.Flags().StringP("output", "o", "", "Output CSV file (default entitlement_pulls.csv)")
	reportCmd.Flags().String("shape", "", "Metrics endpoint response shape: events or totals")
	reportCmd.Flags().Bool("exact-months", false, "Use exact calendar-month stepping for the reporting window")
	reportCmd.Flags().Bool("summary", false, "Log per-month and per-token summary statistics")
	reportCmd.Flags().Int("concurrency", 0, "Maximum in-flight usage fetches (default 1, sequential)")
	reportCmd.Flags().Bool("continue-on-error", false, "Skip failing usage fetches and finish the report (exits non-zero if any were skipped)")
}
