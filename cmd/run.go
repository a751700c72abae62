package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
	"github.com/xkilldash9x/loupe-cli/internal/config"
	"github.com/xkilldash9x/loupe-cli/internal/observability"
	"github.com/xkilldash9x/loupe-cli/internal/reporting"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Runs insights against the given log files and folders",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags so CLI values override config file and env with the
			// right precedence.
			if err := viper.BindPFlag("engine.worker_concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// The context from main.go is signal-aware; Ctrl-C cancels jobs
			// cooperatively.
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			insightIDs, err := cmd.Flags().GetStringSlice("insight")
			if err != nil {
				return err
			}
			output, _ := cmd.Flags().GetString("output")
			runAll, _ := cmd.Flags().GetBool("all")

			components, err := initializeEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}

			if runAll {
				insightIDs = insightIDs[:0]
				for _, spec := range components.Insights.List() {
					insightIDs = append(insightIDs, spec.ID)
				}
			}
			if len(insightIDs) == 0 {
				return fmt.Errorf("no insights selected; use --insight or --all (see `loupe insights`)")
			}

			req := schemas.ExecutionRequest{
				RequestID:  uuid.New().String(),
				Paths:      args,
				InsightIDs: insightIDs,
			}
			logger.Info("Starting execution",
				zap.String("request_id", req.RequestID),
				zap.Strings("paths", req.Paths),
				zap.Strings("insights", req.InsightIDs))

			events, final, err := components.Coordinator.Execute(ctx, req)
			if err != nil {
				return err
			}

			// Forward cancellation from the signal context: jobs stop within
			// one Unit's processing time.
			go func() {
				<-ctx.Done()
				components.Coordinator.Cancel(req.RequestID)
			}()

			renderEvents(events, logger)

			summary := <-final
			if summary == nil {
				return fmt.Errorf("execution ended without a summary")
			}
			printSummary(summary)

			if output != "" {
				reporter, err := reporting.New(output)
				if err != nil {
					return err
				}
				if err := reporter.Write(summary); err != nil {
					_ = reporter.Close()
					return err
				}
				if err := reporter.Close(); err != nil {
					return err
				}
				logger.Info("Report written", zap.String("path", output))
			}

			if errors.Is(ctx.Err(), context.Canceled) {
				return fmt.Errorf("execution aborted by user signal")
			}
			return nil
		},
	}

	runCmd.Flags().StringSliceP("insight", "i", nil, "Insight id to run (repeatable).")
	runCmd.Flags().Bool("all", false, "Run every registered insight.")
	runCmd.Flags().StringP("output", "o", "", "Write the JSON summary to this file.")
	runCmd.Flags().Int64P("concurrency", "j", 0, "Max concurrent jobs. (Overrides config/env)")

	return runCmd
}

// renderEvents drains the stream, logging progress at a terminal-friendly
// level. The bus applies back-pressure, so this loop pacing the output also
// paces the scan; fine for a local CLI.
func renderEvents(events <-chan schemas.ProgressEvent, logger *zap.Logger) {
	for ev := range events {
		switch e := ev.(type) {
		case schemas.FileOpened:
			logger.Debug("File opened", zap.String("job_id", e.JobID), zap.String("file", e.File))
		case schemas.FileProgress:
			logger.Debug("Progress",
				zap.String("job_id", e.JobID),
				zap.String("file", e.File),
				zap.Int64("units", e.UnitsProcessed),
				zap.Int64("lines", e.LinesProcessed))
		case schemas.FileCompleted:
			logger.Info("File completed",
				zap.String("file", e.File),
				zap.Int64("matches", e.Matches))
		case schemas.InsightCompleted:
			logger.Info("Insight completed",
				zap.String("job_id", e.JobID),
				zap.Int64("matches", e.Stats.Matches),
				zap.Int64("lines", e.Stats.LinesProcessed))
		case schemas.ErrorEvent:
			field := zap.String("detail", e.Details)
			switch e.Severity {
			case schemas.SeverityWarning, schemas.SeverityInfo:
				logger.Warn(e.Message, zap.String("file", e.File), field)
			default:
				logger.Error(e.Message, zap.String("file", e.File), zap.String("folder", e.Folder), field)
			}
		case schemas.Cancelled:
			logger.Warn("Job cancelled", zap.String("job_id", e.JobID))
		}
	}
}

// printSummary writes the human-facing result table to stdout.
func printSummary(summary *schemas.ExecutionSummary) {
	fmt.Printf("\nRequest %s finished in %s\n", summary.RequestID, summary.TotalTime.Round(time.Millisecond))
	for _, outcome := range summary.Outcomes {
		switch outcome.State {
		case schemas.JobCompleted:
			fmt.Printf("  %-24s %-10s %6d matches, %d lines in %s\n",
				outcome.InsightID, outcome.State, outcome.Stats.Matches,
				outcome.Stats.LinesProcessed, outcome.ExecutionTime.Round(time.Millisecond))
			if outcome.Result != nil && outcome.Result.PostProcess != nil {
				fmt.Printf("    post-process:\n%s\n", indent(outcome.Result.PostProcess.Content, "      "))
			}
		case schemas.JobFailed:
			fmt.Printf("  %-24s %-10s %s\n", outcome.InsightID, outcome.State, outcome.Error)
		default:
			fmt.Printf("  %-24s %-10s\n", outcome.InsightID, outcome.State)
		}
	}
}

func indent(s, prefix string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
