package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
	"github.com/xkilldash9x/loupe-cli/internal/config"
	"github.com/xkilldash9x/loupe-cli/internal/observability"
	"github.com/xkilldash9x/loupe-cli/internal/watch"
)

// newWatchCmd creates the `watch` command: live matching against a growing
// log file.
func newWatchCmd() *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Tails a log file and reports insight matches as lines arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			components, err := initializeEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}

			insightIDs, err := cmd.Flags().GetStringSlice("insight")
			if err != nil {
				return err
			}

			var specs []schemas.InsightSpec
			if len(insightIDs) == 0 {
				specs = components.Insights.List()
			} else {
				for _, id := range insightIDs {
					spec, ok := components.Insights.Get(id)
					if !ok {
						return fmt.Errorf("unknown insight id %q", id)
					}
					specs = append(specs, spec)
				}
			}

			watcher, err := watch.New(logger, args[0], specs, func(insightID, line string) {
				fmt.Printf("[%s] %s\n", insightID, line)
			})
			if err != nil {
				return err
			}

			// Blocks until Ctrl-C cancels the signal-aware context.
			return watcher.Run(ctx)
		},
	}

	watchCmd.Flags().StringSliceP("insight", "i", nil, "Insight id to match (repeatable; default all).")
	return watchCmd
}

func init() {
	rootCmd.AddCommand(newWatchCmd())
}
