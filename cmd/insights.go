package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/loupe-cli/internal/config"
	"github.com/xkilldash9x/loupe-cli/internal/observability"
)

// newInsightsCmd lists the registered insights.
func newInsightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insights",
		Short: "Lists the insights available to run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			components, err := initializeEngine(cmd.Context(), cfg, observability.GetLogger())
			if err != nil {
				return err
			}

			fmt.Printf("%-24s %-12s %-8s %s\n", "ID", "CATEGORY", "MODE", "NAME")
			for _, spec := range components.Insights.List() {
				fmt.Printf("%-24s %-12s %-8s %s\n", spec.ID, spec.Category, spec.ReadingMode, spec.Name)
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newInsightsCmd())
}
