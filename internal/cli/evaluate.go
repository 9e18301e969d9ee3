package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"metricwatch/internal/app"
)

var (
	evaluateDay    string
	evaluateSet    []string
	evaluateDryRun bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate alert rules against a day's metrics snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		day := time.Now().UTC()
		if evaluateDay != "" {
			parsed, err := parseDay(evaluateDay)
			if err != nil {
				return fmt.Errorf("invalid --day value: %w", err)
			}
			day = parsed
		}

		overrides, err := app.ParseOverrides(evaluateSet)
		if err != nil {
			return err
		}

		return getApp().Evaluate(cmd.Context(), app.EvaluateOptions{
			Day:       day,
			Overrides: overrides,
			DryRun:    evaluateDryRun,
		})
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateDay, "day", "", "Day whose metrics form the snapshot (default today)")
	evaluateCmd.Flags().StringArrayVar(&evaluateSet, "set", nil, "Override a snapshot value, e.g. --set error_rate=12 --set custom:signups=3")
	evaluateCmd.Flags().BoolVar(&evaluateDryRun, "dry-run", false, "Print rule outcomes without raising alerts")
}
