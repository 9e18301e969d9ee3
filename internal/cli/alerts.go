package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"metricwatch/internal/app"
)

var (
	alertsLimit int
	alertsActor string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and manage alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Display unresolved alerts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().ListAlerts(cmd.Context(), app.AlertsOptions{Limit: alertsLimit})
	},
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.RequireActor(alertsActor); err != nil {
			return err
		}
		return getApp().AcknowledgeAlert(cmd.Context(), args[0], alertsActor)
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Resolve an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.RequireActor(alertsActor); err != nil {
			return err
		}
		return getApp().ResolveAlert(cmd.Context(), args[0], alertsActor)
	},
}

func init() {
	alertsListCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsCmd.PersistentFlags().StringVar(&alertsActor, "actor", "", "Who acknowledges or resolves the alert")

	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsAckCmd)
	alertsCmd.AddCommand(alertsResolveCmd)
}
