package cli

import (
	"github.com/spf13/cobra"
)

var churnCmd = &cobra.Command{
	Use:   "churn <subject-id>...",
	Short: "Score churn risk for one or more subjects",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Churn(cmd.Context(), args)
	},
}
