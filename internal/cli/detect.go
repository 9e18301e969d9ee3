package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"metricwatch/internal/app"
)

var (
	detectFrom string
	detectTo   string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Sweep one day or a range of days for anomalies and rule breaches",
	RunE: func(cmd *cobra.Command, args []string) error {
		from := time.Now().UTC().AddDate(0, 0, -1)
		if detectFrom != "" {
			parsed, err := parseDay(detectFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			from = parsed
		}

		var to time.Time
		if detectTo != "" {
			parsed, err := parseDay(detectTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			if parsed.Before(from) {
				return fmt.Errorf("--from must not be after --to")
			}
			to = parsed
		}

		return getApp().Detect(cmd.Context(), app.DetectOptions{From: from, To: to})
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectFrom, "from", "", "First day to sweep (YYYY-MM-DD or RFC3339, default yesterday)")
	detectCmd.Flags().StringVar(&detectTo, "to", "", "Last day to sweep, inclusive")
}

// parseDay accepts a date or an RFC3339 timestamp.
func parseDay(raw string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
