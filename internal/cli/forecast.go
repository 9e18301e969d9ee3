package cli

import (
	"github.com/spf13/cobra"

	"metricwatch/internal/app"
	"metricwatch/internal/models"
)

var (
	forecastPeriod string
	forecastPNG    string
	forecastCSV    string
)

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Project usage or revenue over a horizon",
}

var forecastUsageCmd = &cobra.Command{
	Use:       "usage <tokens|content-units|new-accounts>",
	Short:     "Forecast a usage metric",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(models.UsageTokens), string(models.UsageContentUnits), string(models.UsageNewAccounts)},
	RunE: func(cmd *cobra.Command, args []string) error {
		metric, err := models.ParseUsageMetric(args[0])
		if err != nil {
			return err
		}
		opts, err := forecastOptions()
		if err != nil {
			return err
		}
		opts.Metric = metric
		return getApp().Forecast(cmd.Context(), opts)
	},
}

var forecastRevenueCmd = &cobra.Command{
	Use:   "revenue",
	Short: "Forecast monthly recurring revenue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := forecastOptions()
		if err != nil {
			return err
		}
		opts.Revenue = true
		return getApp().Forecast(cmd.Context(), opts)
	},
}

func forecastOptions() (app.ForecastOptions, error) {
	period, err := models.ParsePeriod(forecastPeriod)
	if err != nil {
		return app.ForecastOptions{}, err
	}
	return app.ForecastOptions{
		Period:  period,
		PNGPath: forecastPNG,
		CSVPath: forecastCSV,
	}, nil
}

func init() {
	forecastCmd.PersistentFlags().StringVar(&forecastPeriod, "period", string(models.Period30d), "Forecast horizon: 30d, 60d or 90d")
	forecastCmd.PersistentFlags().StringVar(&forecastPNG, "png", "", "Write a chart of history and projection to this PNG path")
	forecastCmd.PersistentFlags().StringVar(&forecastCSV, "csv", "", "Write history and projection to this CSV path")

	forecastCmd.AddCommand(forecastUsageCmd)
	forecastCmd.AddCommand(forecastRevenueCmd)
}
