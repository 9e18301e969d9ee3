package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"metricwatch/internal/datasource"
	"metricwatch/internal/models"
	"metricwatch/internal/service"
	"metricwatch/internal/storage"
)

// Detect runs the daily sweep for every day in [From, To]. A zero To sweeps From only.
func (a *App) Detect(ctx context.Context, opts DetectOptions) error {
	start, _ := datasource.DayBounds(opts.From)
	end := start
	if !opts.To.IsZero() {
		end, _ = datasource.DayBounds(opts.To)
	}
	if end.Before(start) {
		return errors.New("detect range is empty, check --from/--to")
	}

	return a.withService(ctx, func(svc *service.Service, _ storage.Backend) error {
		var (
			processed int
			failed    int
			created   []models.Alert
		)
		for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			report, err := svc.ProcessDay(ctx, day)
			if err != nil {
				failed++
				a.Logger.Error().Err(err).Time("day", day).Msg("sweep failed")
				continue
			}
			processed++
			created = append(created, report.Anomalies...)
			created = append(created, report.RuleAlerts...)
		}

		a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("detect complete")
		if err := a.printAlerts(created); err != nil {
			return err
		}
		if failed > 0 {
			return errors.New("some days failed to sweep, check the logs")
		}
		return nil
	})
}

func (a *App) printAlerts(list []models.Alert) error {
	if len(list) == 0 {
		fmt.Fprintln(a.Out, "no alerts")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTriggered (UTC)\tKind\tSeverity\tState\tMetric\tCurrent\tExpected\tMessage")
	for _, alert := range list {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%.2f\t%s\n",
			alert.ID,
			alert.TriggeredAt.UTC().Format(time.RFC3339),
			alert.Kind,
			alert.Severity,
			alert.State(),
			alert.Metric,
			alert.CurrentValue,
			alert.ExpectedValue,
			sanitizeInline(alert.Message),
		)
	}
	return writer.Flush()
}
