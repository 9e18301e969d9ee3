package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"metricwatch/internal/models"
	"metricwatch/internal/rules"
	"metricwatch/internal/service"
	"metricwatch/internal/storage"
)

// Evaluate checks every enabled rule against the snapshot of opts.Day with opts.Overrides applied.
// A dry run prints each rule's outcome without persisting alerts.
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions) error {
	return a.withService(ctx, func(svc *service.Service, backend storage.Backend) error {
		snapshot := svc.BuildSnapshot(ctx, opts.Day)
		for raw, v := range opts.Overrides {
			ref, err := models.ParseMetricRef(raw)
			if err != nil {
				return err
			}
			snapshot.Set(ref, v)
		}

		if !opts.DryRun {
			return a.printAlerts(svc.EvaluateRules(ctx, snapshot))
		}

		source := rules.Merged{backend, rules.StaticSource(a.Config.StaticRules())}
		list, err := source.ListEnabledRules(ctx)
		if err != nil {
			return err
		}
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Rule\tMetric\tCondition\tValue\tTriggered\tMessage")
		for _, rule := range list {
			res, err := rules.Evaluate(rule, snapshot)
			if err != nil {
				fmt.Fprintf(writer, "%s\t%s\t%s %.2f\t-\t-\t%s\n", rule.ID, rule.Metric, rule.Operator.Symbol(), rule.Threshold, sanitizeInline(err.Error()))
				continue
			}
			fmt.Fprintf(writer, "%s\t%s\t%s %.2f\t%.2f\t%t\t%s\n", rule.ID, rule.Metric, rule.Operator.Symbol(), rule.Threshold, res.Value, res.Triggered, res.Message)
		}
		return writer.Flush()
	})
}

// ParseOverrides reads metric=value pairs such as "error_rate=12.5" or "custom:signups=3".
func ParseOverrides(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid override %q (want metric=value)", pair)
		}
		if _, err := models.ParseMetricRef(key); err != nil {
			return nil, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid override %q: %w", pair, err)
		}
		out[key] = v
	}
	return out, nil
}
