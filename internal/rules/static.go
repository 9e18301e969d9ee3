package rules

import (
	"context"

	"github.com/samber/lo"

	"metricwatch/internal/models"
)

// StaticSource serves a fixed rule list, typically the rules declared in the config file.
type StaticSource []models.AlertRule

// ListEnabledRules returns the enabled rules.
func (s StaticSource) ListEnabledRules(context.Context) ([]models.AlertRule, error) {
	return lo.Filter(s, func(r models.AlertRule, _ int) bool { return r.Enabled }), nil
}

// ListRules returns every rule, disabled ones included, so a disabled declaration can
// override an enabled rule of the same id from another source.
func (s StaticSource) ListRules(context.Context) ([]models.AlertRule, error) {
	return append([]models.AlertRule(nil), s...), nil
}

// ruleLister is implemented by sources that can also list their disabled rules.
type ruleLister interface {
	ListRules(ctx context.Context) ([]models.AlertRule, error)
}

// Merged lists the rules of every source, later sources overriding earlier ones by id.
// The override is applied before disabled rules are dropped.
type Merged []Source

// ListEnabledRules fails only when every source fails.
func (m Merged) ListEnabledRules(ctx context.Context) ([]models.AlertRule, error) {
	var (
		all     []models.AlertRule
		lastErr error
		okCount int
	)
	for _, src := range m {
		list, err := listForMerge(ctx, src)
		if err != nil {
			lastErr = err
			continue
		}
		okCount++
		all = append(all, list...)
	}
	if okCount == 0 && lastErr != nil {
		return nil, lastErr
	}
	byID := lo.KeyBy(all, func(r models.AlertRule) string { return r.ID })
	first := lo.UniqBy(all, func(r models.AlertRule) string { return r.ID })
	merged := lo.Map(first, func(r models.AlertRule, _ int) models.AlertRule { return byID[r.ID] })
	return lo.Filter(merged, func(r models.AlertRule, _ int) bool { return r.Enabled }), nil
}

func listForMerge(ctx context.Context, src Source) ([]models.AlertRule, error) {
	if l, ok := src.(ruleLister); ok {
		return l.ListRules(ctx)
	}
	return src.ListEnabledRules(ctx)
}
