package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricwatch/internal/alerts"
	"metricwatch/internal/models"
)

var day = time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func testAlert(id, source string) models.Alert {
	return models.Alert{
		ID:            id,
		Source:        source,
		Kind:          models.AlertKindRule,
		RuleID:        source,
		Metric:        "error_rate",
		Severity:      models.SeverityCritical,
		CurrentValue:  7,
		ExpectedValue: 5,
		Deviation:     2,
		Message:       "error_rate > 5",
		Channels:      []string{"email", "slack"},
		TriggeredAt:   day.Add(3 * time.Hour),
	}
}

func TestCreateIfAbsentDedupsOpenSource(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, created, err := s.CreateIfAbsent(ctx, testAlert("a1", "rule-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a1", first.ID)
	assert.Equal(t, []string{"email", "slack"}, first.Channels)
	assert.Equal(t, day.Add(3*time.Hour), first.TriggeredAt)
	assert.Equal(t, "rule-1", first.RuleID)

	dup, created, err := s.CreateIfAbsent(ctx, testAlert("a2", "rule-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a1", dup.ID, "the open alert is returned")

	sameID, created, err := s.CreateIfAbsent(ctx, testAlert("a1", "rule-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a1", sameID.ID)

	open, err := s.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCreateAfterResolveOpensNewAlert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.CreateIfAbsent(ctx, testAlert("a1", "rule-1"))
	require.NoError(t, err)
	at := day.Add(5 * time.Hour)
	ok, err := s.Update(ctx, "a1", models.AlertPatch{ResolvedAt: &at, ResolvedBy: "ops"})
	require.NoError(t, err)
	require.True(t, ok)

	found, err := s.FindUnresolvedBySource(ctx, "rule-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	second, created, err := s.CreateIfAbsent(ctx, testAlert("a2", "rule-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a2", second.ID)

	found, err = s.FindUnresolvedBySource(ctx, "rule-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "a2", found.ID)
}

func TestUpdateOnlyFillsEmptyFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, err := s.CreateIfAbsent(ctx, testAlert("a1", "rule-1"))
	require.NoError(t, err)

	t1 := day.Add(4 * time.Hour)
	t2 := day.Add(6 * time.Hour)
	ok, err := s.Update(ctx, "a1", models.AlertPatch{AcknowledgedAt: &t1, AcknowledgedBy: "alice"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Update(ctx, "a1", models.AlertPatch{AcknowledgedAt: &t2, AcknowledgedBy: "bob"})
	require.NoError(t, err)
	assert.True(t, ok)

	a, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, a.AcknowledgedAt)
	assert.Equal(t, t1, *a.AcknowledgedAt)
	assert.Equal(t, "alice", a.AcknowledgedBy)
	assert.Nil(t, a.ResolvedAt)
	assert.Equal(t, "acknowledged", a.State())

	ok, err = s.Update(ctx, "a1", models.AlertPatch{ResolvedAt: &t2, ResolvedBy: "bob"})
	require.NoError(t, err)
	assert.True(t, ok)
	a, err = s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "resolved", a.State())
	assert.Equal(t, "bob", a.ResolvedBy)
	assert.Equal(t, "alice", a.AcknowledgedBy)
}

func TestUpdateAndGetUnknownID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := day
	ok, err := s.Update(ctx, "missing", models.AlertPatch{ResolvedAt: &now})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, alerts.ErrNotFound)
}

func TestListUnresolvedNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i, src := range []string{"r1", "r2", "r3"} {
		a := testAlert("id-"+src, src)
		a.TriggeredAt = day.Add(time.Duration(i) * time.Hour)
		_, _, err := s.CreateIfAbsent(ctx, a)
		require.NoError(t, err)
	}

	open, err := s.ListUnresolved(ctx, 2)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "id-r3", open[0].ID)
	assert.Equal(t, "id-r2", open[1].ID)
}

func TestRulesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertRule(ctx, models.AlertRule{
		ID: "r1", Name: "errors", Metric: models.MetricRef{Kind: models.KindErrorRate},
		Threshold: 5, Operator: models.OpGT, Severity: models.SeverityCritical,
		Channels: []string{"email"}, Enabled: true, CreatedBy: "alice", UpdatedAt: day,
	}))
	require.NoError(t, s.UpsertRule(ctx, models.AlertRule{
		ID: "r2", Name: "off", Metric: models.MetricRef{Kind: models.KindCustom, Name: "signups"},
		Threshold: 1, Operator: models.OpLT, UpdatedAt: day,
	}))

	rules, err := s.ListEnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	r := rules[0]
	assert.Equal(t, "r1", r.ID)
	assert.Equal(t, models.OpGT, r.Operator)
	assert.Equal(t, models.SeverityCritical, r.Severity)
	assert.Equal(t, []string{"email"}, r.Channels)
	assert.Equal(t, "alice", r.CreatedBy)
	assert.Equal(t, day, r.CreatedAt)

	require.NoError(t, s.UpsertRule(ctx, models.AlertRule{
		ID: "r2", Name: "on", Metric: models.MetricRef{Kind: models.KindCustom, Name: "signups"},
		Threshold: 1, Operator: models.OpLT, Enabled: true, UpdatedAt: day,
	}))
	rules, err = s.ListEnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, models.MetricRef{Kind: models.KindCustom, Name: "signups"}, rules[1].Metric)
}

func TestMalformedRuleIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.db.ExecContext(ctx, `INSERT INTO alert_rules (id, name, metric, threshold, operator, created_at, updated_at)
        VALUES ('bad', 'bad', 'nonsense', 1, 'gt', 0, 0)`)
	require.NoError(t, err)

	rules, err := s.ListEnabledRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestValueSumsDay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InsertEvents(ctx, []MetricEvent{
		{Metric: "error_rate", OccurredAt: day.Add(time.Hour), Value: 2},
		{Metric: "error_rate", OccurredAt: day.Add(23 * time.Hour), Value: 3},
		{Metric: "error_rate", OccurredAt: day.AddDate(0, 0, 1), Value: 100},
		{Metric: "active_users", OccurredAt: day.Add(time.Hour), Value: 40},
	}))

	v, err := s.Value(ctx, "error_rate", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = s.Value(ctx, "unknown", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestActivePlanPrices(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, sub := range []Subscription{
		{ID: "s1", SubjectID: "u1", Plan: "pro", Status: "active", PriceMonthly: decimal.RequireFromString("100")},
		{ID: "s2", SubjectID: "u2", Plan: "team", Status: "active", PriceMonthly: decimal.RequireFromString("50.50")},
		{ID: "s3", SubjectID: "u3", Plan: "pro", Status: "canceled", PriceMonthly: decimal.RequireFromString("100")},
	} {
		require.NoError(t, s.UpsertSubscription(ctx, sub))
	}

	prices, err := s.ActivePlanPrices(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.Sum(decimal.Zero, prices...).Equal(decimal.RequireFromString("150.50")))
}

func TestChurnSignals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := day

	recent := now.AddDate(0, 0, -3)
	prior := now.AddDate(0, 0, -45)
	require.NoError(t, s.InsertEvents(ctx, []MetricEvent{
		{Metric: MetricActivity, SubjectID: "u1", OccurredAt: recent, Value: 4},
		{Metric: MetricActivity, SubjectID: "u1", OccurredAt: prior, Value: 10},
		{Metric: MetricActivity, SubjectID: "u2", OccurredAt: recent, Value: 99},
		{Metric: MetricProductEvent, SubjectID: "u1", OccurredAt: recent, Value: 1},
		{Metric: MetricProductEvent, SubjectID: "u1", OccurredAt: recent, Value: 1},
		{Metric: MetricSentiment, SubjectID: "u1", OccurredAt: recent, Value: -0.5},
		{Metric: MetricSentiment, SubjectID: "u1", OccurredAt: recent, Value: 0.1},
		{Metric: MetricSupportError, SubjectID: "u1", OccurredAt: recent, Value: 1, Dimension: "E1"},
		{Metric: MetricSupportError, SubjectID: "u1", OccurredAt: recent, Value: 1, Dimension: "E1"},
		{Metric: MetricSupportError, SubjectID: "u1", OccurredAt: recent, Value: 1, Dimension: "E2"},
	}))
	require.NoError(t, s.UpsertSubscription(ctx, Subscription{
		ID: "s1", SubjectID: "u1", Plan: "pro", Status: "active", PriceMonthly: decimal.NewFromInt(20),
	}))

	sig, err := s.ChurnSignals(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, "u1", sig.SubjectID)
	assert.Equal(t, 4.0, sig.RecentActivity)
	assert.Equal(t, 10.0, sig.PriorActivity)
	assert.Equal(t, 2, sig.RecentEvents)
	require.NotNil(t, sig.SentimentAvg)
	assert.InDelta(t, -0.2, *sig.SentimentAvg, 1e-9)
	assert.Equal(t, 2, sig.SupportErrors)
	assert.Equal(t, "pro", sig.Plan)
	assert.True(t, sig.PaidPlan)

	empty, err := s.ChurnSignals(ctx, "nobody", now)
	require.NoError(t, err)
	assert.Nil(t, empty.SentimentAvg)
	assert.Equal(t, "free", empty.Plan)
	assert.False(t, empty.PaidPlan)
}

func TestReduceFallback(t *testing.T) {
	rows := []eventRow{
		{Metric: "a", Value: 2, Dimension: "x"},
		{Metric: "a", Value: 4, Dimension: "x"},
		{Metric: "a", Value: 6, Dimension: ""},
		{Metric: "b", Value: 100, Dimension: "y"},
	}
	sum, _ := reduce(rows, "a", aggSum)
	assert.Equal(t, 12.0, sum)
	count, _ := reduce(rows, "a", aggCount)
	assert.Equal(t, 3.0, count)
	avg, ok := reduce(rows, "a", aggAvg)
	assert.True(t, ok)
	assert.Equal(t, 4.0, avg)
	distinct, _ := reduce(rows, "a", aggDistinct)
	assert.Equal(t, 1.0, distinct)
	_, ok = reduce(rows, "missing", aggAvg)
	assert.False(t, ok)
}
