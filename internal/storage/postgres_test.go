package storage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricwatch/internal/alerts"
	"metricwatch/internal/models"
)

// newPostgresStore connects to DATABASE_URL and isolates the test in a throwaway schema.
func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()

	schema := "metricwatch_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 4
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	s := NewStore(pool, zerolog.Nop())
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func TestPostgresCreateIfAbsentDedupsOpenSource(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	first, created, err := s.CreateIfAbsent(ctx, testAlert("a1", "rule-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"email", "slack"}, first.Channels)
	assert.Equal(t, day.Add(3*time.Hour), first.TriggeredAt)

	again, created, err := s.CreateIfAbsent(ctx, testAlert("a2", "rule-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a1", again.ID)

	ok, err := s.Update(ctx, "a1", models.AlertPatch{ResolvedAt: ptrTime(day.Add(5 * time.Hour)), ResolvedBy: "alice"})
	require.NoError(t, err)
	require.True(t, ok)

	reopened, created, err := s.CreateIfAbsent(ctx, testAlert("a3", "rule-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a3", reopened.ID)

	open, err := s.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a3", open[0].ID)
}

func TestPostgresUpdateOnlyFillsEmptyFields(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
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

	ok, err = s.Update(ctx, "a1", models.AlertPatch{ResolvedAt: &t2, ResolvedBy: "bob"})
	require.NoError(t, err)
	assert.True(t, ok)

	// Resolution is terminal and a resolved alert is never acknowledged afterwards.
	_, _, err = s.CreateIfAbsent(ctx, testAlert("b1", "rule-2"))
	require.NoError(t, err)
	_, err = s.Update(ctx, "b1", models.AlertPatch{ResolvedAt: &t1, ResolvedBy: "alice"})
	require.NoError(t, err)
	_, err = s.Update(ctx, "b1", models.AlertPatch{AcknowledgedAt: &t2, AcknowledgedBy: "carol", ResolvedAt: &t2, ResolvedBy: "carol"})
	require.NoError(t, err)
	b, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, b.AcknowledgedAt)
	assert.Equal(t, "alice", b.ResolvedBy)

	ok, err = s.Update(ctx, "missing", models.AlertPatch{ResolvedAt: &t1})
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, alerts.ErrNotFound)
}

func TestPostgresAdvisoryLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	key := time.Now().UnixNano()

	unlock, acquired, err := s.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = s.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, acquired)

	unlock()
	unlock2, acquired, err := s.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, acquired)
	unlock2()
}

func TestPostgresReads(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)

	require.NoError(t, s.InsertEvents(ctx, []MetricEvent{
		{Metric: "signups", OccurredAt: day.Add(time.Hour), Value: 2},
		{Metric: "signups", OccurredAt: day.Add(20 * time.Hour), Value: 3},
		{Metric: "signups", OccurredAt: day.AddDate(0, 0, 1), Value: 100},
	}))
	v, err := s.Value(ctx, "signups", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	require.NoError(t, s.UpsertSubscription(ctx, Subscription{ID: "s1", SubjectID: "u1", Plan: "pro", Status: "active", PriceMonthly: decimal.RequireFromString("49.90")}))
	require.NoError(t, s.UpsertSubscription(ctx, Subscription{ID: "s2", SubjectID: "u2", Plan: "pro", Status: "canceled", PriceMonthly: decimal.NewFromInt(10)}))
	prices, err := s.ActivePlanPrices(ctx)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.True(t, decimal.RequireFromString("49.90").Equal(prices[0]))

	require.NoError(t, s.UpsertRule(ctx, models.AlertRule{
		ID: "r1", Name: "r1", Metric: models.MetricRef{Kind: models.KindCustom, Name: "signups"},
		Threshold: 5, Operator: models.OpLT, Channels: []string{"email"}, Enabled: true,
	}))
	list, err := s.ListEnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.MetricRef{Kind: models.KindCustom, Name: "signups"}, list[0].Metric)
}

func ptrTime(t time.Time) *time.Time { return &t }
