package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricRef(t *testing.T) {
	ref, err := ParseMetricRef("error_rate")
	require.NoError(t, err)
	assert.Equal(t, MetricRef{Kind: KindErrorRate}, ref)

	ref, err = ParseMetricRef("custom:signup_conversion")
	require.NoError(t, err)
	assert.Equal(t, MetricRef{Kind: KindCustom, Name: "signup_conversion"}, ref)
	assert.Equal(t, "custom:signup_conversion", ref.String())

	_, err = ParseMetricRef("custom:")
	assert.Error(t, err)
	_, err = ParseMetricRef("cpu")
	assert.Error(t, err)
}

func TestSnapshotRoutesByKind(t *testing.T) {
	var snap Snapshot
	snap.Set(MetricRef{Kind: KindErrorRate}, 0.2)
	snap.Set(MetricRef{Kind: KindCustom, Name: "queue_depth"}, 42)

	v, ok := snap.Value(MetricRef{Kind: KindErrorRate})
	require.True(t, ok)
	assert.Equal(t, 0.2, v)

	_, ok = snap.Value(MetricRef{Kind: KindJobFailureRate})
	assert.False(t, ok, "unset kinds must not read as zero")

	v, ok = snap.Value(MetricRef{Kind: KindCustom, Name: "queue_depth"})
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	_, ok = snap.Value(MetricRef{Kind: KindCustom, Name: "other"})
	assert.False(t, ok)
}

func TestParsers(t *testing.T) {
	_, err := ParseOperator("gte")
	assert.NoError(t, err)
	_, err = ParseOperator("ne")
	assert.Error(t, err)

	p, err := ParsePeriod("60d")
	require.NoError(t, err)
	assert.Equal(t, 60, p.Days())
	_, err = ParsePeriod("7d")
	assert.Error(t, err)

	_, err = ParseUsageMetric("content-units")
	assert.NoError(t, err)
	_, err = ParseUsageMetric("revenue")
	assert.Error(t, err)

	sev, err := ParseSeverity("")
	require.NoError(t, err)
	assert.Equal(t, Severity(""), sev)
	_, err = ParseSeverity("info")
	assert.Error(t, err)
}

func TestAlertState(t *testing.T) {
	var a Alert
	assert.Equal(t, "triggered", a.State())
	now := a.TriggeredAt
	a.AcknowledgedAt = &now
	assert.Equal(t, "acknowledged", a.State())
	a.ResolvedAt = &now
	assert.Equal(t, "resolved", a.State())
}
