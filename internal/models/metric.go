// Package models defines the engine's domain types: metrics, alerts, rules, forecasts and churn predictions.
package models

import (
	"fmt"
	"strings"
	"time"
)

// MetricKind is the closed set of metric families a rule or snapshot can refer to.
type MetricKind string

const (
	KindErrorRate      MetricKind = "error_rate"
	KindChurnRisk      MetricKind = "churn_risk"
	KindTokenUsage     MetricKind = "token_usage"
	KindJobFailureRate MetricKind = "job_failure_rate"
	KindActiveUsers    MetricKind = "active_users"
	KindCustom         MetricKind = "custom"
)

// KnownKinds lists every non-custom kind in a stable order.
var KnownKinds = []MetricKind{
	KindErrorRate,
	KindChurnRisk,
	KindTokenUsage,
	KindJobFailureRate,
	KindActiveUsers,
}

// MetricRef names a metric a rule is evaluated against. Name is only set for KindCustom.
type MetricRef struct {
	Kind MetricKind `json:"kind"`
	Name string     `json:"name,omitempty"`
}

// ParseMetricRef accepts either a known kind ("error_rate") or a custom reference ("custom:signup_conversion").
func ParseMetricRef(raw string) (MetricRef, error) {
	raw = strings.TrimSpace(raw)
	if name, ok := strings.CutPrefix(raw, string(KindCustom)+":"); ok {
		if name == "" {
			return MetricRef{}, fmt.Errorf("custom metric reference %q has no name", raw)
		}
		return MetricRef{Kind: KindCustom, Name: name}, nil
	}
	for _, k := range KnownKinds {
		if raw == string(k) {
			return MetricRef{Kind: k}, nil
		}
	}
	return MetricRef{}, fmt.Errorf("unknown metric kind %q", raw)
}

// String renders the reference in the form accepted by ParseMetricRef.
func (r MetricRef) String() string {
	if r.Kind == KindCustom {
		return string(KindCustom) + ":" + r.Name
	}
	return string(r.Kind)
}

// Snapshot is a point-in-time reading of the live metrics rules are evaluated against.
// Known kinds are nil when the reading is unavailable.
type Snapshot struct {
	TakenAt        time.Time          `json:"taken_at"`
	ErrorRate      *float64           `json:"error_rate,omitempty"`
	ChurnRisk      *float64           `json:"churn_risk,omitempty"`
	TokenUsage     *float64           `json:"token_usage,omitempty"`
	JobFailureRate *float64           `json:"job_failure_rate,omitempty"`
	ActiveUsers    *float64           `json:"active_users,omitempty"`
	Custom         map[string]float64 `json:"custom,omitempty"`
}

// Value returns the reading for ref and whether it was present.
func (s Snapshot) Value(ref MetricRef) (float64, bool) {
	var p *float64
	switch ref.Kind {
	case KindErrorRate:
		p = s.ErrorRate
	case KindChurnRisk:
		p = s.ChurnRisk
	case KindTokenUsage:
		p = s.TokenUsage
	case KindJobFailureRate:
		p = s.JobFailureRate
	case KindActiveUsers:
		p = s.ActiveUsers
	case KindCustom:
		v, ok := s.Custom[ref.Name]
		return v, ok
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Set stores v under ref.
func (s *Snapshot) Set(ref MetricRef, v float64) {
	switch ref.Kind {
	case KindErrorRate:
		s.ErrorRate = &v
	case KindChurnRisk:
		s.ChurnRisk = &v
	case KindTokenUsage:
		s.TokenUsage = &v
	case KindJobFailureRate:
		s.JobFailureRate = &v
	case KindActiveUsers:
		s.ActiveUsers = &v
	case KindCustom:
		if s.Custom == nil {
			s.Custom = make(map[string]float64)
		}
		s.Custom[ref.Name] = v
	}
}

// MovingWindowStats holds the trailing-window baseline of a metric.
// An empty Values slice means no history was available.
type MovingWindowStats struct {
	Mean   float64   `json:"mean"`
	StdDev float64   `json:"std_dev"`
	Values []float64 `json:"values"`
}

// HasHistory reports whether the stats were computed from at least one day.
func (s MovingWindowStats) HasHistory() bool {
	return len(s.Values) > 0
}

// MetricConfig configures anomaly detection for a single daily metric.
type MetricConfig struct {
	Metric                  string  `mapstructure:"metric" json:"metric"`
	PercentThreshold        float64 `mapstructure:"percent_threshold" json:"percent_threshold"`
	StdDevThreshold         float64 `mapstructure:"stddev_threshold" json:"stddev_threshold"`
	MinConsecutiveIntervals int     `mapstructure:"min_consecutive_intervals" json:"min_consecutive_intervals"`
}
