package models

import (
	"fmt"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity string. The empty string yields "" so callers can fall back to a default.
func ParseSeverity(raw string) (Severity, error) {
	switch Severity(raw) {
	case "":
		return "", nil
	case SeverityWarning, SeverityCritical:
		return Severity(raw), nil
	default:
		return "", fmt.Errorf("unknown severity %q", raw)
	}
}

// AlertKind tells anomaly alerts apart from rule alerts.
type AlertKind string

const (
	AlertKindAnomaly AlertKind = "anomaly"
	AlertKindRule    AlertKind = "rule"
)

// Alert is a detected condition together with its lifecycle timestamps.
type Alert struct {
	ID             string     `json:"id"`
	Source         string     `json:"source"`
	Kind           AlertKind  `json:"kind"`
	RuleID         string     `json:"rule_id,omitempty"`
	Metric         string     `json:"metric"`
	Severity       Severity   `json:"severity"`
	CurrentValue   float64    `json:"current_value"`
	ExpectedValue  float64    `json:"expected_value"`
	Deviation      float64    `json:"deviation"`
	Message        string     `json:"message"`
	Channels       []string   `json:"channels,omitempty"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
}

// State derives the lifecycle state from the timestamps.
func (a Alert) State() string {
	switch {
	case a.ResolvedAt != nil:
		return "resolved"
	case a.AcknowledgedAt != nil:
		return "acknowledged"
	default:
		return "triggered"
	}
}

// AlertPatch carries lifecycle fields to set. Stores only fill fields that are still empty,
// which keeps acknowledge and resolve idempotent and resolve terminal.
type AlertPatch struct {
	AcknowledgedAt *time.Time
	AcknowledgedBy string
	ResolvedAt     *time.Time
	ResolvedBy     string
}

// Operator is a rule comparison.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
)

// ParseOperator validates an operator string.
func ParseOperator(raw string) (Operator, error) {
	switch op := Operator(raw); op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operator %q", raw)
	}
}

// Symbol renders the operator for messages.
func (o Operator) Symbol() string {
	switch o {
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	case OpEQ:
		return "=="
	default:
		return string(o)
	}
}

// AlertRule is an admin-defined threshold condition.
type AlertRule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Metric    MetricRef `json:"metric"`
	Threshold float64   `json:"threshold"`
	Operator  Operator  `json:"operator"`
	Severity  Severity  `json:"severity,omitempty"`
	Channels  []string  `json:"channels,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
