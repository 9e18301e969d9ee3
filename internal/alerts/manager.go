// Package alerts manages the lifecycle of alerts: deduplicated creation, acknowledgement and resolution.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metricwatch/internal/models"
	"metricwatch/internal/telemetry"
)

// ErrNotFound is returned by stores when an alert id does not exist.
var ErrNotFound = errors.New("alerts: not found")

// anomalyNamespace seeds deterministic ids for anomaly alerts.
var anomalyNamespace = uuid.MustParse("4f1f3c1e-9a0b-5d7e-8c55-2b6e1f0a7d31")

// Store is the persistence surface the Manager reads and writes through.
type Store interface {
	// FindUnresolvedBySource returns the open alert for source, or nil.
	FindUnresolvedBySource(ctx context.Context, source string) (*models.Alert, error)
	// CreateIfAbsent inserts alert unless its id exists or an unresolved alert with the same
	// source exists. It returns the stored alert and whether it was created. The check and
	// insert are a single atomic statement.
	CreateIfAbsent(ctx context.Context, alert models.Alert) (models.Alert, bool, error)
	// Update fills the lifecycle fields in patch that are still empty and never acknowledges a
	// resolved alert. It returns false when the alert does not exist.
	Update(ctx context.Context, id string, patch models.AlertPatch) (bool, error)
	// Get returns the alert with id or ErrNotFound.
	Get(ctx context.Context, id string) (models.Alert, error)
	// ListUnresolved lists open alerts, newest first.
	ListUnresolved(ctx context.Context, limit int) ([]models.Alert, error)
}

// RetryOptions bound persistence retries.
type RetryOptions struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Manager owns alert creation and lifecycle transitions.
type Manager struct {
	store  Store
	clock  clock.Clock
	retry  RetryOptions
	logger zerolog.Logger
}

// NewManager constructs a Manager.
func NewManager(store Store, clk clock.Clock, retry RetryOptions, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 200 * time.Millisecond
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = 2 * time.Second
	}
	return &Manager{
		store:  store,
		clock:  clk,
		retry:  retry,
		logger: logger.With().Str("component", "alert_manager").Logger(),
	}
}

// AssignID fills in a missing id: anomaly alerts get a UUIDv5 of their source so repeated
// same-day detections collide; everything else gets a random UUID.
func AssignID(alert *models.Alert) {
	if alert.ID != "" {
		return
	}
	if alert.Kind == models.AlertKindAnomaly {
		alert.ID = uuid.NewSHA1(anomalyNamespace, []byte(alert.Source)).String()
		return
	}
	alert.ID = uuid.NewString()
}

// Raise persists alert unless an equivalent open alert exists. It retries transient failures and
// then logs and gives up; the boolean is false only in that case.
func (m *Manager) Raise(ctx context.Context, alert models.Alert) (models.Alert, bool) {
	stored, _, ok := m.RaiseTracked(ctx, alert)
	return stored, ok
}

// RaiseTracked is Raise that also reports whether a new alert was created.
func (m *Manager) RaiseTracked(ctx context.Context, alert models.Alert) (stored models.Alert, created, ok bool) {
	AssignID(&alert)
	if alert.TriggeredAt.IsZero() {
		alert.TriggeredAt = m.clock.Now().UTC()
	}

	op := func() error {
		var err error
		stored, created, err = m.store.CreateIfAbsent(ctx, alert)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.retry.InitialInterval
	policy.MaxInterval = m.retry.MaxInterval
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, m.retry.MaxAttempts-1), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		telemetry.AlertPersistFailures.Inc()
		m.logger.Error().Err(err).
			Str("source", alert.Source).
			Str("severity", string(alert.Severity)).
			Msg("failed to persist alert")
		return alert, false, false
	}

	if created {
		telemetry.AlertsCreated.WithLabelValues(string(stored.Kind), string(stored.Severity)).Inc()
		m.logger.Info().
			Str("alert_id", stored.ID).
			Str("source", stored.Source).
			Str("severity", string(stored.Severity)).
			Strs("channels", stored.Channels).
			Msg("alert created")
	} else {
		m.logger.Debug().Str("alert_id", stored.ID).Str("source", stored.Source).Msg("open alert already exists")
	}
	return stored, created, true
}

// Acknowledge records that actor has seen the alert. Repeated calls keep the first
// acknowledgement and still return true. Unknown ids return false.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (bool, error) {
	now := m.clock.Now().UTC()
	ok, err := m.store.Update(ctx, id, models.AlertPatch{AcknowledgedAt: &now, AcknowledgedBy: actor})
	if err != nil {
		return false, fmt.Errorf("acknowledge alert %s: %w", id, err)
	}
	if ok {
		m.logger.Info().Str("alert_id", id).Str("actor", actor).Msg("alert acknowledged")
	}
	return ok, nil
}

// Resolve closes the alert. Resolution is terminal: repeated calls keep the first resolution.
func (m *Manager) Resolve(ctx context.Context, id, actor string) (bool, error) {
	now := m.clock.Now().UTC()
	ok, err := m.store.Update(ctx, id, models.AlertPatch{ResolvedAt: &now, ResolvedBy: actor})
	if err != nil {
		return false, fmt.Errorf("resolve alert %s: %w", id, err)
	}
	if ok {
		m.logger.Info().Str("alert_id", id).Str("actor", actor).Msg("alert resolved")
	}
	return ok, nil
}

// ListOpen lists unresolved alerts.
func (m *Manager) ListOpen(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.store.ListUnresolved(ctx, limit)
}

// Get returns a single alert.
func (m *Manager) Get(ctx context.Context, id string) (models.Alert, error) {
	return m.store.Get(ctx, id)
}
