package datasource

import (
	"context"

	"github.com/rs/zerolog"

	"metricwatch/internal/telemetry"
)

// Step identifies which stage of the fallback policy produced a result.
type Step int

const (
	// StepPrimary is the narrow, indexed query.
	StepPrimary Step = iota
	// StepScan is the broad scan filtered in memory.
	StepScan
	// StepDefault is the safe zero/empty value used when both queries failed.
	StepDefault
)

func (s Step) String() string {
	switch s {
	case StepPrimary:
		return "primary"
	case StepScan:
		return "scan"
	default:
		return "default"
	}
}

// Query describes one read under the fallback policy. Scan may be nil when no broader query exists.
type Query[T any] struct {
	Name    string
	Primary func(ctx context.Context) (T, error)
	Scan    func(ctx context.Context) (T, error)
	Default T
}

// Chain applies the policy primary query → broad scan + filter → safe default.
type Chain struct {
	logger zerolog.Logger
}

// NewChain builds a Chain logging through logger.
func NewChain(logger zerolog.Logger) *Chain {
	return &Chain{logger: logger.With().Str("component", "datasource").Logger()}
}

// Fetch runs q under the chain's policy. It never returns an error: callers inspect the
// Step to tell a real value from the default.
func Fetch[T any](ctx context.Context, c *Chain, q Query[T]) (T, Step) {
	v, err := q.Primary(ctx)
	if err == nil {
		telemetry.DataSourceSteps.WithLabelValues(q.Name, StepPrimary.String()).Inc()
		return v, StepPrimary
	}
	c.logger.Warn().Err(err).Str("query", q.Name).Msg("primary query failed")

	if q.Scan != nil && ctx.Err() == nil {
		v, err = q.Scan(ctx)
		if err == nil {
			telemetry.DataSourceSteps.WithLabelValues(q.Name, StepScan.String()).Inc()
			return v, StepScan
		}
		c.logger.Warn().Err(err).Str("query", q.Name).Msg("fallback scan failed")
	}

	telemetry.DataSourceSteps.WithLabelValues(q.Name, StepDefault.String()).Inc()
	c.logger.Error().Str("query", q.Name).Msg("serving default value")
	return q.Default, StepDefault
}
