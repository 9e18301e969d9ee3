package datasource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func TestFetchPrimary(t *testing.T) {
	c := NewChain(zerolog.Nop())
	scanned := false
	v, step := Fetch(context.Background(), c, Query[int]{
		Name:    "test",
		Primary: func(context.Context) (int, error) { return 7, nil },
		Scan: func(context.Context) (int, error) {
			scanned = true
			return 0, nil
		},
	})
	assert.Equal(t, 7, v)
	assert.Equal(t, StepPrimary, step)
	assert.False(t, scanned)
}

func TestFetchFallsBackToScan(t *testing.T) {
	c := NewChain(zerolog.Nop())
	v, step := Fetch(context.Background(), c, Query[int]{
		Name:    "test",
		Primary: func(context.Context) (int, error) { return 0, errBoom },
		Scan:    func(context.Context) (int, error) { return 3, nil },
	})
	assert.Equal(t, 3, v)
	assert.Equal(t, StepScan, step)
}

func TestFetchServesDefault(t *testing.T) {
	c := NewChain(zerolog.Nop())
	v, step := Fetch(context.Background(), c, Query[[]string]{
		Name:    "test",
		Primary: func(context.Context) ([]string, error) { return nil, errBoom },
		Scan:    func(context.Context) ([]string, error) { return nil, errBoom },
		Default: []string{},
	})
	assert.Equal(t, []string{}, v)
	assert.Equal(t, StepDefault, step)

	_, step = Fetch(context.Background(), c, Query[float64]{
		Name:    "no-scan",
		Primary: func(context.Context) (float64, error) { return 0, errBoom },
	})
	assert.Equal(t, StepDefault, step)
}

func TestDayBounds(t *testing.T) {
	start, end := DayBounds(time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), end)

	// 23:00 at UTC-5 is already the next UTC day.
	est := time.FixedZone("EST", -5*60*60)
	start, end = DayBounds(time.Date(2026, 3, 4, 23, 0, 0, 0, est))
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), end)
}
