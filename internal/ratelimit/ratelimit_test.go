package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
)

func newTestLimiter(capacity int, window time.Duration) (*Limiter, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMem()
	l := New(st, clk, map[model.Provider]ProviderLimits{
		model.ProviderBrickLink: {Capacity: capacity, Window: window},
		model.ProviderBrickOwl:  {Capacity: capacity, Window: window},
	})
	return l, clk
}

func TestWindowExhaustionAndRollover(t *testing.T) {
	l, clk := newTestLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
		require.NoError(t, err)
		assert.True(t, d.Granted, "acquire %d", i)
	}

	d, err := l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	assert.False(t, d.Granted)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	clk.Advance(time.Minute)
	d, err = l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	assert.True(t, d.Granted)
}

func TestBucketsAreIsolatedPerTenantAndProvider(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	ctx := context.Background()

	d, err := l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	require.True(t, d.Granted)

	// Same tenant, other provider: fresh bucket.
	d, err = l.TryAcquire(ctx, "t1", model.ProviderBrickOwl)
	require.NoError(t, err)
	assert.True(t, d.Granted)

	// Other tenant, same provider: fresh bucket.
	d, err = l.TryAcquire(ctx, "t2", model.ProviderBrickLink)
	require.NoError(t, err)
	assert.True(t, d.Granted)

	// The original bucket is exhausted.
	d, err = l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	assert.False(t, d.Granted)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	l, clk := newTestLimiter(100, time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Report(ctx, "t1", model.ProviderBrickLink, model.OutcomeTransient))
	}
	d, err := l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	assert.True(t, d.Granted, "circuit must stay closed below the threshold")

	require.NoError(t, l.Report(ctx, "t1", model.ProviderBrickLink, model.OutcomeTransient))
	d, err = l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	assert.False(t, d.Granted)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// Waiting out the open interval closes the circuit again.
	clk.Advance(d.RetryAfter + time.Second)
	d, err = l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	assert.True(t, d.Granted)
}

func TestCircuitOpenIntervalIsCapped(t *testing.T) {
	l, _ := newTestLimiter(100, time.Minute)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Report(ctx, "t1", model.ProviderBrickLink, model.OutcomeTransient))
	}
	d, err := l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	require.False(t, d.Granted)
	assert.LessOrEqual(t, d.RetryAfter, 5*time.Minute)
}

func TestCircuitStaysOpenThroughLongOutage(t *testing.T) {
	l, _ := newTestLimiter(100, time.Minute)
	ctx := context.Background()

	// Enough consecutive failures to overflow a naive 1<<failures shift; the
	// open interval must stay pinned at the ceiling.
	for i := 0; i < 80; i++ {
		require.NoError(t, l.Report(ctx, "t1", model.ProviderBrickLink, model.OutcomeTransient))
	}
	d, err := l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	require.False(t, d.Granted, "circuit must remain open after a long outage")
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 5*time.Minute)
}

func TestSuccessClosesCircuit(t *testing.T) {
	l, _ := newTestLimiter(100, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Report(ctx, "t1", model.ProviderBrickLink, model.OutcomeTransient))
	}
	require.NoError(t, l.Report(ctx, "t1", model.ProviderBrickLink, model.OutcomeOK))

	d, err := l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	assert.True(t, d.Granted)
}

func TestPermanentFailuresDoNotTripCircuit(t *testing.T) {
	l, _ := newTestLimiter(100, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Report(ctx, "t1", model.ProviderBrickLink, model.OutcomePermanent))
	}
	d, err := l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	assert.True(t, d.Granted)
}

func TestCircuitIsolationAcrossTenants(t *testing.T) {
	l, _ := newTestLimiter(100, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Report(ctx, "t1", model.ProviderBrickLink, model.OutcomeRateLimited))
	}
	d, err := l.TryAcquire(ctx, "t1", model.ProviderBrickLink)
	require.NoError(t, err)
	require.False(t, d.Granted)

	d, err = l.TryAcquire(ctx, "t2", model.ProviderBrickLink)
	require.NoError(t, err)
	assert.True(t, d.Granted)
}
