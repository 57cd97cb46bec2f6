package outbox

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

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, BackoffBase: time.Second, BackoffCap: 5 * time.Minute}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 5*time.Minute)
		prev = d
	}
	assert.Equal(t, 5*time.Minute, p.Backoff(20))
}

func TestBackoffIsDeterministic(t *testing.T) {
	// Jitter belongs to the reschedule, not the policy, so identical attempt
	// counts yield identical delays.
	p := Policy{MaxAttempts: 5, BackoffBase: time.Second, BackoffCap: 5 * time.Minute, RetryJitterMax: 5 * time.Second}

	for i := 0; i < 50; i++ {
		assert.Equal(t, 2*time.Second, p.Backoff(1))
		assert.Equal(t, 8*time.Second, p.Backoff(3))
	}
}

func TestEnqueueBuildsStableIdempotencyKey(t *testing.T) {
	st := store.NewMem()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var msg *model.OutboxMessage
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		msg, err = Enqueue(tx, clk, "t1", "item-1", model.ProviderBrickLink, model.OutboxUpdate, 2, 5, "c1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "item-1:bricklink:2-5", msg.IdempotencyKey)
	assert.Equal(t, model.OutboxPending, msg.Status)
	assert.Equal(t, 0, msg.Attempt)
	assert.Equal(t, clk.Now(), msg.NextAttemptAt)

	// The same window enqueued twice collides on its idempotency key.
	err = st.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := Enqueue(tx, clk, "t1", "item-1", model.ProviderBrickLink, model.OutboxUpdate, 2, 5, "c2")
		return err
	})
	require.ErrorIs(t, err, model.ErrConflict)
}

func TestProviderEnabled(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()

	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		return tx.Credentials().Put(&model.TenantCredentials{
			TenantID: "t1", Provider: model.ProviderBrickLink, Enabled: true, Secret: []byte("x"),
		})
	}))
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		return tx.Credentials().Put(&model.TenantCredentials{
			TenantID: "t1", Provider: model.ProviderBrickOwl, Enabled: false, Secret: []byte("x"),
		})
	}))

	err := st.WithTx(ctx, func(tx store.Tx) error {
		on, err := ProviderEnabled(tx, "t1", model.ProviderBrickLink)
		require.NoError(t, err)
		assert.True(t, on)

		on, err = ProviderEnabled(tx, "t1", model.ProviderBrickOwl)
		require.NoError(t, err)
		assert.False(t, on)

		on, err = ProviderEnabled(tx, "t-unknown", model.ProviderBrickLink)
		require.NoError(t, err)
		assert.False(t, on)
		return nil
	})
	require.NoError(t, err)
}
