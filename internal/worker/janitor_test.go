package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

func TestJanitorSweepsOnlyOldTerminalRows(t *testing.T) {
	st := store.NewMem()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	ctx := context.Background()

	old := now.Add(-8 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	insert := func(id string, status model.OutboxStatus, at time.Time) {
		require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
			return tx.Outbox().Insert(&model.OutboxMessage{
				MessageID:      id,
				TenantID:       "t1",
				ItemID:         "i-" + id,
				Provider:       model.ProviderBrickLink,
				Kind:           model.OutboxUpdate,
				ToSeqInclusive: 1,
				IdempotencyKey: model.IdempotencyKey("i-"+id, model.ProviderBrickLink, 0, 1),
				Status:         status,
				CreatedAt:      at,
			})
		}))
	}
	insert("old-done", model.OutboxSucceeded, old)
	insert("old-failed", model.OutboxFailed, old)
	insert("old-pending", model.OutboxPending, old)
	insert("new-done", model.OutboxSucceeded, recent)

	oldEvent := model.WebhookEvent{
		TenantID: "t1", Provider: model.ProviderBrickLink,
		EventType: "part_updated", ResourceID: "3001",
		Timestamp: old, ReceivedAt: old,
	}
	recentEvent := model.WebhookEvent{
		TenantID: "t1", Provider: model.ProviderBrickLink,
		EventType: "part_updated", ResourceID: "3003",
		Timestamp: recent, ReceivedAt: recent,
	}
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.Webhooks().Record(&oldEvent); err != nil {
			return err
		}
		_, err := tx.Webhooks().Record(&recentEvent)
		return err
	}))

	j := NewJanitor(st, clk, logger.NewNop())
	require.NoError(t, j.Sweep(ctx))

	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.Outbox().Get("old-done")
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = tx.Outbox().Get("old-failed")
		assert.ErrorIs(t, err, model.ErrNotFound)

		// Non-terminal rows survive no matter how old; recent terminal rows
		// stay within the retention horizon.
		_, err = tx.Outbox().Get("old-pending")
		assert.NoError(t, err)
		_, err = tx.Outbox().Get("new-done")
		assert.NoError(t, err)
		return nil
	}))

	// The old webhook record is gone, so its delivery is recordable again;
	// the recent one still dedupes.
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		fresh, err := tx.Webhooks().Record(&oldEvent)
		require.NoError(t, err)
		assert.True(t, fresh)

		fresh, err = tx.Webhooks().Record(&recentEvent)
		require.NoError(t, err)
		assert.False(t, fresh)
		return nil
	}))
}
