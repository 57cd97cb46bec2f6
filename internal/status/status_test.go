package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
)

func seed(t *testing.T) (store.Store, *Service) {
	t.Helper()
	st := store.NewMem()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		if err := tx.Items().Insert(&model.InventoryItem{
			ItemID:     "i1",
			TenantID:   "t1",
			PartNumber: "3001",
			ColorID:    "5",
			MarketplaceSync: map[model.Provider]*model.ProviderSyncState{
				model.ProviderBrickLink: {
					Status:            model.SyncSynced,
					ExternalLotID:     "4711",
					LastSyncedSeq:     3,
					LastSyncAttemptAt: now,
				},
				model.ProviderBrickOwl: {Status: model.SyncPending},
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.Outbox().Insert(&model.OutboxMessage{
			MessageID:        "m1",
			TenantID:         "t1",
			ItemID:           "i1",
			Provider:         model.ProviderBrickOwl,
			Kind:             model.OutboxUpdate,
			FromSeqExclusive: 0,
			ToSeqInclusive:   3,
			IdempotencyKey:   model.IdempotencyKey("i1", model.ProviderBrickOwl, 0, 3),
			Status:           model.OutboxPending,
			NextAttemptAt:    now.Add(time.Minute),
			CreatedAt:        now,
		})
	}))
	return st, New(st)
}

func TestItemSyncStatusProjection(t *testing.T) {
	_, svc := seed(t)

	st, err := svc.ItemSyncStatus(context.Background(), "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, "i1", st.ItemID)
	assert.Equal(t, 1, st.PendingCount)
	require.NotNil(t, st.NextRetryAt)

	bl := st.Providers[model.ProviderBrickLink]
	require.NotNil(t, bl)
	assert.Equal(t, model.SyncSynced, bl.Status)
	assert.Equal(t, "4711", bl.ExternalLotID)
	assert.Equal(t, int64(3), bl.LastSyncedSeq)
	require.NotNil(t, bl.LastSyncAttemptAt)

	owl := st.Providers[model.ProviderBrickOwl]
	require.NotNil(t, owl)
	assert.Equal(t, model.SyncPending, owl.Status)
}

func TestItemSyncStatusUnknownItem(t *testing.T) {
	_, svc := seed(t)
	_, err := svc.ItemSyncStatus(context.Background(), "t1", "nope")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestListItemsPageSizeValidation(t *testing.T) {
	_, svc := seed(t)
	_, _, err := svc.ListItems(context.Background(), "t1", store.QuerySpec{PageSize: store.MaxPageSize + 1})
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestRetractPendingOnly(t *testing.T) {
	st, svc := seed(t)
	ctx := context.Background()

	// Wrong tenant cannot see the message.
	err := svc.Retract(ctx, "t2", "m1", "oops")
	require.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, svc.Retract(ctx, "t1", "m1", "operator request"))
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.Outbox().Get("m1")
		require.NoError(t, err)
		assert.Equal(t, model.OutboxFailed, m.Status)
		assert.Equal(t, "retracted: operator request", m.LastError)
		return nil
	}))

	// A terminal message cannot be retracted again.
	err = svc.Retract(ctx, "t1", "m1", "twice")
	require.ErrorIs(t, err, model.ErrConflict)
}
