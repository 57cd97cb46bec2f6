package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1benisin/brickops-sub002/internal/model"
)

func seedMessage(t *testing.T, st *Mem, id string, toSeq int64, status model.OutboxStatus, at time.Time) *model.OutboxMessage {
	t.Helper()
	msg := &model.OutboxMessage{
		MessageID:        id,
		TenantID:         "t1",
		ItemID:           "item-1",
		Provider:         model.ProviderBrickLink,
		Kind:             model.OutboxUpdate,
		FromSeqExclusive: toSeq - 1,
		ToSeqInclusive:   toSeq,
		IdempotencyKey:   model.IdempotencyKey("item-1", model.ProviderBrickLink, toSeq-1, toSeq),
		Status:           status,
		NextAttemptAt:    at,
		CreatedAt:        at,
	}
	require.NoError(t, st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Insert(msg)
	}))
	return msg
}

func TestOutboxLeaseCAS(t *testing.T) {
	st := NewMem()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := seedMessage(t, st, "m1", 1, model.OutboxPending, now)

	// Wrong observed attempt loses the CAS.
	err := st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Lease(msg.MessageID, 3)
	})
	require.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Lease(msg.MessageID, 0)
	}))

	// A second lease on the now-inflight row loses too.
	err = st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Lease(msg.MessageID, 0)
	})
	require.ErrorIs(t, err, model.ErrConflict)
}

func TestOutboxSingleInflightPerPair(t *testing.T) {
	st := NewMem()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m1 := seedMessage(t, st, "m1", 1, model.OutboxPending, now)
	m2 := seedMessage(t, st, "m2", 2, model.OutboxPending, now.Add(time.Second))

	require.NoError(t, st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Lease(m1.MessageID, 0)
	}))

	err := st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Lease(m2.MessageID, 0)
	})
	require.ErrorIs(t, err, model.ErrConflict)
}

func TestOutboxFIFOPerPair(t *testing.T) {
	st := NewMem()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m1 := seedMessage(t, st, "m1", 1, model.OutboxPending, now)
	m2 := seedMessage(t, st, "m2", 2, model.OutboxPending, now)

	// The later window may not jump the earlier one even with nothing inflight.
	err := st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Lease(m2.MessageID, 0)
	})
	require.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Lease(m1.MessageID, 0)
	}))
	m1.Status = model.OutboxSucceeded
	require.NoError(t, st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Update(m1)
	}))

	require.NoError(t, st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Lease(m2.MessageID, 0)
	}))
}

func TestOutboxDuplicateIdempotencyKeyRejected(t *testing.T) {
	st := NewMem()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedMessage(t, st, "m1", 1, model.OutboxPending, now)

	err := st.WithTx(context.Background(), func(tx Tx) error {
		return tx.Outbox().Insert(&model.OutboxMessage{
			MessageID:      "m-dup",
			ItemID:         "item-1",
			Provider:       model.ProviderBrickLink,
			IdempotencyKey: model.IdempotencyKey("item-1", model.ProviderBrickLink, 0, 1),
			Status:         model.OutboxPending,
		})
	})
	require.ErrorIs(t, err, model.ErrConflict)
}

func TestTxRollbackOnError(t *testing.T) {
	st := NewMem()
	item := &model.InventoryItem{ItemID: "i1", TenantID: "t1", PartNumber: "3001", ColorID: "5"}

	err := st.WithTx(context.Background(), func(tx Tx) error {
		if err := tx.Items().Insert(item); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	err = st.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.Items().Get("t1", "i1")
		return err
	})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestItemListFilterSortCursor(t *testing.T) {
	st := NewMem()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		for i := 0; i < 5; i++ {
			loc := "bin-a"
			if i >= 3 {
				loc = "bin-b"
			}
			if err := tx.Items().Insert(&model.InventoryItem{
				ItemID:            fmt.Sprintf("item-%d", i),
				TenantID:          "t1",
				PartNumber:        "3001",
				ColorID:           "5",
				Location:          loc,
				Condition:         model.ConditionNew,
				QuantityAvailable: int64(i * 10),
				CreatedAt:         now,
			}); err != nil {
				return err
			}
		}
		return tx.Items().Insert(&model.InventoryItem{
			ItemID: "other", TenantID: "t2", PartNumber: "3001", ColorID: "5", CreatedAt: now,
		})
	}))

	spec := QuerySpec{
		Filters:  map[string]Filter{"location": {Kind: "prefix", Prefix: "bin-a"}},
		Sort:     []SortKey{{Field: "item_id"}},
		PageSize: 2,
	}
	var page []*model.InventoryItem
	var next string
	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		var err error
		page, next, err = tx.Items().List("t1", spec)
		return err
	}))
	require.Len(t, page, 2)
	assert.Equal(t, "item-0", page[0].ItemID)
	assert.Equal(t, "item-1", page[1].ItemID)
	require.NotEmpty(t, next)

	spec.Cursor = next
	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		var err error
		page, next, err = tx.Items().List("t1", spec)
		return err
	}))
	require.Len(t, page, 1)
	assert.Equal(t, "item-2", page[0].ItemID)
	assert.Empty(t, next)

	// Range filter on quantity.
	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		rows, _, err := tx.Items().List("t1", QuerySpec{
			Filters: map[string]Filter{"quantity_available": {Kind: "range", Min: int64(20), Max: int64(40)}},
		})
		require.NoError(t, err)
		assert.Len(t, rows, 3)
		return nil
	}))

	// Unknown filter field is a validation error.
	err := st.WithTx(ctx, func(tx Tx) error {
		_, _, err := tx.Items().List("t1", QuerySpec{
			Filters: map[string]Filter{"nope": {Kind: "eq", Value: "x"}},
		})
		return err
	})
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestWebhookRecordDedup(t *testing.T) {
	st := NewMem()
	ctx := context.Background()
	e := &model.WebhookEvent{
		TenantID:   "t1",
		Provider:   model.ProviderBrickOwl,
		EventType:  "part_updated",
		ResourceID: "3001",
		Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ReceivedAt: time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	var fresh bool
	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		var err error
		fresh, err = tx.Webhooks().Record(e)
		return err
	}))
	assert.True(t, fresh)

	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		var err error
		fresh, err = tx.Webhooks().Record(e)
		return err
	}))
	assert.False(t, fresh)
}
