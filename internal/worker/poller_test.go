package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1benisin/brickops-sub002/internal/catalog"
	"github.com/1benisin/brickops-sub002/internal/edit"
	"github.com/1benisin/brickops-sub002/internal/ledger"
	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

func TestPollerEnqueuesStaleAndMissingReferences(t *testing.T) {
	st := store.NewMem()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cat := catalog.New(st, nil, clk, 0)
	edits := edit.New(st, ledger.New(clk), clk, edit.AllowAll{}, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		return tx.Credentials().Put(&model.TenantCredentials{
			TenantID: "t1", Provider: model.ProviderBrickLink, Enabled: true, Secret: []byte("s"),
		})
	}))

	// Part 3001 is fresh in the catalog, its color is missing entirely.
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		return tx.Catalog().UpsertPart(&model.Part{
			PartNumber: "3001", Name: "Brick 2 x 4", LastFetchedAt: clk.Now().Add(-time.Hour),
		})
	}))

	_, err := edits.Apply(ctx, "t1", "alice", edit.CreateIntent{
		PartNumber: "3001", ColorID: "5", Condition: model.ConditionNew, QuantityAvailable: 1,
	}, "")
	require.NoError(t, err)

	p := NewPoller(st, cat, logger.NewNop())
	require.NoError(t, p.PollOnce(ctx))

	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		partMsg, err := tx.CatalogOutbox().FindActive(model.TablePart, "3001", "")
		require.NoError(t, err)
		assert.Nil(t, partMsg, "fresh part must not be re-enqueued")

		colorMsg, err := tx.CatalogOutbox().FindActive(model.TableColor, "5", "")
		require.NoError(t, err)
		require.NotNil(t, colorMsg)
		assert.Equal(t, model.PriorityMedium, colorMsg.Priority)
		return nil
	}))

	// A second cycle coalesces into the already-active message.
	require.NoError(t, p.PollOnce(ctx))
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		rows, err := tx.CatalogOutbox().Due(clk.Now().Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
		return nil
	}))
}

func TestPollerSkipsArchivedItems(t *testing.T) {
	st := store.NewMem()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cat := catalog.New(st, nil, clk, 0)
	edits := edit.New(st, ledger.New(clk), clk, edit.AllowAll{}, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		return tx.Credentials().Put(&model.TenantCredentials{
			TenantID: "t1", Provider: model.ProviderBrickLink, Enabled: true, Secret: []byte("s"),
		})
	}))
	res, err := edits.Apply(ctx, "t1", "alice", edit.CreateIntent{
		PartNumber: "3001", ColorID: "5", Condition: model.ConditionNew, QuantityAvailable: 1,
	}, "")
	require.NoError(t, err)
	_, err = edits.Apply(ctx, "t1", "alice", edit.DeleteIntent{ItemID: res.ItemID}, "")
	require.NoError(t, err)

	p := NewPoller(st, cat, logger.NewNop())
	require.NoError(t, p.PollOnce(ctx))

	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		msg, err := tx.CatalogOutbox().FindActive(model.TablePart, "3001", "")
		require.NoError(t, err)
		assert.Nil(t, msg)
		return nil
	}))
}
