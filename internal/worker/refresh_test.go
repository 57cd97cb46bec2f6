package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1benisin/brickops-sub002/internal/catalog"
	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/outbox"
	"github.com/1benisin/brickops-sub002/internal/provider"
	"github.com/1benisin/brickops-sub002/internal/ratelimit"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

type refreshFixture struct {
	st      store.Store
	clk     *clock.Fake
	cat     *catalog.Service
	refresh *Refresh
	fakes   map[model.Provider]*provider.Fake
}

func newRefreshFixture(t *testing.T) *refreshFixture {
	t.Helper()
	st := store.NewMem()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cat := catalog.New(st, nil, clk, 0)

	fakes := map[model.Provider]*provider.Fake{
		model.ProviderBrickLink: provider.NewFake(model.ProviderBrickLink),
		model.ProviderBrickOwl:  provider.NewFake(model.ProviderBrickOwl),
	}
	adapters := map[model.Provider]provider.Adapter{
		model.ProviderBrickLink: fakes[model.ProviderBrickLink],
		model.ProviderBrickOwl:  fakes[model.ProviderBrickOwl],
	}
	limiter := ratelimit.New(st, clk, map[model.Provider]ratelimit.ProviderLimits{
		model.ProviderBrickLink: {Capacity: 1000, Window: time.Minute},
		model.ProviderBrickOwl:  {Capacity: 1000, Window: time.Minute},
	})
	policy := outbox.Policy{MaxAttempts: 5, BackoffBase: time.Second, BackoffCap: 5 * time.Minute}

	return &refreshFixture{
		st:      st,
		clk:     clk,
		cat:     cat,
		refresh: NewRefresh(st, cat, limiter, adapters, policy, clk, logger.NewNop()),
		fakes:   fakes,
	}
}

func (f *refreshFixture) activeMessage(t *testing.T, table model.CatalogTable, primary, secondary string) *model.CatalogRefreshMessage {
	t.Helper()
	var msg *model.CatalogRefreshMessage
	require.NoError(t, f.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		msg, err = tx.CatalogOutbox().FindActive(table, primary, secondary)
		return err
	}))
	return msg
}

func TestRefreshStoresFetchedPart(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()

	f.fakes[model.ProviderBrickLink].References["part|3001|"] = &provider.Reference{
		Part: &model.Part{PartNumber: "3001", Name: "Brick 2 x 4", CategoryID: "5"},
	}
	_, err := f.cat.CheckAndEnqueue(ctx, model.TablePart, "3001", "", nil, 0)
	require.NoError(t, err)

	n, err := f.refresh.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.st.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.Catalog().GetPart("3001")
		require.NoError(t, err)
		assert.Equal(t, "Brick 2 x 4", p.Name)
		assert.Equal(t, f.clk.Now(), p.LastFetchedAt)
		return nil
	}))
	assert.Nil(t, f.activeMessage(t, model.TablePart, "3001", ""))
}

func TestRefreshColorMergesBothProviders(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()

	f.fakes[model.ProviderBrickLink].References["color|5|"] = &provider.Reference{
		Color: &model.Color{ColorID: "5", Name: "Red",
			ProviderIDs: map[model.Provider]string{model.ProviderBrickLink: "5"}},
	}
	f.fakes[model.ProviderBrickOwl].References["color|5|"] = &provider.Reference{
		Color: &model.Color{ColorID: "5", Name: "Red",
			ProviderIDs: map[model.Provider]string{model.ProviderBrickOwl: "38"}},
	}
	_, err := f.cat.CheckAndEnqueue(ctx, model.TableColor, "5", "", nil, 0)
	require.NoError(t, err)

	_, err = f.refresh.DrainOnce(ctx)
	require.NoError(t, err)

	require.NoError(t, f.st.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.Catalog().GetColor("5")
		require.NoError(t, err)
		assert.Equal(t, "5", c.ProviderIDs[model.ProviderBrickLink])
		assert.Equal(t, "38", c.ProviderIDs[model.ProviderBrickOwl])
		return nil
	}))
}

func TestRefreshColorToleratesMissingSecondary(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()

	// Only BrickLink knows the color; the BrickOwl fetch hits not_found,
	// which is terminal for that provider but must not sink the message.
	f.fakes[model.ProviderBrickLink].References["color|99|"] = &provider.Reference{
		Color: &model.Color{ColorID: "99", Name: "Odd",
			ProviderIDs: map[model.Provider]string{model.ProviderBrickLink: "99"}},
	}
	_, err := f.cat.CheckAndEnqueue(ctx, model.TableColor, "99", "", nil, 0)
	require.NoError(t, err)

	n, err := f.refresh.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.st.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.Catalog().GetColor("99")
		require.NoError(t, err)
		assert.Equal(t, "99", c.ProviderIDs[model.ProviderBrickLink])
		_, ok := c.ProviderIDs[model.ProviderBrickOwl]
		assert.False(t, ok)
		return nil
	}))
}

func TestRefreshUnknownPartFailsTerminally(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()

	_, err := f.cat.CheckAndEnqueue(ctx, model.TablePart, "bogus", "", nil, 0)
	require.NoError(t, err)

	_, err = f.refresh.DrainOnce(ctx)
	require.NoError(t, err)

	assert.Nil(t, f.activeMessage(t, model.TablePart, "bogus", ""))
	require.NoError(t, f.st.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.Catalog().GetPart("bogus")
		require.ErrorIs(t, err, model.ErrNotFound)
		return nil
	}))
}

func TestRefreshTransientRetries(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()

	f.fakes[model.ProviderBrickLink].References["part|3001|"] = &provider.Reference{
		Part: &model.Part{PartNumber: "3001", Name: "Brick 2 x 4"},
	}
	f.fakes[model.ProviderBrickLink].FailNext("fetch",
		&model.AdapterError{Outcome: model.OutcomeTransient, Detail: "upstream 502"})
	_, err := f.cat.CheckAndEnqueue(ctx, model.TablePart, "3001", "", nil, 0)
	require.NoError(t, err)

	n, err := f.refresh.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	msg := f.activeMessage(t, model.TablePart, "3001", "")
	require.NotNil(t, msg)
	assert.Equal(t, model.OutboxPending, msg.Status)
	assert.Equal(t, 1, msg.Attempt)
	assert.True(t, msg.NextAttemptAt.After(f.clk.Now()))

	f.clk.Advance(time.Minute)
	n, err = f.refresh.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRefreshHighPriorityDrainsFirst(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()

	f.fakes[model.ProviderBrickLink].References["part|low|"] = &provider.Reference{
		Part: &model.Part{PartNumber: "low"},
	}
	f.fakes[model.ProviderBrickLink].References["part|high|"] = &provider.Reference{
		Part: &model.Part{PartNumber: "high"},
	}
	_, err := f.cat.CheckAndEnqueue(ctx, model.TablePart, "low", "", nil, model.PriorityLow)
	require.NoError(t, err)
	_, err = f.cat.CheckAndEnqueue(ctx, model.TablePart, "high", "", nil, model.PriorityHigh)
	require.NoError(t, err)

	f.refresh.BatchSize = 1
	_, err = f.refresh.DrainOnce(ctx)
	require.NoError(t, err)

	require.NoError(t, f.st.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.Catalog().GetPart("high")
		require.NoError(t, err)
		_, err = tx.Catalog().GetPart("low")
		require.ErrorIs(t, err, model.ErrNotFound)
		return nil
	}))
}

func TestRefreshPokeIsNonBlocking(t *testing.T) {
	f := newRefreshFixture(t)
	// The second and third pokes coalesce into the buffered slot.
	f.refresh.Poke()
	f.refresh.Poke()
	f.refresh.Poke()
	select {
	case <-f.refresh.poke:
	default:
		t.Fatal("expected a buffered poke")
	}
}
