// Package catalog owns the shared reference catalog (parts, colors,
// categories, part-color pairs, price guides) and its staleness-driven
// refresh outbox.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/1benisin/brickops-sub002/internal/cache"
	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
)

// DefaultStaleThreshold is how old a reference row may get before a refresh
// is scheduled.
const DefaultStaleThreshold = 30 * 24 * time.Hour

// Service schedules refreshes and serves reference reads through the cache.
type Service struct {
	st             store.Store
	cache          *cache.Cache
	clk            clock.Clock
	staleThreshold time.Duration
}

// New builds the catalog service. staleThreshold <= 0 selects the default.
func New(st store.Store, c *cache.Cache, clk clock.Clock, staleThreshold time.Duration) *Service {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Service{st: st, cache: c, clk: clk, staleThreshold: staleThreshold}
}

// defaultPriority assigns categories the low lane; everything else medium.
func defaultPriority(table model.CatalogTable) model.RefreshPriority {
	if table == model.TableCategory {
		return model.PriorityLow
	}
	return model.PriorityMedium
}

// CheckAndEnqueue schedules a refresh when the hint is absent or stale,
// unless a non-terminal row for the same key triple already exists. Priority
// zero selects the table default.
func (s *Service) CheckAndEnqueue(ctx context.Context, table model.CatalogTable, primary, secondary string, lastFetchedHint *time.Time, priority model.RefreshPriority) (bool, error) {
	if !table.Valid() {
		return false, fmt.Errorf("reference table %q: %w", table, model.ErrValidation)
	}
	now := s.clk.Now()
	if lastFetchedHint != nil && now.Sub(*lastFetchedHint) < s.staleThreshold {
		return false, nil
	}
	if priority == 0 {
		priority = defaultPriority(table)
	}

	enqueued := false
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		active, err := tx.CatalogOutbox().FindActive(table, primary, secondary)
		if err != nil {
			return err
		}
		if active != nil {
			// Bump priority when a hotter request arrives for the same key.
			if priority < active.Priority && active.Status == model.OutboxPending {
				active.Priority = priority
				return tx.CatalogOutbox().Update(active)
			}
			return nil
		}
		enqueued = true
		return tx.CatalogOutbox().Insert(&model.CatalogRefreshMessage{
			MessageID:     clock.NewID(),
			TableName:     table,
			PrimaryKey:    primary,
			SecondaryKey:  secondary,
			Priority:      priority,
			Status:        model.OutboxPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	})
	return enqueued, err
}

// ProviderColorID resolves a catalog color to the marketplace's own ID,
// read-through cached. An absent translation classifies as
// missing_external_mapping so operators can tell it apart from free-text
// upstream failures.
func (s *Service) ProviderColorID(ctx context.Context, p model.Provider, colorID string) (string, error) {
	cacheKey := "color:" + colorID
	var color model.Color
	if !s.cache.Get(ctx, cacheKey, &color) {
		err := s.st.WithTx(ctx, func(tx store.Tx) error {
			c, err := tx.Catalog().GetColor(colorID)
			if err != nil {
				return err
			}
			color = *c
			return nil
		})
		if err != nil {
			return "", &model.AdapterError{
				Outcome: model.OutcomeMissingMapping,
				Detail:  fmt.Sprintf("color %s not in reference catalog", colorID),
			}
		}
		s.cache.Set(ctx, cacheKey, &color)
	}
	id, ok := color.ProviderIDs[p]
	if !ok || id == "" {
		return "", &model.AdapterError{
			Outcome: model.OutcomeMissingMapping,
			Detail:  fmt.Sprintf("%s color ID not available for color %s", p, colorID),
		}
	}
	return id, nil
}

// Store applies a fetched reference entity inside tx and stamps
// lastFetchedAt, then invalidates the affected cache keys.
func (s *Service) Store(ctx context.Context, tx store.Tx, table model.CatalogTable, ref refUpserter) error {
	return ref.upsert(ctx, s, tx)
}

// refUpserter lets the worker hand any fetched entity back to the catalog.
type refUpserter interface {
	upsert(ctx context.Context, s *Service, tx store.Tx) error
}

// FetchedPart wraps a part for storage.
type FetchedPart struct{ Part *model.Part }

func (f FetchedPart) upsert(ctx context.Context, s *Service, tx store.Tx) error {
	f.Part.LastFetchedAt = s.clk.Now()
	return tx.Catalog().UpsertPart(f.Part)
}

// FetchedColor wraps a color for storage; merges provider IDs already known.
type FetchedColor struct{ Color *model.Color }

func (f FetchedColor) upsert(ctx context.Context, s *Service, tx store.Tx) error {
	existing, err := tx.Catalog().GetColor(f.Color.ColorID)
	if err == nil {
		for p, id := range existing.ProviderIDs {
			if _, ok := f.Color.ProviderIDs[p]; !ok {
				if f.Color.ProviderIDs == nil {
					f.Color.ProviderIDs = make(map[model.Provider]string)
				}
				f.Color.ProviderIDs[p] = id
			}
		}
	}
	f.Color.LastFetchedAt = s.clk.Now()
	if err := tx.Catalog().UpsertColor(f.Color); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, "color:"+f.Color.ColorID)
	return nil
}

// FetchedCategory wraps a category for storage.
type FetchedCategory struct{ Category *model.Category }

func (f FetchedCategory) upsert(ctx context.Context, s *Service, tx store.Tx) error {
	f.Category.LastFetchedAt = s.clk.Now()
	return tx.Catalog().UpsertCategory(f.Category)
}

// FetchedPartColor wraps a part-color pair for storage.
type FetchedPartColor struct{ PartColor *model.PartColor }

func (f FetchedPartColor) upsert(ctx context.Context, s *Service, tx store.Tx) error {
	f.PartColor.LastFetchedAt = s.clk.Now()
	return tx.Catalog().UpsertPartColor(f.PartColor)
}

// FetchedPrices wraps the price-guide variants for storage.
type FetchedPrices struct{ Prices []*model.PartPrice }

func (f FetchedPrices) upsert(ctx context.Context, s *Service, tx store.Tx) error {
	now := s.clk.Now()
	for _, p := range f.Prices {
		p.LastFetchedAt = now
		if err := tx.Catalog().UpsertPartPrice(p); err != nil {
			return err
		}
	}
	return nil
}
