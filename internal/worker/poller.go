package worker

import (
	"context"
	"time"

	"github.com/1benisin/brickops-sub002/internal/catalog"
	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

// Poller is the webhook fallback: on a fixed cadence it walks each tenant's
// inventory and schedules refreshes for reference rows that went stale while
// no push notification arrived.
type Poller struct {
	st  store.Store
	cat *catalog.Service
	log *logger.Logger

	Period   time.Duration
	PageSize int
}

// NewPoller builds the poller with the 3-minute default cadence.
func NewPoller(st store.Store, cat *catalog.Service, log *logger.Logger) *Poller {
	return &Poller{
		st:       st,
		cat:      cat,
		log:      log,
		Period:   3 * time.Minute,
		PageSize: store.MaxPageSize,
	}
}

// Run loops until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.log.Error("poll cycle failed", "error", err)
			}
		}
	}
}

// PollOnce scans every tenant's most recent inventory page and enqueues
// refreshes for stale parts and colors. CheckAndEnqueue dedupes, so repeated
// cycles over the same stock are cheap.
func (p *Poller) PollOnce(ctx context.Context) error {
	var tenants []string
	err := p.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		tenants, err = tx.Credentials().Tenants()
		return err
	})
	if err != nil {
		return err
	}

	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.pollTenant(ctx, tenant); err != nil {
			p.log.Error("tenant poll failed", "tenant", tenant, "error", err)
		}
	}
	return nil
}

type refKey struct {
	part  string
	color string
}

func (p *Poller) pollTenant(ctx context.Context, tenantID string) error {
	hints := make(map[refKey]struct {
		partHint  *time.Time
		colorHint *time.Time
	})
	err := p.st.WithTx(ctx, func(tx store.Tx) error {
		items, _, err := tx.Items().List(tenantID, store.QuerySpec{PageSize: p.PageSize})
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.IsArchived {
				continue
			}
			key := refKey{part: item.PartNumber, color: item.ColorID}
			if _, seen := hints[key]; seen {
				continue
			}
			var h struct {
				partHint  *time.Time
				colorHint *time.Time
			}
			if part, err := tx.Catalog().GetPart(key.part); err == nil {
				t := part.LastFetchedAt
				h.partHint = &t
			}
			if color, err := tx.Catalog().GetColor(key.color); err == nil {
				t := color.LastFetchedAt
				h.colorHint = &t
			}
			hints[key] = h
		}
		return nil
	})
	if err != nil {
		return err
	}

	for key, h := range hints {
		if _, err := p.cat.CheckAndEnqueue(ctx, model.TablePart, key.part, "", h.partHint, 0); err != nil {
			return err
		}
		if _, err := p.cat.CheckAndEnqueue(ctx, model.TableColor, key.color, "", h.colorHint, 0); err != nil {
			return err
		}
	}
	return nil
}
