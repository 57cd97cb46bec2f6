package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/1benisin/brickops-sub002/internal/catalog"
	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/outbox"
	"github.com/1benisin/brickops-sub002/internal/provider"
	"github.com/1benisin/brickops-sub002/internal/ratelimit"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

// catalogTenant is the reserved bucket key for catalog refresh traffic, so
// reference fetches share a budget instead of borrowing from tenants.
const catalogTenant = "_catalog"

var refreshOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "syncd_catalog_refresh_total",
		Help: "Catalog refresh messages drained by outcome",
	},
	[]string{"table", "outcome"},
)

// Refresh drains the catalog refresh outbox: it fetches stale reference
// entities from the marketplaces and upserts them into the shared catalog.
type Refresh struct {
	st       store.Store
	cat      *catalog.Service
	limiter  *ratelimit.Limiter
	adapters map[model.Provider]provider.Adapter
	policy   outbox.Policy
	clk      clock.Clock
	log      *logger.Logger

	Period    time.Duration
	BatchSize int

	poke chan struct{}
}

// NewRefresh builds the refresh worker.
func NewRefresh(st store.Store, cat *catalog.Service, limiter *ratelimit.Limiter, adapters map[model.Provider]provider.Adapter, policy outbox.Policy, clk clock.Clock, log *logger.Logger) *Refresh {
	return &Refresh{
		st:        st,
		cat:       cat,
		limiter:   limiter,
		adapters:  adapters,
		policy:    policy,
		clk:       clk,
		log:       log,
		Period:    5 * time.Minute,
		BatchSize: 10,
		poke:      make(chan struct{}, 1),
	}
}

// Poke asks for an immediate drain cycle. Used by the webhook receiver after
// it enqueues a high-priority refresh. Non-blocking.
func (r *Refresh) Poke() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled.
func (r *Refresh) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.poke:
		}
		if _, err := r.DrainOnce(ctx); err != nil {
			r.log.Error("catalog refresh cycle failed", "error", err)
		}
	}
}

// DrainOnce processes one ordered batch of due refresh messages and reports
// how many reached a terminal status; rescheduled or throttled messages do
// not count.
func (r *Refresh) DrainOnce(ctx context.Context) (int, error) {
	var due []*model.CatalogRefreshMessage
	err := r.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		due, err = tx.CatalogOutbox().Due(r.clk.Now(), r.BatchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, msg := range due {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		terminal, err := r.refreshOne(ctx, msg)
		if err != nil {
			r.log.Error("catalog refresh failed",
				"message", msg.MessageID, "table", msg.TableName, "key", msg.PrimaryKey, "error", err)
			continue
		}
		if terminal {
			handled++
		}
	}
	return handled, nil
}

func (r *Refresh) refreshOne(ctx context.Context, msg *model.CatalogRefreshMessage) (bool, error) {
	err := r.st.WithTx(ctx, func(tx store.Tx) error {
		return tx.CatalogOutbox().Lease(msg.MessageID, msg.Attempt)
	})
	if err != nil {
		return false, err
	}
	msg.Status = model.OutboxInflight

	// BrickLink is the catalog of record; colors additionally merge the
	// BrickOwl translation so both adapters can resolve them.
	providers := []model.Provider{model.ProviderBrickLink}
	if msg.TableName == model.TableColor {
		providers = append(providers, model.ProviderBrickOwl)
	}

	var fetched []*provider.Reference
	for _, p := range providers {
		adapter, ok := r.adapters[p]
		if !ok {
			continue
		}
		decision, err := r.limiter.TryAcquire(ctx, catalogTenant, p)
		if err != nil {
			return false, err
		}
		if !decision.Granted {
			refreshOutcomes.WithLabelValues(string(msg.TableName), "throttled").Inc()
			return false, r.rescheduleRefresh(ctx, msg, decision.RetryAfter, "")
		}

		callCtx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
		ref, callErr := adapter.FetchReference(callCtx, msg.TableName, msg.PrimaryKey, msg.SecondaryKey)
		cancel()
		outcome := model.Classify(callErr)
		refreshOutcomes.WithLabelValues(string(msg.TableName), string(outcome)).Inc()
		if err := r.limiter.Report(ctx, catalogTenant, p, outcome); err != nil {
			r.log.Error("limiter report failed", "error", err)
		}
		switch {
		case outcome == model.OutcomeOK:
			fetched = append(fetched, ref)
		case outcome == model.OutcomeNotFound || outcome.Permanent():
			// An entity the marketplace does not know will not appear by
			// retrying. A secondary translation miss is tolerable when the
			// primary fetch already landed.
			if len(fetched) > 0 {
				continue
			}
			return true, r.finishRefreshPermanent(ctx, msg, callErr.Error())
		default:
			msg.Attempt++
			if msg.Attempt >= r.policy.MaxAttempts {
				return true, r.finishRefreshPermanent(ctx, msg, "attempts exhausted: "+callErr.Error())
			}
			return false, r.rescheduleRefresh(ctx, msg, r.policy.Backoff(msg.Attempt), callErr.Error())
		}
	}
	if len(fetched) == 0 {
		return true, r.finishRefreshPermanent(ctx, msg, "no adapter available for refresh")
	}

	return true, r.st.WithTx(ctx, func(tx store.Tx) error {
		for _, ref := range fetched {
			if err := r.storeReference(ctx, tx, msg.TableName, ref); err != nil {
				return err
			}
		}
		msg.Status = model.OutboxSucceeded
		msg.LastError = ""
		return tx.CatalogOutbox().Update(msg)
	})
}

func (r *Refresh) storeReference(ctx context.Context, tx store.Tx, table model.CatalogTable, ref *provider.Reference) error {
	switch table {
	case model.TablePart:
		return r.cat.Store(ctx, tx, table, catalog.FetchedPart{Part: ref.Part})
	case model.TableColor:
		return r.cat.Store(ctx, tx, table, catalog.FetchedColor{Color: ref.Color})
	case model.TableCategory:
		return r.cat.Store(ctx, tx, table, catalog.FetchedCategory{Category: ref.Category})
	case model.TablePartColor:
		return r.cat.Store(ctx, tx, table, catalog.FetchedPartColor{PartColor: ref.PartColor})
	case model.TablePriceGuide:
		return r.cat.Store(ctx, tx, table, catalog.FetchedPrices{Prices: ref.Prices})
	}
	return &model.AdapterError{Outcome: model.OutcomePermanent, Detail: "unknown reference table " + string(table)}
}

func (r *Refresh) finishRefreshPermanent(ctx context.Context, msg *model.CatalogRefreshMessage, detail string) error {
	return r.st.WithTx(ctx, func(tx store.Tx) error {
		msg.Status = model.OutboxFailed
		msg.LastError = detail
		return tx.CatalogOutbox().Update(msg)
	})
}

func (r *Refresh) rescheduleRefresh(ctx context.Context, msg *model.CatalogRefreshMessage, wait time.Duration, detail string) error {
	return r.st.WithTx(ctx, func(tx store.Tx) error {
		msg.Status = model.OutboxPending
		msg.NextAttemptAt = r.clk.Now().Add(wait + clock.Jitter(r.policy.RetryJitterMax))
		if detail != "" {
			msg.LastError = detail
		}
		return tx.CatalogOutbox().Update(msg)
	})
}
