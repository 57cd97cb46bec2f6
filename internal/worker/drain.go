// Package worker runs the background loops: the marketplace outbox drain,
// the catalog refresh drain, the terminal-row janitor, and the webhook
// polling fallback.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/1benisin/brickops-sub002/internal/ledger"
	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/outbox"
	"github.com/1benisin/brickops-sub002/internal/provider"
	"github.com/1benisin/brickops-sub002/internal/ratelimit"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

var (
	drainOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_outbox_drain_total",
			Help: "Outbox messages drained by outcome",
		},
		[]string{"provider", "outcome"},
	)

	drainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncd_outbox_drain_seconds",
		Help:    "Duration of one outbox drain cycle",
		Buckets: prometheus.DefBuckets,
	})
)

// Drain polls the marketplace outbox and pushes due windows to the adapters.
type Drain struct {
	st       store.Store
	limiter  *ratelimit.Limiter
	adapters map[model.Provider]provider.Adapter
	policy   outbox.Policy
	clk      clock.Clock
	log      *logger.Logger

	Period    time.Duration
	BatchSize int
}

// NewDrain builds the drain worker.
func NewDrain(st store.Store, limiter *ratelimit.Limiter, adapters map[model.Provider]provider.Adapter, policy outbox.Policy, clk clock.Clock, log *logger.Logger) *Drain {
	return &Drain{
		st:        st,
		limiter:   limiter,
		adapters:  adapters,
		policy:    policy,
		clk:       clk,
		log:       log,
		Period:    30 * time.Second,
		BatchSize: 100,
	}
}

// Run loops until ctx is cancelled.
func (d *Drain) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.log.Error("drain cycle failed", "error", err)
			}
		}
	}
}

// DrainOnce processes one batch of due messages and reports how many reached
// a terminal status; rescheduled or throttled messages do not count. Exported
// so tests and the webhook path can drive cycles directly.
func (d *Drain) DrainOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { drainDuration.Observe(time.Since(start).Seconds()) }()

	var due []*model.OutboxMessage
	err := d.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		due, err = tx.Outbox().Due(d.clk.Now(), d.BatchSize)
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
		terminal, err := d.drainMessage(ctx, msg)
		if err != nil {
			if errors.Is(err, model.ErrConflict) {
				// Another worker owns the pair, or an earlier window must
				// drain first. Leave the row for the next cycle.
				continue
			}
			d.log.Error("drain message failed",
				"message", msg.MessageID, "item", msg.ItemID, "provider", msg.Provider, "error", err)
			continue
		}
		if terminal {
			handled++
		}
	}
	return handled, nil
}

// drainMessage runs the full state machine for one message: lease, effective
// operation, token acquire, adapter call, and the closing transaction. The
// adapter call never happens inside a transaction. The bool reports whether
// the message reached a terminal status.
func (d *Drain) drainMessage(ctx context.Context, msg *model.OutboxMessage) (bool, error) {
	adapter, ok := d.adapters[msg.Provider]
	if !ok {
		return true, d.finishPermanent(ctx, msg, "no adapter configured for "+string(msg.Provider))
	}

	// Lease transaction: CAS pending→inflight, snapshot the item and the
	// window delta, and mark the provider syncing.
	var (
		item  *model.InventoryItem
		delta int64
	)
	err := d.st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Outbox().Lease(msg.MessageID, msg.Attempt); err != nil {
			return err
		}
		var err error
		delta, err = ledger.ComputeDeltaWindow(tx, msg.ItemID, msg.FromSeqExclusive, msg.ToSeqInclusive)
		if err != nil {
			return err
		}
		item, err = tx.Items().Get(msg.TenantID, msg.ItemID)
		if err != nil {
			return err
		}
		st := item.SyncState(msg.Provider)
		st.Status = model.SyncSyncing
		st.LastSyncAttemptAt = d.clk.Now()
		return tx.Items().Update(item)
	})
	if err != nil {
		return false, err
	}
	msg.Status = model.OutboxInflight

	st := item.SyncState(msg.Provider)
	kind := effectiveKind(msg.Kind, st.ExternalLotID)

	// Delete of a lot that never reached the marketplace: done already.
	if kind == model.OutboxDelete && st.ExternalLotID == "" {
		return true, d.finishSuccess(ctx, msg, "")
	}

	// Standalone token acquisition; no lease or transaction is held across
	// it beyond the inflight row, which the reschedule below releases.
	decision, err := d.limiter.TryAcquire(ctx, msg.TenantID, msg.Provider)
	if err != nil {
		return false, err
	}
	if !decision.Granted {
		drainOutcomes.WithLabelValues(string(msg.Provider), "throttled").Inc()
		return false, d.reschedule(ctx, msg, decision.RetryAfter, false, "")
	}

	result, callErr := d.invoke(ctx, adapter, msg, item, st, kind, delta)
	outcome := model.Classify(callErr)
	drainOutcomes.WithLabelValues(string(msg.Provider), string(outcome)).Inc()
	if err := d.limiter.Report(ctx, msg.TenantID, msg.Provider, outcome); err != nil {
		d.log.Error("limiter report failed", "error", err)
	}

	switch {
	case outcome == model.OutcomeOK:
		externalID := ""
		if result != nil {
			externalID = result.ExternalLotID
		}
		return true, d.finishSuccess(ctx, msg, externalID)
	case outcome == model.OutcomeNotFound && kind == model.OutboxDelete:
		// Already gone upstream counts as deleted.
		return true, d.finishSuccess(ctx, msg, "")
	case outcome == model.OutcomeNotFound:
		// The mirrored lot vanished upstream. Forget it so the retry
		// re-creates instead of updating a ghost.
		msg.Attempt++
		if msg.Attempt >= d.policy.MaxAttempts {
			return true, d.finishPermanent(ctx, msg, "attempts exhausted: "+callErr.Error())
		}
		if err := d.forgetExternalLot(ctx, msg); err != nil {
			return false, err
		}
		return false, d.reschedule(ctx, msg, d.policy.Backoff(msg.Attempt), true, callErr.Error())
	case outcome.Permanent():
		return true, d.finishPermanent(ctx, msg, callErr.Error())
	default:
		msg.Attempt++
		if msg.Attempt >= d.policy.MaxAttempts {
			return true, d.finishPermanent(ctx, msg, "attempts exhausted: "+callErr.Error())
		}
		return false, d.reschedule(ctx, msg, d.policy.Backoff(msg.Attempt), true, callErr.Error())
	}
}

// effectiveKind reconciles the stored kind with reality: a create for an
// already-mirrored lot downgrades to update, an update for an unmirrored lot
// upgrades to create.
func effectiveKind(kind model.OutboxKind, externalLotID string) model.OutboxKind {
	switch kind {
	case model.OutboxCreate:
		if externalLotID != "" {
			return model.OutboxUpdate
		}
	case model.OutboxUpdate:
		if externalLotID == "" {
			return model.OutboxCreate
		}
	}
	return kind
}

func (d *Drain) invoke(ctx context.Context, adapter provider.Adapter, msg *model.OutboxMessage, item *model.InventoryItem, st *model.ProviderSyncState, kind model.OutboxKind, delta int64) (*provider.CreateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
	defer cancel()

	switch kind {
	case model.OutboxCreate:
		// The created quantity is the ledger state at the window end, not
		// the live row, so a crash-retry pushes the same number.
		var qty int64
		err := d.st.WithTx(ctx, func(tx store.Tx) error {
			entry, err := ledger.EntryAt(tx, msg.ItemID, msg.ToSeqInclusive)
			if err != nil {
				return err
			}
			qty = entry.PostAvailable
			return nil
		})
		if err != nil {
			return nil, err
		}
		return adapter.CreateLot(callCtx, msg.TenantID, provider.LotPayload{
			PartNumber: item.PartNumber,
			ColorID:    item.ColorID,
			Condition:  item.Condition,
			Quantity:   qty,
			Price:      item.Price,
			Notes:      item.Notes,
		}, msg.IdempotencyKey)
	case model.OutboxUpdate:
		return nil, adapter.UpdateLot(callCtx, msg.TenantID, st.ExternalLotID, provider.UpdateDelta{Delta: delta}, msg.IdempotencyKey)
	case model.OutboxDelete:
		return nil, adapter.DeleteLot(callCtx, msg.TenantID, st.ExternalLotID, msg.IdempotencyKey)
	}
	return nil, &model.AdapterError{Outcome: model.OutcomePermanent, Detail: "unknown operation " + string(kind)}
}

// finishSuccess closes the message and advances the provider cursor in one
// transaction. The cursor is re-read and only ever moves forward.
func (d *Drain) finishSuccess(ctx context.Context, msg *model.OutboxMessage, externalLotID string) error {
	return d.st.WithTx(ctx, func(tx store.Tx) error {
		msg.Status = model.OutboxSucceeded
		msg.LastError = ""
		if err := tx.Outbox().Update(msg); err != nil {
			return err
		}
		item, err := tx.Items().Get(msg.TenantID, msg.ItemID)
		if err != nil {
			return err
		}
		st := item.SyncState(msg.Provider)
		if externalLotID != "" {
			st.ExternalLotID = externalLotID
		}
		if msg.ToSeqInclusive > st.LastSyncedSeq {
			st.LastSyncedSeq = msg.ToSeqInclusive
			if msg.ToSeqInclusive > 0 {
				entry, err := ledger.EntryAt(tx, msg.ItemID, msg.ToSeqInclusive)
				if err != nil {
					return err
				}
				st.LastSyncedAvailable = entry.PostAvailable
			}
		}
		st.Status = model.SyncSynced
		st.LastError = ""
		return tx.Items().Update(item)
	})
}

// finishPermanent fails the message terminally and flags the provider state
// for human intervention. The cursor does not move.
func (d *Drain) finishPermanent(ctx context.Context, msg *model.OutboxMessage, detail string) error {
	return d.st.WithTx(ctx, func(tx store.Tx) error {
		msg.Status = model.OutboxFailed
		msg.LastError = detail
		if err := tx.Outbox().Update(msg); err != nil {
			return err
		}
		item, err := tx.Items().Get(msg.TenantID, msg.ItemID)
		if err != nil {
			return err
		}
		st := item.SyncState(msg.Provider)
		st.Status = model.SyncFailed
		st.LastError = detail
		return tx.Items().Update(item)
	})
}

func (d *Drain) forgetExternalLot(ctx context.Context, msg *model.OutboxMessage) error {
	return d.st.WithTx(ctx, func(tx store.Tx) error {
		item, err := tx.Items().Get(msg.TenantID, msg.ItemID)
		if err != nil {
			return err
		}
		item.SyncState(msg.Provider).ExternalLotID = ""
		return tx.Items().Update(item)
	})
}

// reschedule returns the message to pending after a delay. Throttled
// attempts (countAttempt=false) keep their attempt count.
func (d *Drain) reschedule(ctx context.Context, msg *model.OutboxMessage, wait time.Duration, countAttempt bool, detail string) error {
	return d.st.WithTx(ctx, func(tx store.Tx) error {
		msg.Status = model.OutboxPending
		msg.NextAttemptAt = d.clk.Now().Add(wait + clock.Jitter(d.policy.RetryJitterMax))
		if detail != "" {
			msg.LastError = detail
		}
		if err := tx.Outbox().Update(msg); err != nil {
			return err
		}
		item, err := tx.Items().Get(msg.TenantID, msg.ItemID)
		if err != nil {
			return err
		}
		st := item.SyncState(msg.Provider)
		st.Status = model.SyncPending
		if detail != "" {
			st.LastError = detail
		}
		return tx.Items().Update(item)
	})
}
