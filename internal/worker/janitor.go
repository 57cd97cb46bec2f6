package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

var janitorDeleted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "syncd_janitor_deleted_total",
		Help: "Rows garbage-collected by the janitor",
	},
	[]string{"table"},
)

// Janitor garbage-collects terminal outbox rows and old webhook records.
// Ledger entries are never collected.
type Janitor struct {
	st  store.Store
	clk clock.Clock
	log *logger.Logger

	Period    time.Duration
	Retention time.Duration
}

// NewJanitor builds the janitor with the default hourly cadence and 7-day
// retention.
func NewJanitor(st store.Store, clk clock.Clock, log *logger.Logger) *Janitor {
	return &Janitor{
		st:        st,
		clk:       clk,
		log:       log,
		Period:    time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// Run loops until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.log.Error("janitor sweep failed", "error", err)
			}
		}
	}
}

// Sweep deletes terminal rows older than the retention horizon.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := j.clk.Now().Add(-j.Retention)
	return j.st.WithTx(ctx, func(tx store.Tx) error {
		n, err := tx.Outbox().DeleteTerminalBefore(cutoff)
		if err != nil {
			return err
		}
		janitorDeleted.WithLabelValues("marketplace_outbox").Add(float64(n))

		n, err = tx.CatalogOutbox().DeleteTerminalBefore(cutoff)
		if err != nil {
			return err
		}
		janitorDeleted.WithLabelValues("catalog_refresh_outbox").Add(float64(n))

		n, err = tx.Webhooks().DeleteBefore(cutoff)
		if err != nil {
			return err
		}
		janitorDeleted.WithLabelValues("webhook_events").Add(float64(n))

		if n > 0 {
			j.log.Debug("janitor swept", "cutoff", cutoff)
		}
		return nil
	})
}
