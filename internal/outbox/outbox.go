// Package outbox enqueues marketplace sync windows and owns their retry
// scheduling policy.
package outbox

import (
	"time"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
)

// Policy holds the retry knobs shared by the drain and refresh workers.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// RetryJitterMax widens reschedules so retries from one incident spread
	// out; uniform in [0, RetryJitterMax).
	RetryJitterMax time.Duration
}

// DefaultPolicy mirrors the deployment defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		BackoffBase:    time.Second,
		BackoffCap:     5 * time.Minute,
		RetryJitterMax: 5 * time.Second,
	}
}

// Backoff returns the exponential delay for a retry after `attempt` failed
// tries, capped. Jitter is the reschedule's job, so the delay stays
// deterministic here and the spread is applied exactly once.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 0; i < attempt && d < p.BackoffCap; i++ {
		d *= 2
	}
	if d > p.BackoffCap {
		d = p.BackoffCap
	}
	return d
}

// Enqueue inserts one outbox row covering the window (fromSeq, toSeq] for an
// enabled provider, due immediately. Runs inside the edit transaction.
func Enqueue(tx store.Tx, clk clock.Clock, tenantID, itemID string, p model.Provider, kind model.OutboxKind, fromSeq, toSeq int64, correlationID string) (*model.OutboxMessage, error) {
	now := clk.Now()
	msg := &model.OutboxMessage{
		MessageID:        clock.NewID(),
		TenantID:         tenantID,
		ItemID:           itemID,
		Provider:         p,
		Kind:             kind,
		FromSeqExclusive: fromSeq,
		ToSeqInclusive:   toSeq,
		IdempotencyKey:   model.IdempotencyKey(itemID, p, fromSeq, toSeq),
		Status:           model.OutboxPending,
		Attempt:          0,
		NextAttemptAt:    now,
		CorrelationID:    correlationID,
		CreatedAt:        now,
	}
	if err := tx.Outbox().Insert(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ProviderEnabled reports whether the tenant has active credentials for p.
// Disabled providers get no outbox rows at all.
func ProviderEnabled(tx store.Tx, tenantID string, p model.Provider) (bool, error) {
	creds, err := tx.Credentials().Get(tenantID, p)
	if err != nil {
		return false, err
	}
	return creds != nil && creds.Enabled, nil
}
