// Package ledger maintains the append-only quantity and location histories
// that every marketplace sync window is computed from.
package ledger

import (
	"fmt"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
)

// Service appends and reads ledger entries. Every append happens inside the
// caller's transaction, alongside the item patch and outbox insert.
type Service struct {
	clk clock.Clock
}

// New builds a ledger service.
func New(clk clock.Clock) *Service {
	return &Service{clk: clk}
}

// Append writes the next entry for itemID. Seq starts at 1 and each entry's
// PreAvailable continues the previous PostAvailable. A delta that would take
// the quantity below zero fails with ErrNegativeQuantity and aborts the
// caller's transaction.
func (s *Service) Append(tx store.Tx, itemID string, delta int64, reason model.LedgerReason, source model.LedgerSource, actorID, correlationID string) (*model.QuantityLedgerEntry, error) {
	prev, err := tx.QuantityLedger().Last(itemID)
	if err != nil {
		return nil, err
	}
	var (
		seq int64 = 1
		pre int64
	)
	if prev != nil {
		seq = prev.Seq + 1
		pre = prev.PostAvailable
	}
	post := pre + delta
	if post < 0 {
		return nil, fmt.Errorf("item %s seq %d: %d%+d: %w", itemID, seq, pre, delta, model.ErrNegativeQuantity)
	}
	entry := &model.QuantityLedgerEntry{
		ItemID:         itemID,
		Seq:            seq,
		Timestamp:      s.clk.Now(),
		PreAvailable:   pre,
		DeltaAvailable: delta,
		PostAvailable:  post,
		Reason:         reason,
		Source:         source,
		ActorID:        actorID,
		CorrelationID:  correlationID,
	}
	if err := tx.QuantityLedger().Append(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RecordMove appends a location-ledger entry parallel to the quantity entry
// at seq.
func (s *Service) RecordMove(tx store.Tx, itemID string, seq int64, from, to, actorID, correlationID string) error {
	return tx.LocationLedger().Append(&model.LocationLedgerEntry{
		ItemID:        itemID,
		Seq:           seq,
		Timestamp:     s.clk.Now(),
		FromLocation:  from,
		ToLocation:    to,
		ActorID:       actorID,
		CorrelationID: correlationID,
	})
}

// ComputeDeltaWindow sums DeltaAvailable over the half-open window
// (fromSeqExclusive, toSeqInclusive]. The drain worker uses it to reconstruct
// the net change an outbox message must carry.
func ComputeDeltaWindow(tx store.Tx, itemID string, fromSeqExclusive, toSeqInclusive int64) (int64, error) {
	if toSeqInclusive < fromSeqExclusive {
		return 0, fmt.Errorf("window (%d,%d] inverted: %w", fromSeqExclusive, toSeqInclusive, model.ErrValidation)
	}
	return tx.QuantityLedger().SumWindow(itemID, fromSeqExclusive, toSeqInclusive)
}

// EntryAt returns the ledger entry at seq; the drain worker reads its
// PostAvailable when advancing a provider cursor.
func EntryAt(tx store.Tx, itemID string, seq int64) (*model.QuantityLedgerEntry, error) {
	return tx.QuantityLedger().GetAt(itemID, seq)
}

// LastSeq returns the newest seq for itemID, or 0 when no entries exist.
func LastSeq(tx store.Tx, itemID string) (int64, error) {
	prev, err := tx.QuantityLedger().Last(itemID)
	if err != nil {
		return 0, err
	}
	if prev == nil {
		return 0, nil
	}
	return prev.Seq, nil
}
