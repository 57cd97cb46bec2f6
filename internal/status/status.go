// Package status is the read side: per-item sync state projections and the
// uniform inventory listing.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
)

// ProviderStatus is the per-marketplace slice of an item's sync projection.
type ProviderStatus struct {
	Status            model.SyncStatus `json:"status"`
	ExternalLotID     string           `json:"external_lot_id,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	LastSyncAttemptAt *time.Time       `json:"last_sync_attempt_at,omitempty"`
	LastSyncedSeq     int64            `json:"last_synced_seq"`
}

// ItemSyncStatus aggregates an item's pending work across providers.
type ItemSyncStatus struct {
	ItemID       string                              `json:"item_id"`
	Providers    map[model.Provider]*ProviderStatus  `json:"providers"`
	PendingCount int                                 `json:"pending_count"`
	NextRetryAt  *time.Time                          `json:"next_retry_at,omitempty"`
}

// Service serves projections.
type Service struct {
	st store.Store
}

// New builds the status service.
func New(st store.Store) *Service {
	return &Service{st: st}
}

// ItemSyncStatus projects one item's sync state from the item row and its
// non-terminal outbox rows. Pure read.
func (s *Service) ItemSyncStatus(ctx context.Context, tenantID, itemID string) (*ItemSyncStatus, error) {
	out := &ItemSyncStatus{
		ItemID:    itemID,
		Providers: make(map[model.Provider]*ProviderStatus),
	}
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		item, err := tx.Items().Get(tenantID, itemID)
		if err != nil {
			return err
		}
		for p, st := range item.MarketplaceSync {
			ps := &ProviderStatus{
				Status:        st.Status,
				ExternalLotID: st.ExternalLotID,
				LastError:     st.LastError,
				LastSyncedSeq: st.LastSyncedSeq,
			}
			if !st.LastSyncAttemptAt.IsZero() {
				t := st.LastSyncAttemptAt
				ps.LastSyncAttemptAt = &t
			}
			out.Providers[p] = ps
		}
		rows, err := tx.Outbox().NonTerminalForItem(itemID)
		if err != nil {
			return err
		}
		out.PendingCount = len(rows)
		for _, m := range rows {
			if m.Status != model.OutboxPending {
				continue
			}
			if out.NextRetryAt == nil || m.NextAttemptAt.Before(*out.NextRetryAt) {
				t := m.NextAttemptAt
				out.NextRetryAt = &t
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListItems runs the uniform QuerySpec listing and returns the page plus the
// next cursor ("" when the listing is exhausted).
func (s *Service) ListItems(ctx context.Context, tenantID string, spec store.QuerySpec) ([]*model.InventoryItem, string, error) {
	if spec.PageSize < 0 || spec.PageSize > store.MaxPageSize {
		return nil, "", fmt.Errorf("page size %d: %w", spec.PageSize, model.ErrValidation)
	}
	var (
		items []*model.InventoryItem
		next  string
	)
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		items, next, err = tx.Items().List(tenantID, spec)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return items, next, nil
}

// Retract transitions a pending outbox message to failed. This is the only
// permitted cancellation; inflight calls always run to completion so the
// idempotency contract stays honest.
func (s *Service) Retract(ctx context.Context, tenantID, messageID, reason string) error {
	return s.st.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.Outbox().Get(messageID)
		if err != nil {
			return err
		}
		if m.TenantID != tenantID {
			return fmt.Errorf("outbox %s: %w", messageID, model.ErrNotFound)
		}
		if m.Status != model.OutboxPending {
			return fmt.Errorf("outbox %s is %s: %w", messageID, m.Status, model.ErrConflict)
		}
		m.Status = model.OutboxFailed
		m.LastError = "retracted: " + reason
		return tx.Outbox().Update(m)
	})
}
