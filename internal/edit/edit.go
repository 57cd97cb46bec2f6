// Package edit is the write entry point: it validates edit intents and, in a
// single transaction, patches the item, appends the ledgers, and enqueues one
// outbox row per enabled marketplace. Marketplace outcomes never surface
// here; edits succeed on local state alone.
package edit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/1benisin/brickops-sub002/internal/ledger"
	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/outbox"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/clock"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

// CreateIntent creates a new item.
type CreateIntent struct {
	PartNumber        string
	ColorID           string
	Location          string
	Condition         model.Condition
	QuantityAvailable int64
	Price             *float64
	Notes             string
}

// UpdatePatch is the typed patch for an update; nil fields are untouched.
type UpdatePatch struct {
	PartNumber        *string
	ColorID           *string
	Location          *string
	Condition         *model.Condition
	QuantityAvailable *int64
	QuantityReserved  *int64
	Price             *float64
	Notes             *string
}

// UpdateIntent patches an existing item.
type UpdateIntent struct {
	ItemID string
	Patch  UpdatePatch
	Reason model.LedgerReason
}

// DeleteIntent archives an item and pushes a terminal delete to each
// marketplace. Items are never hard-deleted.
type DeleteIntent struct {
	ItemID string
	Reason model.LedgerReason
}

// AdjustIntent applies a signed quantity delta (orders, imports, counts).
type AdjustIntent struct {
	ItemID string
	Delta  int64
	Source model.LedgerSource
	Reason model.LedgerReason
}

// Intent is the closed set of edit variants.
type Intent interface{ isIntent() }

func (CreateIntent) isIntent() {}
func (UpdateIntent) isIntent() {}
func (DeleteIntent) isIntent() {}
func (AdjustIntent) isIntent() {}

// Authorizer decides whether an actor may edit a tenant's inventory.
type Authorizer interface {
	Authorize(ctx context.Context, tenantID, actorID string) error
}

// AllowAll is the dev-mode authorizer.
type AllowAll struct{}

// Authorize always succeeds.
func (AllowAll) Authorize(context.Context, string, string) error { return nil }

// Service applies edit intents.
type Service struct {
	st   store.Store
	ldg  *ledger.Service
	clk  clock.Clock
	auth Authorizer
	log  *logger.Logger
}

// New builds the edit service.
func New(st store.Store, ldg *ledger.Service, clk clock.Clock, auth Authorizer, log *logger.Logger) *Service {
	return &Service{st: st, ldg: ldg, clk: clk, auth: auth, log: log}
}

// Result reports the applied edit.
type Result struct {
	ItemID        string
	Seq           int64
	CorrelationID string
	Archived      bool
}

// Apply executes one edit intent atomically. The correlationID may be empty,
// in which case a fresh one is minted.
func (s *Service) Apply(ctx context.Context, tenantID, actorID string, intent Intent, correlationID string) (*Result, error) {
	if err := s.auth.Authorize(ctx, tenantID, actorID); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", actorID, tenantID, model.ErrAuth)
	}
	if correlationID == "" {
		correlationID = clock.NewID()
	}

	var res *Result
	err := s.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		switch in := intent.(type) {
		case CreateIntent:
			res, err = s.applyCreate(tx, tenantID, actorID, in, correlationID)
		case UpdateIntent:
			res, err = s.applyUpdate(tx, tenantID, actorID, in, correlationID)
		case DeleteIntent:
			res, err = s.applyDelete(tx, tenantID, actorID, in, correlationID)
		case AdjustIntent:
			res, err = s.applyAdjust(tx, tenantID, actorID, in, correlationID)
		default:
			err = fmt.Errorf("unknown edit intent %T: %w", intent, model.ErrValidation)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("edit applied",
		"tenant", tenantID, "item", res.ItemID, "seq", res.Seq, "correlation_id", res.CorrelationID)
	return res, nil
}

func (s *Service) applyCreate(tx store.Tx, tenantID, actorID string, in CreateIntent, correlationID string) (*Result, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}
	now := s.clk.Now()
	item := &model.InventoryItem{
		ItemID:            clock.NewID(),
		TenantID:          tenantID,
		PartNumber:        in.PartNumber,
		ColorID:           in.ColorID,
		Location:          in.Location,
		Condition:         in.Condition,
		QuantityAvailable: in.QuantityAvailable,
		Price:             in.Price,
		Notes:             in.Notes,
		MarketplaceSync:   make(map[model.Provider]*model.ProviderSyncState),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	entry, err := s.ldg.Append(tx, item.ItemID, in.QuantityAvailable, model.ReasonCreate, model.SourceUser, actorID, correlationID)
	if err != nil {
		return nil, err
	}
	if in.Location != "" {
		if err := s.ldg.RecordMove(tx, item.ItemID, entry.Seq, "", in.Location, actorID, correlationID); err != nil {
			return nil, err
		}
	}
	if err := s.enqueueAll(tx, item, model.OutboxCreate, entry.Seq, correlationID); err != nil {
		return nil, err
	}
	if err := tx.Items().Insert(item); err != nil {
		return nil, err
	}
	return &Result{ItemID: item.ItemID, Seq: entry.Seq, CorrelationID: correlationID}, nil
}

func (s *Service) applyUpdate(tx store.Tx, tenantID, actorID string, in UpdateIntent, correlationID string) (*Result, error) {
	item, err := tx.Items().Get(tenantID, in.ItemID)
	if err != nil {
		return nil, err
	}
	if item.IsArchived {
		return nil, fmt.Errorf("item %s is archived: %w", in.ItemID, model.ErrValidation)
	}
	if err := validatePatch(in.Patch); err != nil {
		return nil, err
	}

	prevLocation := item.Location
	var delta int64
	if in.Patch.QuantityAvailable != nil {
		delta = *in.Patch.QuantityAvailable - item.QuantityAvailable
	}
	applyPatch(item, in.Patch)
	item.UpdatedAt = s.clk.Now()

	seq, err := ledger.LastSeq(tx, item.ItemID)
	if err != nil {
		return nil, err
	}
	if delta != 0 {
		reason := in.Reason
		if reason == "" {
			reason = model.ReasonManualEdit
		}
		entry, err := s.ldg.Append(tx, item.ItemID, delta, reason, model.SourceUser, actorID, correlationID)
		if err != nil {
			return nil, err
		}
		seq = entry.Seq
	}
	if in.Patch.Location != nil && *in.Patch.Location != prevLocation {
		if err := s.ldg.RecordMove(tx, item.ItemID, seq, prevLocation, *in.Patch.Location, actorID, correlationID); err != nil {
			return nil, err
		}
	}
	if err := s.enqueueAll(tx, item, model.OutboxUpdate, seq, correlationID); err != nil {
		return nil, err
	}
	if err := tx.Items().Update(item); err != nil {
		return nil, err
	}
	return &Result{ItemID: item.ItemID, Seq: seq, CorrelationID: correlationID}, nil
}

func (s *Service) applyDelete(tx store.Tx, tenantID, actorID string, in DeleteIntent, correlationID string) (*Result, error) {
	item, err := tx.Items().Get(tenantID, in.ItemID)
	if err != nil {
		return nil, err
	}
	if item.IsArchived {
		return nil, fmt.Errorf("item %s already archived: %w", in.ItemID, model.ErrValidation)
	}

	reason := in.Reason
	if reason == "" {
		reason = model.ReasonDelete
	}
	// The tombstone entry zeroes the quantity so the ledger ends at 0.
	entry, err := s.ldg.Append(tx, item.ItemID, -item.QuantityAvailable, reason, model.SourceUser, actorID, correlationID)
	if err != nil {
		return nil, err
	}
	item.IsArchived = true
	item.QuantityAvailable = 0
	item.UpdatedAt = s.clk.Now()

	if err := s.enqueueAll(tx, item, model.OutboxDelete, entry.Seq, correlationID); err != nil {
		return nil, err
	}
	if err := tx.Items().Update(item); err != nil {
		return nil, err
	}
	return &Result{ItemID: item.ItemID, Seq: entry.Seq, CorrelationID: correlationID, Archived: true}, nil
}

func (s *Service) applyAdjust(tx store.Tx, tenantID, actorID string, in AdjustIntent, correlationID string) (*Result, error) {
	item, err := tx.Items().Get(tenantID, in.ItemID)
	if err != nil {
		return nil, err
	}
	if item.IsArchived {
		return nil, fmt.Errorf("item %s is archived: %w", in.ItemID, model.ErrValidation)
	}
	if in.Delta == 0 {
		return nil, fmt.Errorf("zero adjustment: %w", model.ErrValidation)
	}
	source := in.Source
	if source == "" {
		source = model.SourceUser
	}
	reason := in.Reason
	if reason == "" {
		reason = model.ReasonAdjustment
	}

	entry, err := s.ldg.Append(tx, item.ItemID, in.Delta, reason, source, actorID, correlationID)
	if err != nil {
		return nil, err
	}
	item.QuantityAvailable = entry.PostAvailable
	item.UpdatedAt = s.clk.Now()

	if err := s.enqueueAll(tx, item, model.OutboxUpdate, entry.Seq, correlationID); err != nil {
		return nil, err
	}
	if err := tx.Items().Update(item); err != nil {
		return nil, err
	}
	return &Result{ItemID: item.ItemID, Seq: entry.Seq, CorrelationID: correlationID}, nil
}

// enqueueAll inserts one outbox row per enabled provider, covering the window
// from that provider's frontier to the current seq, and marks its sync state
// pending. The frontier is the cursor or, when earlier windows are still
// queued, the newest queued window's end, so rapid edits chain windows
// instead of overlapping them.
func (s *Service) enqueueAll(tx store.Tx, item *model.InventoryItem, kind model.OutboxKind, currentSeq int64, correlationID string) error {
	active, err := tx.Outbox().NonTerminalForItem(item.ItemID)
	if err != nil {
		return err
	}
	for _, p := range model.Providers {
		enabled, err := outbox.ProviderEnabled(tx, item.TenantID, p)
		if err != nil {
			return err
		}
		st := item.SyncState(p)
		if !enabled {
			st.Status = model.SyncDisabled
			continue
		}
		fromSeq := st.LastSyncedSeq
		for _, row := range active {
			if row.Provider == p && row.ToSeqInclusive > fromSeq {
				fromSeq = row.ToSeqInclusive
			}
		}
		if _, err := outbox.Enqueue(tx, s.clk, item.TenantID, item.ItemID, p, kind, fromSeq, currentSeq, correlationID); err != nil {
			// A zero-width window duplicates whatever row already covers this
			// seq; that row pushes the item's live state, so coalesce rather
			// than fail the edit.
			if fromSeq == currentSeq && errors.Is(err, model.ErrConflict) {
				st.Status = model.SyncPending
				continue
			}
			return err
		}
		st.Status = model.SyncPending
	}
	return nil
}

// SetFile attaches an item to a grouping file; an empty fileID detaches it.
func (s *Service) SetFile(ctx context.Context, tenantID, actorID, itemID, fileID string) error {
	if err := s.auth.Authorize(ctx, tenantID, actorID); err != nil {
		return fmt.Errorf("%s on %s: %w", actorID, tenantID, model.ErrAuth)
	}
	return s.st.WithTx(ctx, func(tx store.Tx) error {
		item, err := tx.Items().Get(tenantID, itemID)
		if err != nil {
			return err
		}
		item.FileID = fileID
		item.UpdatedAt = s.clk.Now()
		return tx.Items().Update(item)
	})
}

func validateCreate(in CreateIntent) error {
	switch {
	case strings.TrimSpace(in.PartNumber) == "":
		return fmt.Errorf("part number required: %w", model.ErrValidation)
	case strings.TrimSpace(in.ColorID) == "":
		return fmt.Errorf("color required: %w", model.ErrValidation)
	case in.Condition != model.ConditionNew && in.Condition != model.ConditionUsed:
		return fmt.Errorf("condition %q: %w", in.Condition, model.ErrValidation)
	case in.QuantityAvailable < 0:
		return fmt.Errorf("negative quantity: %w", model.ErrValidation)
	case in.Price != nil && *in.Price < 0:
		return fmt.Errorf("negative price: %w", model.ErrValidation)
	}
	return nil
}

func validatePatch(p UpdatePatch) error {
	switch {
	case p.PartNumber != nil && strings.TrimSpace(*p.PartNumber) == "":
		return fmt.Errorf("empty part number: %w", model.ErrValidation)
	case p.ColorID != nil && strings.TrimSpace(*p.ColorID) == "":
		return fmt.Errorf("empty color: %w", model.ErrValidation)
	case p.Condition != nil && *p.Condition != model.ConditionNew && *p.Condition != model.ConditionUsed:
		return fmt.Errorf("condition %q: %w", *p.Condition, model.ErrValidation)
	case p.QuantityAvailable != nil && *p.QuantityAvailable < 0:
		return fmt.Errorf("negative quantity: %w", model.ErrValidation)
	case p.QuantityReserved != nil && *p.QuantityReserved < 0:
		return fmt.Errorf("negative reserved: %w", model.ErrValidation)
	case p.Price != nil && *p.Price < 0:
		return fmt.Errorf("negative price: %w", model.ErrValidation)
	}
	return nil
}

func applyPatch(item *model.InventoryItem, p UpdatePatch) {
	if p.PartNumber != nil {
		item.PartNumber = *p.PartNumber
	}
	if p.ColorID != nil {
		item.ColorID = *p.ColorID
	}
	if p.Location != nil {
		item.Location = *p.Location
	}
	if p.Condition != nil {
		item.Condition = *p.Condition
	}
	if p.QuantityAvailable != nil {
		item.QuantityAvailable = *p.QuantityAvailable
	}
	if p.QuantityReserved != nil {
		item.QuantityReserved = *p.QuantityReserved
	}
	if p.Price != nil {
		item.Price = p.Price
	}
	if p.Notes != nil {
		item.Notes = *p.Notes
	}
}
