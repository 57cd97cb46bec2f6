// Package model holds the domain types shared by the storage, worker, and API
// layers: inventory items, ledger entries, outbox messages, and the error
// taxonomy the sync pipeline propagates.
package model

import (
	"fmt"
	"time"
)

// Provider identifies an external marketplace holding a mirrored lot.
type Provider string

const (
	// ProviderBrickLink updates lots with signed-delta quantity strings.
	ProviderBrickLink Provider = "bricklink"
	// ProviderBrickOwl updates lots with absolute or relative quantities.
	ProviderBrickOwl Provider = "brickowl"
)

// Providers lists every supported marketplace.
var Providers = []Provider{ProviderBrickLink, ProviderBrickOwl}

// Valid reports whether p names a supported marketplace.
func (p Provider) Valid() bool {
	return p == ProviderBrickLink || p == ProviderBrickOwl
}

// Condition describes whether a lot is new or used stock.
type Condition string

const (
	ConditionNew  Condition = "new"
	ConditionUsed Condition = "used"
)

// SyncStatus is the per-provider synchronization state of an item.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSyncing  SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncFailed   SyncStatus = "failed"
	SyncDisabled SyncStatus = "disabled"
)

// ProviderSyncState tracks how far a single marketplace has been advanced for
// one item. LastSyncedSeq only ever moves forward.
type ProviderSyncState struct {
	ExternalLotID       string     `json:"external_lot_id,omitempty"`
	Status              SyncStatus `json:"status"`
	LastSyncAttemptAt   time.Time  `json:"last_sync_attempt_at,omitempty"`
	LastSyncedSeq       int64      `json:"last_synced_seq"`
	LastSyncedAvailable int64      `json:"last_synced_available"`
	LastError           string     `json:"last_error,omitempty"`
}

// InventoryItem is a sellable lot: a part in a specific color, condition, and
// location, with a quantity. Items are never hard-deleted; deletion archives
// the row and pushes a terminal delete to each marketplace.
type InventoryItem struct {
	ItemID            string                          `json:"item_id"`
	TenantID          string                          `json:"tenant_id"`
	PartNumber        string                          `json:"part_number"`
	ColorID           string                          `json:"color_id"`
	Location          string                          `json:"location"`
	Condition         Condition                       `json:"condition"`
	QuantityAvailable int64                           `json:"quantity_available"`
	QuantityReserved  int64                           `json:"quantity_reserved"`
	Price             *float64                        `json:"price,omitempty"`
	Notes             string                          `json:"notes,omitempty"`
	FileID            string                          `json:"file_id,omitempty"`
	IsArchived        bool                            `json:"is_archived"`
	MarketplaceSync   map[Provider]*ProviderSyncState `json:"marketplace_sync"`
	CreatedAt         time.Time                       `json:"created_at"`
	UpdatedAt         time.Time                       `json:"updated_at"`
}

// SyncState returns the sync state for p, creating a disabled placeholder so
// callers never chase nil maps.
func (it *InventoryItem) SyncState(p Provider) *ProviderSyncState {
	if it.MarketplaceSync == nil {
		it.MarketplaceSync = make(map[Provider]*ProviderSyncState)
	}
	st, ok := it.MarketplaceSync[p]
	if !ok {
		st = &ProviderSyncState{Status: SyncDisabled}
		it.MarketplaceSync[p] = st
	}
	return st
}

// LedgerSource identifies who caused a quantity change.
type LedgerSource string

const (
	SourceUser   LedgerSource = "user"
	SourceOrder  LedgerSource = "order"
	SourceImport LedgerSource = "import"
	SourceSystem LedgerSource = "system"
)

// LedgerReason is the business reason recorded with a quantity change.
type LedgerReason string

const (
	ReasonCreate     LedgerReason = "create"
	ReasonManualEdit LedgerReason = "manual_edit"
	ReasonAdjustment LedgerReason = "adjustment"
	ReasonDelete     LedgerReason = "delete"
	ReasonMove       LedgerReason = "move"
)

// QuantityLedgerEntry is one immutable step in an item's quantity history.
// Seq starts at 1 and increases by exactly one per entry.
type QuantityLedgerEntry struct {
	ItemID         string       `json:"item_id"`
	Seq            int64        `json:"seq"`
	Timestamp      time.Time    `json:"timestamp"`
	PreAvailable   int64        `json:"pre_available"`
	DeltaAvailable int64        `json:"delta_available"`
	PostAvailable  int64        `json:"post_available"`
	Reason         LedgerReason `json:"reason"`
	Source         LedgerSource `json:"source"`
	ActorID        string       `json:"actor_id,omitempty"`
	CorrelationID  string       `json:"correlation_id"`
}

// LocationLedgerEntry records a location move, parallel to the quantity ledger.
type LocationLedgerEntry struct {
	ItemID        string    `json:"item_id"`
	Seq           int64     `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	FromLocation  string    `json:"from_location,omitempty"`
	ToLocation    string    `json:"to_location"`
	ActorID       string    `json:"actor_id,omitempty"`
	CorrelationID string    `json:"correlation_id"`
}

// OutboxKind is the marketplace operation an outbox message carries.
type OutboxKind string

const (
	OutboxCreate OutboxKind = "create"
	OutboxUpdate OutboxKind = "update"
	OutboxDelete OutboxKind = "delete"
)

// OutboxStatus is the lifecycle state of an outbox message. Only
// pending→inflight and inflight→{pending,succeeded,failed} transitions exist.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxInflight  OutboxStatus = "inflight"
	OutboxSucceeded OutboxStatus = "succeeded"
	OutboxFailed    OutboxStatus = "failed"
)

// Terminal reports whether s is a final outbox state.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxSucceeded || s == OutboxFailed
}

// OutboxMessage is a durable work item representing a pending sync window
// (FromSeqExclusive, ToSeqInclusive] for one (item, provider) pair.
type OutboxMessage struct {
	MessageID        string       `json:"message_id"`
	TenantID         string       `json:"tenant_id"`
	ItemID           string       `json:"item_id"`
	Provider         Provider     `json:"provider"`
	Kind             OutboxKind   `json:"kind"`
	FromSeqExclusive int64        `json:"from_seq_exclusive"`
	ToSeqInclusive   int64        `json:"to_seq_inclusive"`
	IdempotencyKey   string       `json:"idempotency_key"`
	Status           OutboxStatus `json:"status"`
	Attempt          int          `json:"attempt"`
	NextAttemptAt    time.Time    `json:"next_attempt_at"`
	LastError        string       `json:"last_error,omitempty"`
	CorrelationID    string       `json:"correlation_id"`
	CreatedAt        time.Time    `json:"created_at"`
}

// IdempotencyKey builds the stable duplicate-suppression key for a sync window.
func IdempotencyKey(itemID string, p Provider, fromSeq, toSeq int64) string {
	return fmt.Sprintf("%s:%s:%d-%d", itemID, p, fromSeq, toSeq)
}

// RefreshPriority orders catalog refresh work; lower drains first.
type RefreshPriority int

const (
	PriorityHigh   RefreshPriority = 1
	PriorityMedium RefreshPriority = 2
	PriorityLow    RefreshPriority = 3
)

// CatalogTable names a reference-catalog entity kind.
type CatalogTable string

const (
	TablePart       CatalogTable = "part"
	TablePartColor  CatalogTable = "partColor"
	TablePriceGuide CatalogTable = "priceGuide"
	TableColor      CatalogTable = "color"
	TableCategory   CatalogTable = "category"
)

// Valid reports whether t names a known reference table.
func (t CatalogTable) Valid() bool {
	switch t {
	case TablePart, TablePartColor, TablePriceGuide, TableColor, TableCategory:
		return true
	}
	return false
}

// CatalogRefreshMessage is a pending refresh of one reference-catalog entity.
// At most one non-terminal row exists per (table, primary, secondary) triple.
type CatalogRefreshMessage struct {
	MessageID     string          `json:"message_id"`
	TableName     CatalogTable    `json:"table_name"`
	PrimaryKey    string          `json:"primary_key"`
	SecondaryKey  string          `json:"secondary_key,omitempty"`
	Priority      RefreshPriority `json:"priority"`
	Status        OutboxStatus    `json:"status"`
	Attempt       int             `json:"attempt"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RateLimitBucket is the persisted fixed-window and breaker state for one
// (tenant, provider) pair.
type RateLimitBucket struct {
	TenantID            string        `json:"tenant_id"`
	Provider            Provider      `json:"provider"`
	Capacity            int           `json:"capacity"`
	WindowDuration      time.Duration `json:"window_duration"`
	WindowStart         time.Time     `json:"window_start"`
	RequestCount        int           `json:"request_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CircuitOpenUntil    time.Time     `json:"circuit_open_until,omitempty"`
}

// TenantCredentials holds one tenant's API credentials for a marketplace.
// Secret material is encrypted at rest and never logged.
type TenantCredentials struct {
	TenantID  string    `json:"tenant_id"`
	Provider  Provider  `json:"provider"`
	Enabled   bool      `json:"enabled"`
	Secret    []byte    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookEvent is a deduplicated marketplace push notification.
type WebhookEvent struct {
	TenantID   string    `json:"tenant_id"`
	Provider   Provider  `json:"provider"`
	EventType  string    `json:"event_type"`
	ResourceID string    `json:"resource_id"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// DedupeKey identifies a webhook delivery for replay suppression.
func (e WebhookEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", e.TenantID, e.EventType, e.ResourceID, e.Timestamp.Unix())
}
