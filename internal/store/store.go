// Package store defines the repository contract the pipeline runs against.
// Two implementations exist: the Postgres store in internal/database and the
// in-memory store in this package used by tests and single-node dev mode.
package store

import (
	"context"
	"time"

	"github.com/1benisin/brickops-sub002/internal/model"
)

// Tx exposes every repository inside one transaction. The edit service and
// the drain worker rely on WithTx committing or aborting all of it together.
type Tx interface {
	Items() ItemRepo
	QuantityLedger() QuantityLedgerRepo
	LocationLedger() LocationLedgerRepo
	Outbox() OutboxRepo
	CatalogOutbox() CatalogOutboxRepo
	Buckets() BucketRepo
	Catalog() CatalogRepo
	Credentials() CredentialRepo
	Webhooks() WebhookRepo
}

// Store opens transactions. Implementations must make WithTx atomic: an error
// from fn rolls every write back.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// SortKey orders a listing by one field.
type SortKey struct {
	Field string `json:"id"`
	Desc  bool   `json:"desc"`
}

// Filter restricts a listing. Kind is one of eq, range, prefix.
type Filter struct {
	Kind   string      `json:"kind"`
	Value  interface{} `json:"value,omitempty"`
	Min    interface{} `json:"min,omitempty"`
	Max    interface{} `json:"max,omitempty"`
	Prefix string      `json:"prefix,omitempty"`
}

// QuerySpec is the uniform listing request: filters, sort, cursor pagination.
// Cursor is an opaque item ID; results resume strictly after it and stay
// stable across appends.
type QuerySpec struct {
	Filters  map[string]Filter `json:"filters,omitempty"`
	Sort     []SortKey         `json:"sort,omitempty"`
	Cursor   string            `json:"cursor,omitempty"`
	PageSize int               `json:"page_size,omitempty"`
}

// MaxPageSize caps listing responses.
const MaxPageSize = 100

// ItemRepo stores inventory items.
type ItemRepo interface {
	Insert(item *model.InventoryItem) error
	Get(tenantID, itemID string) (*model.InventoryItem, error)
	// Update replaces the stored row. Provider sync updates replace only the
	// named sync subfields; callers re-read before writing.
	Update(item *model.InventoryItem) error
	List(tenantID string, spec QuerySpec) ([]*model.InventoryItem, string, error)
}

// QuantityLedgerRepo stores the append-only quantity ledger.
type QuantityLedgerRepo interface {
	Append(entry *model.QuantityLedgerEntry) error
	Last(itemID string) (*model.QuantityLedgerEntry, error)
	GetAt(itemID string, seq int64) (*model.QuantityLedgerEntry, error)
	// SumWindow totals DeltaAvailable over the half-open window (from, to].
	SumWindow(itemID string, fromSeqExclusive, toSeqInclusive int64) (int64, error)
	All(itemID string) ([]*model.QuantityLedgerEntry, error)
}

// LocationLedgerRepo stores location moves.
type LocationLedgerRepo interface {
	Append(entry *model.LocationLedgerEntry) error
	All(itemID string) ([]*model.LocationLedgerEntry, error)
}

// OutboxRepo stores marketplace outbox messages.
type OutboxRepo interface {
	Insert(msg *model.OutboxMessage) error
	Get(messageID string) (*model.OutboxMessage, error)
	// Due returns pending rows with NextAttemptAt <= now, ordered by
	// NextAttemptAt then CreatedAt, capped at limit.
	Due(now time.Time, limit int) ([]*model.OutboxMessage, error)
	// Lease flips pending→inflight iff the row still matches the observed
	// attempt count and no sibling (item, provider) row is inflight.
	// Returns model.ErrConflict when the CAS loses.
	Lease(messageID string, observedAttempt int) error
	// Update rewrites status/attempt/schedule fields of an owned row.
	Update(msg *model.OutboxMessage) error
	// PendingForItem returns non-terminal rows for one (item, provider),
	// ordered by ToSeqInclusive.
	PendingForItem(itemID string, p model.Provider) ([]*model.OutboxMessage, error)
	// NonTerminalForItem returns pending+inflight rows across providers.
	NonTerminalForItem(itemID string) ([]*model.OutboxMessage, error)
	// DeleteTerminalBefore garbage-collects succeeded/failed rows older
	// than the cutoff, returning how many were removed.
	DeleteTerminalBefore(cutoff time.Time) (int, error)
}

// CatalogOutboxRepo stores catalog refresh messages.
type CatalogOutboxRepo interface {
	Insert(msg *model.CatalogRefreshMessage) error
	// FindActive returns the non-terminal row for a key triple, if any.
	FindActive(table model.CatalogTable, primary, secondary string) (*model.CatalogRefreshMessage, error)
	// Due returns pending rows ordered by (priority, nextAttemptAt).
	Due(now time.Time, limit int) ([]*model.CatalogRefreshMessage, error)
	Lease(messageID string, observedAttempt int) error
	Update(msg *model.CatalogRefreshMessage) error
	DeleteTerminalBefore(cutoff time.Time) (int, error)
}

// BucketRepo persists rate-limit bucket state.
type BucketRepo interface {
	Get(tenantID string, p model.Provider) (*model.RateLimitBucket, error)
	Put(b *model.RateLimitBucket) error
}

// CatalogRepo stores the shared reference catalog.
type CatalogRepo interface {
	UpsertPart(p *model.Part) error
	GetPart(partNumber string) (*model.Part, error)
	UpsertColor(c *model.Color) error
	GetColor(colorID string) (*model.Color, error)
	UpsertCategory(c *model.Category) error
	GetCategory(categoryID string) (*model.Category, error)
	UpsertPartColor(pc *model.PartColor) error
	GetPartColor(partNumber, colorID string) (*model.PartColor, error)
	UpsertPartPrice(pp *model.PartPrice) error
	GetPartPrice(partNumber, colorID string, cond model.Condition, guide string) (*model.PartPrice, error)
}

// CredentialRepo stores tenant marketplace credentials.
type CredentialRepo interface {
	Get(tenantID string, p model.Provider) (*model.TenantCredentials, error)
	Put(c *model.TenantCredentials) error
	// Tenants lists tenant IDs with at least one enabled provider.
	Tenants() ([]string, error)
}

// WebhookRepo records webhook deliveries for replay suppression.
type WebhookRepo interface {
	// Record inserts the event; returns false when the dedupe key was
	// already seen.
	Record(e *model.WebhookEvent) (bool, error)
	DeleteBefore(cutoff time.Time) (int, error)
}
