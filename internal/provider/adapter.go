// Package provider defines the uniform marketplace adapter contract and the
// HTTP adapters for BrickLink and BrickOwl. Adapters classify every failure
// into the pipeline's outcome taxonomy and suppress duplicate effects per
// idempotency key.
package provider

import (
	"context"
	"time"

	"github.com/1benisin/brickops-sub002/internal/model"
)

// LotPayload is the marketplace-agnostic snapshot sent on create.
type LotPayload struct {
	PartNumber string
	ColorID    string
	Condition  model.Condition
	Quantity   int64
	Price      *float64
	Notes      string
}

// UpdateDelta carries the quantity change for an update. BrickLink consumes
// the signed Delta; BrickOwl consumes exactly one of Absolute or Relative.
type UpdateDelta struct {
	Delta    int64
	Absolute *int64
	Relative *int64
}

// CreateResult is returned by a successful lot creation.
type CreateResult struct {
	ExternalLotID string
}

// Reference is one fetched reference-catalog entity; exactly one field is set
// according to the requested table.
type Reference struct {
	Part      *model.Part
	Color     *model.Color
	Category  *model.Category
	PartColor *model.PartColor
	Prices    []*model.PartPrice
}

// Adapter is the uniform marketplace contract. Implementations must suppress
// duplicate effects for the same idempotency key for at least 24 hours and
// must never return a raw transport error.
type Adapter interface {
	Provider() model.Provider
	CreateLot(ctx context.Context, tenantID string, payload LotPayload, idempotencyKey string) (*CreateResult, error)
	UpdateLot(ctx context.Context, tenantID, externalLotID string, delta UpdateDelta, idempotencyKey string) error
	DeleteLot(ctx context.Context, tenantID, externalLotID, idempotencyKey string) error
	FetchReference(ctx context.Context, table model.CatalogTable, primaryKey, secondaryKey string) (*Reference, error)
}

// CredentialFunc resolves a tenant's decrypted API token for the adapter's
// marketplace.
type CredentialFunc func(ctx context.Context, tenantID string) (string, error)

// DedupWindow is the minimum duplicate-suppression horizon.
const DedupWindow = 24 * time.Hour

// CallTimeout bounds every adapter call; exceeding it classifies as transient.
const CallTimeout = 30 * time.Second
