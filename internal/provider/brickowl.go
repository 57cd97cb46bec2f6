package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/1benisin/brickops-sub002/internal/model"
)

// ColorResolver translates a catalog color ID into the marketplace's own
// color ID. A missing translation is a missing_external_mapping outcome.
type ColorResolver func(ctx context.Context, colorID string) (string, error)

// BrickOwl mirrors lots on the BrickOwl API. Quantity updates carry either an
// absolute or a relative quantity; this adapter defaults to relative so
// concurrent marketplace-side sales are not clobbered.
type BrickOwl struct {
	http     *httpClient
	creds    CredentialFunc
	dedup    DedupLog
	colorFor ColorResolver
}

// NewBrickOwl builds the BrickOwl adapter.
func NewBrickOwl(baseURL string, rps float64, creds CredentialFunc, dedup DedupLog, colorFor ColorResolver) *BrickOwl {
	return &BrickOwl{
		http:     newHTTPClient(baseURL, rps),
		creds:    creds,
		dedup:    dedup,
		colorFor: colorFor,
	}
}

// Provider names the marketplace this adapter serves.
func (a *BrickOwl) Provider() model.Provider { return model.ProviderBrickOwl }

// CreateLot creates a mirrored lot and returns its BrickOwl lot ID.
func (a *BrickOwl) CreateLot(ctx context.Context, tenantID string, payload LotPayload, idempotencyKey string) (*CreateResult, error) {
	if lotID, done, err := a.dedup.Done(ctx, idempotencyKey); err != nil {
		return nil, &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	} else if done {
		return &CreateResult{ExternalLotID: lotID}, nil
	}

	owlColor, err := a.colorFor(ctx, payload.ColorID)
	if err != nil {
		return nil, err
	}
	token, err := a.creds(ctx, tenantID)
	if err != nil {
		return nil, &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}

	body := map[string]interface{}{
		"boid":      payload.PartNumber,
		"color_id":  owlColor,
		"quantity":  payload.Quantity,
		"condition": string(payload.Condition),
	}
	if payload.Price != nil {
		body["price"] = *payload.Price
	}
	if payload.Notes != "" {
		body["public_note"] = payload.Notes
	}

	var resp struct {
		LotID string `json:"lot_id"`
	}
	if err := a.http.doJSON(ctx, http.MethodPost, "/inventory/create", token, idempotencyKey, body, &resp); err != nil {
		return nil, err
	}
	if err := a.dedup.Mark(ctx, idempotencyKey, resp.LotID); err != nil {
		return nil, &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}
	return &CreateResult{ExternalLotID: resp.LotID}, nil
}

// UpdateLot adjusts a lot's quantity. Exactly one of Absolute or Relative
// must be set; callers choosing neither get the Delta as relative.
func (a *BrickOwl) UpdateLot(ctx context.Context, tenantID, externalLotID string, delta UpdateDelta, idempotencyKey string) error {
	if _, done, err := a.dedup.Done(ctx, idempotencyKey); err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	} else if done {
		return nil
	}

	token, err := a.creds(ctx, tenantID)
	if err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}

	body := map[string]interface{}{"lot_id": externalLotID}
	switch {
	case delta.Absolute != nil:
		body["absolute_quantity"] = *delta.Absolute
	case delta.Relative != nil:
		body["relative_quantity"] = *delta.Relative
	default:
		body["relative_quantity"] = delta.Delta
	}

	if err := a.http.doJSON(ctx, http.MethodPost, "/inventory/update", token, idempotencyKey, body, nil); err != nil {
		return err
	}
	if err := a.dedup.Mark(ctx, idempotencyKey, ""); err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}
	return nil
}

// DeleteLot removes a mirrored lot; already-gone lots count as deleted.
func (a *BrickOwl) DeleteLot(ctx context.Context, tenantID, externalLotID, idempotencyKey string) error {
	if _, done, err := a.dedup.Done(ctx, idempotencyKey); err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	} else if done {
		return nil
	}

	token, err := a.creds(ctx, tenantID)
	if err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}

	body := map[string]interface{}{"lot_id": externalLotID}
	err = a.http.doJSON(ctx, http.MethodPost, "/inventory/delete", token, idempotencyKey, body, nil)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if err := a.dedup.Mark(ctx, idempotencyKey, ""); err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}
	return nil
}

// FetchReference pulls one catalog entity from the BrickOwl catalog API.
func (a *BrickOwl) FetchReference(ctx context.Context, table model.CatalogTable, primaryKey, secondaryKey string) (*Reference, error) {
	switch table {
	case model.TableColor:
		var resp struct {
			ColorID string `json:"color_id"`
			Name    string `json:"name"`
			OwlID   string `json:"boid"`
		}
		path := "/catalog/color?id=" + url.QueryEscape(primaryKey)
		if err := a.http.doJSON(ctx, http.MethodGet, path, "", "", nil, &resp); err != nil {
			return nil, err
		}
		return &Reference{Color: &model.Color{
			ColorID: resp.ColorID,
			Name:    resp.Name,
			ProviderIDs: map[model.Provider]string{
				model.ProviderBrickOwl: resp.OwlID,
			},
		}}, nil
	case model.TablePart:
		var resp struct {
			BOID string `json:"boid"`
			Name string `json:"name"`
		}
		path := "/catalog/lookup?id=" + url.QueryEscape(primaryKey)
		if err := a.http.doJSON(ctx, http.MethodGet, path, "", "", nil, &resp); err != nil {
			return nil, err
		}
		return &Reference{Part: &model.Part{
			PartNumber: primaryKey,
			Name:       resp.Name,
		}}, nil
	}
	return nil, &model.AdapterError{
		Outcome: model.OutcomePermanent,
		Detail:  fmt.Sprintf("reference table %q not served by brickowl", table),
	}
}
