package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/1benisin/brickops-sub002/internal/model"
)

// BrickLink mirrors lots on the BrickLink store API. Quantity updates travel
// as signed-delta strings ("+5", "-3").
type BrickLink struct {
	http  *httpClient
	creds CredentialFunc
	dedup DedupLog
}

// NewBrickLink builds the BrickLink adapter.
func NewBrickLink(baseURL string, rps float64, creds CredentialFunc, dedup DedupLog) *BrickLink {
	return &BrickLink{
		http:  newHTTPClient(baseURL, rps),
		creds: creds,
		dedup: dedup,
	}
}

// Provider names the marketplace this adapter serves.
func (a *BrickLink) Provider() model.Provider { return model.ProviderBrickLink }

type blLotRequest struct {
	Item struct {
		No   string `json:"no"`
		Type string `json:"type"`
	} `json:"item"`
	ColorID     string `json:"color_id"`
	Quantity    int64  `json:"quantity"`
	Condition   string `json:"new_or_used"`
	UnitPrice   string `json:"unit_price,omitempty"`
	Description string `json:"description,omitempty"`
}

type blLotResponse struct {
	Data struct {
		InventoryID int64 `json:"inventory_id"`
	} `json:"data"`
}

// CreateLot creates a mirrored lot and returns its BrickLink inventory ID.
func (a *BrickLink) CreateLot(ctx context.Context, tenantID string, payload LotPayload, idempotencyKey string) (*CreateResult, error) {
	if lotID, done, err := a.dedup.Done(ctx, idempotencyKey); err != nil {
		return nil, &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	} else if done {
		return &CreateResult{ExternalLotID: lotID}, nil
	}

	token, err := a.creds(ctx, tenantID)
	if err != nil {
		return nil, &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}

	var req blLotRequest
	req.Item.No = payload.PartNumber
	req.Item.Type = "PART"
	req.ColorID = payload.ColorID
	req.Quantity = payload.Quantity
	req.Condition = blCondition(payload.Condition)
	if payload.Price != nil {
		req.UnitPrice = fmt.Sprintf("%.4f", *payload.Price)
	}
	req.Description = payload.Notes

	var resp blLotResponse
	if err := a.http.doJSON(ctx, http.MethodPost, "/inventories", token, idempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	lotID := fmt.Sprintf("%d", resp.Data.InventoryID)
	if err := a.dedup.Mark(ctx, idempotencyKey, lotID); err != nil {
		return nil, &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}
	return &CreateResult{ExternalLotID: lotID}, nil
}

// UpdateLot applies a signed quantity delta to an existing lot.
func (a *BrickLink) UpdateLot(ctx context.Context, tenantID, externalLotID string, delta UpdateDelta, idempotencyKey string) error {
	if _, done, err := a.dedup.Done(ctx, idempotencyKey); err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	} else if done {
		return nil
	}

	token, err := a.creds(ctx, tenantID)
	if err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}

	body := map[string]string{"quantity": signedDelta(delta.Delta)}
	path := "/inventories/" + url.PathEscape(externalLotID)
	if err := a.http.doJSON(ctx, http.MethodPut, path, token, idempotencyKey, body, nil); err != nil {
		return err
	}
	if err := a.dedup.Mark(ctx, idempotencyKey, ""); err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}
	return nil
}

// DeleteLot removes a mirrored lot. A lot already gone upstream counts as
// deleted.
func (a *BrickLink) DeleteLot(ctx context.Context, tenantID, externalLotID, idempotencyKey string) error {
	if _, done, err := a.dedup.Done(ctx, idempotencyKey); err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	} else if done {
		return nil
	}

	token, err := a.creds(ctx, tenantID)
	if err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}

	path := "/inventories/" + url.PathEscape(externalLotID)
	err = a.http.doJSON(ctx, http.MethodDelete, path, token, idempotencyKey, nil, nil)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if err := a.dedup.Mark(ctx, idempotencyKey, ""); err != nil {
		return &model.AdapterError{Outcome: model.OutcomeTransient, Detail: err.Error()}
	}
	return nil
}

// FetchReference pulls one catalog entity from the BrickLink catalog API.
func (a *BrickLink) FetchReference(ctx context.Context, table model.CatalogTable, primaryKey, secondaryKey string) (*Reference, error) {
	switch table {
	case model.TablePart:
		var resp struct {
			Data struct {
				No         string `json:"no"`
				Name       string `json:"name"`
				CategoryID string `json:"category_id"`
			} `json:"data"`
		}
		if err := a.http.doJSON(ctx, http.MethodGet, "/items/PART/"+url.PathEscape(primaryKey), "", "", nil, &resp); err != nil {
			return nil, err
		}
		return &Reference{Part: &model.Part{
			PartNumber: resp.Data.No,
			Name:       resp.Data.Name,
			CategoryID: resp.Data.CategoryID,
		}}, nil
	case model.TableColor:
		var resp struct {
			Data struct {
				ColorID string `json:"color_id"`
				Name    string `json:"color_name"`
			} `json:"data"`
		}
		if err := a.http.doJSON(ctx, http.MethodGet, "/colors/"+url.PathEscape(primaryKey), "", "", nil, &resp); err != nil {
			return nil, err
		}
		return &Reference{Color: &model.Color{
			ColorID: resp.Data.ColorID,
			Name:    resp.Data.Name,
			ProviderIDs: map[model.Provider]string{
				model.ProviderBrickLink: resp.Data.ColorID,
			},
		}}, nil
	case model.TableCategory:
		var resp struct {
			Data struct {
				CategoryID string `json:"category_id"`
				Name       string `json:"category_name"`
			} `json:"data"`
		}
		if err := a.http.doJSON(ctx, http.MethodGet, "/categories/"+url.PathEscape(primaryKey), "", "", nil, &resp); err != nil {
			return nil, err
		}
		return &Reference{Category: &model.Category{
			CategoryID: resp.Data.CategoryID,
			Name:       resp.Data.Name,
		}}, nil
	case model.TablePartColor:
		var resp struct {
			Data []struct {
				ColorID string `json:"color_id"`
			} `json:"data"`
		}
		if err := a.http.doJSON(ctx, http.MethodGet, "/items/PART/"+url.PathEscape(primaryKey)+"/colors", "", "", nil, &resp); err != nil {
			return nil, err
		}
		for _, c := range resp.Data {
			if c.ColorID == secondaryKey {
				return &Reference{PartColor: &model.PartColor{PartNumber: primaryKey, ColorID: secondaryKey}}, nil
			}
		}
		return nil, &model.AdapterError{Outcome: model.OutcomeNotFound, Detail: "part/color combination unknown"}
	case model.TablePriceGuide:
		ref := &Reference{}
		for _, cond := range []model.Condition{model.ConditionNew, model.ConditionUsed} {
			for _, guide := range []string{"stock", "sold"} {
				var resp struct {
					Data struct {
						AvgPrice string `json:"avg_price"`
					} `json:"data"`
				}
				path := fmt.Sprintf("/items/PART/%s/price?color_id=%s&new_or_used=%s&guide_type=%s",
					url.PathEscape(primaryKey), url.QueryEscape(secondaryKey), blCondition(cond), guide)
				if err := a.http.doJSON(ctx, http.MethodGet, path, "", "", nil, &resp); err != nil {
					return nil, err
				}
				var avg float64
				fmt.Sscanf(resp.Data.AvgPrice, "%f", &avg)
				ref.Prices = append(ref.Prices, &model.PartPrice{
					PartNumber: primaryKey,
					ColorID:    secondaryKey,
					Condition:  cond,
					Guide:      guide,
					AvgPrice:   avg,
				})
			}
		}
		return ref, nil
	}
	return nil, &model.AdapterError{Outcome: model.OutcomePermanent, Detail: fmt.Sprintf("unknown reference table %q", table)}
}

func blCondition(c model.Condition) string {
	if c == model.ConditionUsed {
		return "U"
	}
	return "N"
}

// signedDelta renders a delta with an explicit sign, as the API requires.
func signedDelta(d int64) string {
	if d >= 0 {
		return fmt.Sprintf("+%d", d)
	}
	return fmt.Sprintf("%d", d)
}
