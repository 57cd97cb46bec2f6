package model

import "time"

// Reference-catalog rows are shared across tenants and refreshed when stale
// (30 days by default) or when a marketplace webhook hints at a change.

// Part is one catalog part definition.
type Part struct {
	PartNumber    string    `json:"part_number"`
	Name          string    `json:"name"`
	CategoryID    string    `json:"category_id"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
}

// Color is one catalog color, with per-provider translated IDs.
type Color struct {
	ColorID       string              `json:"color_id"`
	Name          string              `json:"name"`
	ProviderIDs   map[Provider]string `json:"provider_ids"`
	LastFetchedAt time.Time           `json:"last_fetched_at"`
}

// Category groups parts.
type Category struct {
	CategoryID    string    `json:"category_id"`
	Name          string    `json:"name"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
}

// PartColor records that a part is known to exist in a color.
type PartColor struct {
	PartNumber    string    `json:"part_number"`
	ColorID       string    `json:"color_id"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
}

// PartPrice is one of the four price-guide variants for a part+color:
// new/used crossed with current stock/last sold.
type PartPrice struct {
	PartNumber    string    `json:"part_number"`
	ColorID       string    `json:"color_id"`
	Condition     Condition `json:"condition"`
	Guide         string    `json:"guide"` // "stock" or "sold"
	AvgPrice      float64   `json:"avg_price"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
}
