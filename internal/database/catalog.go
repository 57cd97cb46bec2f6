package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/1benisin/brickops-sub002/internal/model"
)

type pgCatalog struct {
	tx *sql.Tx
}

func (r *pgCatalog) UpsertPart(p *model.Part) error {
	_, err := r.tx.Exec(`
		INSERT INTO catalog_parts (part_number, name, category_id, last_fetched_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (part_number) DO UPDATE SET
			name = EXCLUDED.name,
			category_id = EXCLUDED.category_id,
			last_fetched_at = EXCLUDED.last_fetched_at`,
		p.PartNumber, p.Name, p.CategoryID, p.LastFetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert part %s: %w", p.PartNumber, err)
	}
	return nil
}

func (r *pgCatalog) GetPart(partNumber string) (*model.Part, error) {
	var p model.Part
	err := r.tx.QueryRow(`
		SELECT part_number, name, category_id, last_fetched_at
		FROM catalog_parts WHERE part_number = $1`, partNumber,
	).Scan(&p.PartNumber, &p.Name, &p.CategoryID, &p.LastFetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("part %s: %w", partNumber, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get part %s: %w", partNumber, err)
	}
	return &p, nil
}

func (r *pgCatalog) UpsertColor(c *model.Color) error {
	ids, err := json.Marshal(c.ProviderIDs)
	if err != nil {
		return fmt.Errorf("marshal provider ids: %w", err)
	}
	_, err = r.tx.Exec(`
		INSERT INTO catalog_colors (color_id, name, provider_ids, last_fetched_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (color_id) DO UPDATE SET
			name = EXCLUDED.name,
			provider_ids = EXCLUDED.provider_ids,
			last_fetched_at = EXCLUDED.last_fetched_at`,
		c.ColorID, c.Name, ids, c.LastFetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert color %s: %w", c.ColorID, err)
	}
	return nil
}

func (r *pgCatalog) GetColor(colorID string) (*model.Color, error) {
	var (
		c   model.Color
		ids []byte
	)
	err := r.tx.QueryRow(`
		SELECT color_id, name, provider_ids, last_fetched_at
		FROM catalog_colors WHERE color_id = $1`, colorID,
	).Scan(&c.ColorID, &c.Name, &ids, &c.LastFetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("color %s: %w", colorID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get color %s: %w", colorID, err)
	}
	if err := json.Unmarshal(ids, &c.ProviderIDs); err != nil {
		return nil, fmt.Errorf("unmarshal provider ids: %w", err)
	}
	return &c, nil
}

func (r *pgCatalog) UpsertCategory(c *model.Category) error {
	_, err := r.tx.Exec(`
		INSERT INTO catalog_categories (category_id, name, last_fetched_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (category_id) DO UPDATE SET
			name = EXCLUDED.name,
			last_fetched_at = EXCLUDED.last_fetched_at`,
		c.CategoryID, c.Name, c.LastFetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert category %s: %w", c.CategoryID, err)
	}
	return nil
}

func (r *pgCatalog) GetCategory(categoryID string) (*model.Category, error) {
	var c model.Category
	err := r.tx.QueryRow(`
		SELECT category_id, name, last_fetched_at
		FROM catalog_categories WHERE category_id = $1`, categoryID,
	).Scan(&c.CategoryID, &c.Name, &c.LastFetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("category %s: %w", categoryID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get category %s: %w", categoryID, err)
	}
	return &c, nil
}

func (r *pgCatalog) UpsertPartColor(pc *model.PartColor) error {
	_, err := r.tx.Exec(`
		INSERT INTO catalog_part_colors (part_number, color_id, last_fetched_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (part_number, color_id) DO UPDATE SET
			last_fetched_at = EXCLUDED.last_fetched_at`,
		pc.PartNumber, pc.ColorID, pc.LastFetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert part color %s/%s: %w", pc.PartNumber, pc.ColorID, err)
	}
	return nil
}

func (r *pgCatalog) GetPartColor(partNumber, colorID string) (*model.PartColor, error) {
	var pc model.PartColor
	err := r.tx.QueryRow(`
		SELECT part_number, color_id, last_fetched_at
		FROM catalog_part_colors WHERE part_number = $1 AND color_id = $2`,
		partNumber, colorID,
	).Scan(&pc.PartNumber, &pc.ColorID, &pc.LastFetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("part color %s/%s: %w", partNumber, colorID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get part color: %w", err)
	}
	return &pc, nil
}

func (r *pgCatalog) UpsertPartPrice(pp *model.PartPrice) error {
	_, err := r.tx.Exec(`
		INSERT INTO catalog_part_prices
			(part_number, color_id, condition, guide, avg_price, last_fetched_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (part_number, color_id, condition, guide) DO UPDATE SET
			avg_price = EXCLUDED.avg_price,
			last_fetched_at = EXCLUDED.last_fetched_at`,
		pp.PartNumber, pp.ColorID, string(pp.Condition), pp.Guide, pp.AvgPrice, pp.LastFetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert price %s/%s: %w", pp.PartNumber, pp.ColorID, err)
	}
	return nil
}

func (r *pgCatalog) GetPartPrice(partNumber, colorID string, cond model.Condition, guide string) (*model.PartPrice, error) {
	var pp model.PartPrice
	err := r.tx.QueryRow(`
		SELECT part_number, color_id, condition, guide, avg_price, last_fetched_at
		FROM catalog_part_prices
		WHERE part_number = $1 AND color_id = $2 AND condition = $3 AND guide = $4`,
		partNumber, colorID, string(cond), guide,
	).Scan(&pp.PartNumber, &pp.ColorID, &pp.Condition, &pp.Guide, &pp.AvgPrice, &pp.LastFetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("price %s/%s: %w", partNumber, colorID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}
	return &pp, nil
}
