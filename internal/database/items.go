package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
)

type pgItems struct {
	tx *sql.Tx
}

func (r *pgItems) Insert(item *model.InventoryItem) error {
	syncJSON, err := json.Marshal(item.MarketplaceSync)
	if err != nil {
		return fmt.Errorf("marshal marketplace sync: %w", err)
	}
	_, err = r.tx.Exec(`
		INSERT INTO inventory_items
			(tenant_id, item_id, part_number, color_id, location, condition,
			 quantity_available, quantity_reserved, price, notes, file_id,
			 is_archived, marketplace_sync, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		item.TenantID, item.ItemID, item.PartNumber, item.ColorID, item.Location,
		item.Condition, item.QuantityAvailable, item.QuantityReserved, item.Price,
		item.Notes, item.FileID, item.IsArchived, syncJSON, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", item.ItemID, err)
	}
	return nil
}

func (r *pgItems) Get(tenantID, itemID string) (*model.InventoryItem, error) {
	row := r.tx.QueryRow(`
		SELECT tenant_id, item_id, part_number, color_id, location, condition,
		       quantity_available, quantity_reserved, price, notes, file_id,
		       is_archived, marketplace_sync, created_at, updated_at
		FROM inventory_items WHERE tenant_id = $1 AND item_id = $2`,
		tenantID, itemID,
	)
	return scanItem(row)
}

func (r *pgItems) Update(item *model.InventoryItem) error {
	syncJSON, err := json.Marshal(item.MarketplaceSync)
	if err != nil {
		return fmt.Errorf("marshal marketplace sync: %w", err)
	}
	res, err := r.tx.Exec(`
		UPDATE inventory_items SET
			part_number = $3, color_id = $4, location = $5, condition = $6,
			quantity_available = $7, quantity_reserved = $8, price = $9,
			notes = $10, file_id = $11, is_archived = $12,
			marketplace_sync = $13, updated_at = $14
		WHERE tenant_id = $1 AND item_id = $2`,
		item.TenantID, item.ItemID, item.PartNumber, item.ColorID, item.Location,
		item.Condition, item.QuantityAvailable, item.QuantityReserved, item.Price,
		item.Notes, item.FileID, item.IsArchived, syncJSON, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update item %s: %w", item.ItemID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("item %s: %w", item.ItemID, model.ErrNotFound)
	}
	return nil
}

// itemColumns maps QuerySpec field names onto SQL columns. Unknown fields are
// a validation error, never interpolated.
var itemColumns = map[string]string{
	"part_number":        "part_number",
	"color_id":           "color_id",
	"location":           "location",
	"condition":          "condition",
	"quantity_available": "quantity_available",
	"is_archived":        "is_archived",
	"file_id":            "file_id",
	"item_id":            "item_id",
	"created_at":         "created_at",
	"updated_at":         "updated_at",
}

func (r *pgItems) List(tenantID string, spec store.QuerySpec) ([]*model.InventoryItem, string, error) {
	var (
		conds = []string{"tenant_id = $1"}
		args  = []interface{}{tenantID}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	for field, f := range spec.Filters {
		col, ok := itemColumns[field]
		if !ok {
			return nil, "", fmt.Errorf("unknown field %q: %w", field, model.ErrValidation)
		}
		switch f.Kind {
		case "eq":
			conds = append(conds, fmt.Sprintf("%s = %s", col, arg(f.Value)))
		case "prefix":
			conds = append(conds, fmt.Sprintf("%s LIKE %s", col, arg(f.Prefix+"%")))
		case "range":
			if f.Min != nil {
				conds = append(conds, fmt.Sprintf("%s >= %s", col, arg(f.Min)))
			}
			if f.Max != nil {
				conds = append(conds, fmt.Sprintf("%s <= %s", col, arg(f.Max)))
			}
		default:
			return nil, "", fmt.Errorf("unknown filter kind %q: %w", f.Kind, model.ErrValidation)
		}
	}

	order := make([]string, 0, len(spec.Sort)+1)
	for _, k := range spec.Sort {
		col, ok := itemColumns[k.Field]
		if !ok {
			return nil, "", fmt.Errorf("unknown sort field %q: %w", k.Field, model.ErrValidation)
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		order = append(order, col+" "+dir)
	}
	order = append(order, "item_id ASC")

	size := spec.PageSize
	if size <= 0 || size > store.MaxPageSize {
		size = store.MaxPageSize
	}
	// Fetch one extra row to detect whether another page exists.
	query := fmt.Sprintf(
		"SELECT tenant_id, item_id, part_number, color_id, location, condition, quantity_available, quantity_reserved, price, notes, file_id, is_archived, marketplace_sync, created_at, updated_at FROM inventory_items WHERE %s ORDER BY %s",
		strings.Join(conds, " AND "), strings.Join(order, ", "),
	)

	rows, err := r.tx.Query(query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var (
		out     []*model.InventoryItem
		skip    = spec.Cursor != ""
		nextCur string
	)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, "", err
		}
		if skip {
			if it.ItemID == spec.Cursor {
				skip = false
			}
			continue
		}
		if len(out) == size {
			nextCur = out[len(out)-1].ItemID
			break
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list items: %w", err)
	}
	return out, nextCur, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*model.InventoryItem, error) {
	var (
		it       model.InventoryItem
		price    sql.NullFloat64
		syncJSON []byte
	)
	err := row.Scan(
		&it.TenantID, &it.ItemID, &it.PartNumber, &it.ColorID, &it.Location,
		&it.Condition, &it.QuantityAvailable, &it.QuantityReserved, &price,
		&it.Notes, &it.FileID, &it.IsArchived, &syncJSON, &it.CreatedAt, &it.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	if price.Valid {
		it.Price = &price.Float64
	}
	if err := json.Unmarshal(syncJSON, &it.MarketplaceSync); err != nil {
		return nil, fmt.Errorf("unmarshal marketplace sync: %w", err)
	}
	if it.MarketplaceSync == nil {
		it.MarketplaceSync = make(map[model.Provider]*model.ProviderSyncState)
	}
	return &it, nil
}
