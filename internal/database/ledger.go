package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/1benisin/brickops-sub002/internal/model"
)

type pgQLedger struct {
	tx *sql.Tx
}

func (r *pgQLedger) Append(e *model.QuantityLedgerEntry) error {
	_, err := r.tx.Exec(`
		INSERT INTO quantity_ledger
			(item_id, seq, ts, pre_available, delta_available, post_available,
			 reason, source, actor_id, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ItemID, e.Seq, e.Timestamp, e.PreAvailable, e.DeltaAvailable,
		e.PostAvailable, e.Reason, e.Source, e.ActorID, e.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("append ledger %s/%d: %w", e.ItemID, e.Seq, err)
	}
	return nil
}

func (r *pgQLedger) Last(itemID string) (*model.QuantityLedgerEntry, error) {
	e, err := r.scanOne(r.tx.QueryRow(
		ledgerSelect+" WHERE item_id = $1 ORDER BY seq DESC LIMIT 1", itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *pgQLedger) GetAt(itemID string, seq int64) (*model.QuantityLedgerEntry, error) {
	e, err := r.scanOne(r.tx.QueryRow(
		ledgerSelect+" WHERE item_id = $1 AND seq = $2", itemID, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %s/%d: %w", itemID, seq, model.ErrNotFound)
	}
	return e, err
}

func (r *pgQLedger) SumWindow(itemID string, fromSeqExclusive, toSeqInclusive int64) (int64, error) {
	var sum int64
	err := r.tx.QueryRow(`
		SELECT COALESCE(SUM(delta_available), 0) FROM quantity_ledger
		WHERE item_id = $1 AND seq > $2 AND seq <= $3`,
		itemID, fromSeqExclusive, toSeqInclusive,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum window %s (%d,%d]: %w", itemID, fromSeqExclusive, toSeqInclusive, err)
	}
	return sum, nil
}

func (r *pgQLedger) All(itemID string) ([]*model.QuantityLedgerEntry, error) {
	rows, err := r.tx.Query(ledgerSelect+" WHERE item_id = $1 ORDER BY seq", itemID)
	if err != nil {
		return nil, fmt.Errorf("ledger entries %s: %w", itemID, err)
	}
	defer rows.Close()
	var out []*model.QuantityLedgerEntry
	for rows.Next() {
		e, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const ledgerSelect = `
	SELECT item_id, seq, ts, pre_available, delta_available, post_available,
	       reason, source, actor_id, correlation_id
	FROM quantity_ledger`

func (r *pgQLedger) scanOne(row rowScanner) (*model.QuantityLedgerEntry, error) {
	var e model.QuantityLedgerEntry
	err := row.Scan(
		&e.ItemID, &e.Seq, &e.Timestamp, &e.PreAvailable, &e.DeltaAvailable,
		&e.PostAvailable, &e.Reason, &e.Source, &e.ActorID, &e.CorrelationID,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type pgLLedger struct {
	tx *sql.Tx
}

func (r *pgLLedger) Append(e *model.LocationLedgerEntry) error {
	_, err := r.tx.Exec(`
		INSERT INTO location_ledger
			(item_id, seq, ts, from_location, to_location, actor_id, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ItemID, e.Seq, e.Timestamp, e.FromLocation, e.ToLocation, e.ActorID, e.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("append location ledger %s/%d: %w", e.ItemID, e.Seq, err)
	}
	return nil
}

func (r *pgLLedger) All(itemID string) ([]*model.LocationLedgerEntry, error) {
	rows, err := r.tx.Query(`
		SELECT item_id, seq, ts, from_location, to_location, actor_id, correlation_id
		FROM location_ledger WHERE item_id = $1 ORDER BY seq`, itemID)
	if err != nil {
		return nil, fmt.Errorf("location ledger %s: %w", itemID, err)
	}
	defer rows.Close()
	var out []*model.LocationLedgerEntry
	for rows.Next() {
		var e model.LocationLedgerEntry
		if err := rows.Scan(&e.ItemID, &e.Seq, &e.Timestamp, &e.FromLocation,
			&e.ToLocation, &e.ActorID, &e.CorrelationID); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
