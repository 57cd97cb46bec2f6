package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/1benisin/brickops-sub002/internal/model"
)

type pgOutbox struct {
	tx *sql.Tx
}

const outboxSelect = `
	SELECT message_id, tenant_id, item_id, provider, kind, from_seq_exclusive,
	       to_seq_inclusive, idempotency_key, status, attempt, next_attempt_at,
	       last_error, correlation_id, created_at
	FROM marketplace_outbox`

func (r *pgOutbox) Insert(msg *model.OutboxMessage) error {
	_, err := r.tx.Exec(`
		INSERT INTO marketplace_outbox
			(message_id, tenant_id, item_id, provider, kind, from_seq_exclusive,
			 to_seq_inclusive, idempotency_key, status, attempt, next_attempt_at,
			 last_error, correlation_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		msg.MessageID, msg.TenantID, msg.ItemID, msg.Provider, msg.Kind,
		msg.FromSeqExclusive, msg.ToSeqInclusive, msg.IdempotencyKey, msg.Status,
		msg.Attempt, msg.NextAttemptAt, msg.LastError, msg.CorrelationID, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", msg.MessageID, err)
	}
	return nil
}

func (r *pgOutbox) Get(messageID string) (*model.OutboxMessage, error) {
	m, err := scanOutbox(r.tx.QueryRow(outboxSelect+" WHERE message_id = $1", messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox %s: %w", messageID, model.ErrNotFound)
	}
	return m, err
}

func (r *pgOutbox) Due(now time.Time, limit int) ([]*model.OutboxMessage, error) {
	rows, err := r.tx.Query(
		outboxSelect+` WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at, created_at, to_seq_inclusive LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due outbox: %w", err)
	}
	defer rows.Close()
	var out []*model.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Lease flips pending→inflight with a compare-and-set. The guard subqueries
// enforce the single-inflight and FIFO rules for the (item, provider) pair
// inside the same statement.
func (r *pgOutbox) Lease(messageID string, observedAttempt int) error {
	res, err := r.tx.Exec(`
		UPDATE marketplace_outbox o SET status = 'inflight'
		WHERE o.message_id = $1 AND o.status = 'pending' AND o.attempt = $2
		  AND NOT EXISTS (
			SELECT 1 FROM marketplace_outbox s
			WHERE s.item_id = o.item_id AND s.provider = o.provider
			  AND s.status = 'inflight')
		  AND NOT EXISTS (
			SELECT 1 FROM marketplace_outbox s
			WHERE s.item_id = o.item_id AND s.provider = o.provider
			  AND s.status = 'pending'
			  AND (s.to_seq_inclusive < o.to_seq_inclusive
			    OR (s.to_seq_inclusive = o.to_seq_inclusive
			      AND s.from_seq_exclusive < o.from_seq_exclusive)))`,
		messageID, observedAttempt,
	)
	if err != nil {
		return fmt.Errorf("lease outbox %s: %w", messageID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("outbox %s: %w", messageID, model.ErrConflict)
	}
	return nil
}

func (r *pgOutbox) Update(msg *model.OutboxMessage) error {
	res, err := r.tx.Exec(`
		UPDATE marketplace_outbox SET
			status = $2, attempt = $3, next_attempt_at = $4, last_error = $5
		WHERE message_id = $1`,
		msg.MessageID, msg.Status, msg.Attempt, msg.NextAttemptAt, msg.LastError,
	)
	if err != nil {
		return fmt.Errorf("update outbox %s: %w", msg.MessageID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("outbox %s: %w", msg.MessageID, model.ErrNotFound)
	}
	return nil
}

func (r *pgOutbox) PendingForItem(itemID string, p model.Provider) ([]*model.OutboxMessage, error) {
	return r.nonTerminal(outboxSelect+` WHERE item_id = $1 AND provider = $2
		AND status IN ('pending','inflight') ORDER BY to_seq_inclusive, from_seq_exclusive`, itemID, string(p))
}

func (r *pgOutbox) NonTerminalForItem(itemID string) ([]*model.OutboxMessage, error) {
	return r.nonTerminal(outboxSelect+` WHERE item_id = $1
		AND status IN ('pending','inflight') ORDER BY to_seq_inclusive, from_seq_exclusive`, itemID)
}

func (r *pgOutbox) nonTerminal(query string, args ...interface{}) ([]*model.OutboxMessage, error) {
	rows, err := r.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()
	var out []*model.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *pgOutbox) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	res, err := r.tx.Exec(`
		DELETE FROM marketplace_outbox
		WHERE status IN ('succeeded','failed') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanOutbox(row rowScanner) (*model.OutboxMessage, error) {
	var m model.OutboxMessage
	err := row.Scan(
		&m.MessageID, &m.TenantID, &m.ItemID, &m.Provider, &m.Kind,
		&m.FromSeqExclusive, &m.ToSeqInclusive, &m.IdempotencyKey, &m.Status,
		&m.Attempt, &m.NextAttemptAt, &m.LastError, &m.CorrelationID, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type pgCatalogOutbox struct {
	tx *sql.Tx
}

const refreshSelect = `
	SELECT message_id, table_name, primary_key, secondary_key, priority, status,
	       attempt, next_attempt_at, last_error, created_at
	FROM catalog_refresh_outbox`

func (r *pgCatalogOutbox) Insert(msg *model.CatalogRefreshMessage) error {
	_, err := r.tx.Exec(`
		INSERT INTO catalog_refresh_outbox
			(message_id, table_name, primary_key, secondary_key, priority,
			 status, attempt, next_attempt_at, last_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		msg.MessageID, msg.TableName, msg.PrimaryKey, msg.SecondaryKey,
		msg.Priority, msg.Status, msg.Attempt, msg.NextAttemptAt, msg.LastError, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refresh %s: %w", msg.MessageID, err)
	}
	return nil
}

func (r *pgCatalogOutbox) FindActive(table model.CatalogTable, primary, secondary string) (*model.CatalogRefreshMessage, error) {
	m, err := scanRefresh(r.tx.QueryRow(
		refreshSelect+` WHERE table_name = $1 AND primary_key = $2
		AND secondary_key = $3 AND status IN ('pending','inflight') LIMIT 1`,
		string(table), primary, secondary,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (r *pgCatalogOutbox) Due(now time.Time, limit int) ([]*model.CatalogRefreshMessage, error) {
	rows, err := r.tx.Query(
		refreshSelect+` WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY priority, next_attempt_at LIMIT $2`, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due refresh: %w", err)
	}
	defer rows.Close()
	var out []*model.CatalogRefreshMessage
	for rows.Next() {
		m, err := scanRefresh(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *pgCatalogOutbox) Lease(messageID string, observedAttempt int) error {
	res, err := r.tx.Exec(`
		UPDATE catalog_refresh_outbox SET status = 'inflight'
		WHERE message_id = $1 AND status = 'pending' AND attempt = $2`,
		messageID, observedAttempt,
	)
	if err != nil {
		return fmt.Errorf("lease refresh %s: %w", messageID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("refresh %s: %w", messageID, model.ErrConflict)
	}
	return nil
}

func (r *pgCatalogOutbox) Update(msg *model.CatalogRefreshMessage) error {
	res, err := r.tx.Exec(`
		UPDATE catalog_refresh_outbox SET
			status = $2, attempt = $3, next_attempt_at = $4, last_error = $5
		WHERE message_id = $1`,
		msg.MessageID, msg.Status, msg.Attempt, msg.NextAttemptAt, msg.LastError,
	)
	if err != nil {
		return fmt.Errorf("update refresh %s: %w", msg.MessageID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("refresh %s: %w", msg.MessageID, model.ErrNotFound)
	}
	return nil
}

func (r *pgCatalogOutbox) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	res, err := r.tx.Exec(`
		DELETE FROM catalog_refresh_outbox
		WHERE status IN ('succeeded','failed') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc refresh: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRefresh(row rowScanner) (*model.CatalogRefreshMessage, error) {
	var m model.CatalogRefreshMessage
	err := row.Scan(
		&m.MessageID, &m.TableName, &m.PrimaryKey, &m.SecondaryKey, &m.Priority,
		&m.Status, &m.Attempt, &m.NextAttemptAt, &m.LastError, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
