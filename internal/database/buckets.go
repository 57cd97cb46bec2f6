package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/1benisin/brickops-sub002/internal/model"
)

type pgBuckets struct {
	tx *sql.Tx
}

func (r *pgBuckets) Get(tenantID string, p model.Provider) (*model.RateLimitBucket, error) {
	var (
		b        model.RateLimitBucket
		windowMs int64
		openTill sql.NullTime
	)
	err := r.tx.QueryRow(`
		SELECT tenant_id, provider, capacity, window_duration_ms, window_start,
		       request_count, consecutive_failures, circuit_open_until
		FROM rate_limit_buckets WHERE tenant_id = $1 AND provider = $2`,
		tenantID, string(p),
	).Scan(&b.TenantID, &b.Provider, &b.Capacity, &windowMs, &b.WindowStart,
		&b.RequestCount, &b.ConsecutiveFailures, &openTill)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bucket %s/%s: %w", tenantID, p, err)
	}
	b.WindowDuration = time.Duration(windowMs) * time.Millisecond
	if openTill.Valid {
		b.CircuitOpenUntil = openTill.Time
	}
	return &b, nil
}

func (r *pgBuckets) Put(b *model.RateLimitBucket) error {
	var openTill interface{}
	if !b.CircuitOpenUntil.IsZero() {
		openTill = b.CircuitOpenUntil
	}
	_, err := r.tx.Exec(`
		INSERT INTO rate_limit_buckets
			(tenant_id, provider, capacity, window_duration_ms, window_start,
			 request_count, consecutive_failures, circuit_open_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			capacity = EXCLUDED.capacity,
			window_duration_ms = EXCLUDED.window_duration_ms,
			window_start = EXCLUDED.window_start,
			request_count = EXCLUDED.request_count,
			consecutive_failures = EXCLUDED.consecutive_failures,
			circuit_open_until = EXCLUDED.circuit_open_until`,
		b.TenantID, string(b.Provider), b.Capacity, b.WindowDuration.Milliseconds(),
		b.WindowStart, b.RequestCount, b.ConsecutiveFailures, openTill,
	)
	if err != nil {
		return fmt.Errorf("put bucket %s/%s: %w", b.TenantID, b.Provider, err)
	}
	return nil
}

type pgCredentials struct {
	tx *sql.Tx
}

func (r *pgCredentials) Get(tenantID string, p model.Provider) (*model.TenantCredentials, error) {
	var c model.TenantCredentials
	err := r.tx.QueryRow(`
		SELECT tenant_id, provider, enabled, secret, updated_at
		FROM tenant_credentials WHERE tenant_id = $1 AND provider = $2`,
		tenantID, string(p),
	).Scan(&c.TenantID, &c.Provider, &c.Enabled, &c.Secret, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials %s/%s: %w", tenantID, p, err)
	}
	return &c, nil
}

func (r *pgCredentials) Put(c *model.TenantCredentials) error {
	_, err := r.tx.Exec(`
		INSERT INTO tenant_credentials (tenant_id, provider, enabled, secret, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			secret = EXCLUDED.secret,
			updated_at = EXCLUDED.updated_at`,
		c.TenantID, string(c.Provider), c.Enabled, c.Secret, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put credentials %s/%s: %w", c.TenantID, c.Provider, err)
	}
	return nil
}

func (r *pgCredentials) Tenants() ([]string, error) {
	rows, err := r.tx.Query(`
		SELECT DISTINCT tenant_id FROM tenant_credentials
		WHERE enabled ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type pgWebhooks struct {
	tx *sql.Tx
}

func (r *pgWebhooks) Record(e *model.WebhookEvent) (bool, error) {
	res, err := r.tx.Exec(`
		INSERT INTO webhook_events
			(dedupe_key, tenant_id, provider, event_type, resource_id, ts, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		e.DedupeKey(), e.TenantID, string(e.Provider), e.EventType, e.ResourceID,
		e.Timestamp, e.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record webhook: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *pgWebhooks) DeleteBefore(cutoff time.Time) (int, error) {
	res, err := r.tx.Exec(`DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc webhooks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
