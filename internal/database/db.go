// Package database implements the store contract on PostgreSQL with raw
// parameterized SQL and an embedded schema.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

//go:embed schema.sql
var schemaFile embed.FS

// Config holds database configuration.
type Config struct {
	URL            string
	MaxConnections int
	MaxIdle        int
	ConnMaxLife    time.Duration
}

// DB wraps the SQL database connection and implements store.Store.
type DB struct {
	db  *sql.DB
	log *logger.Logger
}

// New creates a new database connection.
func New(cfg Config, log *logger.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLife)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database")
	return &DB{db: db, log: log}, nil
}

// InitSchema applies the embedded schema. Idempotent.
func (d *DB) InitSchema() error {
	schema, err := schemaFile.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := d.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	d.log.Info("database schema initialized")
	return nil
}

// WithTx runs fn inside one SQL transaction.
func (d *DB) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	t := &pgTx{tx: sqlTx}
	if err := fn(t); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			d.log.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (d *DB) Close() error { return d.db.Close() }

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Items() store.ItemRepo                    { return &pgItems{tx: t.tx} }
func (t *pgTx) QuantityLedger() store.QuantityLedgerRepo { return &pgQLedger{tx: t.tx} }
func (t *pgTx) LocationLedger() store.LocationLedgerRepo { return &pgLLedger{tx: t.tx} }
func (t *pgTx) Outbox() store.OutboxRepo                 { return &pgOutbox{tx: t.tx} }
func (t *pgTx) CatalogOutbox() store.CatalogOutboxRepo   { return &pgCatalogOutbox{tx: t.tx} }
func (t *pgTx) Buckets() store.BucketRepo                { return &pgBuckets{tx: t.tx} }
func (t *pgTx) Catalog() store.CatalogRepo               { return &pgCatalog{tx: t.tx} }
func (t *pgTx) Credentials() store.CredentialRepo        { return &pgCredentials{tx: t.tx} }
func (t *pgTx) Webhooks() store.WebhookRepo              { return &pgWebhooks{tx: t.tx} }
