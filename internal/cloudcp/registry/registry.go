package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	_ "modernc.org/sqlite"
)

var (
	ErrPendingSignupExists = errors.New("pending signup already exists for customer")
	ErrAlreadyProcessed    = errors.New("pending signup already processed")
	ErrDuplicateEvent      = errors.New("payment event already recorded")
	ErrEmailExists         = errors.New("account email already registered")
	ErrSubscriptionExists  = errors.New("subscription already exists for tenant")
	ErrNotFound            = errors.New("record not found")
)

const (
	subscriptionCacheSize = 1024
	subscriptionCacheTTL  = 30 * time.Second
)

// TenantRegistry persists subscription state, deferred signups, the payment
// event log and identity accounts in SQLite.
type TenantRegistry struct {
	db       *sql.DB
	subCache *expirable.LRU[string, *SubscriptionRecord]
}

// NewTenantRegistry opens (or creates) the registry database in dir.
func NewTenantRegistry(dir string) (*TenantRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "navalha.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := NewTenantRegistryWithDB(db)
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewTenantRegistryWithDB wraps an already-open database. The caller owns
// schema creation.
func NewTenantRegistryWithDB(db *sql.DB) *TenantRegistry {
	return &TenantRegistry{
		db:       db,
		subCache: expirable.NewLRU[string, *SubscriptionRecord](subscriptionCacheSize, nil, subscriptionCacheTTL),
	}
}

func (r *TenantRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		tenant_id               TEXT PRIMARY KEY,
		status                  TEXT NOT NULL,
		plan                    TEXT NOT NULL,
		seat_count              INTEGER NOT NULL,
		monthly_value           TEXT NOT NULL,
		billing_method          TEXT NOT NULL DEFAULT '',
		gateway_customer_id     TEXT NOT NULL DEFAULT '',
		gateway_subscription_id TEXT NOT NULL DEFAULT '',
		failure_reason          TEXT NOT NULL DEFAULT '',
		start_date              INTEGER NOT NULL,
		last_payment_date       INTEGER,
		next_payment_date       INTEGER,
		overdue_start_date      INTEGER,
		end_date                INTEGER,
		created_at              INTEGER NOT NULL,
		updated_at              INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_gateway_customer ON subscriptions(gateway_customer_id);

	CREATE TABLE IF NOT EXISTS pending_signups (
		gateway_customer_id     TEXT PRIMARY KEY,
		gateway_subscription_id TEXT NOT NULL DEFAULT '',
		name                    TEXT NOT NULL,
		email                   TEXT NOT NULL,
		phone                   TEXT NOT NULL DEFAULT '',
		tax_id                  TEXT NOT NULL DEFAULT '',
		plan                    TEXT NOT NULL,
		seat_count              INTEGER NOT NULL,
		monthly_value           TEXT NOT NULL,
		billing_method          TEXT NOT NULL,
		encrypted_password      TEXT NOT NULL,
		processed               INTEGER NOT NULL DEFAULT 0,
		error                   TEXT NOT NULL DEFAULT '',
		tenant_id               TEXT NOT NULL DEFAULT '',
		expires_at              INTEGER NOT NULL,
		created_at              INTEGER NOT NULL,
		processed_at            INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_pending_signups_processed ON pending_signups(processed, expires_at);

	CREATE TABLE IF NOT EXISTS payment_events (
		id             TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		event_id       TEXT NOT NULL,
		type           TEXT NOT NULL,
		timestamp      INTEGER NOT NULL,
		amount         TEXT NOT NULL DEFAULT '0',
		billing_method TEXT NOT NULL DEFAULT '',
		raw_payload    TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_events_idempotency ON payment_events(tenant_id, event_id, type);

	CREATE TABLE IF NOT EXISTS accounts (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		email         TEXT NOT NULL UNIQUE,
		phone         TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *TenantRegistry) Ping() error {
	return r.db.Ping()
}

// Close closes the underlying database connection.
func (r *TenantRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
