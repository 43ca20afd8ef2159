package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const defaultEventListLimit = 100

// HasPaymentEvent reports whether (eventID, eventType) was already applied
// to tenantID.
func (r *TenantRegistry) HasPaymentEvent(ctx context.Context, tenantID, eventID, eventType string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_events
		WHERE tenant_id = ? AND event_id = ? AND type = ?`, tenantID, eventID, eventType).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup payment event: %w", err)
	}
	return n > 0, nil
}

// AppendPaymentEvent appends an entry to the tenant's event log. A second
// append of the same (tenant, event, type) fails with ErrDuplicateEvent.
func (r *TenantRegistry) AppendPaymentEvent(ctx context.Context, e *PaymentEvent) error {
	if e == nil {
		return fmt.Errorf("payment event is nil")
	}
	if strings.TrimSpace(e.TenantID) == "" || strings.TrimSpace(e.EventID) == "" || strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("payment event requires tenant id, event id and type")
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO payment_events (
			id, tenant_id, event_id, type, timestamp, amount, billing_method, raw_payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.EventID, e.Type, e.Timestamp.UTC().Unix(), e.Amount.String(), e.BillingMethod, e.RawPayload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("append payment event: %w", err)
	}
	return nil
}

// ListPaymentEvents returns the most recent events for a tenant, newest first.
func (r *TenantRegistry) ListPaymentEvents(ctx context.Context, tenantID string, limit int) ([]*PaymentEvent, error) {
	if limit <= 0 {
		limit = defaultEventListLimit
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, tenant_id, event_id, type, timestamp, amount, billing_method, raw_payload
		FROM payment_events WHERE tenant_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payment events: %w", err)
	}
	defer rows.Close()

	var out []*PaymentEvent
	for rows.Next() {
		var e PaymentEvent
		var ts int64
		var amount string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EventID, &e.Type, &ts, &amount, &e.BillingMethod, &e.RawPayload); err != nil {
			return nil, fmt.Errorf("scan payment event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount for event %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
