package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const subscriptionColumns = `
	tenant_id, status, plan, seat_count, monthly_value, billing_method,
	gateway_customer_id, gateway_subscription_id, failure_reason,
	start_date, last_payment_date, next_payment_date, overdue_start_date, end_date,
	created_at, updated_at`

// CreateSubscription inserts a new subscription record.
func (r *TenantRegistry) CreateSubscription(ctx context.Context, s *SubscriptionRecord) error {
	if err := s.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.TenantID, string(s.Status), string(s.Plan), s.SeatCount, s.MonthlyValue.StringFixed(2), string(s.BillingMethod),
		s.GatewayCustomerID, s.GatewaySubscriptionID, s.FailureReason,
		s.StartDate.UTC().Unix(), nullableTimeUnix(s.LastPaymentDate), nullableTimeUnix(s.NextPaymentDate),
		nullableTimeUnix(s.OverdueStartDate), nullableTimeUnix(s.EndDate),
		s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSubscriptionExists
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	r.subCache.Remove(s.TenantID)
	return nil
}

// GetSubscription retrieves a subscription by tenant ID. It returns nil, nil
// when the tenant has no record.
func (r *TenantRegistry) GetSubscription(ctx context.Context, tenantID string) (*SubscriptionRecord, error) {
	if cached, ok := r.subCache.Get(tenantID); ok {
		return cached.Clone(), nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = ?`, tenantID)
	s, err := scanSubscription(row)
	if err != nil || s == nil {
		return s, err
	}
	r.subCache.Add(tenantID, s.Clone())
	return s, nil
}

// UpdateSubscriptionLifecycle writes the status and payment-cycle fields of
// s (status, gateway subscription id, failure reason, payment dates, overdue
// start and end date). Plan, seats and monthly value are left as stored so a
// concurrent seat change is never overwritten by a webhook transition.
func (r *TenantRegistry) UpdateSubscriptionLifecycle(ctx context.Context, s *SubscriptionRecord) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()
	return r.execSubscriptionUpdate(ctx, s.TenantID, `
		UPDATE subscriptions SET
			status = ?, gateway_subscription_id = ?, failure_reason = ?,
			last_payment_date = ?, next_payment_date = ?, overdue_start_date = ?, end_date = ?,
			updated_at = ?
		WHERE tenant_id = ?`,
		string(s.Status), s.GatewaySubscriptionID, s.FailureReason,
		nullableTimeUnix(s.LastPaymentDate), nullableTimeUnix(s.NextPaymentDate),
		nullableTimeUnix(s.OverdueStartDate), nullableTimeUnix(s.EndDate),
		s.UpdatedAt.Unix(),
		s.TenantID,
	)
}

// UpdateSubscriptionSeats writes the seat count and monthly value only.
func (r *TenantRegistry) UpdateSubscriptionSeats(ctx context.Context, tenantID string, seats int, value decimal.Decimal) error {
	if seats < 1 {
		return fmt.Errorf("subscription seat count must be >= 1, got %d", seats)
	}
	if value.IsNegative() {
		return fmt.Errorf("subscription monthly value must not be negative, got %s", value.StringFixed(2))
	}
	return r.execSubscriptionUpdate(ctx, tenantID,
		`UPDATE subscriptions SET seat_count = ?, monthly_value = ?, updated_at = ? WHERE tenant_id = ?`,
		seats, value.StringFixed(2), time.Now().UTC().Unix(), tenantID,
	)
}

func (r *TenantRegistry) execSubscriptionUpdate(ctx context.Context, tenantID, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	// Evict after the write: a reader that cached the old row between the
	// eviction and the commit would otherwise keep serving it.
	r.subCache.Remove(tenantID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("subscription %q: %w", tenantID, ErrNotFound)
	}
	return nil
}

// ListSubscriptions returns every subscription, newest first.
func (r *TenantRegistry) ListSubscriptions(ctx context.Context) ([]*SubscriptionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListSubscriptionsByStatus returns all subscriptions in the given status.
func (r *TenantRegistry) ListSubscriptionsByStatus(ctx context.Context, status SubscriptionStatus) ([]*SubscriptionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by status: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// CountSubscriptionsByStatus returns a map of status -> count.
func (r *TenantRegistry) CountSubscriptionsByStatus(ctx context.Context) (map[SubscriptionStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[SubscriptionStatus(status)] = count
	}
	return counts, rows.Err()
}

func scanSubscription(s scanner) (*SubscriptionRecord, error) {
	var rec SubscriptionRecord
	var status, plan, billingMethod, monthlyValue string
	var startDate, createdAt, updatedAt int64
	var lastPayment, nextPayment, overdueStart, endDate sql.NullInt64

	err := s.Scan(
		&rec.TenantID, &status, &plan, &rec.SeatCount, &monthlyValue, &billingMethod,
		&rec.GatewayCustomerID, &rec.GatewaySubscriptionID, &rec.FailureReason,
		&startDate, &lastPayment, &nextPayment, &overdueStart, &endDate,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	value, err := decimal.NewFromString(monthlyValue)
	if err != nil {
		return nil, fmt.Errorf("parse monthly value for %s: %w", rec.TenantID, err)
	}
	rec.MonthlyValue = value
	rec.Status = SubscriptionStatus(status)
	rec.Plan = Plan(plan)
	rec.BillingMethod = BillingMethod(billingMethod)
	rec.StartDate = time.Unix(startDate, 0).UTC()
	rec.LastPaymentDate = timeFromNullable(lastPayment)
	rec.NextPaymentDate = timeFromNullable(nextPayment)
	rec.OverdueStartDate = timeFromNullable(overdueStart)
	rec.EndDate = timeFromNullable(endDate)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*SubscriptionRecord, error) {
	var out []*SubscriptionRecord
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
