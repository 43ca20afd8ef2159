package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const pendingSignupColumns = `
	gateway_customer_id, gateway_subscription_id, name, email, phone, tax_id,
	plan, seat_count, monthly_value, billing_method, encrypted_password,
	processed, error, tenant_id, expires_at, created_at, processed_at`

// PendingSignupFilter narrows ListPendingSignups.
type PendingSignupFilter struct {
	// Processed filters on the processed flag when non-nil.
	Processed *bool
	// WithErrorOnly restricts results to records carrying an error annotation.
	WithErrorOnly bool
}

// CreatePendingSignup stores a deferred signup. A second record for the same
// gateway customer is rejected with ErrPendingSignupExists.
func (r *TenantRegistry) CreatePendingSignup(ctx context.Context, p *PendingSignupRecord) error {
	if p == nil {
		return fmt.Errorf("pending signup is nil")
	}
	if strings.TrimSpace(p.GatewayCustomerID) == "" {
		return fmt.Errorf("pending signup missing gateway customer id")
	}
	if strings.TrimSpace(p.EncryptedPassword) == "" {
		return fmt.Errorf("pending signup missing sealed credential")
	}
	if p.ExpiresAt.IsZero() {
		return fmt.Errorf("pending signup missing expiry")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO pending_signups (`+pendingSignupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.GatewayCustomerID, p.GatewaySubscriptionID, p.Name, strings.ToLower(strings.TrimSpace(p.Email)), p.Phone, p.TaxID,
		string(p.Plan), p.SeatCount, p.MonthlyValue.StringFixed(2), string(p.BillingMethod), p.EncryptedPassword,
		boolToInt(p.Processed), p.Error, p.TenantID, p.ExpiresAt.UTC().Unix(), p.CreatedAt.UTC().Unix(), nullableTimeUnix(p.ProcessedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPendingSignupExists
		}
		return fmt.Errorf("create pending signup: %w", err)
	}
	return nil
}

// GetPendingSignup retrieves a pending signup by gateway customer ID. It
// returns nil, nil when no record exists.
func (r *TenantRegistry) GetPendingSignup(ctx context.Context, customerID string) (*PendingSignupRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pendingSignupColumns+` FROM pending_signups WHERE gateway_customer_id = ?`, customerID)
	return scanPendingSignup(row)
}

// MarkPendingSignupProcessed flips processed to true exactly once. A caller
// that loses the race gets ErrAlreadyProcessed.
func (r *TenantRegistry) MarkPendingSignupProcessed(ctx context.Context, customerID, tenantID, annotation string) error {
	now := time.Now().UTC().Unix()
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_signups SET processed = 1, tenant_id = ?, error = ?, processed_at = ?
		WHERE gateway_customer_id = ? AND processed = 0`,
		tenantID, annotation, now, customerID,
	)
	if err != nil {
		return fmt.Errorf("mark pending signup processed: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		existing, getErr := r.GetPendingSignup(ctx, customerID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("pending signup %q: %w", customerID, ErrNotFound)
		}
		return ErrAlreadyProcessed
	}
	return nil
}

// AnnotatePendingSignupError records a finalization failure without changing
// the processed flag.
func (r *TenantRegistry) AnnotatePendingSignupError(ctx context.Context, customerID, annotation string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE pending_signups SET error = ? WHERE gateway_customer_id = ?`, annotation, customerID)
	if err != nil {
		return fmt.Errorf("annotate pending signup: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("pending signup %q: %w", customerID, ErrNotFound)
	}
	return nil
}

// ListPendingSignups returns pending signups matching filter, newest first.
func (r *TenantRegistry) ListPendingSignups(ctx context.Context, filter PendingSignupFilter) ([]*PendingSignupRecord, error) {
	query := `SELECT ` + pendingSignupColumns + ` FROM pending_signups`
	var where []string
	var args []any
	if filter.Processed != nil {
		where = append(where, "processed = ?")
		args = append(args, boolToInt(*filter.Processed))
	}
	if filter.WithErrorOnly {
		where = append(where, "error != ''")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending signups: %w", err)
	}
	defer rows.Close()
	return scanPendingSignups(rows)
}

// CountOpenPendingSignups returns how many deferred signups still wait for payment.
func (r *TenantRegistry) CountOpenPendingSignups(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_signups WHERE processed = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open pending signups: %w", err)
	}
	return n, nil
}

// ListExpiredPendingSignups returns unprocessed signups whose expiry is at or
// before now.
func (r *TenantRegistry) ListExpiredPendingSignups(ctx context.Context, now time.Time) ([]*PendingSignupRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+pendingSignupColumns+` FROM pending_signups
		WHERE processed = 0 AND expires_at <= ? ORDER BY expires_at ASC`, now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("list expired pending signups: %w", err)
	}
	defer rows.Close()
	return scanPendingSignups(rows)
}

func scanPendingSignup(s scanner) (*PendingSignupRecord, error) {
	var p PendingSignupRecord
	var plan, billingMethod, monthlyValue string
	var processed int
	var expiresAt, createdAt int64
	var processedAt sql.NullInt64

	err := s.Scan(
		&p.GatewayCustomerID, &p.GatewaySubscriptionID, &p.Name, &p.Email, &p.Phone, &p.TaxID,
		&plan, &p.SeatCount, &monthlyValue, &billingMethod, &p.EncryptedPassword,
		&processed, &p.Error, &p.TenantID, &expiresAt, &createdAt, &processedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan pending signup: %w", err)
	}

	value, err := decimal.NewFromString(monthlyValue)
	if err != nil {
		return nil, fmt.Errorf("parse monthly value for pending signup %s: %w", p.GatewayCustomerID, err)
	}
	p.MonthlyValue = value
	p.Plan = Plan(plan)
	p.BillingMethod = BillingMethod(billingMethod)
	p.Processed = processed != 0
	p.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.ProcessedAt = timeFromNullable(processedAt)
	return &p, nil
}

func scanPendingSignups(rows *sql.Rows) ([]*PendingSignupRecord, error) {
	var out []*PendingSignupRecord
	for rows.Next() {
		p, err := scanPendingSignup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
