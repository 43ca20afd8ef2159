package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateAccount inserts an identity account. Emails are unique
// (case-insensitive); a clash returns ErrEmailExists.
func (r *TenantRegistry) CreateAccount(ctx context.Context, a *Account) error {
	if a == nil {
		return fmt.Errorf("account is nil")
	}
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	if a.ID == "" || a.Email == "" || a.PasswordHash == "" {
		return fmt.Errorf("account requires id, email and password hash")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO accounts (id, name, email, phone, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Email, a.Phone, a.PasswordHash, a.CreatedAt.UTC().Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID, or nil when absent.
func (r *TenantRegistry) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, email, phone, password_hash, created_at FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByEmail retrieves an account by email, or nil when absent.
func (r *TenantRegistry) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := r.db.QueryRowContext(ctx, `SELECT id, name, email, phone, password_hash, created_at FROM accounts WHERE email = ?`, email)
	return scanAccount(row)
}

// DeleteAccount removes an account. Only used to compensate a signup that
// failed after the account was written.
func (r *TenantRegistry) DeleteAccount(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func scanAccount(s scanner) (*Account, error) {
	var a Account
	var createdAt int64
	if err := s.Scan(&a.ID, &a.Name, &a.Email, &a.Phone, &a.PasswordHash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}
