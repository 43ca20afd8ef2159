// Package identity owns tenant login accounts and the session tokens issued
// to them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/navalha/navalha/internal/cloudcp/registry"
)

const (
	// BcryptCost is the cost factor for password hashes.
	BcryptCost = 12

	// SessionTTL is the lifetime of a session token.
	SessionTTL = 12 * time.Hour

	issuer = "navalha-cp"
)

var (
	ErrInvalidPhone       = errors.New("phone number is malformed")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid session token")
)

var phonePattern = regexp.MustCompile(`^[0-9]{10,13}$`)

// AccountStore is the persistence surface used by Provider.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *registry.Account) error
	GetAccount(ctx context.Context, id string) (*registry.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*registry.Account, error)
	DeleteAccount(ctx context.Context, id string) error
}

// NewAccount carries the fields needed to create an account.
type NewAccount struct {
	TenantID string
	Name     string
	Email    string
	Phone    string
	Password string
}

// SessionClaims are the claims carried by a session token.
type SessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TenantID returns the tenant the session belongs to.
func (c *SessionClaims) TenantID() string {
	return c.Subject
}

// Provider creates accounts, verifies passwords and signs session tokens.
type Provider struct {
	store  AccountStore
	secret []byte
	now    func() time.Time
	cost   int
}

// NewProvider creates an identity provider signing sessions with secret.
func NewProvider(store AccountStore, secret string) (*Provider, error) {
	if store == nil {
		return nil, fmt.Errorf("account store is required")
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 characters")
	}
	return &Provider{
		store:  store,
		secret: []byte(secret),
		now:    time.Now,
		cost:   BcryptCost,
	}, nil
}

// NormalizePhone strips punctuation from a phone number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidPhone reports whether phone has 10 to 13 digits once normalized.
// This is the intake shape only; accounts store the stricter E.164 form.
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(NormalizePhone(phone))
}

// ToE164 maps a Brazilian number, with or without the 55 country code, onto
// +55 DDD number. It reports false when the area code has a zero digit, the
// national number is not 10 or 11 digits, or an 11-digit mobile number does
// not start with 9.
func ToE164(phone string) (string, bool) {
	d := NormalizePhone(phone)
	if len(d) >= 12 && strings.HasPrefix(d, "55") {
		d = d[2:]
	}
	if len(d) != 10 && len(d) != 11 {
		return "", false
	}
	if d[0] == '0' || d[1] == '0' {
		return "", false
	}
	if len(d) == 11 && d[2] != '9' {
		return "", false
	}
	return "+55" + d, true
}

// EmailTaken reports whether an account already uses email.
func (p *Provider) EmailTaken(ctx context.Context, email string) (bool, error) {
	a, err := p.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return false, fmt.Errorf("lookup account: %w", err)
	}
	return a != nil, nil
}

// CreateAccount hashes the password and stores a new account whose id is
// the tenant id. The phone is stored in E.164; one that cannot be mapped
// yields ErrInvalidPhone and writes nothing.
func (p *Provider) CreateAccount(ctx context.Context, in NewAccount) error {
	if strings.TrimSpace(in.TenantID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	phone := ""
	if strings.TrimSpace(in.Phone) != "" {
		e164, ok := ToE164(in.Phone)
		if !ok {
			return ErrInvalidPhone
		}
		phone = e164
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), p.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	err = p.store.CreateAccount(ctx, &registry.Account{
		ID:           in.TenantID,
		Name:         strings.TrimSpace(in.Name),
		Email:        in.Email,
		Phone:        phone,
		PasswordHash: string(hash),
		CreatedAt:    p.now().UTC(),
	})
	if errors.Is(err, registry.ErrEmailExists) {
		return ErrEmailTaken
	}
	return err
}

// GetAccountByEmail returns the account registered under email, or nil.
func (p *Provider) GetAccountByEmail(ctx context.Context, email string) (*registry.Account, error) {
	return p.store.GetAccountByEmail(ctx, email)
}

// DeleteAccount removes an account created by a signup that did not complete.
func (p *Provider) DeleteAccount(ctx context.Context, tenantID string) error {
	return p.store.DeleteAccount(ctx, tenantID)
}

// Authenticate checks an email/password pair and returns the account.
func (p *Provider) Authenticate(ctx context.Context, email, password string) (*registry.Account, error) {
	a, err := p.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if a == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return a, nil
}

// IssueSessionToken signs an HS256 session token for tenantID.
func (p *Provider) IssueSessionToken(tenantID, email string) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", fmt.Errorf("tenant id is required")
	}
	now := p.now().UTC()
	claims := SessionClaims{
		Email: strings.ToLower(strings.TrimSpace(email)),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   tenantID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// ParseSessionToken verifies a session token and returns its claims.
func (p *Provider) ParseSessionToken(token string) (*SessionClaims, error) {
	var claims SessionClaims
	parsed, err := jwt.ParseWithClaims(
		token,
		&claims,
		func(*jwt.Token) (any, error) { return p.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
