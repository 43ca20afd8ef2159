package registry

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the lifecycle state of a tenant subscription.
type SubscriptionStatus string

const (
	StatusPendingPayment SubscriptionStatus = "pending_payment"
	StatusDemoApproved   SubscriptionStatus = "demo_approved"
	StatusActive         SubscriptionStatus = "active"
	StatusOverdue        SubscriptionStatus = "overdue"
	StatusBlocked        SubscriptionStatus = "blocked"
	StatusCancelled      SubscriptionStatus = "cancelled"
	StatusPaymentFailed  SubscriptionStatus = "payment_failed"
)

// KnownStatuses lists every status the control plane writes.
var KnownStatuses = []SubscriptionStatus{
	StatusPendingPayment,
	StatusDemoApproved,
	StatusActive,
	StatusOverdue,
	StatusBlocked,
	StatusCancelled,
	StatusPaymentFailed,
}

type Plan string

const (
	PlanBasic   Plan = "basic"
	PlanPremium Plan = "premium"
)

// Valid reports whether p is a sellable plan.
func (p Plan) Valid() bool {
	return p == PlanBasic || p == PlanPremium
}

type BillingMethod string

const (
	BillingMethodCard     BillingMethod = "card"
	BillingMethodTransfer BillingMethod = "transfer"
)

// Valid reports whether m is a supported billing method.
func (m BillingMethod) Valid() bool {
	return m == BillingMethodCard || m == BillingMethodTransfer
}

// SubscriptionRecord is the single source of truth for a tenant's billing state.
type SubscriptionRecord struct {
	TenantID              string             `json:"tenant_id"`
	Status                SubscriptionStatus `json:"status"`
	Plan                  Plan               `json:"plan"`
	SeatCount             int                `json:"seat_count"`
	MonthlyValue          decimal.Decimal    `json:"monthly_value"`
	BillingMethod         BillingMethod      `json:"billing_method"`
	GatewayCustomerID     string             `json:"gateway_customer_id"`
	GatewaySubscriptionID string             `json:"gateway_subscription_id"`
	FailureReason         string             `json:"failure_reason,omitempty"`
	StartDate             time.Time          `json:"start_date"`
	LastPaymentDate       *time.Time         `json:"last_payment_date,omitempty"`
	NextPaymentDate       *time.Time         `json:"next_payment_date,omitempty"`
	OverdueStartDate      *time.Time         `json:"overdue_start_date,omitempty"`
	EndDate               *time.Time         `json:"end_date,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// Validate checks the record invariants that must hold before it is written.
func (s *SubscriptionRecord) Validate() error {
	if s == nil {
		return fmt.Errorf("subscription is nil")
	}
	if strings.TrimSpace(s.TenantID) == "" {
		return fmt.Errorf("subscription missing tenant id")
	}
	if s.SeatCount < 1 {
		return fmt.Errorf("subscription seat count must be >= 1, got %d", s.SeatCount)
	}
	if s.StartDate.IsZero() {
		return fmt.Errorf("subscription missing start date")
	}
	if s.Status == StatusActive && strings.TrimSpace(s.GatewaySubscriptionID) == "" {
		return fmt.Errorf("active subscription %s missing gateway subscription id", s.TenantID)
	}
	if s.Status == StatusOverdue && s.OverdueStartDate == nil {
		return fmt.Errorf("overdue subscription %s missing overdue start date", s.TenantID)
	}
	return nil
}

// Clone returns a deep copy so cached records are never aliased by callers.
func (s *SubscriptionRecord) Clone() *SubscriptionRecord {
	if s == nil {
		return nil
	}
	c := *s
	c.LastPaymentDate = cloneTime(s.LastPaymentDate)
	c.NextPaymentDate = cloneTime(s.NextPaymentDate)
	c.OverdueStartDate = cloneTime(s.OverdueStartDate)
	c.EndDate = cloneTime(s.EndDate)
	return &c
}

// PendingSignupRecord holds a deferred (pay-by-transfer) signup until the
// gateway confirms payment. Keyed by gateway customer id.
type PendingSignupRecord struct {
	GatewayCustomerID     string          `json:"gateway_customer_id"`
	GatewaySubscriptionID string          `json:"gateway_subscription_id"`
	Name                  string          `json:"name"`
	Email                 string          `json:"email"`
	Phone                 string          `json:"phone"`
	TaxID                 string          `json:"tax_id"`
	Plan                  Plan            `json:"plan"`
	SeatCount             int             `json:"seat_count"`
	MonthlyValue          decimal.Decimal `json:"monthly_value"`
	BillingMethod         BillingMethod   `json:"billing_method"`
	EncryptedPassword     string          `json:"-"`
	Processed             bool            `json:"processed"`
	Error                 string          `json:"error,omitempty"`
	TenantID              string          `json:"tenant_id,omitempty"`
	ExpiresAt             time.Time       `json:"expires_at"`
	CreatedAt             time.Time       `json:"created_at"`
	ProcessedAt           *time.Time      `json:"processed_at,omitempty"`
}

// PaymentEvent is one entry of the append-only per-tenant event log.
type PaymentEvent struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Amount        decimal.Decimal `json:"amount"`
	BillingMethod string          `json:"billing_method"`
	RawPayload    string          `json:"raw_payload"`
}

// Account is an identity record; its ID doubles as the tenant id.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateTenantID returns a tenant ID of the form "t-" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateTenantID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate tenant id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("t-")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
