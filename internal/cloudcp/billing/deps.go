// Package billing reconciles tenant subscriptions with the payment gateway:
// payment-first signup, webhook event processing, access decisions and the
// tenant-initiated subscription changes.
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	cpemail "github.com/navalha/navalha/internal/cloudcp/email"
	"github.com/navalha/navalha/internal/cloudcp/gateway"
	"github.com/navalha/navalha/internal/cloudcp/identity"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

// PendingReferencePrefix marks a gateway external reference that points at
// a deferred signup (gateway customer id) rather than a tenant id.
const PendingReferencePrefix = "pending:"

// SubscriptionStore persists SubscriptionRecords.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s *registry.SubscriptionRecord) error
	GetSubscription(ctx context.Context, tenantID string) (*registry.SubscriptionRecord, error)
	UpdateSubscriptionLifecycle(ctx context.Context, s *registry.SubscriptionRecord) error
	UpdateSubscriptionSeats(ctx context.Context, tenantID string, seats int, value decimal.Decimal) error
}

// PendingSignupStore persists deferred signups.
type PendingSignupStore interface {
	CreatePendingSignup(ctx context.Context, p *registry.PendingSignupRecord) error
	GetPendingSignup(ctx context.Context, customerID string) (*registry.PendingSignupRecord, error)
	MarkPendingSignupProcessed(ctx context.Context, customerID, tenantID, annotation string) error
	AnnotatePendingSignupError(ctx context.Context, customerID, annotation string) error
	ListExpiredPendingSignups(ctx context.Context, now time.Time) ([]*registry.PendingSignupRecord, error)
}

// EventLog is the per-tenant payment event log.
type EventLog interface {
	HasPaymentEvent(ctx context.Context, tenantID, eventID, eventType string) (bool, error)
	AppendPaymentEvent(ctx context.Context, e *registry.PaymentEvent) error
	ListPaymentEvents(ctx context.Context, tenantID string, limit int) ([]*registry.PaymentEvent, error)
}

// Store is everything billing persists. *registry.TenantRegistry satisfies it.
type Store interface {
	SubscriptionStore
	PendingSignupStore
	EventLog
}

// Identity creates tenant login accounts and signs their sessions.
type Identity interface {
	EmailTaken(ctx context.Context, email string) (bool, error)
	CreateAccount(ctx context.Context, in identity.NewAccount) error
	DeleteAccount(ctx context.Context, tenantID string) error
	GetAccountByEmail(ctx context.Context, email string) (*registry.Account, error)
	IssueSessionToken(tenantID, email string) (string, error)
}

// CredentialVault seals a password while a signup waits for payment.
type CredentialVault interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Notifier sends the lifecycle emails. A nil Notifier disables them.
type Notifier interface {
	SendWelcome(ctx context.Context, to string, data cpemail.WelcomeData) error
	SendAwaitingPayment(ctx context.Context, to string, data cpemail.AwaitingPaymentData) error
}

// Deps bundles the collaborators shared by the billing components.
type Deps struct {
	Gateway  gateway.Client
	Store    Store
	Identity Identity
	Vault    CredentialVault
	Notifier Notifier
}

const notifyTimeout = 10 * time.Second
