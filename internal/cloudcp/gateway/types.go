// Package gateway is the client side of the hosted payment gateway:
// customers, recurring subscriptions, their payments and transfer (PIX)
// artifacts.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is the gateway surface the billing core depends on.
type Client interface {
	CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error)
	UpdateCustomer(ctx context.Context, customerID string, in CustomerUpdate) error
	CreateSubscription(ctx context.Context, in SubscriptionInput) (*Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, in SubscriptionUpdate) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
	ListSubscriptionPayments(ctx context.Context, subscriptionID string) ([]Payment, error)
	GetPaymentTransferArtifact(ctx context.Context, paymentID string) (*TransferArtifact, error)
}

// PaymentStatus is the gateway-side status of a single payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentReceived  PaymentStatus = "RECEIVED"
	PaymentRefused   PaymentStatus = "REFUSED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
	PaymentDeleted   PaymentStatus = "DELETED"
	PaymentOverdue   PaymentStatus = "OVERDUE"
)

// IsTerminal reports whether polling can stop on this status.
func IsTerminal(s PaymentStatus) bool {
	switch normalizeStatus(s) {
	case PaymentConfirmed, PaymentReceived, PaymentRefunded, PaymentDeleted:
		return true
	}
	return false
}

// IsPaid reports whether the status means money moved.
func IsPaid(s PaymentStatus) bool {
	switch normalizeStatus(s) {
	case PaymentConfirmed, PaymentReceived:
		return true
	}
	return false
}

func normalizeStatus(s PaymentStatus) PaymentStatus {
	return PaymentStatus(strings.ToUpper(strings.TrimSpace(string(s))))
}

type BillingType string

const (
	BillingCreditCard BillingType = "CREDIT_CARD"
	BillingPix        BillingType = "PIX"
)

const CycleMonthly = "MONTHLY"

// Date is a calendar date encoded as YYYY-MM-DD.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// NewDate truncates t to its UTC calendar day.
func NewDate(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(`"` + d.UTC().Format(dateLayout) + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		d.Time = time.Time{}
		return nil
	}
	// Some payloads carry a full timestamp.
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return fmt.Errorf("parse date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// Money is a decimal amount encoded as a bare JSON number with two decimals.
type Money struct {
	decimal.Decimal
}

// NewMoney wraps d.
func NewMoney(d decimal.Decimal) Money {
	return Money{d}
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.StringFixed(2)), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		m.Decimal = decimal.Zero
		return nil
	}
	return m.Decimal.UnmarshalJSON(b)
}

type CustomerInput struct {
	Name              string `json:"name"`
	Email             string `json:"email"`
	TaxID             string `json:"cpfCnpj"`
	MobilePhone       string `json:"mobilePhone,omitempty"`
	ExternalReference string `json:"externalReference,omitempty"`
}

type Customer struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	ExternalReference string `json:"externalReference"`
}

type CustomerUpdate struct {
	ExternalReference string `json:"externalReference"`
}

// CreditCard is passed through to the gateway and never stored locally.
type CreditCard struct {
	HolderName  string `json:"holderName"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CCV         string `json:"ccv"`
}

type CreditCardHolderInfo struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	TaxID         string `json:"cpfCnpj"`
	PostalCode    string `json:"postalCode"`
	AddressNumber string `json:"addressNumber"`
	Phone         string `json:"mobilePhone,omitempty"`
}

type SubscriptionInput struct {
	CustomerID           string                `json:"customer"`
	BillingType          BillingType           `json:"billingType"`
	Value                Money                 `json:"value"`
	NextDueDate          Date                  `json:"nextDueDate"`
	Cycle                string                `json:"cycle"`
	Description          string                `json:"description,omitempty"`
	ExternalReference    string                `json:"externalReference,omitempty"`
	CreditCard           *CreditCard           `json:"creditCard,omitempty"`
	CreditCardHolderInfo *CreditCardHolderInfo `json:"creditCardHolderInfo,omitempty"`
	RemoteIP             string                `json:"remoteIp,omitempty"`
}

type Subscription struct {
	ID                string `json:"id"`
	CustomerID        string `json:"customer"`
	Status            string `json:"status"`
	Value             Money  `json:"value"`
	NextDueDate       Date   `json:"nextDueDate"`
	ExternalReference string `json:"externalReference"`
}

// SubscriptionUpdate carries the fields to change; nil fields are omitted.
type SubscriptionUpdate struct {
	Value             *Money  `json:"value,omitempty"`
	ExternalReference *string `json:"externalReference,omitempty"`
	// UpdatePendingPayments applies a value change to already-issued payments.
	UpdatePendingPayments bool `json:"updatePendingPayments,omitempty"`
}

type Payment struct {
	ID                string        `json:"id"`
	Status            PaymentStatus `json:"status"`
	DueDate           Date          `json:"dueDate"`
	Value             Money         `json:"value"`
	BillingType       BillingType   `json:"billingType"`
	ExternalReference string        `json:"externalReference,omitempty"`
	Subscription      string        `json:"subscription,omitempty"`
	Customer          string        `json:"customer,omitempty"`
}

// TransferArtifact is the displayable QR code for a pay-by-transfer payment.
type TransferArtifact struct {
	EncodedImage   string `json:"encodedImage"`
	Payload        string `json:"payload"`
	ExpirationDate string `json:"expirationDate"`
}
