package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmailTaken means an account already uses the signup email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrPaymentRejected means the card payment was not confirmed in time or
	// was declined. It is a business outcome, not a fault.
	ErrPaymentRejected = errors.New("payment not approved")
	// ErrAnomalyIgnored marks a webhook event that matched nothing locally.
	ErrAnomalyIgnored = errors.New("webhook event matched no local record")
	// ErrNoSubscription means the tenant has no subscription record.
	ErrNoSubscription = errors.New("tenant has no subscription")
)

// InvalidInputError lists every field that failed validation.
type InvalidInputError struct {
	Fields map[string]string
}

func (e *InvalidInputError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return "invalid input: " + strings.Join(names, ", ")
}

// GatewayError wraps an upstream gateway failure. The user may retry.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// FinalizationError records a failed deferred-signup completion.
type FinalizationError struct {
	CustomerID string
	Step       string
	Err        error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("finalize pending signup %s: %s: %v", e.CustomerID, e.Step, e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }
