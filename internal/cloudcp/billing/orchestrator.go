package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/navalha/navalha/internal/cloudcp/cpmetrics"
	cpemail "github.com/navalha/navalha/internal/cloudcp/email"
	"github.com/navalha/navalha/internal/cloudcp/gateway"
	"github.com/navalha/navalha/internal/cloudcp/identity"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

const (
	DefaultCardPollAttempts    = 4
	DefaultCardPollInterval    = 2500 * time.Millisecond
	DefaultTransferSettleDelay = 3 * time.Second
	PendingSignupTTL           = 24 * time.Hour

	rollbackTimeout = 30 * time.Second
)

// SignupStatus is the outcome reported to the signup client.
type SignupStatus string

const (
	SignupActive           SignupStatus = "active"
	SignupAwaitingTransfer SignupStatus = "awaiting_transfer"
)

// SignupResult is returned by a successful SignUp.
type SignupResult struct {
	Status           SignupStatus              `json:"status"`
	TenantID         string                    `json:"tenantId,omitempty"`
	Token            string                    `json:"token,omitempty"`
	TransferArtifact *gateway.TransferArtifact `json:"transferArtifact,omitempty"`
}

// OrchestratorConfig tunes the payment wait of SignUp.
type OrchestratorConfig struct {
	CardPollAttempts    int
	CardPollInterval    time.Duration
	TransferSettleDelay time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.CardPollAttempts <= 0 {
		c.CardPollAttempts = DefaultCardPollAttempts
	}
	if c.CardPollInterval <= 0 {
		c.CardPollInterval = DefaultCardPollInterval
	}
	if c.TransferSettleDelay < 0 {
		c.TransferSettleDelay = DefaultTransferSettleDelay
	}
	return c
}

// Orchestrator runs the payment-first signup: no tenant account exists
// unless the gateway has confirmed the money, or the signup is parked as a
// PendingSignupRecord until a transfer clears.
type Orchestrator struct {
	deps  Deps
	cfg   OrchestratorConfig
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		deps:  deps,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		sleep: sleepContext,
	}
}

type signupCleanupState struct {
	subscriptionID string
	tenantID       string
	accountCreated bool
}

// SignUp validates req, charges through the gateway and creates the tenant.
// Errors are *InvalidInputError, ErrEmailTaken, ErrPaymentRejected or
// *GatewayError; anything else is an internal fault.
func (o *Orchestrator) SignUp(ctx context.Context, req SignupRequest) (result *SignupResult, err error) {
	req = req.normalized()
	method := string(req.BillingMethod)
	defer func() {
		cpmetrics.SignupTotal.WithLabelValues(method, signupOutcome(result, err)).Inc()
	}()

	if err := req.Validate(o.now()); err != nil {
		return nil, err
	}

	taken, err := o.deps.Identity.EmailTaken(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("check email availability: %w", err)
	}
	if taken {
		return nil, ErrEmailTaken
	}

	monthlyValue, err := MonthlyValue(req.Plan, req.SeatCount)
	if err != nil {
		return nil, err
	}

	customer, err := o.deps.Gateway.CreateCustomer(ctx, gateway.CustomerInput{
		Name:        req.Name,
		Email:       req.Email,
		TaxID:       req.TaxID,
		MobilePhone: req.Phone,
	})
	if err != nil {
		return nil, gatewayError("create_customer", err)
	}
	logger := log.With().Str("customer_id", customer.ID).Str("billing_method", method).Logger()

	cleanup := signupCleanupState{}
	defer func() {
		if err != nil {
			o.rollbackSignup(cleanup)
		}
	}()

	sub, err := o.deps.Gateway.CreateSubscription(ctx, o.subscriptionInput(req, customer.ID, monthlyValue))
	if err != nil {
		return nil, gatewayError("create_subscription", err)
	}
	cleanup.subscriptionID = sub.ID
	logger = logger.With().Str("subscription_id", sub.ID).Logger()

	if req.BillingMethod == registry.BillingMethodTransfer {
		return o.deferSignup(ctx, req, customer.ID, sub.ID, monthlyValue)
	}

	payment, err := o.awaitCardPayment(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, ErrPaymentRejected) {
			logger.Info().Msg("Card payment not confirmed; signup rejected")
		}
		return nil, err
	}

	tenantID, err := registry.GenerateTenantID()
	if err != nil {
		return nil, err
	}
	cleanup.tenantID = tenantID

	if err := createAccountWithPhoneFallback(ctx, o.deps.Identity, identity.NewAccount{
		TenantID: tenantID,
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	}); err != nil {
		if errors.Is(err, identity.ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create identity account: %w", err)
	}
	cleanup.accountCreated = true

	now := o.now().UTC()
	next := nextPaymentDate(payment.DueDate, now)
	rec := &registry.SubscriptionRecord{
		TenantID:              tenantID,
		Status:                registry.StatusActive,
		Plan:                  req.Plan,
		SeatCount:             req.SeatCount,
		MonthlyValue:          monthlyValue,
		BillingMethod:         req.BillingMethod,
		GatewayCustomerID:     customer.ID,
		GatewaySubscriptionID: sub.ID,
		StartDate:             now,
		LastPaymentDate:       &now,
		NextPaymentDate:       &next,
	}
	if err := o.deps.Store.CreateSubscription(ctx, rec); err != nil {
		return nil, fmt.Errorf("create subscription record: %w", err)
	}
	// The tenant now exists; nothing below may roll it back.
	cleanup = signupCleanupState{}
	logger = logger.With().Str("tenant_id", tenantID).Logger()

	o.recordSignupPayment(ctx, tenantID, payment)
	patchGatewayReference(ctx, o.deps.Gateway, customer.ID, sub.ID, tenantID)
	notifyWelcome(ctx, o.deps.Notifier, req.Email, req.Name, rec)

	token, tokenErr := o.deps.Identity.IssueSessionToken(tenantID, req.Email)
	if tokenErr != nil {
		logger.Error().Err(tokenErr).Msg("Tenant created but session token could not be issued")
	}
	logger.Info().Str("plan", string(req.Plan)).Int("seats", req.SeatCount).Msg("Tenant created from card signup")

	return &SignupResult{Status: SignupActive, TenantID: tenantID, Token: token}, nil
}

func (o *Orchestrator) subscriptionInput(req SignupRequest, customerID string, value decimal.Decimal) gateway.SubscriptionInput {
	in := gateway.SubscriptionInput{
		CustomerID:        customerID,
		Value:             gateway.NewMoney(value),
		NextDueDate:       gateway.NewDate(o.now()),
		Cycle:             gateway.CycleMonthly,
		Description:       fmt.Sprintf("Navalha %s (%d)", req.Plan, req.SeatCount),
		ExternalReference: PendingReferencePrefix + customerID,
		RemoteIP:          req.RemoteIP,
	}
	if req.BillingMethod == registry.BillingMethodTransfer {
		in.BillingType = gateway.BillingPix
		return in
	}
	in.BillingType = gateway.BillingCreditCard
	in.CreditCard = &gateway.CreditCard{
		HolderName:  req.Card.HolderName,
		Number:      req.Card.Number,
		ExpiryMonth: req.Card.ExpiryMonth,
		ExpiryYear:  req.Card.ExpiryYear,
		CCV:         req.Card.CVV,
	}
	in.CreditCardHolderInfo = &gateway.CreditCardHolderInfo{
		Name:          req.Card.HolderName,
		Email:         req.Email,
		TaxID:         req.TaxID,
		PostalCode:    req.Card.PostalCode,
		AddressNumber: req.Card.AddressNumber,
		Phone:         req.Phone,
	}
	return in
}

// awaitCardPayment polls the subscription's first payment until it reaches a
// terminal status or the attempts run out. Anything other than a paid
// terminal status is ErrPaymentRejected.
func (o *Orchestrator) awaitCardPayment(ctx context.Context, subscriptionID string) (*gateway.Payment, error) {
	var (
		last     *gateway.Payment
		lastErr  error
		attempts int
	)
	defer func() {
		cpmetrics.CardPollAttempts.Observe(float64(attempts))
	}()

	for attempts < o.cfg.CardPollAttempts {
		if err := o.sleep(ctx, o.cfg.CardPollInterval); err != nil {
			log.Info().Err(err).Str("subscription_id", subscriptionID).Msg("Card payment wait aborted")
			return nil, ErrPaymentRejected
		}
		attempts++

		payments, err := o.deps.Gateway.ListSubscriptionPayments(ctx, subscriptionID)
		if err != nil {
			cpmetrics.GatewayErrorsTotal.WithLabelValues("list_payments").Inc()
			log.Warn().Err(err).
				Str("subscription_id", subscriptionID).
				Int("attempt", attempts).
				Msg("Payment status poll failed")
			lastErr = err
			continue
		}
		lastErr = nil
		first := firstPayment(payments)
		if first == nil {
			continue
		}
		last = first
		if gateway.IsTerminal(first.Status) {
			break
		}
	}

	if last == nil && lastErr != nil {
		return nil, gatewayError("list_payments", lastErr)
	}
	if last == nil || !gateway.IsPaid(last.Status) {
		return nil, ErrPaymentRejected
	}
	return last, nil
}

func (o *Orchestrator) deferSignup(ctx context.Context, req SignupRequest, customerID, subscriptionID string, monthlyValue decimal.Decimal) (*SignupResult, error) {
	if err := o.sleep(ctx, o.cfg.TransferSettleDelay); err != nil {
		return nil, gatewayError("await_payment", err)
	}
	payments, err := o.deps.Gateway.ListSubscriptionPayments(ctx, subscriptionID)
	if err != nil {
		return nil, gatewayError("list_payments", err)
	}
	first := firstPayment(payments)
	if first == nil {
		return nil, gatewayError("list_payments", errors.New("no payment issued for subscription"))
	}
	artifact, err := o.deps.Gateway.GetPaymentTransferArtifact(ctx, first.ID)
	if err != nil {
		return nil, gatewayError("transfer_artifact", err)
	}

	sealed, err := o.deps.Vault.Seal(req.Password)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	now := o.now().UTC()
	pending := &registry.PendingSignupRecord{
		GatewayCustomerID:     customerID,
		GatewaySubscriptionID: subscriptionID,
		Name:                  req.Name,
		Email:                 req.Email,
		Phone:                 req.Phone,
		TaxID:                 req.TaxID,
		Plan:                  req.Plan,
		SeatCount:             req.SeatCount,
		MonthlyValue:          monthlyValue,
		BillingMethod:         req.BillingMethod,
		EncryptedPassword:     sealed,
		ExpiresAt:             now.Add(PendingSignupTTL),
		CreatedAt:             now,
	}
	if err := o.deps.Store.CreatePendingSignup(ctx, pending); err != nil {
		return nil, fmt.Errorf("store pending signup: %w", err)
	}

	if o.deps.Notifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		err := o.deps.Notifier.SendAwaitingPayment(notifyCtx, req.Email, cpemail.AwaitingPaymentData{
			Name:            req.Name,
			MonthlyValue:    monthlyValue.StringFixed(2),
			TransferPayload: artifact.Payload,
			ExpiresAt:       artifact.ExpirationDate,
		})
		cancel()
		bestEffort("awaiting_payment_email", err, "customer_id", customerID).Log()
	}

	log.Info().
		Str("customer_id", customerID).
		Str("subscription_id", subscriptionID).
		Str("payment_id", first.ID).
		Msg("Signup deferred until transfer clears")
	return &SignupResult{Status: SignupAwaitingTransfer, TransferArtifact: artifact}, nil
}

// recordSignupPayment logs the payment that unlocked a card signup.
func (o *Orchestrator) recordSignupPayment(ctx context.Context, tenantID string, payment *gateway.Payment) {
	err := o.deps.Store.AppendPaymentEvent(ctx, &registry.PaymentEvent{
		TenantID:      tenantID,
		EventID:       payment.ID,
		Type:          "SIGNUP_PAYMENT_CONFIRMED",
		Timestamp:     o.now().UTC(),
		Amount:        payment.Value.Decimal,
		BillingMethod: string(payment.BillingType),
	})
	bestEffort("record_signup_payment", err, "tenant_id", tenantID).Log()
}

func (o *Orchestrator) rollbackSignup(state signupCleanupState) {
	// Use a fresh context so cleanup still runs if the request context was canceled.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	if state.accountCreated && state.tenantID != "" {
		if err := o.deps.Identity.DeleteAccount(cleanupCtx, state.tenantID); err != nil {
			log.Error().Err(err).
				Str("tenant_id", state.tenantID).
				Msg("Signup rollback: failed to delete identity account")
		}
	}
	if state.subscriptionID != "" {
		err := o.deps.Gateway.CancelSubscription(cleanupCtx, state.subscriptionID)
		if err != nil {
			cpmetrics.GatewayErrorsTotal.WithLabelValues("cancel_subscription").Inc()
		}
		bestEffort("cancel_subscription", err, "subscription_id", state.subscriptionID).Log()
	}
}

// createAccountWithPhoneFallback retries without the phone when the identity
// provider rejects its format.
func createAccountWithPhoneFallback(ctx context.Context, id Identity, in identity.NewAccount) error {
	err := id.CreateAccount(ctx, in)
	if !errors.Is(err, identity.ErrInvalidPhone) {
		return err
	}
	log.Warn().Str("tenant_id", in.TenantID).Msg("Phone rejected by identity provider; creating account without phone")
	in.Phone = ""
	return id.CreateAccount(ctx, in)
}

// patchGatewayReference points the gateway customer and subscription at the
// new tenant id. Failures are logged only.
func patchGatewayReference(ctx context.Context, gw gateway.Client, customerID, subscriptionID, tenantID string) {
	ref := tenantID
	if subscriptionID != "" {
		err := gw.UpdateSubscription(ctx, subscriptionID, gateway.SubscriptionUpdate{ExternalReference: &ref})
		bestEffort("patch_subscription_reference", err, "tenant_id", tenantID, "subscription_id", subscriptionID).Log()
	}
	if customerID != "" {
		err := gw.UpdateCustomer(ctx, customerID, gateway.CustomerUpdate{ExternalReference: ref})
		bestEffort("patch_customer_reference", err, "tenant_id", tenantID, "customer_id", customerID).Log()
	}
}

func notifyWelcome(ctx context.Context, n Notifier, to, name string, rec *registry.SubscriptionRecord) {
	if n == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	err := n.SendWelcome(notifyCtx, to, cpemail.WelcomeData{
		Name:         name,
		Plan:         string(rec.Plan),
		Seats:        rec.SeatCount,
		MonthlyValue: rec.MonthlyValue.StringFixed(2),
	})
	bestEffort("welcome_email", err, "tenant_id", rec.TenantID).Log()
}

// firstPayment returns the earliest-due payment of a subscription.
func firstPayment(payments []gateway.Payment) *gateway.Payment {
	if len(payments) == 0 {
		return nil
	}
	sorted := make([]gateway.Payment, len(payments))
	copy(sorted, payments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DueDate.Before(sorted[j].DueDate.Time)
	})
	return &sorted[0]
}

// nextPaymentDate is one month after the paid payment's due date.
func nextPaymentDate(due gateway.Date, now time.Time) time.Time {
	if due.IsZero() {
		return now.UTC().AddDate(0, 1, 0)
	}
	return due.UTC().AddDate(0, 1, 0)
}

func gatewayError(op string, err error) error {
	cpmetrics.GatewayErrorsTotal.WithLabelValues(op).Inc()
	return &GatewayError{Op: op, Err: err}
}

func signupOutcome(result *SignupResult, err error) string {
	var invalid *InvalidInputError
	var gwErr *GatewayError
	switch {
	case err == nil && result != nil:
		return string(result.Status)
	case errors.As(err, &invalid):
		return "invalid_input"
	case errors.Is(err, ErrEmailTaken):
		return "email_taken"
	case errors.Is(err, ErrPaymentRejected):
		return "payment_rejected"
	case errors.As(err, &gwErr):
		return "gateway_error"
	default:
		return "error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
