package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/navalha/navalha/internal/cloudcp/cpmetrics"
	"github.com/navalha/navalha/internal/cloudcp/gateway"
	"github.com/navalha/navalha/internal/cloudcp/identity"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

// Outcome is the internal effect of one webhook event.
type Outcome string

const (
	OutcomeIgnored                  Outcome = "ignored"
	OutcomePendingSignupFinalized   Outcome = "pending_signup_finalized"
	OutcomeSubscriptionTransitioned Outcome = "subscription_transitioned"
	OutcomeDuplicateDropped         Outcome = "duplicate_dropped"
	// OutcomeLogged is an existing-tenant event recorded without a transition.
	OutcomeLogged Outcome = "logged"
	OutcomeFailed Outcome = "failed"
)

const cardRefusedReason = "credit card capture refused"

// Processor applies gateway notifications to local subscription state.
// Handle never returns an error: every failure is logged (and, for deferred
// signups, annotated on the pending record) so the webhook can acknowledge.
type Processor struct {
	deps Deps
	now  func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(deps Deps) *Processor {
	return &Processor{deps: deps, now: time.Now}
}

// Handle routes ev by its external reference and applies it.
func (p *Processor) Handle(ctx context.Context, ev *Event) (outcome Outcome) {
	logger := log.With().
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("reference", ev.Payment.ExternalReference).
		Logger()
	defer func() {
		cpmetrics.WebhookOutcomes.WithLabelValues(string(outcome)).Inc()
		logger.Info().Str("outcome", string(outcome)).Msg("Webhook event processed")
	}()

	if ev.Kind == KindUnknown {
		return OutcomeIgnored
	}
	ref := ev.Payment.ExternalReference
	if ref == "" {
		return OutcomeIgnored
	}
	if customerID, ok := strings.CutPrefix(ref, PendingReferencePrefix); ok {
		return p.handlePendingSignup(ctx, ev, strings.TrimSpace(customerID), logger)
	}
	return p.handleTenantEvent(ctx, ev, ref, logger)
}

func (p *Processor) handlePendingSignup(ctx context.Context, ev *Event, customerID string, logger zerolog.Logger) Outcome {
	// The tenant does not exist yet, so only a payment can change anything.
	if ev.Kind != KindPaid {
		return OutcomeIgnored
	}
	logger = logger.With().Str("customer_id", customerID).Logger()

	rec, err := p.deps.Store.GetPendingSignup(ctx, customerID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load pending signup")
		return OutcomeFailed
	}
	if rec == nil {
		logger.Warn().Err(ErrAnomalyIgnored).Msg("Payment for unknown pending signup")
		return OutcomeIgnored
	}
	if rec.Processed {
		return OutcomeDuplicateDropped
	}

	tenantID, err := p.finalize(ctx, rec, ev)
	if errors.Is(err, errFinalizedElsewhere) {
		return OutcomeDuplicateDropped
	}
	if err != nil {
		logger.Error().Err(err).Msg("Pending signup finalization failed")
		if annErr := p.deps.Store.AnnotatePendingSignupError(ctx, customerID, err.Error()); annErr != nil {
			logger.Error().Err(annErr).Msg("Failed to annotate pending signup")
		}
		return OutcomeFailed
	}
	logger.Info().Str("tenant_id", tenantID).Msg("Pending signup finalized")
	return OutcomePendingSignupFinalized
}

var errFinalizedElsewhere = errors.New("pending signup finalized by another delivery")

// finalize turns a paid pending signup into a tenant. The identity account
// is the idempotency witness: a second delivery fails on the unique email.
func (p *Processor) finalize(ctx context.Context, rec *registry.PendingSignupRecord, ev *Event) (tenantID string, err error) {
	customerID := rec.GatewayCustomerID
	fail := func(step string, err error) error {
		return &FinalizationError{CustomerID: customerID, Step: step, Err: err}
	}

	password, err := p.deps.Vault.Open(rec.EncryptedPassword)
	if err != nil {
		return "", fail("open_credential", err)
	}
	tenantID, err = registry.GenerateTenantID()
	if err != nil {
		return "", fail("generate_tenant_id", err)
	}

	err = createAccountWithPhoneFallback(ctx, p.deps.Identity, identity.NewAccount{
		TenantID: tenantID,
		Name:     rec.Name,
		Email:    rec.Email,
		Phone:    rec.Phone,
		Password: password,
	})
	if errors.Is(err, identity.ErrEmailTaken) {
		return p.resolveEmailClash(ctx, rec)
	}
	if err != nil {
		return "", fail("create_account", err)
	}

	subscriptionID := rec.GatewaySubscriptionID
	if subscriptionID == "" {
		subscriptionID = ev.Payment.Subscription
	}
	now := p.now().UTC()
	next := nextPaymentDate(ev.Payment.DueDate, now)
	sub := &registry.SubscriptionRecord{
		TenantID:              tenantID,
		Status:                registry.StatusActive,
		Plan:                  rec.Plan,
		SeatCount:             rec.SeatCount,
		MonthlyValue:          rec.MonthlyValue,
		BillingMethod:         rec.BillingMethod,
		GatewayCustomerID:     customerID,
		GatewaySubscriptionID: subscriptionID,
		StartDate:             now,
		LastPaymentDate:       &now,
		NextPaymentDate:       &next,
	}
	if err := p.deps.Store.CreateSubscription(ctx, sub); err != nil {
		if delErr := p.deps.Identity.DeleteAccount(context.WithoutCancel(ctx), tenantID); delErr != nil {
			log.Error().Err(delErr).
				Str("tenant_id", tenantID).
				Str("customer_id", customerID).
				Msg("Finalization rollback: failed to delete identity account")
		}
		return "", fail("create_subscription", err)
	}

	if err := p.deps.Store.AppendPaymentEvent(ctx, paymentEventFor(tenantID, ev, now)); err != nil && !errors.Is(err, registry.ErrDuplicateEvent) {
		bestEffort("record_finalization_event", err, "tenant_id", tenantID).Log()
	}
	patchGatewayReference(ctx, p.deps.Gateway, customerID, subscriptionID, tenantID)

	if err := p.deps.Store.MarkPendingSignupProcessed(ctx, customerID, tenantID, ""); err != nil {
		if !errors.Is(err, registry.ErrAlreadyProcessed) {
			return "", fail("mark_processed", err)
		}
		// A duplicate delivery may have marked it for this tenant already.
		// Anything else (the sweeper) closed a signup we just paid for.
		current, getErr := p.deps.Store.GetPendingSignup(ctx, customerID)
		if getErr != nil || current == nil || current.TenantID != tenantID {
			log.Error().Str("customer_id", customerID).Str("tenant_id", tenantID).
				Msg("Pending signup was closed while finalizing; tenant created, reconcile gateway subscription")
			return tenantID, nil
		}
	}

	notifyWelcome(ctx, p.deps.Notifier, rec.Email, rec.Name, sub)
	return tenantID, nil
}

// resolveEmailClash decides whether an existing account for the pending
// email is this signup finalized by an earlier delivery.
func (p *Processor) resolveEmailClash(ctx context.Context, rec *registry.PendingSignupRecord) (string, error) {
	fail := func(err error) error {
		return &FinalizationError{CustomerID: rec.GatewayCustomerID, Step: "create_account", Err: err}
	}
	account, err := p.deps.Identity.GetAccountByEmail(ctx, rec.Email)
	if err != nil {
		return "", fail(err)
	}
	if account == nil {
		return "", fail(identity.ErrEmailTaken)
	}
	sub, err := p.deps.Store.GetSubscription(ctx, account.ID)
	if err != nil {
		return "", fail(err)
	}
	switch {
	case sub == nil:
		// Another delivery created the account and is still writing the record.
		return "", errFinalizedElsewhere
	case sub.GatewayCustomerID == rec.GatewayCustomerID:
		err := p.deps.Store.MarkPendingSignupProcessed(ctx, rec.GatewayCustomerID, account.ID, "")
		if err != nil && !errors.Is(err, registry.ErrAlreadyProcessed) {
			return "", &FinalizationError{CustomerID: rec.GatewayCustomerID, Step: "mark_processed", Err: err}
		}
		return "", errFinalizedElsewhere
	default:
		return "", fail(fmt.Errorf("email belongs to tenant %s: %w", account.ID, identity.ErrEmailTaken))
	}
}

func (p *Processor) handleTenantEvent(ctx context.Context, ev *Event, tenantID string, logger zerolog.Logger) Outcome {
	logger = logger.With().Str("tenant_id", tenantID).Logger()

	seen, err := p.deps.Store.HasPaymentEvent(ctx, tenantID, ev.ID, string(ev.Type))
	if err != nil {
		logger.Error().Err(err).Msg("Idempotency lookup failed")
		return OutcomeFailed
	}
	if seen {
		return OutcomeDuplicateDropped
	}

	outcome := OutcomeLogged
	now := p.now().UTC()
	rec, err := p.deps.Store.GetSubscription(ctx, tenantID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load subscription")
		return OutcomeFailed
	}
	if rec == nil {
		logger.Warn().Err(ErrAnomalyIgnored).Msg("Event for tenant without subscription record")
	} else if applyTransition(rec, ev, now, logger) {
		if err := p.deps.Store.UpdateSubscriptionLifecycle(ctx, rec); err != nil {
			logger.Error().Err(err).Msg("Failed to persist subscription transition")
			return OutcomeFailed
		}
		outcome = OutcomeSubscriptionTransitioned
	}

	if err := p.deps.Store.AppendPaymentEvent(ctx, paymentEventFor(tenantID, ev, now)); err != nil {
		if errors.Is(err, registry.ErrDuplicateEvent) {
			// A concurrent delivery of the same event won the append; its
			// transition wrote the same fields.
			return OutcomeDuplicateDropped
		}
		logger.Error().Err(err).Msg("Failed to append payment event")
		return OutcomeFailed
	}
	return outcome
}

// applyTransition mutates rec per the event kind and reports whether
// anything changed. Fields are overwritten, last write wins; the one guard
// is that an overdue notice for a cycle already paid is ignored.
func applyTransition(rec *registry.SubscriptionRecord, ev *Event, now time.Time, logger zerolog.Logger) bool {
	switch ev.Kind {
	case KindPaid:
		next := nextPaymentDate(ev.Payment.DueDate, now)
		paidAt := now
		rec.Status = registry.StatusActive
		rec.LastPaymentDate = &paidAt
		rec.NextPaymentDate = &next
		rec.OverdueStartDate = nil
		rec.FailureReason = ""
		rec.EndDate = nil
		if rec.GatewaySubscriptionID == "" {
			rec.GatewaySubscriptionID = ev.Payment.Subscription
		}
		return true

	case KindOverdue:
		if staleOverdue(rec, ev) {
			logger.Info().
				Time("due_date", ev.Payment.DueDate.Time).
				Msg("Overdue notice for an already paid cycle; not applied")
			return false
		}
		if rec.Status != registry.StatusOverdue || rec.OverdueStartDate == nil {
			start := now
			rec.OverdueStartDate = &start
		}
		rec.Status = registry.StatusOverdue
		return true

	case KindCardRefused:
		rec.Status = registry.StatusPaymentFailed
		rec.FailureReason = cardRefusedReason
		if ev.Payment.ID != "" {
			rec.FailureReason += " (payment " + ev.Payment.ID + ")"
		}
		return true

	case KindReversed:
		rec.Status = registry.StatusBlocked
		return true
	}
	return false
}

// staleOverdue reports whether an overdue notice refers to a payment due
// before the cycle the record already considers paid.
func staleOverdue(rec *registry.SubscriptionRecord, ev *Event) bool {
	if rec.NextPaymentDate == nil || ev.Payment.DueDate.IsZero() {
		return false
	}
	return ev.Payment.DueDate.Before(*rec.NextPaymentDate)
}

func paymentEventFor(tenantID string, ev *Event, now time.Time) *registry.PaymentEvent {
	return &registry.PaymentEvent{
		TenantID:      tenantID,
		EventID:       ev.ID,
		Type:          string(ev.Type),
		Timestamp:     now,
		Amount:        ev.Payment.Value.Decimal,
		BillingMethod: string(ev.Payment.BillingType),
		RawPayload:    string(ev.Raw),
	}
}

// RetryFinalization re-runs a failed deferred signup once the gateway
// reports its payment as paid. Used by operators after fixing the cause of
// an annotated failure.
func (p *Processor) RetryFinalization(ctx context.Context, customerID string) (string, error) {
	rec, err := p.deps.Store.GetPendingSignup(ctx, customerID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("pending signup %q: %w", customerID, registry.ErrNotFound)
	}
	if rec.Processed {
		return "", registry.ErrAlreadyProcessed
	}

	payments, err := p.deps.Gateway.ListSubscriptionPayments(ctx, rec.GatewaySubscriptionID)
	if err != nil {
		return "", gatewayError("list_payments", err)
	}
	var paid *gateway.Payment
	for i := range payments {
		if gateway.IsPaid(payments[i].Status) {
			paid = &payments[i]
			break
		}
	}
	if paid == nil {
		return "", ErrPaymentRejected
	}

	ev := &Event{
		ID:   "retry:" + paid.ID,
		Type: EventPaymentReceived,
		Kind: KindPaid,
		Payment: PaymentPayload{
			ID:                paid.ID,
			Customer:          customerID,
			Subscription:      rec.GatewaySubscriptionID,
			ExternalReference: PendingReferencePrefix + customerID,
			Value:             paid.Value,
			DueDate:           paid.DueDate,
			Status:            paid.Status,
			BillingType:       paid.BillingType,
		},
	}
	tenantID, err := p.finalize(ctx, rec, ev)
	if errors.Is(err, errFinalizedElsewhere) {
		return "", registry.ErrAlreadyProcessed
	}
	if err != nil {
		if annErr := p.deps.Store.AnnotatePendingSignupError(ctx, customerID, err.Error()); annErr != nil {
			log.Error().Err(annErr).Str("customer_id", customerID).Msg("Failed to annotate pending signup")
		}
		return "", err
	}
	log.Info().Str("customer_id", customerID).Str("tenant_id", tenantID).Msg("Pending signup finalized by retry")
	return tenantID, nil
}
