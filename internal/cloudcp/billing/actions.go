package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navalha/navalha/internal/cloudcp/gateway"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

// Actions are the subscription changes a tenant makes for itself.
type Actions struct {
	gateway gateway.Client
	store   SubscriptionStore
	now     func() time.Time
}

// NewActions creates Actions.
func NewActions(gw gateway.Client, store SubscriptionStore) *Actions {
	return &Actions{gateway: gw, store: store, now: time.Now}
}

func (a *Actions) load(ctx context.Context, tenantID string) (*registry.SubscriptionRecord, error) {
	rec, err := a.store.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if rec == nil {
		return nil, ErrNoSubscription
	}
	return rec, nil
}

// CancelSubscription cancels at the gateway first; the record is only
// marked cancelled once the gateway agreed.
func (a *Actions) CancelSubscription(ctx context.Context, tenantID string) (*registry.SubscriptionRecord, error) {
	rec, err := a.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rec.Status == registry.StatusCancelled {
		return rec, nil
	}
	if rec.GatewaySubscriptionID != "" {
		if err := a.gateway.CancelSubscription(ctx, rec.GatewaySubscriptionID); err != nil {
			return nil, gatewayError("cancel_subscription", err)
		}
	}

	end := a.now().UTC()
	rec.Status = registry.StatusCancelled
	rec.EndDate = &end
	rec.OverdueStartDate = nil
	if err := a.store.UpdateSubscriptionLifecycle(ctx, rec); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	log.Info().Str("tenant_id", tenantID).Msg("Subscription cancelled by tenant")
	return rec, nil
}

// ChangeSeats reprices the subscription for a new seat count.
func (a *Actions) ChangeSeats(ctx context.Context, tenantID string, seats int) (*registry.SubscriptionRecord, error) {
	if seats < MinSeats || seats > MaxSeats {
		return nil, &InvalidInputError{Fields: map[string]string{"seatCount": "must be between 1 and 50"}}
	}
	rec, err := a.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rec.Status == registry.StatusCancelled {
		return nil, &InvalidInputError{Fields: map[string]string{"subscription": "is cancelled"}}
	}
	if rec.SeatCount == seats {
		return rec, nil
	}

	value, err := MonthlyValue(rec.Plan, seats)
	if err != nil {
		return nil, err
	}
	if rec.GatewaySubscriptionID != "" {
		money := gateway.NewMoney(value)
		if err := a.gateway.UpdateSubscription(ctx, rec.GatewaySubscriptionID, gateway.SubscriptionUpdate{
			Value:                 &money,
			UpdatePendingPayments: true,
		}); err != nil {
			return nil, gatewayError("update_subscription", err)
		}
	}

	previous := rec.SeatCount
	if err := a.store.UpdateSubscriptionSeats(ctx, tenantID, seats, value); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	rec.SeatCount = seats
	rec.MonthlyValue = value
	log.Info().
		Str("tenant_id", tenantID).
		Int("from_seats", previous).
		Int("to_seats", seats).
		Str("monthly_value", value.StringFixed(2)).
		Msg("Subscription seats changed")
	return rec, nil
}
