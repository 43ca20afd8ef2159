package billing

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/navalha/navalha/internal/cloudcp/cpmetrics"
	"github.com/navalha/navalha/internal/cloudcp/gateway"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

const (
	DefaultSweepSchedule = "@every 15m"

	// ExpiredAnnotation is written on pending signups closed by the sweeper.
	ExpiredAnnotation = "expired"

	sweepTimeout = 5 * time.Minute
)

// PendingSignupSweeper closes deferred signups whose transfer never arrived.
type PendingSignupSweeper struct {
	store   PendingSignupStore
	gateway gateway.Client
	now     func() time.Time
}

// NewPendingSignupSweeper creates a sweeper.
func NewPendingSignupSweeper(store PendingSignupStore, gw gateway.Client) *PendingSignupSweeper {
	return &PendingSignupSweeper{store: store, gateway: gw, now: time.Now}
}

// Schedule registers the sweep on c. An empty spec selects DefaultSweepSchedule.
func (s *PendingSignupSweeper) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	return c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		if _, err := s.Sweep(runCtx); err != nil {
			log.Error().Err(err).Msg("Pending signup sweep failed")
		}
	})
}

// Sweep closes every expired, unprocessed signup and returns how many it
// closed. The record is claimed before the gateway subscription is
// cancelled so a payment finalized concurrently is never cancelled.
func (s *PendingSignupSweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredPendingSignups(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, rec := range expired {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		err := s.store.MarkPendingSignupProcessed(ctx, rec.GatewayCustomerID, "", ExpiredAnnotation)
		if errors.Is(err, registry.ErrAlreadyProcessed) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("customer_id", rec.GatewayCustomerID).Msg("Sweeper: failed to close pending signup")
			continue
		}
		closed++
		cpmetrics.PendingSignupsSwept.Inc()

		if rec.GatewaySubscriptionID != "" {
			err := s.gateway.CancelSubscription(ctx, rec.GatewaySubscriptionID)
			bestEffort("cancel_subscription", err,
				"customer_id", rec.GatewayCustomerID,
				"subscription_id", rec.GatewaySubscriptionID,
			).Log()
		}
		log.Info().
			Str("customer_id", rec.GatewayCustomerID).
			Time("expired_at", rec.ExpiresAt).
			Msg("Expired pending signup closed")
	}
	return closed, nil
}
