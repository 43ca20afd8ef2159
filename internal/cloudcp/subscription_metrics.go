package cloudcp

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navalha/navalha/internal/cloudcp/cpmetrics"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

const subscriptionMetricsInterval = 30 * time.Second

func runSubscriptionMetrics(ctx context.Context, reg *registry.TenantRegistry) {
	ticker := time.NewTicker(subscriptionMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for these gauges.
	updateSubscriptionGauges(ctx, reg)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSubscriptionGauges(ctx, reg)
		}
	}
}

func updateSubscriptionGauges(ctx context.Context, reg *registry.TenantRegistry) {
	counts, err := reg.CountSubscriptionsByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update subscription status metrics")
		return
	}

	seen := make(map[registry.SubscriptionStatus]struct{}, len(counts))

	// Ensure stable label set for known statuses.
	for _, status := range registry.KnownStatuses {
		seen[status] = struct{}{}
		cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	// Statuses written by an older release still get a series.
	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		cpmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}

	open, err := reg.CountOpenPendingSignups(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update pending signup metrics")
		return
	}
	cpmetrics.PendingSignupsOpen.Set(float64(open))
}
