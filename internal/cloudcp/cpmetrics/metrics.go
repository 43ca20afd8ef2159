package cpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscriptionsByStatus tracks the number of tenants in each subscription status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "navalha",
		Subsystem: "cp",
		Name:      "subscriptions_by_status",
		Help:      "Number of tenant subscriptions by status.",
	}, []string{"status"})

	// PendingSignupsOpen tracks deferred signups still waiting for payment.
	PendingSignupsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "navalha",
		Subsystem: "cp",
		Name:      "pending_signups_open",
		Help:      "Deferred signups not yet processed.",
	})

	// WebhookRequestsTotal counts gateway webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navalha",
		Subsystem: "cp",
		Name:      "webhook_requests_total",
		Help:      "Total gateway webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks gateway webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "navalha",
		Subsystem: "cp",
		Name:      "webhook_duration_seconds",
		Help:      "Gateway webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookOutcomes counts the internal effect of each processed webhook.
	WebhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navalha",
		Subsystem: "cp",
		Name:      "webhook_outcomes_total",
		Help:      "Webhook events by processing outcome.",
	}, []string{"outcome"})

	// SignupTotal counts signup attempts by billing method and outcome.
	SignupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navalha",
		Subsystem: "cp",
		Name:      "signup_total",
		Help:      "Total signup attempts by billing method and outcome.",
	}, []string{"billing_method", "outcome"})

	// CardPollAttempts observes how many polls a card signup needed.
	CardPollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "navalha",
		Subsystem: "cp",
		Name:      "card_poll_attempts",
		Help:      "Payment status polls performed per card signup.",
		Buckets:   []float64{1, 2, 3, 4, 6, 8},
	})

	// GatewayErrorsTotal counts failed gateway calls by operation.
	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navalha",
		Subsystem: "cp",
		Name:      "gateway_errors_total",
		Help:      "Failed payment gateway calls by operation.",
	}, []string{"op"})

	// PendingSignupsSwept counts expired deferred signups closed by the sweeper.
	PendingSignupsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "navalha",
		Subsystem: "cp",
		Name:      "pending_signups_swept_total",
		Help:      "Expired deferred signups closed by the sweeper.",
	})

	// AccessDecisions counts access verdicts served to tenant requests.
	AccessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navalha",
		Subsystem: "cp",
		Name:      "access_decisions_total",
		Help:      "Access verdicts by verdict and reason.",
	}, []string{"verdict", "reason"})
)
