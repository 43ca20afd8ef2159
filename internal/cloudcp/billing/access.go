package billing

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navalha/navalha/internal/cloudcp/cpmetrics"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

// GracePeriodDays is how long an overdue tenant keeps access.
const GracePeriodDays = 5

type Verdict string

const (
	VerdictAllow                Verdict = "allow"
	VerdictAllowWithBanner      Verdict = "allow_with_banner"
	VerdictAwaitingConfirmation Verdict = "awaiting_confirmation"
	VerdictBlock                Verdict = "block"
)

// Block reasons.
const (
	ReasonNoSubscription = "no_subscription"
	ReasonOverdue        = "overdue"
	ReasonBlocked        = "blocked"
	ReasonCancelled      = "cancelled"
	ReasonPaymentFailed  = "payment_failed"
)

// Decision is the access verdict for one tenant at one instant.
type Decision struct {
	Verdict  Verdict `json:"verdict"`
	DaysLeft int     `json:"daysLeft"`
	Reason   string  `json:"reason,omitempty"`
}

// Allowed reports whether the tenant may use the product.
func (d Decision) Allowed() bool {
	return d.Verdict != VerdictBlock
}

// Decide maps a subscription record to an access verdict. It is pure apart
// from a warning log for unrecognized statuses, which are allowed so an
// unexpected value never locks a paying tenant out.
func Decide(rec *registry.SubscriptionRecord, now time.Time) Decision {
	if rec == nil {
		return Decision{Verdict: VerdictBlock, Reason: ReasonNoSubscription}
	}
	switch rec.Status {
	case registry.StatusActive, registry.StatusDemoApproved:
		return Decision{Verdict: VerdictAllow}
	case registry.StatusPendingPayment:
		return Decision{Verdict: VerdictAwaitingConfirmation}
	case registry.StatusOverdue:
		if rec.OverdueStartDate == nil {
			log.Warn().Str("tenant_id", rec.TenantID).Msg("Overdue subscription without overdue start date")
			return Decision{Verdict: VerdictAllowWithBanner, DaysLeft: GracePeriodDays}
		}
		daysOverdue := int(now.Sub(*rec.OverdueStartDate) / (24 * time.Hour))
		if daysOverdue < 0 {
			daysOverdue = 0
		}
		if daysOverdue <= GracePeriodDays {
			return Decision{Verdict: VerdictAllowWithBanner, DaysLeft: GracePeriodDays - daysOverdue}
		}
		return Decision{Verdict: VerdictBlock, Reason: ReasonOverdue}
	case registry.StatusBlocked:
		return Decision{Verdict: VerdictBlock, Reason: ReasonBlocked}
	case registry.StatusCancelled:
		return Decision{Verdict: VerdictBlock, Reason: ReasonCancelled}
	case registry.StatusPaymentFailed:
		return Decision{Verdict: VerdictBlock, Reason: ReasonPaymentFailed}
	default:
		log.Warn().
			Str("tenant_id", rec.TenantID).
			Str("status", string(rec.Status)).
			Msg("Unrecognized subscription status; allowing access")
		return Decision{Verdict: VerdictAllow}
	}
}

// RequireAccess gates tenant routes on the subscription. It must run inside
// a session middleware that put the tenant id in the request context.
func RequireAccess(store SubscriptionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := SessionFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "session required")
			return
		}
		rec, err := store.GetSubscription(r.Context(), claims.TenantID())
		if err != nil {
			log.Error().Err(err).Str("tenant_id", claims.TenantID()).Msg("Access check: failed to load subscription")
			writeError(w, http.StatusInternalServerError, "internal_error", "could not load subscription")
			return
		}

		d := Decide(rec, time.Now().UTC())
		cpmetrics.AccessDecisions.WithLabelValues(string(d.Verdict), d.Reason).Inc()
		switch d.Verdict {
		case VerdictBlock:
			writeJSON(w, http.StatusPaymentRequired, map[string]string{
				"code":   "subscription_blocked",
				"reason": d.Reason,
			})
			return
		case VerdictAllowWithBanner:
			w.Header().Set("X-Subscription-Banner-Days", strconv.Itoa(d.DaysLeft))
		case VerdictAwaitingConfirmation:
			w.Header().Set("X-Subscription-State", string(VerdictAwaitingConfirmation))
		}
		next.ServeHTTP(w, r.WithContext(withDecision(r.Context(), d)))
	})
}

type decisionKey struct{}

func withDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the verdict computed by RequireAccess.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}
